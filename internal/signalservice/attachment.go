package signalservice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/signal-courier/internal/proto"
	"github.com/gwillem/signal-courier/internal/store"
)

// AttachmentPipeline uploads outgoing attachments and downloads the ones
// referenced by incoming messages.
type AttachmentPipeline struct {
	s   *Service
	log zerolog.Logger
	wg  sync.WaitGroup
}

// Upload allocates a server slot, encrypts data and PUTs the ciphertext.
// The returned pointer is persisted as completed. No pointer exists when
// any step fails.
func (p *AttachmentPipeline) Upload(ctx context.Context, data []byte, contentType, fileName string) (*store.AttachmentPointer, error) {
	return p.upload(ctx, Attachment{Data: data, ContentType: contentType, FileName: fileName}, "")
}

func (p *AttachmentPipeline) upload(ctx context.Context, a Attachment, ownerID string) (*store.AttachmentPointer, error) {
	data := a.Data
	alloc, err := p.s.AllocateAttachment(ctx)
	if err != nil {
		return nil, err
	}
	enc, err := p.s.crypto.EncryptAttachment(data)
	if err != nil {
		return nil, fmt.Errorf("attachment: encrypt: %w", err)
	}
	body, status, err := p.s.transport.PutURL(ctx, alloc.Location, enc.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("attachment: upload %d: %w", alloc.ID, err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return nil, &HTTPError{Op: "PUT attachment", Status: status, Body: body}
	}

	ptr := &store.AttachmentPointer{
		UniqueID:       uuid.NewString(),
		ServerID:       alloc.ID,
		Key:            enc.Key,
		Digest:         enc.Digest,
		Size:           uint32(len(data)),
		ContentType:    a.ContentType,
		FileName:       a.FileName,
		State:          store.AttachmentCompleted,
		Data:           data,
		OwnerMessageID: ownerID,
	}
	if err := p.s.store.SaveAttachment(ptr); err != nil {
		return nil, fmt.Errorf("attachment: save: %w", err)
	}
	p.log.Debug().Uint64("server_id", ptr.ServerID).Int("size", len(data)).Msg("uploaded")
	return ptr, nil
}

// UploadAll uploads attachments concurrently and returns the pointers of
// the ones that succeeded, in input order. Failures are logged and left
// out of the result.
func (p *AttachmentPipeline) UploadAll(ctx context.Context, ownerID string, attachments []Attachment) []*store.AttachmentPointer {
	if len(attachments) == 0 {
		return nil
	}
	results := make([]*store.AttachmentPointer, len(attachments))
	var g errgroup.Group
	g.SetLimit(p.s.cfg.AttachmentConcurrency)
	for i, a := range attachments {
		g.Go(func() error {
			ptr, err := p.upload(ctx, a, ownerID)
			if err != nil {
				p.log.Warn().Err(err).Str("message", ownerID).Int("index", i).Msg("attachment upload failed, dropping it")
				return nil
			}
			results[i] = ptr
			return nil
		})
	}
	_ = g.Wait()

	out := results[:0]
	for _, ptr := range results {
		if ptr != nil {
			out = append(out, ptr)
		}
	}
	return out
}

// Fetch downloads and decrypts the attachment with the given pointer id.
// The pointer moves to Downloading, then to Completed with its data, or to
// Failed; each state is persisted. On completion the pointer id is
// appended to the owning message.
func (p *AttachmentPipeline) Fetch(ctx context.Context, pointerID string) (*store.AttachmentPointer, error) {
	ptr, err := p.s.store.ClaimAttachment(pointerID)
	if errors.Is(err, store.ErrAttachmentClaimed) {
		return nil, fmt.Errorf("attachment %s: %w", pointerID, ErrAttachmentBusy)
	}
	if err != nil {
		return nil, fmt.Errorf("attachment %s: %w", pointerID, err)
	}
	log := p.log.With().Str("attachment", ptr.UniqueID).Uint64("server_id", ptr.ServerID).Logger()

	data, err := p.download(ctx, ptr)
	if err != nil {
		ptr.State = store.AttachmentFailed
		if serr := p.s.store.SaveAttachment(ptr); serr != nil {
			log.Error().Err(serr).Msg("failed to persist failed state")
		}
		log.Warn().Err(err).Msg("download failed")
		return ptr, fmt.Errorf("attachment %s: %w", pointerID, err)
	}

	ptr.Data = data
	ptr.State = store.AttachmentCompleted
	if err := p.s.store.SaveAttachment(ptr); err != nil {
		return ptr, fmt.Errorf("attachment %s: %w", pointerID, err)
	}
	if ptr.OwnerMessageID != "" {
		if err := p.s.store.AppendAttachment(ptr.OwnerMessageID, ptr.UniqueID); err != nil {
			return ptr, fmt.Errorf("attachment %s: append to %s: %w", pointerID, ptr.OwnerMessageID, err)
		}
	}
	log.Debug().Int("size", len(data)).Msg("downloaded")
	return ptr, nil
}

func (p *AttachmentPipeline) download(ctx context.Context, ptr *store.AttachmentPointer) ([]byte, error) {
	location, err := p.s.AttachmentLocation(ctx, ptr.ServerID)
	if err != nil {
		return nil, err
	}
	body, status, err := p.s.transport.GetURL(ctx, location)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &HTTPError{Op: "GET attachment", Status: status, Body: body}
	}
	return p.s.crypto.DecryptAttachment(body, ptr.Key, ptr.Digest, ptr.Size)
}

// FetchAll records the attachments of an incoming message as enqueued and
// downloads them in the background. Each download completes
// independently; Wait blocks until all of them are done.
func (p *AttachmentPipeline) FetchAll(ctx context.Context, ownerID string, pointers []*proto.AttachmentPointer) []*store.AttachmentPointer {
	var saved []*store.AttachmentPointer
	for _, ap := range pointers {
		ptr := &store.AttachmentPointer{
			UniqueID:       uuid.NewString(),
			ServerID:       ap.ID,
			Key:            ap.Key,
			Digest:         ap.Digest,
			Size:           ap.Size,
			ContentType:    ap.ContentType,
			FileName:       ap.FileName,
			State:          store.AttachmentEnqueued,
			OwnerMessageID: ownerID,
		}
		if err := p.s.store.SaveAttachment(ptr); err != nil {
			p.log.Error().Err(err).Str("message", ownerID).Msg("failed to record attachment")
			continue
		}
		saved = append(saved, ptr)
	}
	if len(saved) == 0 {
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		var g errgroup.Group
		g.SetLimit(p.s.cfg.AttachmentConcurrency)
		for _, ptr := range saved {
			g.Go(func() error {
				_, err := p.Fetch(ctx, ptr.UniqueID)
				if errors.Is(err, ErrAttachmentBusy) {
					return nil
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			p.log.Debug().Err(err).Str("message", ownerID).Msg("some attachments failed")
		}
	}()
	return saved
}

// Wait blocks until background downloads started by FetchAll finish.
func (p *AttachmentPipeline) Wait() {
	p.wg.Wait()
}
