package signalservice

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/gwillem/signal-courier/internal/proto"
	"github.com/gwillem/signal-courier/internal/signalcrypto"
	"github.com/gwillem/signal-courier/internal/store"
)

// Coordinator owns the send and receive pipelines, device remediation and
// group message handling.
type Coordinator struct {
	s   *Service
	log zerolog.Logger
}

// Attachment is raw data uploaded alongside an outgoing message.
type Attachment struct {
	Data        []byte
	ContentType string
	FileName    string
}

// SendMessage uploads attachments, then encrypts and delivers msg to every
// recipient except the local account. Every state transition of msg is
// persisted. On return msg is Sent if at least one recipient accepted it,
// or there was nobody to send to, and Unsent otherwise. Per-recipient
// failures are joined into the returned error.
func (c *Coordinator) SendMessage(ctx context.Context, msg *store.Message, recipients []string, attachments ...Attachment) error {
	return c.send(ctx, msg, recipients, attachments, true)
}

func (c *Coordinator) send(ctx context.Context, msg *store.Message, recipients []string, attachments []Attachment, persist bool) error {
	if msg.Kind != store.KindOutgoing {
		return fmt.Errorf("send: message %s is %s, not outgoing", msg.UniqueID, msg.Kind)
	}
	account, err := c.s.Account()
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	log := c.log.With().Str("message", msg.UniqueID).Logger()

	setState := func(state store.OutgoingState) {
		if msg.State == state {
			return
		}
		msg.State = state
		if !persist {
			return
		}
		if err := c.s.store.SaveMessage(msg); err != nil {
			log.Error().Err(err).Stringer("state", state).Msg("failed to persist message state")
		}
	}
	setState(store.StateAttemptingOut)

	pointers := c.s.Attachments.UploadAll(ctx, msg.UniqueID, attachments)
	for _, p := range pointers {
		msg.AttachmentPointerIDs = append(msg.AttachmentPointerIDs, p.UniqueID)
	}

	if ts, err := c.s.FetchTimestamp(ctx); err == nil && ts > 0 {
		msg.Timestamp = uint64(ts)
	} else if err != nil {
		log.Debug().Err(err).Msg("using local timestamp")
	}

	content, err := c.buildContent(msg, pointers)
	if err != nil {
		setState(store.StateUnsent)
		return fmt.Errorf("send: %w", err)
	}

	var errs []error
	for _, name := range recipients {
		if name == account.Username {
			continue
		}
		if err := c.sendToRecipient(ctx, name, content, msg.Timestamp); err != nil {
			log.Warn().Err(err).Str("recipient", name).Msg("send failed")
			errs = append(errs, fmt.Errorf("send to %s: %w", name, err))
			if msg.State != store.StateSent {
				setState(store.StateUnsent)
			}
			continue
		}
		log.Debug().Str("recipient", name).Msg("sent")
		setState(store.StateSent)
	}
	if msg.State == store.StateAttemptingOut {
		setState(store.StateSent)
	}
	return errors.Join(errs...)
}

func (c *Coordinator) sendToRecipient(ctx context.Context, name string, content []byte, timestamp uint64) error {
	devices, err := c.devicesFor(name)
	if err != nil {
		return err
	}
	padded := padMessage(content)
	return c.withDeviceRetry(ctx, name, devices, func(devices []uint32) error {
		return c.trySend(ctx, name, devices, padded, timestamp)
	})
}

// devicesFor returns the recipient's primary device plus every device a
// session exists for.
func (c *Coordinator) devicesFor(name string) ([]uint32, error) {
	rec, err := c.s.store.FetchOrCreateRecipient(name, 1)
	if err != nil {
		return nil, err
	}
	devices, err := c.s.store.SessionDevices(name)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(devices, rec.DeviceID) {
		devices = append(devices, rec.DeviceID)
	}
	slices.Sort(devices)
	return devices, nil
}

// trySend encrypts the padded content for each device and delivers the
// result in one request. Session establishment and encryption run as one
// queue job so no other job touches these sessions in between.
func (c *Coordinator) trySend(ctx context.Context, name string, devices []uint32, padded []byte, timestamp uint64) error {
	var messages []OutgoingMessage
	err := c.s.queue.Do(ctx, func() error {
		if err := c.s.Sessions.ensureDevices(ctx, name, devices); err != nil {
			return err
		}
		for _, id := range devices {
			addr := signalcrypto.Address{Name: name, DeviceID: id}
			ct, err := c.s.crypto.Encrypt(c.s.store, addr, padded)
			if err != nil {
				return fmt.Errorf("encrypt for %s: %w", addr, err)
			}
			regID, err := c.s.crypto.RemoteRegistrationID(c.s.store, addr)
			if err != nil {
				return fmt.Errorf("registration id of %s: %w", addr, err)
			}
			messages = append(messages, OutgoingMessage{
				Type:                      envelopeTypeForCiphertext(ct.Type),
				Destination:               name,
				DestinationDeviceID:       id,
				DestinationRegistrationID: regID,
				Content:                   base64.StdEncoding.EncodeToString(ct.Bytes),
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	return c.s.PutMessages(ctx, name, &OutgoingMessageList{Timestamp: timestamp, Messages: messages})
}

func envelopeTypeForCiphertext(t signalcrypto.CiphertextType) proto.EnvelopeType {
	if t == signalcrypto.CiphertextPreKey {
		return proto.EnvelopePreKeyBundle
	}
	return proto.EnvelopeCiphertext
}

// buildContent serializes the Content for msg. Messages in a group chat
// carry a GroupContext derived from the chat and msg.GroupMetaType.
func (c *Coordinator) buildContent(msg *store.Message, pointers []*store.AttachmentPointer) ([]byte, error) {
	dm := &proto.DataMessage{
		Body:      msg.Body,
		Timestamp: msg.Timestamp,
	}
	for _, p := range pointers {
		dm.Attachments = append(dm.Attachments, &proto.AttachmentPointer{
			ID:          p.ServerID,
			ContentType: p.ContentType,
			Key:         p.Key,
			Size:        p.Size,
			Digest:      p.Digest,
			FileName:    p.FileName,
		})
	}

	// Group chats are the only chats without a single recipient.
	chat := c.s.store.Chat(msg.ChatID)
	if chat != nil && chat.RecipientIdentifier == "" {
		dm.Group = groupContext(chat, msg.GroupMetaType)
	}
	return (&proto.Content{DataMessage: dm}).Marshal(), nil
}

func groupContext(chat *store.Chat, meta store.GroupMetaType) *proto.GroupContext {
	g := &proto.GroupContext{ID: groupIDBytes(chat.UniqueID)}
	switch meta {
	case store.GroupMetaNew, store.GroupMetaUpdate:
		g.Type = proto.GroupUpdate
		g.Name = chat.Name
		g.Members = slices.Clone(chat.RecipientIdentifiers)
	case store.GroupMetaQuit:
		g.Type = proto.GroupQuit
	case store.GroupMetaRequestInfo:
		g.Type = proto.GroupRequestInfo
	default:
		g.Type = proto.GroupDeliver
	}
	return g
}

// Group chats are keyed by the hex encoding of the protocol group id.
func groupIDString(id []byte) string { return hex.EncodeToString(id) }

func groupIDBytes(chatID string) []byte {
	if b, err := hex.DecodeString(chatID); err == nil && len(b) > 0 {
		return b
	}
	return []byte(chatID)
}
