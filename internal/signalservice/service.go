package signalservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwillem/signal-courier/internal/signalcrypto"
	"github.com/gwillem/signal-courier/internal/store"
)

// Service provides access to the server API and owns the components built
// on it: prekey lifecycle, session establishment, message delivery and
// attachments.
type Service struct {
	transport  *Transport
	store      *store.LocalStore
	crypto     signalcrypto.Provider
	cfg        Config
	log        zerolog.Logger
	queue      *WorkQueue
	wsURL      string
	httpClient *http.Client
	now        func() time.Time

	account atomic.Pointer[store.Sender]

	PreKeys     *PreKeyManager
	Sessions    *SessionEstablisher
	Attachments *AttachmentPipeline
	Delivery    *Coordinator
}

// ServiceConfig holds configuration for creating a Service.
type ServiceConfig struct {
	APIURL     string
	WSURL      string
	HTTPClient *http.Client
	Store      *store.LocalStore
	Crypto     signalcrypto.Provider
	Config     Config
	Logger     zerolog.Logger
}

// NewService creates a Service. A nil Crypto uses the default provider.
func NewService(cfg ServiceConfig) *Service {
	c := cfg.Config.withDefaults()
	provider := cfg.Crypto
	if provider == nil {
		provider = signalcrypto.NewDefaultProvider()
	}
	s := &Service{
		transport:  NewTransport(cfg.APIURL, cfg.HTTPClient, c.RequestTimeout, cfg.Logger.With().Str("component", "http").Logger()),
		store:      cfg.Store,
		crypto:     provider,
		cfg:        c,
		log:        cfg.Logger,
		queue:      NewWorkQueue(),
		wsURL:      cfg.WSURL,
		httpClient: cfg.HTTPClient,
		now:        time.Now,
	}
	s.PreKeys = &PreKeyManager{s: s, log: s.log.With().Str("component", "prekeys").Logger()}
	s.Sessions = &SessionEstablisher{s: s, log: s.log.With().Str("component", "sessions").Logger()}
	s.Attachments = &AttachmentPipeline{s: s, log: s.log.With().Str("component", "attachments").Logger()}
	s.Delivery = &Coordinator{s: s, log: s.log.With().Str("component", "delivery").Logger()}
	return s
}

// Close waits for background attachment work and stops the work queue.
func (s *Service) Close() {
	s.Attachments.Wait()
	s.queue.Close()
}

// Account returns the stored account credentials.
func (s *Service) Account() (*store.Sender, error) {
	if a := s.account.Load(); a != nil {
		return a, nil
	}
	a, err := s.store.Sender()
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if a == nil {
		return nil, ErrNotRegistered
	}
	s.account.Store(a)
	return a, nil
}

func (s *Service) auth() (*BasicAuth, error) {
	a, err := s.Account()
	if err != nil {
		return nil, err
	}
	return &BasicAuth{Username: a.Username, Password: a.Password}, nil
}

// LocalIdentity returns the local account name, or "" when unregistered.
func (s *Service) LocalIdentity() string {
	a, err := s.Account()
	if err != nil {
		return ""
	}
	return a.Username
}

// --- Accounts API ---

// FetchTimestamp returns the server's current time in milliseconds.
func (s *Service) FetchTimestamp(ctx context.Context) (int64, error) {
	var resp TimestampResponse
	if err := s.transport.GetJSON(ctx, "/v1/accounts/bootstrap/", nil, &resp); err != nil {
		return 0, fmt.Errorf("fetch timestamp: %w", err)
	}
	return resp.Timestamp, nil
}

// --- Keys API ---

// GetPreKeyBundle fetches the prekey bundles of every device of name.
func (s *Service) GetPreKeyBundle(ctx context.Context, name string) (*PreKeyResponse, error) {
	auth, err := s.auth()
	if err != nil {
		return nil, err
	}
	var resp PreKeyResponse
	if err := s.transport.GetJSON(ctx, "/v2/keys/"+url.PathEscape(name)+"/*", auth, &resp); err != nil {
		var he *HTTPError
		if errors.As(err, &he) && he.Status == http.StatusNotFound {
			return nil, fmt.Errorf("get prekey bundle %s: %w", name, ErrNoBundle)
		}
		return nil, fmt.Errorf("get prekey bundle %s: %w", name, err)
	}
	return &resp, nil
}

// GetPreKeyCount returns the number of one-time prekeys the server holds.
func (s *Service) GetPreKeyCount(ctx context.Context) (int, error) {
	auth, err := s.auth()
	if err != nil {
		return 0, err
	}
	var resp PreKeyCount
	if err := s.transport.GetJSON(ctx, "/v2/keys", auth, &resp); err != nil {
		return 0, fmt.Errorf("get prekey count: %w", err)
	}
	return resp.Count, nil
}

// GetSignedPreKey returns the signed prekey the server currently advertises.
func (s *Service) GetSignedPreKey(ctx context.Context) (*SignedPreKeyEntity, error) {
	auth, err := s.auth()
	if err != nil {
		return nil, err
	}
	var resp SignedPreKeyEntity
	if err := s.transport.GetJSON(ctx, "/v2/keys/signed", auth, &resp); err != nil {
		return nil, fmt.Errorf("get signed prekey: %w", err)
	}
	return &resp, nil
}

// UploadPreKeys registers new one-time prekeys and a signed prekey.
func (s *Service) UploadPreKeys(ctx context.Context, keys *PreKeyUpload) error {
	return s.putKeys(ctx, "/v2/keys", keys)
}

// UploadSignedPreKey registers a rotated signed prekey.
func (s *Service) UploadSignedPreKey(ctx context.Context, spk SignedPreKeyEntity) error {
	return s.putKeys(ctx, "/v2/keys/signed", spk)
}

func (s *Service) putKeys(ctx context.Context, path string, body any) error {
	auth, err := s.auth()
	if err != nil {
		return err
	}
	respBody, status, err := s.transport.PutJSON(ctx, path, body, auth)
	if err != nil {
		return fmt.Errorf("upload keys: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return &HTTPError{Op: "PUT " + path, Status: status, Body: respBody}
	}
	return nil
}

// --- Messages API ---

// PutMessages delivers encrypted messages to the devices of name.
// Returns *MismatchedDevicesError for 409 and *StaleDevicesError for 410.
func (s *Service) PutMessages(ctx context.Context, name string, msg *OutgoingMessageList) error {
	auth, err := s.auth()
	if err != nil {
		return err
	}
	path := "/v1/messages/" + url.PathEscape(name)
	respBody, status, err := s.transport.PutJSON(ctx, path, msg, auth)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict:
		var parsed MismatchedDevicesError
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return &HTTPError{Op: "PUT " + path, Status: status, Body: respBody}
		}
		return &parsed
	case status == http.StatusGone:
		var parsed StaleDevicesError
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return &HTTPError{Op: "PUT " + path, Status: status, Body: respBody}
		}
		return &parsed
	default:
		return &HTTPError{Op: "PUT " + path, Status: status, Body: respBody}
	}
}

// --- Attachments API ---

// AllocateAttachment reserves an attachment id and an upload location.
func (s *Service) AllocateAttachment(ctx context.Context) (*AttachmentAllocation, error) {
	auth, err := s.auth()
	if err != nil {
		return nil, err
	}
	var resp AttachmentAllocation
	if err := s.transport.GetJSON(ctx, "/v1/attachments", auth, &resp); err != nil {
		return nil, fmt.Errorf("allocate attachment: %w", err)
	}
	return &resp, nil
}

// AttachmentLocation resolves the download location of an attachment.
func (s *Service) AttachmentLocation(ctx context.Context, id uint64) (string, error) {
	auth, err := s.auth()
	if err != nil {
		return "", err
	}
	var resp AttachmentLocation
	if err := s.transport.GetJSON(ctx, "/v1/attachments/"+strconv.FormatUint(id, 10), auth, &resp); err != nil {
		return "", fmt.Errorf("attachment location %d: %w", id, err)
	}
	return resp.Location, nil
}
