// Package courier provides a high-level client for an end-to-end encrypted
// messaging service: account bootstrap, one-to-one and group messaging,
// attachments and a locally persisted chat history.
package courier

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwillem/signal-courier/internal/signalcrypto"
	"github.com/gwillem/signal-courier/internal/signalservice"
	"github.com/gwillem/signal-courier/internal/store"
)

type (
	// Message is a persisted incoming, outgoing or info message.
	Message = store.Message
	// Chat is a one-to-one or group conversation.
	Chat = store.Chat
	// Event is a store change notification.
	Event = store.Event
	// Attachment is an outgoing file.
	Attachment = signalservice.Attachment
	// ReplenishMode says which prekeys a check replaced.
	ReplenishMode = signalservice.ReplenishMode
)

const defaultAPIURL = "https://chat.internal.service.toshi.org"

// ErrNotOpen is returned by methods that need the store before Open.
var ErrNotOpen = errors.New("client: not open")

// Client is the main entry point.
type Client struct {
	apiURL     string
	wsURL      string
	dbPath     string
	log        zerolog.Logger
	httpClient *http.Client
	crypto     signalcrypto.Provider
	cfg        signalservice.Config

	store   *store.LocalStore
	service *signalservice.Service
}

// Option configures a Client.
type Option func(*Client)

// WithAPIURL overrides the REST API URL. The socket URL is derived from it
// unless WithWSURL is also given.
func WithAPIURL(url string) Option {
	return func(c *Client) { c.apiURL = strings.TrimSuffix(url, "/") }
}

// WithWSURL overrides the websocket base URL.
func WithWSURL(url string) Option {
	return func(c *Client) { c.wsURL = strings.TrimSuffix(url, "/") }
}

// WithDBPath overrides the database path.
// If not set, defaults to $XDG_DATA_HOME/signal-courier/default.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithRequestTimeout bounds every HTTP round trip. Zero disables it.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.cfg.RequestTimeout = d }
}

// WithSignedPreKeyRotation sets the age after which the signed prekey is
// rotated.
func WithSignedPreKeyRotation(d time.Duration) Option {
	return func(c *Client) { c.cfg.SignedPreKeyRotation = d }
}

// WithSendRetries sets how often a send failing with a server or network
// error is retried. Zero, the default, disables retry.
func WithSendRetries(n int) Option {
	return func(c *Client) { c.cfg.GenericSendRetries = n }
}

// WithCryptoProvider replaces the default crypto provider.
func WithCryptoProvider(p signalcrypto.Provider) Option {
	return func(c *Client) { c.crypto = p }
}

// WithHTTPClient sets the client used for API requests and the socket
// upgrade.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client. Call Open before using it.
func NewClient(opts ...Option) *Client {
	c := &Client{
		apiURL: defaultAPIURL,
		log:    zerolog.Nop(),
		cfg:    signalservice.DefaultConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.wsURL == "" {
		c.wsURL = wsURLFor(c.apiURL)
	}
	return c
}

// Open creates a client and opens its store.
func Open(opts ...Option) (*Client, error) {
	c := NewClient(opts...)
	if err := c.Open(); err != nil {
		return nil, err
	}
	return c, nil
}

func wsURLFor(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	default:
		return apiURL
	}
}

// Open opens the database, loads the chat index and wires the service
// components. Opening an already open client is a no-op.
func (c *Client) Open() error {
	if c.store != nil {
		return nil
	}
	dbPath := c.dbPath
	if dbPath == "" {
		dbPath = filepath.Join(store.DefaultDataDir(), "default.db")
	}
	c.log.Debug().Str("path", dbPath).Msg("opening database")
	kv, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("client: open store %s: %w", dbPath, err)
	}
	ls, err := store.NewLocalStore(kv, c.log.With().Str("component", "store").Logger())
	if err != nil {
		kv.Close()
		return fmt.Errorf("client: load store: %w", err)
	}
	c.store = ls
	c.service = signalservice.NewService(signalservice.ServiceConfig{
		APIURL:     c.apiURL,
		WSURL:      c.wsURL,
		HTTPClient: c.httpClient,
		Store:      ls,
		Crypto:     c.crypto,
		Config:     c.cfg,
		Logger:     c.log,
	})
	return nil
}

// Close waits for background work and closes the database.
func (c *Client) Close() error {
	if c.store == nil {
		return nil
	}
	c.service.Close()
	err := c.store.Close()
	c.store, c.service = nil, nil
	return err
}

// Bootstrap registers a new account with the server. An empty password
// is replaced by a random one.
func (c *Client) Bootstrap(ctx context.Context, username, password string) error {
	if c.service == nil {
		return ErrNotOpen
	}
	if password == "" {
		password = randomPassword()
	}
	if _, err := c.service.Bootstrap(ctx, username, password); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	return nil
}

func randomPassword() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Username returns the registered account name, or "".
func (c *Client) Username() string {
	if c.service == nil {
		return ""
	}
	return c.service.LocalIdentity()
}

// IsRegistered reports whether the store holds account credentials.
func (c *Client) IsRegistered() bool {
	return c.Username() != ""
}

// SendText sends text to recipient in their one-to-one chat and returns the
// persisted outgoing message. The message is returned even when sending
// failed; its State is then Unsent.
func (c *Client) SendText(ctx context.Context, recipient, text string, attachments ...Attachment) (*Message, error) {
	if c.service == nil {
		return nil, ErrNotOpen
	}
	chat, err := c.store.FetchOrCreateChat(recipient)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	msg := store.NewOutgoingMessage(chat.UniqueID, recipient, text)
	if err := c.service.Delivery.SendMessage(ctx, msg, []string{recipient}, attachments...); err != nil {
		return msg, fmt.Errorf("client: %w", err)
	}
	return msg, nil
}

// CreateGroup creates a group chat with a random id and announces its name
// and members to them. The local account is always a member.
func (c *Client) CreateGroup(ctx context.Context, name string, members []string) (*Chat, error) {
	if c.service == nil {
		return nil, ErrNotOpen
	}
	self := c.Username()
	if self == "" {
		return nil, fmt.Errorf("client: %w", signalservice.ErrNotRegistered)
	}
	id := make([]byte, 16)
	rand.Read(id)
	all := []string{self}
	for _, m := range members {
		if m != "" && m != self && !slices.Contains(all, m) {
			all = append(all, m)
		}
	}

	chat, err := c.store.FetchOrCreateGroupChat(hex.EncodeToString(id), all)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	chat, err = c.store.UpdateChat(chat.UniqueID, func(ch *Chat) error {
		ch.Name = name
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if _, err := c.sendGroup(ctx, chat, store.GroupMetaNew, "", nil); err != nil {
		return chat, err
	}
	return chat, nil
}

// SendToGroup sends text to every member of a group chat except the local
// account. The message is persisted once regardless of member count.
func (c *Client) SendToGroup(ctx context.Context, groupID, text string, attachments ...Attachment) (*Message, error) {
	if c.service == nil {
		return nil, ErrNotOpen
	}
	chat := c.store.Chat(groupID)
	if chat == nil || chat.RecipientIdentifier != "" {
		return nil, fmt.Errorf("client: unknown group %s", groupID)
	}
	return c.sendGroup(ctx, chat, store.GroupMetaDeliver, text, attachments)
}

// LeaveGroup tells the other members that the local account quits and
// removes it from the local membership.
func (c *Client) LeaveGroup(ctx context.Context, groupID string) error {
	if c.service == nil {
		return ErrNotOpen
	}
	chat := c.store.Chat(groupID)
	if chat == nil || chat.RecipientIdentifier != "" {
		return fmt.Errorf("client: unknown group %s", groupID)
	}
	_, sendErr := c.sendGroup(ctx, chat, store.GroupMetaQuit, "", nil)

	self := c.Username()
	_, err := c.store.UpdateChat(groupID, func(ch *Chat) error {
		ch.RecipientIdentifiers = slices.DeleteFunc(ch.RecipientIdentifiers, func(m string) bool { return m == self })
		return nil
	})
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	return sendErr
}

func (c *Client) sendGroup(ctx context.Context, chat *Chat, meta store.GroupMetaType, text string, attachments []Attachment) (*Message, error) {
	msg := store.NewOutgoingMessage(chat.UniqueID, "", text)
	msg.GroupMetaType = meta
	if err := c.service.Delivery.SendMessage(ctx, msg, chat.RecipientIdentifiers, attachments...); err != nil {
		return msg, fmt.Errorf("client: group %s: %w", chat.UniqueID, err)
	}
	return msg, nil
}

// Receive returns an iterator over messages persisted from the socket.
// It stops when ctx is cancelled or the caller breaks.
func (c *Client) Receive(ctx context.Context) iter.Seq2[*Message, error] {
	if c.service == nil {
		return func(yield func(*Message, error) bool) {
			yield(nil, ErrNotOpen)
		}
	}
	return c.service.Delivery.ReceiveMessages(ctx)
}

// CheckPreKeys replenishes the server's prekeys when they run low or the
// signed prekey is due for rotation.
func (c *Client) CheckPreKeys(ctx context.Context) (ReplenishMode, error) {
	if c.service == nil {
		return signalservice.ReplenishNone, ErrNotOpen
	}
	return c.service.PreKeys.CheckPreKeys(ctx)
}

// VerifySignedPreKey compares the server's signed prekey with the local
// one. A mismatch is logged; only a failed lookup is an error.
func (c *Client) VerifySignedPreKey(ctx context.Context) error {
	if c.service == nil {
		return ErrNotOpen
	}
	return c.service.PreKeys.VerifyServerSignedPreKey(ctx)
}

// FetchAttachment downloads an attachment again, e.g. after a failure.
func (c *Client) FetchAttachment(ctx context.Context, pointerID string) (*store.AttachmentPointer, error) {
	if c.service == nil {
		return nil, ErrNotOpen
	}
	return c.service.Attachments.Fetch(ctx, pointerID)
}

// Attachment returns a stored attachment pointer.
func (c *Client) Attachment(pointerID string) (*store.AttachmentPointer, error) {
	if c.store == nil {
		return nil, ErrNotOpen
	}
	return c.store.Attachment(pointerID)
}

// Subscribe registers fn for chat or message change notifications.
func (c *Client) Subscribe(stream store.Stream, fn func(Event)) (unsubscribe func(), err error) {
	if c.store == nil {
		return nil, ErrNotOpen
	}
	return c.store.Subscribe(stream, fn), nil
}
