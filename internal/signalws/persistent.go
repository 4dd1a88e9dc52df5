package signalws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/gwillem/signal-courier/internal/proto"
)

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultKeepAliveTimeout  = 20 * time.Second

	keepAlivePath = "/v1/keepalive"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("signalws: persistent conn closed")
	errNoConn = errors.New("signalws: no active connection")
)

// heartbeat tracks the one outstanding keep-alive request.
type heartbeat struct {
	id     atomic.Uint64
	sentAt atomic.Int64
	acked  chan struct{}
}

// begin records a new outstanding request and returns its id.
func (h *heartbeat) begin() uint64 {
	select {
	case <-h.acked:
	default:
	}
	now := time.Now()
	id := uint64(now.UnixNano())
	h.sentAt.Store(now.UnixNano())
	h.id.Store(id)
	return id
}

// settle consumes msg if it answers the outstanding request and reports
// the round-trip time.
func (h *heartbeat) settle(msg *proto.WebSocketMessage) (time.Duration, bool) {
	if msg.Type != proto.WebSocketMessageResponse || msg.Response == nil {
		return 0, false
	}
	id := h.id.Load()
	if id == 0 || msg.Response.ID != id || !h.id.CompareAndSwap(id, 0) {
		return 0, false
	}
	select {
	case h.acked <- struct{}{}:
	default:
	}
	return time.Since(time.Unix(0, h.sentAt.Load())), true
}

// PersistentConn is a Conn that survives drops: a heartbeat detects dead
// sockets and reads redial with exponential backoff.
type PersistentConn struct {
	url     string
	client  *http.Client
	headers http.Header
	log     zerolog.Logger

	mu     sync.Mutex
	conn   *Conn
	closed atomic.Bool
	done   chan struct{}
	stop   context.CancelFunc

	// redial holds one reconnect at a time; readers keep using mu.
	redial      sync.Mutex
	backoff     *backoff.Backoff
	maxAttempts int

	interval    time.Duration
	timeout     time.Duration
	hb          heartbeat
	onKeepAlive func(rtt time.Duration)
	onReconnect func()
}

// Option configures a PersistentConn.
type Option func(*PersistentConn)

// WithKeepAliveInterval sets how often a keep-alive request is sent.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.interval = d }
}

// WithKeepAliveTimeout sets how long an unanswered keep-alive may stay
// outstanding before the socket is replaced.
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.timeout = d }
}

// WithKeepAliveCallback is called with the round-trip time of every
// answered keep-alive.
func WithKeepAliveCallback(fn func(rtt time.Duration)) Option {
	return func(pc *PersistentConn) { pc.onKeepAlive = fn }
}

func WithReconnectCallback(fn func()) Option {
	return func(pc *PersistentConn) { pc.onReconnect = fn }
}

// WithHeaders sets the upgrade request headers, typically credentials.
func WithHeaders(h http.Header) Option {
	return func(pc *PersistentConn) { pc.headers = h }
}

func WithHTTPClient(c *http.Client) Option {
	return func(pc *PersistentConn) { pc.client = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(pc *PersistentConn) { pc.log = l }
}

// WithReconnectBackoff bounds the delay between failed dials.
func WithReconnectBackoff(min, max time.Duration) Option {
	return func(pc *PersistentConn) {
		pc.backoff.Min = min
		pc.backoff.Max = max
	}
}

// WithMaxReconnectAttempts limits consecutive failed dials per reconnect.
// Zero means retry until the context ends.
func WithMaxReconnectAttempts(n int) Option {
	return func(pc *PersistentConn) { pc.maxAttempts = n }
}

// DialPersistent connects to url and starts the heartbeat. The heartbeat
// runs until Close.
func DialPersistent(ctx context.Context, url string, opts ...Option) (*PersistentConn, error) {
	pc := &PersistentConn{
		url:      url,
		log:      zerolog.Nop(),
		done:     make(chan struct{}),
		interval: defaultKeepAliveInterval,
		timeout:  defaultKeepAliveTimeout,
		hb:       heartbeat{acked: make(chan struct{}, 1)},
		backoff:  &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true},
	}
	for _, o := range opts {
		o(pc)
	}

	conn, err := Dial(ctx, url, pc.client, pc.headers)
	if err != nil {
		return nil, err
	}
	pc.conn = conn
	pc.log.Debug().Str("url", url).Msg("socket connected")

	hbCtx, stop := context.WithCancel(context.Background())
	pc.stop = stop
	go pc.heartbeatLoop(hbCtx)
	return pc, nil
}

func (pc *PersistentConn) active() (*Conn, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.conn == nil {
		if pc.closed.Load() {
			return nil, ErrClosed
		}
		return nil, errNoConn
	}
	return pc.conn, nil
}

// ReadMessage returns the next frame that is not a keep-alive answer. A
// failed read replaces the socket and reading resumes on the new one.
func (pc *PersistentConn) ReadMessage(ctx context.Context) (*proto.WebSocketMessage, error) {
	for {
		conn, err := pc.active()
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		if conn == nil {
			if err := pc.reconnect(ctx, nil); err != nil {
				return nil, err
			}
			continue
		}

		msg, err := conn.ReadMessage(ctx)
		switch {
		case err == nil:
		case pc.closed.Load():
			return nil, ErrClosed
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			pc.log.Warn().Err(err).Msg("socket read failed, reconnecting")
			if err := pc.reconnect(ctx, conn); err != nil {
				return nil, err
			}
			continue
		}

		if rtt, ok := pc.hb.settle(msg); ok {
			if pc.onKeepAlive != nil {
				pc.onKeepAlive(rtt)
			}
			continue
		}
		return msg, nil
	}
}

func (pc *PersistentConn) WriteMessage(ctx context.Context, msg *proto.WebSocketMessage) error {
	conn, err := pc.active()
	if err != nil {
		return err
	}
	return conn.WriteMessage(ctx, msg)
}

// SendResponse acknowledges a server request on the current socket.
func (pc *PersistentConn) SendResponse(ctx context.Context, id uint64, status uint32, message string) error {
	conn, err := pc.active()
	if err != nil {
		return err
	}
	return conn.SendResponse(ctx, id, status, message)
}

// Close stops the heartbeat and closes the socket for good.
func (pc *PersistentConn) Close() error {
	if pc.closed.Swap(true) {
		return nil
	}
	close(pc.done)
	pc.stop()
	pc.mu.Lock()
	conn := pc.conn
	pc.conn = nil
	pc.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (pc *PersistentConn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(pc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		conn, err := pc.active()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			continue
		}
		// A failed write surfaces in the reader, which reconnects.
		if err := conn.SendRequest(ctx, pc.hb.begin(), http.MethodGet, keepAlivePath, nil); err != nil {
			continue
		}

		timer := time.NewTimer(pc.timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-pc.hb.acked:
			timer.Stop()
		case <-timer.C:
			if pc.closed.Load() {
				return
			}
			pc.log.Warn().Dur("timeout", pc.timeout).Msg("keep-alive unanswered, reconnecting")
			_ = pc.reconnect(ctx, conn)
		}
	}
}

// reconnect swaps broken for a new socket. It is a no-op when another
// caller already replaced broken.
func (pc *PersistentConn) reconnect(ctx context.Context, broken *Conn) error {
	pc.redial.Lock()
	defer pc.redial.Unlock()

	pc.mu.Lock()
	switch {
	case pc.closed.Load():
		pc.mu.Unlock()
		return ErrClosed
	case pc.conn != broken:
		pc.mu.Unlock()
		return nil
	case broken != nil:
		broken.CloseNow()
		pc.conn = nil
	}
	pc.mu.Unlock()

	for attempt := 1; ; attempt++ {
		conn, err := Dial(ctx, pc.url, pc.client, pc.headers)
		if err == nil {
			pc.mu.Lock()
			if pc.closed.Load() {
				pc.mu.Unlock()
				conn.CloseNow()
				return ErrClosed
			}
			pc.conn = conn
			pc.mu.Unlock()

			pc.backoff.Reset()
			pc.log.Info().Int("attempt", attempt).Msg("socket reconnected")
			if pc.onReconnect != nil {
				pc.onReconnect()
			}
			return nil
		}
		if pc.maxAttempts > 0 && attempt >= pc.maxAttempts {
			return fmt.Errorf("signalws: reconnect: %w", err)
		}

		wait := pc.backoff.Duration()
		pc.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("reconnect failed")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("signalws: reconnect: %w", ctx.Err())
		case <-pc.done:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}
