package signalservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

// Transport talks HTTP to the chat service. Each request gets basic auth
// when credentials are given and is bounded by the configured timeout.
type Transport struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	log     zerolog.Logger
}

// NewTransport returns a transport for baseURL. A nil client means a new
// http.Client. A zero timeout leaves requests unbounded.
func NewTransport(baseURL string, client *http.Client, timeout time.Duration, log zerolog.Logger) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	return &Transport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		timeout: timeout,
		log:     log,
	}
}

// Rate-limit handling: a 429 is retried up to rateLimitRetries times,
// waiting for Retry-After when the server sends one and for an exponential
// backoff otherwise.
const (
	rateLimitRetries = 3
	rateLimitMaxWait = 10 * time.Minute
)

// Do sends req, replaying its body when the server answers 429. After the
// last retry the 429 response is returned to the caller as is. Network
// failures and cancellation are wrapped with ErrTransport.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	var payload []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("transport: read request body: %w", err)
		}
		payload = b
	}
	target := req.Method + " " + req.URL.Path
	b := &backoff.Backoff{Min: 5 * time.Second, Max: rateLimitMaxWait, Factor: 2}

	for retry := 0; ; retry++ {
		if payload != nil {
			req.Body = io.NopCloser(bytes.NewReader(payload))
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrTransport, target, err)
		}
		if resp.StatusCode != http.StatusTooManyRequests || retry == rateLimitRetries {
			t.log.Debug().Str("request", target).Int("status", resp.StatusCode).Int("retries", retry).Msg("http")
			return resp, nil
		}

		wait := b.Duration()
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			wait = min(time.Duration(secs)*time.Second, rateLimitMaxWait)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		t.log.Warn().Str("request", target).Dur("wait", wait).Int("retry", retry+1).Msg("rate limited")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-req.Context().Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %w", ErrTransport, target, req.Context().Err())
		}
	}
}

// Get sends an API GET. auth may be nil.
func (t *Transport) Get(ctx context.Context, path string, auth *BasicAuth) ([]byte, int, error) {
	return t.request(ctx, http.MethodGet, t.baseURL+path, nil, "", auth)
}

// Put sends an API PUT with a JSON body. auth may be nil.
func (t *Transport) Put(ctx context.Context, path string, body []byte, auth *BasicAuth) ([]byte, int, error) {
	return t.request(ctx, http.MethodPut, t.baseURL+path, body, "application/json", auth)
}

// GetURL fetches an absolute URL without credentials, used for
// attachment downloads from the allocated location.
func (t *Transport) GetURL(ctx context.Context, url string) ([]byte, int, error) {
	return t.request(ctx, http.MethodGet, url, nil, "", nil)
}

// PutURL uploads raw bytes to an absolute URL without credentials.
func (t *Transport) PutURL(ctx context.Context, url string, body []byte) ([]byte, int, error) {
	return t.request(ctx, http.MethodPut, url, body, "application/octet-stream", nil)
}

func (t *Transport) request(ctx context.Context, method, url string, body []byte, contentType string, auth *BasicAuth) ([]byte, int, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: new request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if auth != nil {
		req.SetBasicAuth(auth.Username, auth.Password)
	}
	return t.doAndRead(req)
}

func (t *Transport) doAndRead(req *http.Request) ([]byte, int, error) {
	resp, err := t.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read response: %w", ErrTransport, err)
	}
	return body, resp.StatusCode, nil
}

// GetJSON performs a GET request and unmarshals a 200 response into result.
// Other statuses are returned as *HTTPError.
func (t *Transport) GetJSON(ctx context.Context, path string, auth *BasicAuth, result any) error {
	body, status, err := t.Get(ctx, path, auth)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &HTTPError{Op: "GET " + path, Status: status, Body: body}
	}
	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("transport: unmarshal response: %w", err)
		}
	}
	return nil
}

// PutJSON marshals body and sends it with Put. The raw response and its
// status are returned so callers can decode 409/410 bodies.
func (t *Transport) PutJSON(ctx context.Context, path string, body any, auth *BasicAuth) ([]byte, int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: marshal request: %w", err)
	}
	return t.Put(ctx, path, data, auth)
}
