package courier

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/signal-courier/internal/proto"
	"github.com/gwillem/signal-courier/internal/signalcrypto"
	"github.com/gwillem/signal-courier/internal/signalservice"
	"github.com/gwillem/signal-courier/internal/store"
)

// relay is a minimal single-device server: it registers accounts, hands
// out prekey bundles and queues messages for the socket.
type relay struct {
	srv *httptest.Server

	mu       sync.Mutex
	accounts map[string]*relayAccount
	mailbox  map[string][][]byte
}

type relayAccount struct {
	password     string
	req          signalservice.BootstrapRequest
	signalingKey []byte
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	r := &relay{accounts: map[string]*relayAccount{}, mailbox: map[string][][]byte{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/accounts/bootstrap/", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, signalservice.TimestampResponse{Timestamp: time.Now().UnixMilli()})
	})
	mux.HandleFunc("PUT /v1/accounts/bootstrap", r.bootstrap)
	mux.HandleFunc("GET /v2/keys", r.authed(func(w http.ResponseWriter, _ *http.Request, a *relayAccount) {
		reply(w, http.StatusOK, signalservice.PreKeyCount{Count: len(a.req.PreKeys)})
	}))
	mux.HandleFunc("GET /v2/keys/signed", r.authed(func(w http.ResponseWriter, _ *http.Request, a *relayAccount) {
		reply(w, http.StatusOK, a.req.SignedPreKey)
	}))
	mux.HandleFunc("GET /v2/keys/{name}/{device}", r.authed(r.bundle))
	mux.HandleFunc("PUT /v1/messages/{name}", r.authed(r.messages))
	mux.HandleFunc("GET /v1/websocket/", r.authed(r.socket))
	r.srv = httptest.NewServer(mux)
	t.Cleanup(r.srv.Close)
	return r
}

func reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (r *relay) authed(h func(http.ResponseWriter, *http.Request, *relayAccount)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		user, pass, _ := req.BasicAuth()
		r.mu.Lock()
		a := r.accounts[user]
		r.mu.Unlock()
		if a == nil || a.password != pass {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h(w, req, a)
	}
}

func (r *relay) bootstrap(w http.ResponseWriter, req *http.Request) {
	user, pass, _ := req.BasicAuth()
	var body signalservice.BootstrapRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	key, err := base64.StdEncoding.DecodeString(body.SignalingKey)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.accounts[user] = &relayAccount{password: pass, req: body, signalingKey: key}
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (r *relay) bundle(w http.ResponseWriter, req *http.Request, _ *relayAccount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[req.PathValue("name")]
	if a == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	signed := a.req.SignedPreKey
	dev := signalservice.PreKeyDeviceInfo{DeviceID: 1, RegistrationID: a.req.RegistrationID, SignedPreKey: &signed}
	if len(a.req.PreKeys) > 0 {
		dev.PreKey = &a.req.PreKeys[0]
		a.req.PreKeys = a.req.PreKeys[1:]
	}
	reply(w, http.StatusOK, signalservice.PreKeyResponse{IdentityKey: a.req.IdentityKey, Devices: []signalservice.PreKeyDeviceInfo{dev}})
}

func (r *relay) messages(w http.ResponseWriter, req *http.Request, _ *relayAccount) {
	from, _, _ := req.BasicAuth()
	name := req.PathValue("name")
	var list signalservice.OutgoingMessageList
	if err := json.NewDecoder(req.Body).Decode(&list); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	to := r.accounts[name]
	if to == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	for _, m := range list.Messages {
		content, _ := base64.StdEncoding.DecodeString(m.Content)
		env := &proto.Envelope{Type: m.Type, Source: from, SourceDevice: 1, Timestamp: list.Timestamp, Content: content}
		raw, err := signalcrypto.EncryptSignalingEnvelope(rand.Reader, to.signalingKey, env.Marshal())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		r.mailbox[name] = append(r.mailbox[name], raw)
	}
	w.WriteHeader(http.StatusOK)
}

func (r *relay) socket(w http.ResponseWriter, req *http.Request, _ *relayAccount) {
	user, _, _ := req.BasicAuth()
	ws, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	r.mu.Lock()
	mail := r.mailbox[user]
	delete(r.mailbox, user)
	r.mu.Unlock()
	for i, raw := range mail {
		frame := &proto.WebSocketMessage{
			Type:    proto.WebSocketMessageRequest,
			Request: &proto.WebSocketRequestMessage{Verb: "PUT", Path: "/api/v1/message", ID: uint64(i + 1), Body: raw},
		}
		if err := ws.Write(req.Context(), websocket.MessageBinary, frame.Marshal()); err != nil {
			return
		}
	}
	for {
		if _, _, err := ws.Read(req.Context()); err != nil {
			return
		}
	}
}

func newTestClient(t *testing.T, r *relay, name string) *Client {
	t.Helper()
	c, err := Open(
		WithAPIURL(r.srv.URL),
		WithDBPath(filepath.Join(t.TempDir(), name+".db")),
		WithRequestTimeout(5*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Bootstrap(t.Context(), name, ""))
	return c
}

// receiveN reads n messages from the socket.
func receiveN(t *testing.T, c *Client, n int) []*Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	var out []*Message
	for msg, err := range c.Receive(ctx) {
		require.NoError(t, err)
		out = append(out, msg)
		if len(out) == n {
			break
		}
	}
	require.Len(t, out, n)
	return out
}

func TestClientNotOpen(t *testing.T) {
	c := NewClient()
	require.ErrorIs(t, c.Bootstrap(t.Context(), "alice", ""), ErrNotOpen)
	_, err := c.SendText(t.Context(), "bob", "hi")
	require.ErrorIs(t, err, ErrNotOpen)
	_, err = c.Chats()
	require.ErrorIs(t, err, ErrNotOpen)
	for _, err := range c.Receive(t.Context()) {
		require.ErrorIs(t, err, ErrNotOpen)
	}
	assert.False(t, c.IsRegistered())
	require.NoError(t, c.Close())
}

func TestWSURLFor(t *testing.T) {
	assert.Equal(t, "wss://example.org", wsURLFor("https://example.org"))
	assert.Equal(t, "ws://127.0.0.1:80", wsURLFor("http://127.0.0.1:80"))
	assert.Equal(t, "wss://x", NewClient(WithAPIURL("http://y"), WithWSURL("wss://x/")).wsURL)
}

func TestClientConversation(t *testing.T) {
	r := newRelay(t)
	alice := newTestClient(t, r, "alice")
	bob := newTestClient(t, r, "bob")
	assert.Equal(t, "alice", alice.Username())

	sent, err := alice.SendText(t.Context(), "bob", "hello bob")
	require.NoError(t, err)
	assert.Equal(t, store.StateSent, sent.State)

	got := receiveN(t, bob, 1)
	assert.Equal(t, "hello bob", got[0].Body)
	assert.Equal(t, "alice", got[0].SenderID)

	chat := bob.ChatFor("alice")
	require.NotNil(t, chat)
	unread, err := bob.HasUnreadMessages(chat.UniqueID)
	require.NoError(t, err)
	assert.True(t, unread)
	require.NoError(t, bob.MarkAllAsRead(chat.UniqueID))
	unread, err = bob.HasUnreadMessages(chat.UniqueID)
	require.NoError(t, err)
	assert.False(t, unread)

	_, err = bob.SendText(t.Context(), "alice", "hi alice")
	require.NoError(t, err)
	got = receiveN(t, alice, 1)
	assert.Equal(t, "hi alice", got[0].Body)

	last, err := alice.LastMessage(alice.ChatFor("bob").UniqueID)
	require.NoError(t, err)
	assert.Equal(t, "hi alice", last.Body)
}

func TestClientGroups(t *testing.T) {
	r := newRelay(t)
	alice := newTestClient(t, r, "alice")
	bob := newTestClient(t, r, "bob")

	group, err := alice.CreateGroup(t.Context(), "Book club", []string{"bob", "alice"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, group.RecipientIdentifiers)

	info := receiveN(t, bob, 1)[0]
	assert.Equal(t, store.KindInfo, info.Kind)
	bobGroup := bob.Chat(group.UniqueID)
	require.NotNil(t, bobGroup)
	assert.Equal(t, "Book club", bobGroup.Name)

	_, err = bob.SendToGroup(t.Context(), group.UniqueID, "first!")
	require.NoError(t, err)
	got := receiveN(t, alice, 1)
	assert.Equal(t, group.UniqueID, got[0].ChatID)
	assert.Equal(t, "first!", got[0].Body)

	require.NoError(t, alice.LeaveGroup(t.Context(), group.UniqueID))
	assert.Equal(t, []string{"bob"}, alice.Chat(group.UniqueID).RecipientIdentifiers)
	left := receiveN(t, bob, 1)[0]
	assert.Equal(t, store.InfoGroupQuit, left.InfoType)
	assert.Equal(t, []string{"bob"}, bob.Chat(group.UniqueID).RecipientIdentifiers)

	_, err = alice.SendToGroup(t.Context(), "nope", "hi")
	require.Error(t, err)
}

func TestClientCrossedFirstMessages(t *testing.T) {
	r := newRelay(t)
	alice := newTestClient(t, r, "alice")
	bob := newTestClient(t, r, "bob")

	_, err := bob.SendText(t.Context(), "alice", "hi alice")
	require.NoError(t, err)

	// Alice writes to bob while his first message is being received.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := alice.SendText(t.Context(), "bob", "hi bob")
		assert.NoError(t, err)
	}()
	assert.Equal(t, "hi alice", receiveN(t, alice, 1)[0].Body)
	wg.Wait()
	assert.Equal(t, "hi bob", receiveN(t, bob, 1)[0].Body)

	for _, text := range []string{"one", "two"} {
		_, err = alice.SendText(t.Context(), "bob", text)
		require.NoError(t, err)
		assert.Equal(t, text, receiveN(t, bob, 1)[0].Body)
		_, err = bob.SendText(t.Context(), "alice", text)
		require.NoError(t, err)
		assert.Equal(t, text, receiveN(t, alice, 1)[0].Body)
	}

	chats, err := alice.Chats()
	require.NoError(t, err)
	assert.Len(t, chats, 1, "one chat with bob")
	msgs, err := alice.Messages(chats[0].UniqueID)
	require.NoError(t, err)
	assert.Len(t, msgs, 6)
}

func TestClientConcurrentChatEdits(t *testing.T) {
	r := newRelay(t)
	alice := newTestClient(t, r, "alice")
	newTestClient(t, r, "bob")
	_, err := alice.SendText(t.Context(), "bob", "hi")
	require.NoError(t, err)
	chat := alice.ChatFor("bob")
	require.NotNil(t, chat)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, alice.Mute(chat.UniqueID, true))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, alice.SetDraft(chat.UniqueID, "later"))
	}()
	wg.Wait()

	got := alice.Chat(chat.UniqueID)
	assert.True(t, got.IsMuted)
	assert.Equal(t, "later", got.CurrentDraft)
}

func TestClientChatHelpers(t *testing.T) {
	r := newRelay(t)
	alice := newTestClient(t, r, "alice")
	newTestClient(t, r, "bob")

	var (
		mu     sync.Mutex
		events int
	)
	unsubscribe, err := alice.Subscribe(store.StreamChats, func(ev Event) {
		if ev.Phase == store.PhaseChange {
			mu.Lock()
			events++
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	defer unsubscribe()

	_, err = alice.SendText(t.Context(), "bob", "hi")
	require.NoError(t, err)
	chat := alice.ChatFor("bob")
	require.NotNil(t, chat)

	require.NoError(t, alice.Archive(chat.UniqueID))
	assert.True(t, alice.Chat(chat.UniqueID).IsArchived())
	require.NoError(t, alice.Unarchive(chat.UniqueID))
	assert.False(t, alice.Chat(chat.UniqueID).IsArchived())

	require.NoError(t, alice.Mute(chat.UniqueID, true))
	assert.True(t, alice.Chat(chat.UniqueID).IsMuted)
	require.NoError(t, alice.SetDraft(chat.UniqueID, "half a thought"))
	assert.Equal(t, "half a thought", alice.Chat(chat.UniqueID).CurrentDraft)

	require.Error(t, alice.Mute("missing", true))

	chats, err := alice.Chats()
	require.NoError(t, err)
	assert.Len(t, chats, 1)

	alice.store.SyncNotifications()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, events, "create plus four updates")
}

func TestClientCheckPreKeys(t *testing.T) {
	r := newRelay(t)
	alice := newTestClient(t, r, "alice")

	mode, err := alice.CheckPreKeys(t.Context())
	require.NoError(t, err)
	assert.Equal(t, signalservice.ReplenishNone, mode)
	require.NoError(t, alice.VerifySignedPreKey(t.Context()))
}

func TestClientReopenKeepsAccount(t *testing.T) {
	r := newRelay(t)
	path := filepath.Join(t.TempDir(), "alice.db")
	c, err := Open(WithAPIURL(r.srv.URL), WithDBPath(path))
	require.NoError(t, err)
	require.NoError(t, c.Bootstrap(t.Context(), "alice", "pw"))
	require.NoError(t, c.Close())

	c, err = Open(WithAPIURL(r.srv.URL), WithDBPath(path))
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, c.IsRegistered())
	assert.Equal(t, "alice", c.Username())
}
