package signalservice

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/signal-courier/internal/proto"
	"github.com/gwillem/signal-courier/internal/signalcrypto"
	"github.com/gwillem/signal-courier/internal/store"
)

const fakeTimestamp int64 = 1_700_000_000_000

type fakeDevice struct {
	registrationID uint32
	signed         SignedPreKeyEntity
	preKeys        []PreKeyEntity
}

type fakeAccount struct {
	password     string
	identityKey  string
	signalingKey []byte
	devices      map[uint32]*fakeDevice
}

type sentList struct {
	to   string
	from string
	list OutgoingMessageList
}

// fakeServer implements the account, keys, messages and attachments API
// in memory. Messages for device 1 of a registered account are queued as
// signaling-encrypted envelopes.
type fakeServer struct {
	srv *httptest.Server

	mu            sync.Mutex
	accounts      map[string]*fakeAccount
	mailbox       map[string][][]byte
	sent          []sentList
	bundleFetches map[string]int
	blobs         map[uint64][]byte
	nextBlob      uint64
	blobPutStatus int
	acks          []*proto.WebSocketResponseMessage

	// onMessages, when set, may answer a message PUT instead of the
	// default delivery. It returns 0 to fall through.
	onMessages func(n int, to string, list OutgoingMessageList) (int, any)
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		accounts:      map[string]*fakeAccount{},
		mailbox:       map[string][][]byte{},
		bundleFetches: map[string]int{},
		blobs:         map[uint64][]byte{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/accounts/bootstrap/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, TimestampResponse{Timestamp: fakeTimestamp})
	})
	mux.HandleFunc("PUT /v1/accounts/bootstrap", fs.handleBootstrap)
	mux.HandleFunc("GET /v2/keys", fs.authed(fs.handleCount))
	mux.HandleFunc("PUT /v2/keys", fs.authed(fs.handleUploadKeys))
	mux.HandleFunc("GET /v2/keys/signed", fs.authed(fs.handleGetSigned))
	mux.HandleFunc("PUT /v2/keys/signed", fs.authed(fs.handleUploadSigned))
	mux.HandleFunc("GET /v2/keys/{name}/{device}", fs.authed(fs.handleBundle))
	mux.HandleFunc("PUT /v1/messages/{name}", fs.authed(fs.handleMessages))
	mux.HandleFunc("GET /v1/attachments", fs.authed(fs.handleAllocate))
	mux.HandleFunc("GET /v1/attachments/{id}", fs.authed(fs.handleLocation))
	mux.HandleFunc("PUT /blob/{id}", fs.handleBlobPut)
	mux.HandleFunc("GET /blob/{id}", fs.handleBlobGet)
	mux.HandleFunc("GET /v1/websocket/", fs.authed(fs.handleSocket))
	fs.srv = httptest.NewServer(mux)
	t.Cleanup(fs.srv.Close)
	return fs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func (fs *fakeServer) authed(h func(w http.ResponseWriter, r *http.Request, user string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		fs.mu.Lock()
		acct := fs.accounts[user]
		fs.mu.Unlock()
		if !ok || acct == nil || acct.password != pass {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h(w, r, user)
	}
}

func (fs *fakeServer) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	user, pass, _ := r.BasicAuth()
	var req BootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	identity, err2 := base64.StdEncoding.DecodeString(req.IdentityKey)
	signalingKey, err3 := base64.StdEncoding.DecodeString(req.SignalingKey)
	if err != nil || err2 != nil || err3 != nil || req.Timestamp != fakeTimestamp {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	unsigned := req
	unsigned.Signature = ""
	payload, _ := json.Marshal(unsigned)
	if !signalcrypto.NewDefaultProvider().VerifySignature(identity, payload, sig) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	fs.mu.Lock()
	fs.accounts[user] = &fakeAccount{
		password:     pass,
		identityKey:  req.IdentityKey,
		signalingKey: signalingKey,
		devices: map[uint32]*fakeDevice{1: {
			registrationID: req.RegistrationID,
			signed:         req.SignedPreKey,
			preKeys:        req.PreKeys,
		}},
	}
	fs.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (fs *fakeServer) handleCount(w http.ResponseWriter, r *http.Request, user string) {
	fs.mu.Lock()
	n := len(fs.accounts[user].devices[1].preKeys)
	fs.mu.Unlock()
	writeJSON(w, http.StatusOK, PreKeyCount{Count: n})
}

func (fs *fakeServer) handleUploadKeys(w http.ResponseWriter, r *http.Request, user string) {
	var req PreKeyUpload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	fs.mu.Lock()
	dev := fs.accounts[user].devices[1]
	dev.preKeys = append(dev.preKeys, req.PreKeys...)
	dev.signed = req.SignedPreKey
	fs.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (fs *fakeServer) handleGetSigned(w http.ResponseWriter, r *http.Request, user string) {
	fs.mu.Lock()
	signed := fs.accounts[user].devices[1].signed
	fs.mu.Unlock()
	writeJSON(w, http.StatusOK, signed)
}

func (fs *fakeServer) handleUploadSigned(w http.ResponseWriter, r *http.Request, user string) {
	var req SignedPreKeyEntity
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	fs.mu.Lock()
	fs.accounts[user].devices[1].signed = req
	fs.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (fs *fakeServer) handleBundle(w http.ResponseWriter, r *http.Request, _ string) {
	name := r.PathValue("name")
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.bundleFetches[name]++
	acct := fs.accounts[name]
	if acct == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	resp := PreKeyResponse{IdentityKey: acct.identityKey}
	for id := uint32(1); id <= uint32(len(acct.devices)); id++ {
		dev := acct.devices[id]
		signed := dev.signed
		info := PreKeyDeviceInfo{DeviceID: id, RegistrationID: dev.registrationID, SignedPreKey: &signed}
		// Secondary devices share the primary's one-time prekeys.
		pool := acct.devices[1]
		if len(pool.preKeys) > 0 {
			pk := pool.preKeys[0]
			pool.preKeys = pool.preKeys[1:]
			info.PreKey = &pk
		}
		resp.Devices = append(resp.Devices, info)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (fs *fakeServer) handleMessages(w http.ResponseWriter, r *http.Request, user string) {
	name := r.PathValue("name")
	var list OutgoingMessageList
	if err := json.NewDecoder(r.Body).Decode(&list); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	fs.mu.Lock()
	fs.sent = append(fs.sent, sentList{to: name, from: user, list: list})
	n := len(fs.sent)
	hook := fs.onMessages
	fs.mu.Unlock()

	if hook != nil {
		if status, body := hook(n, name, list); status != 0 {
			writeJSON(w, status, body)
			return
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	acct := fs.accounts[name]
	if acct == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	for _, m := range list.Messages {
		if m.DestinationDeviceID != 1 {
			continue
		}
		content, err := base64.StdEncoding.DecodeString(m.Content)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		env := &proto.Envelope{
			Type:         m.Type,
			Source:       user,
			SourceDevice: 1,
			Timestamp:    list.Timestamp,
			Content:      content,
		}
		raw, err := signalcrypto.EncryptSignalingEnvelope(rand.Reader, acct.signalingKey, env.Marshal())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fs.mailbox[name] = append(fs.mailbox[name], raw)
	}
	w.WriteHeader(http.StatusOK)
}

func (fs *fakeServer) handleAllocate(w http.ResponseWriter, r *http.Request, _ string) {
	fs.mu.Lock()
	fs.nextBlob++
	id := fs.nextBlob
	fs.mu.Unlock()
	writeJSON(w, http.StatusOK, AttachmentAllocation{ID: id, Location: fs.blobURL(id)})
}

func (fs *fakeServer) handleLocation(w http.ResponseWriter, r *http.Request, _ string) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, AttachmentLocation{Location: fs.blobURL(id)})
}

func (fs *fakeServer) blobURL(id uint64) string {
	return fs.srv.URL + "/blob/" + strconv.FormatUint(id, 10)
}

func (fs *fakeServer) handleBlobPut(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(r.PathValue("id"), 10, 64)
	data, _ := io.ReadAll(r.Body)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.blobPutStatus != 0 {
		w.WriteHeader(fs.blobPutStatus)
		return
	}
	fs.blobs[id] = data
	w.WriteHeader(http.StatusOK)
}

// handleSocket pushes the user's queued envelopes as requests, plus one
// keep-alive style request on another path, and records the acks.
func (fs *fakeServer) handleSocket(w http.ResponseWriter, r *http.Request, user string) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()
	ctx := r.Context()

	frames := []*proto.WebSocketMessage{{
		Type:    proto.WebSocketMessageRequest,
		Request: &proto.WebSocketRequestMessage{Verb: "PUT", Path: "/api/v1/queue/empty", ID: 100},
	}}
	for i, raw := range fs.takeMail(user) {
		frames = append(frames, &proto.WebSocketMessage{
			Type:    proto.WebSocketMessageRequest,
			Request: &proto.WebSocketRequestMessage{Verb: "PUT", Path: "/api/v1/message", ID: uint64(i + 1), Body: raw},
		})
	}
	for _, f := range frames {
		if err := ws.Write(ctx, websocket.MessageBinary, f.Marshal()); err != nil {
			return
		}
	}
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg proto.WebSocketMessage
		if err := msg.Unmarshal(data); err != nil || msg.Response == nil {
			continue
		}
		fs.mu.Lock()
		fs.acks = append(fs.acks, msg.Response)
		fs.mu.Unlock()
	}
}

func (fs *fakeServer) ackedIDs() []uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var ids []uint64
	for _, a := range fs.acks {
		if a.Status == http.StatusOK {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

func (fs *fakeServer) failBlobUploads(status int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.blobPutStatus = status
}

func (fs *fakeServer) handleBlobGet(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(r.PathValue("id"), 10, 64)
	fs.mu.Lock()
	data, ok := fs.blobs[id]
	fs.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Write(data)
}

// addDevice registers a secondary device for name that shares the
// primary's keys.
func (fs *fakeServer) addDevice(name string, id uint32) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	primary := fs.accounts[name].devices[1]
	fs.accounts[name].devices[id] = &fakeDevice{registrationID: primary.registrationID, signed: primary.signed}
}

func (fs *fakeServer) setPreKeys(name string, keys []PreKeyEntity) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.accounts[name].devices[1].preKeys = keys
}

func (fs *fakeServer) setSigned(name string, spk SignedPreKeyEntity) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.accounts[name].devices[1].signed = spk
}

func (fs *fakeServer) signed(name string) SignedPreKeyEntity {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.accounts[name].devices[1].signed
}

func (fs *fakeServer) preKeyCount(name string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.accounts[name].devices[1].preKeys)
}

// takeMail removes and returns the queued envelopes for name.
func (fs *fakeServer) takeMail(name string) [][]byte {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	mail := fs.mailbox[name]
	delete(fs.mailbox, name)
	return mail
}

func (fs *fakeServer) sentLists() []sentList {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]sentList(nil), fs.sent...)
}

func (fs *fakeServer) fetches(name string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.bundleFetches[name]
}

// newTestService creates a Service backed by a temporary store and
// pointed at fs. It is not registered.
func newTestService(t *testing.T, fs *fakeServer, cfg Config) *Service {
	t.Helper()
	return newTestServiceWithCrypto(t, fs, cfg, nil)
}

func newTestServiceWithCrypto(t *testing.T, fs *fakeServer, cfg Config, provider signalcrypto.Provider) *Service {
	t.Helper()
	kv, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	ls, err := store.NewLocalStore(kv, zerolog.Nop())
	require.NoError(t, err)
	s := NewService(ServiceConfig{
		APIURL: fs.srv.URL,
		WSURL:  "ws" + strings.TrimPrefix(fs.srv.URL, "http"),
		Store:  ls,
		Crypto: provider,
		Config: cfg,
		Logger: zerolog.Nop(),
	})
	t.Cleanup(func() {
		s.Close()
		ls.Close()
	})
	return s
}

// newAccount creates a bootstrapped Service for name.
func newAccount(t *testing.T, fs *fakeServer, name string) *Service {
	t.Helper()
	s := newTestService(t, fs, Config{})
	_, err := s.Bootstrap(t.Context(), name, name+"-password")
	require.NoError(t, err)
	return s
}

// deliverAll feeds every queued envelope for name into s.
func deliverAll(t *testing.T, fs *fakeServer, s *Service, name string) []*store.Message {
	t.Helper()
	var out []*store.Message
	for _, raw := range fs.takeMail(name) {
		msg, err := s.Delivery.ReceiveEnvelope(t.Context(), raw)
		require.NoError(t, err)
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out
}

func (fs *fakeServer) setHook(fn func(n int, to string, list OutgoingMessageList) (int, any)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.onMessages = fn
}

func (fs *fakeServer) truncatePreKeys(name string, n int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dev := fs.accounts[name].devices[1]
	dev.preKeys = dev.preKeys[:n]
}
