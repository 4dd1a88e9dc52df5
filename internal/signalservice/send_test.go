package signalservice

import (
	"net/http"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/signal-courier/internal/proto"
	"github.com/gwillem/signal-courier/internal/signalcrypto"
	"github.com/gwillem/signal-courier/internal/store"
)

// newDirectMessage creates an outgoing message in the one-to-one chat with to.
func newDirectMessage(t *testing.T, s *Service, to, body string) *store.Message {
	t.Helper()
	chat, err := s.store.FetchOrCreateChat(to)
	require.NoError(t, err)
	return store.NewOutgoingMessage(chat.UniqueID, to, body)
}

func sendText(t *testing.T, s *Service, to, body string) *store.Message {
	t.Helper()
	msg := newDirectMessage(t, s, to, body)
	require.NoError(t, s.Delivery.SendMessage(t.Context(), msg, []string{to}))
	return msg
}

func storedState(t *testing.T, s *Service, msg *store.Message) store.OutgoingState {
	t.Helper()
	got, err := s.store.Message(msg.UniqueID)
	require.NoError(t, err)
	return got.State
}

func devicesOf(list OutgoingMessageList) []uint32 {
	var ids []uint32
	for _, m := range list.Messages {
		ids = append(ids, m.DestinationDeviceID)
	}
	slices.Sort(ids)
	return ids
}

func TestSendHelloToNewRecipient(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")
	bob := newAccount(t, fs, "bob")

	msg := sendText(t, alice, "bob", "hello")

	assert.Equal(t, store.StateSent, msg.State)
	assert.Equal(t, store.StateSent, storedState(t, alice, msg))
	assert.Equal(t, uint64(fakeTimestamp), msg.Timestamp)
	assert.Equal(t, 1, fs.fetches("bob"))

	sent := fs.sentLists()
	require.Len(t, sent, 1)
	assert.Equal(t, "bob", sent[0].to)
	require.Len(t, sent[0].list.Messages, 1)
	first := sent[0].list.Messages[0]
	assert.Equal(t, proto.EnvelopePreKeyBundle, first.Type)
	assert.Equal(t, uint32(1), first.DestinationDeviceID)
	bobAccount, err := bob.Account()
	require.NoError(t, err)
	assert.Equal(t, bobAccount.RegistrationID, first.DestinationRegistrationID)

	got := deliverAll(t, fs, bob, "bob")
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Body)
	assert.Equal(t, "alice", got[0].SenderID)
	assert.Equal(t, store.KindIncoming, got[0].Kind)
	assert.Equal(t, uint64(fakeTimestamp), got[0].Timestamp)
	chat := bob.store.ChatForRecipient("alice")
	require.NotNil(t, chat)
	assert.Equal(t, chat.UniqueID, got[0].ChatID)
}

func TestConversationUsesEstablishedSessions(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")
	bob := newAccount(t, fs, "bob")

	sendText(t, alice, "bob", "ping")
	deliverAll(t, fs, bob, "bob")
	sendText(t, bob, "alice", "pong")

	sent := fs.sentLists()
	require.Len(t, sent, 2)
	assert.Equal(t, proto.EnvelopeCiphertext, sent[1].list.Messages[0].Type)
	assert.Zero(t, fs.fetches("alice"), "bob replies on the session alice started")

	got := deliverAll(t, fs, alice, "alice")
	require.Len(t, got, 1)
	assert.Equal(t, "pong", got[0].Body)

	msgs, err := alice.store.Messages(alice.store.ChatForRecipient("bob").UniqueID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.ElementsMatch(t, []store.MessageKind{store.KindOutgoing, store.KindIncoming}, []store.MessageKind{msgs[0].Kind, msgs[1].Kind})
}

func TestSendStateTransitionsAreNotified(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")
	newAccount(t, fs, "bob")

	var states []store.OutgoingState
	unsubscribe := alice.store.Subscribe(store.StreamMessages, func(ev store.Event) {
		if ev.Phase == store.PhaseChange && ev.Message != nil {
			states = append(states, ev.Message.State)
		}
	})
	defer unsubscribe()

	sendText(t, alice, "bob", "hello")
	alice.store.SyncNotifications()

	assert.Equal(t, []store.OutgoingState{store.StateAttemptingOut, store.StateSent}, states)
}

func TestSendRemediatesStaleDevices(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")
	newAccount(t, fs, "bob")
	fs.addDevice("bob", 2)
	for _, id := range []uint32{1, 2} {
		require.NoError(t, alice.Sessions.EnsureSession(t.Context(), signalcrypto.Address{Name: "bob", DeviceID: id}))
	}
	require.Equal(t, 2, fs.fetches("bob"))

	fs.setHook(func(n int, _ string, _ OutgoingMessageList) (int, any) {
		if n == 1 {
			return http.StatusGone, StaleDevicesError{StaleDevices: []uint32{2}}
		}
		return 0, nil
	})

	msg := newDirectMessage(t, alice, "bob", "hello")
	require.NoError(t, alice.Delivery.SendMessage(t.Context(), msg, []string{"bob"}))

	sent := fs.sentLists()
	require.Len(t, sent, 2, "exactly one retry")
	assert.Equal(t, []uint32{1, 2}, devicesOf(sent[1].list))
	// Only device 2 needed a new session.
	assert.Equal(t, 3, fs.fetches("bob"))
	assert.Equal(t, store.StateSent, storedState(t, alice, msg))
}

func TestSendToNewDevicesFetchesBundleOnce(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")
	newAccount(t, fs, "bob")
	fs.addDevice("bob", 2)
	fs.addDevice("bob", 3)
	fs.setHook(func(n int, _ string, _ OutgoingMessageList) (int, any) {
		if n == 1 {
			return http.StatusConflict, MismatchedDevicesError{MissingDevices: []uint32{2, 3}}
		}
		return 0, nil
	})

	msg := newDirectMessage(t, alice, "bob", "hello")
	require.NoError(t, alice.Delivery.SendMessage(t.Context(), msg, []string{"bob"}))

	sent := fs.sentLists()
	require.Len(t, sent, 2)
	assert.Equal(t, []uint32{1, 2, 3}, devicesOf(sent[1].list))
	assert.Equal(t, 2, fs.fetches("bob"), "one fetch per attempt, not per device")
}

func TestSendGivesUpAfterOneRemediation(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")
	newAccount(t, fs, "bob")
	fs.setHook(func(int, string, OutgoingMessageList) (int, any) {
		return http.StatusGone, StaleDevicesError{StaleDevices: []uint32{1}}
	})

	msg := newDirectMessage(t, alice, "bob", "hello")
	err := alice.Delivery.SendMessage(t.Context(), msg, []string{"bob"})

	var stale *StaleDevicesError
	require.ErrorAs(t, err, &stale)
	assert.Len(t, fs.sentLists(), 2)
	assert.Equal(t, store.StateUnsent, storedState(t, alice, msg))
}

func TestSendRemediatesMismatchedDevices(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")
	newAccount(t, fs, "bob")
	fs.addDevice("bob", 2)
	require.NoError(t, alice.Sessions.EnsureSession(t.Context(), signalcrypto.Address{Name: "bob", DeviceID: 2}))

	fs.setHook(func(n int, _ string, _ OutgoingMessageList) (int, any) {
		if n == 1 {
			return http.StatusConflict, MismatchedDevicesError{ExtraDevices: []uint32{2}, MissingDevices: []uint32{3}}
		}
		return 0, nil
	})

	msg := newDirectMessage(t, alice, "bob", "hello")
	require.NoError(t, alice.Delivery.SendMessage(t.Context(), msg, []string{"bob"}))

	sent := fs.sentLists()
	require.Len(t, sent, 2)
	assert.Equal(t, []uint32{1, 2}, devicesOf(sent[0].list))
	assert.Equal(t, []uint32{1}, devicesOf(sent[1].list))
	ok, err := alice.store.HasSession(signalcrypto.Address{Name: "bob", DeviceID: 2})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendServerErrorMarksUnsent(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")
	newAccount(t, fs, "bob")
	fs.setHook(func(int, string, OutgoingMessageList) (int, any) {
		return http.StatusInternalServerError, nil
	})

	msg := newDirectMessage(t, alice, "bob", "hello")
	err := alice.Delivery.SendMessage(t.Context(), msg, []string{"bob"})

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusInternalServerError, he.Status)
	assert.Len(t, fs.sentLists(), 1, "generic retries are off by default")
	assert.Equal(t, store.StateUnsent, msg.State)
	assert.Equal(t, store.StateUnsent, storedState(t, alice, msg))
}

func TestSendGenericRetry(t *testing.T) {
	fs := newFakeServer(t)
	alice := newTestService(t, fs, Config{GenericSendRetries: 1})
	_, err := alice.Bootstrap(t.Context(), "alice", "pw")
	require.NoError(t, err)
	newAccount(t, fs, "bob")
	fs.setHook(func(n int, _ string, _ OutgoingMessageList) (int, any) {
		if n == 1 {
			return http.StatusServiceUnavailable, nil
		}
		return 0, nil
	})

	msg := newDirectMessage(t, alice, "bob", "hello")
	require.NoError(t, alice.Delivery.SendMessage(t.Context(), msg, []string{"bob"}))
	assert.Len(t, fs.sentLists(), 2)
	assert.Equal(t, store.StateSent, msg.State)
}

func TestSendToUnknownRecipient(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")

	msg := newDirectMessage(t, alice, "nobody", "hello")
	err := alice.Delivery.SendMessage(t.Context(), msg, []string{"nobody"})
	require.ErrorIs(t, err, ErrNoBundle)
	assert.Empty(t, fs.sentLists())
	assert.Equal(t, store.StateUnsent, storedState(t, alice, msg))
}

func TestSendPersistsOncePerLogicalMessage(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")
	newAccount(t, fs, "bob")
	newAccount(t, fs, "carol")
	chat, err := alice.store.FetchOrCreateGroupChat("0a0b", []string{"alice", "bob", "carol"})
	require.NoError(t, err)

	var sentUpdates int
	unsubscribe := alice.store.Subscribe(store.StreamMessages, func(ev store.Event) {
		if ev.Phase == store.PhaseChange && ev.Message != nil && ev.Message.State == store.StateSent {
			sentUpdates++
		}
	})
	defer unsubscribe()

	msg := store.NewOutgoingMessage(chat.UniqueID, "", "hi all")
	msg.GroupMetaType = store.GroupMetaDeliver
	require.NoError(t, alice.Delivery.SendMessage(t.Context(), msg, chat.RecipientIdentifiers))
	alice.store.SyncNotifications()

	assert.Equal(t, 1, sentUpdates)
	sent := fs.sentLists()
	require.Len(t, sent, 2, "self is skipped")
	assert.ElementsMatch(t, []string{"bob", "carol"}, []string{sent[0].to, sent[1].to})
}

func TestSendOnlyToSelfIsSent(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")

	msg := newDirectMessage(t, alice, "alice", "note to self")
	require.NoError(t, alice.Delivery.SendMessage(t.Context(), msg, []string{"alice"}))
	assert.Equal(t, store.StateSent, msg.State)
	assert.Empty(t, fs.sentLists())
}

func TestSendRejectsNonOutgoing(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")

	msg := store.NewIncomingMessage("chat", "bob", "hello", 1)
	require.Error(t, alice.Delivery.SendMessage(t.Context(), msg, []string{"bob"}))
}

func TestSendRequiresAccount(t *testing.T) {
	fs := newFakeServer(t)
	s := newTestService(t, fs, Config{})

	msg := store.NewOutgoingMessage("chat", "bob", "hello")
	require.ErrorIs(t, s.Delivery.SendMessage(t.Context(), msg, []string{"bob"}), ErrNotRegistered)
}
