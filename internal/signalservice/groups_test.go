package signalservice

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/signal-courier/internal/proto"
	"github.com/gwillem/signal-courier/internal/store"
)

const testGroup = "0a0b"

// sendGroup sends body with meta to the members of the group chat, as the
// client facade does.
func sendGroup(t *testing.T, s *Service, meta store.GroupMetaType, body string) *store.Message {
	t.Helper()
	chat := s.store.Chat(testGroup)
	require.NotNil(t, chat)
	msg := store.NewOutgoingMessage(chat.UniqueID, "", body)
	msg.GroupMetaType = meta
	require.NoError(t, s.Delivery.SendMessage(t.Context(), msg, chat.RecipientIdentifiers))
	return msg
}

func newGroup(t *testing.T, s *Service, name string, members ...string) {
	t.Helper()
	chat, err := s.store.FetchOrCreateGroupChat(testGroup, members)
	require.NoError(t, err)
	chat.Name = name
	require.NoError(t, s.store.SaveChat(chat))
}

func TestGroupCreateIsAnnounced(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")
	bob := newAccount(t, fs, "bob")
	newGroup(t, alice, "Book club", "alice", "bob")

	sendGroup(t, alice, store.GroupMetaNew, "")

	got := deliverAll(t, fs, bob, "bob")
	require.Len(t, got, 1)
	info := got[0]
	assert.Equal(t, store.KindInfo, info.Kind)
	assert.Equal(t, store.InfoGroupUpdate, info.InfoType)
	assert.Equal(t, GroupBecameMember, info.CustomMessage)
	assert.Equal(t, "Book club", info.AdditionalInfo)

	chat := bob.store.Chat(testGroup)
	require.NotNil(t, chat)
	assert.Equal(t, "Book club", chat.Name)
	assert.ElementsMatch(t, []string{"alice", "bob"}, chat.RecipientIdentifiers)
	assert.True(t, chat.IsGroup())
}

func TestGroupDeliverToUnknownGroupRequestsInfo(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")
	bob := newAccount(t, fs, "bob")
	newGroup(t, alice, "Book club", "alice", "bob")

	sendGroup(t, alice, store.GroupMetaDeliver, "anyone there?")
	got := deliverAll(t, fs, bob, "bob")
	assert.Empty(t, got, "the message for an unknown group is dropped")

	chat := bob.store.Chat(testGroup)
	require.NotNil(t, chat, "provisional chat")
	assert.ElementsMatch(t, []string{"alice", "bob"}, chat.RecipientIdentifiers)
	msgs, err := bob.store.Messages(testGroup)
	require.NoError(t, err)
	assert.Empty(t, msgs, "the info request is not persisted")

	sent := fs.sentLists()
	require.Len(t, sent, 2)
	assert.Equal(t, "alice", sent[1].to)

	// Alice answers with the group details, again without persisting.
	assert.Empty(t, deliverAll(t, fs, alice, "alice"))
	sent = fs.sentLists()
	require.Len(t, sent, 3)
	assert.Equal(t, "bob", sent[2].to)
	aliceMsgs, err := alice.store.Messages(testGroup)
	require.NoError(t, err)
	assert.Len(t, aliceMsgs, 1, "only the original deliver")

	// The provisional chat learns its name; membership is unchanged.
	got = deliverAll(t, fs, bob, "bob")
	require.Len(t, got, 1)
	assert.Equal(t, GroupUpdated, got[0].CustomMessage)
	assert.Empty(t, got[0].AdditionalInfo)
	assert.Equal(t, "Book club", bob.store.Chat(testGroup).Name)
}

func TestGroupUpdateKeepsConcurrentChatEdits(t *testing.T) {
	fs := newFakeServer(t)
	bob := newAccount(t, fs, "bob")
	newGroup(t, bob, "Book club", "alice", "bob")
	env := &proto.Envelope{Source: "alice", SourceDevice: 1}

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			g := &proto.GroupContext{Type: proto.GroupUpdate, Name: "Book club", Members: []string{fmt.Sprintf("m%d", i)}}
			assert.NotNil(t, bob.Delivery.handleGroupUpdate(testGroup, env, g))
		}()
		go func() {
			defer wg.Done()
			_, err := bob.store.UpdateChat(testGroup, func(c *store.Chat) error {
				c.CurrentDraft += "x"
				c.IsMuted = true
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	chat := bob.store.Chat(testGroup)
	assert.Len(t, chat.RecipientIdentifiers, 22)
	assert.Equal(t, strings.Repeat("x", 20), chat.CurrentDraft)
	assert.True(t, chat.IsMuted)
}

func TestGroupDeliverToKnownGroup(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")
	bob := newAccount(t, fs, "bob")
	newGroup(t, alice, "Book club", "alice", "bob")
	newGroup(t, bob, "Book club", "alice", "bob")

	sendGroup(t, alice, store.GroupMetaDeliver, "chapter 3")
	got := deliverAll(t, fs, bob, "bob")
	require.Len(t, got, 1)
	assert.Equal(t, testGroup, got[0].ChatID)
	assert.Equal(t, "chapter 3", got[0].Body)
	assert.Equal(t, "alice", got[0].SenderID)
}

func TestGroupQuitRemovesMember(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")
	bob := newAccount(t, fs, "bob")
	newAccount(t, fs, "carol")
	newGroup(t, alice, "Book club", "alice", "bob", "carol")
	newGroup(t, bob, "Book club", "alice", "bob", "carol")

	sendGroup(t, alice, store.GroupMetaQuit, "")
	got := deliverAll(t, fs, bob, "bob")
	require.Len(t, got, 1)
	assert.Equal(t, store.InfoGroupQuit, got[0].InfoType)
	assert.Equal(t, GroupMemberLeft, got[0].CustomMessage)
	assert.Equal(t, "alice", got[0].AdditionalInfo)
	assert.ElementsMatch(t, []string{"bob", "carol"}, bob.store.Chat(testGroup).RecipientIdentifiers)
}

func TestGroupQuitForUnknownGroupIsIgnored(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")
	bob := newAccount(t, fs, "bob")
	newGroup(t, alice, "Book club", "alice", "bob")

	sendGroup(t, alice, store.GroupMetaQuit, "")
	assert.Empty(t, deliverAll(t, fs, bob, "bob"))
	assert.Nil(t, bob.store.Chat(testGroup))
}

func TestGroupInfoRequestFromNonMemberIsIgnored(t *testing.T) {
	fs := newFakeServer(t)
	alice := newAccount(t, fs, "alice")
	bob := newAccount(t, fs, "bob")
	newGroup(t, alice, "Book club", "alice", "carol")
	newGroup(t, bob, "Book club", "alice", "bob")

	require.NoError(t, bob.Delivery.SendGroupInfoRequest(t.Context(), testGroup, "alice"))
	assert.Empty(t, deliverAll(t, fs, alice, "alice"))
	assert.Len(t, fs.sentLists(), 1, "no reply")
}

func TestSendGroupInfoRequestRequiresChat(t *testing.T) {
	fs := newFakeServer(t)
	bob := newAccount(t, fs, "bob")
	require.Error(t, bob.Delivery.SendGroupInfoRequest(t.Context(), testGroup, "alice"))
}

func TestUpdateSummary(t *testing.T) {
	known := &store.Chat{UniqueID: testGroup, Name: "Book club"}
	provisional := &store.Chat{UniqueID: testGroup, Name: testGroup}
	tests := []struct {
		name          string
		prior         *store.Chat
		before, after []string
		title         string
		wantSummary   string
		wantInfo      string
	}{
		{"new group", nil, nil, []string{"a", "b"}, "Book club", GroupBecameMember, "Book club"},
		{"new group without name", nil, nil, []string{"a"}, "", GroupBecameMember, ""},
		{"title change", known, []string{"a"}, []string{"a"}, "Poetry", GroupTitleChanged, "Poetry"},
		{"known chat without members", known, nil, []string{"a"}, "Other", GroupBecameMember, "Other"},
		{"first name of provisional chat", provisional, []string{"a"}, []string{"a", "b"}, "Book club", GroupUpdated + " " + GroupMemberJoined, "b"},
		{"unchanged name", known, []string{"a"}, []string{"a"}, "Book club", GroupUpdated, ""},
		{"joined", known, []string{"a"}, []string{"a", "b", "c"}, "Book club", GroupUpdated + " " + GroupMemberJoined, "b, c"},
		{"left", known, []string{"a", "b"}, []string{"a"}, "", GroupUpdated + " " + GroupMemberLeft, "b"},
		{
			"joined and left", known, []string{"a", "b"}, []string{"a", "c"}, "",
			GroupUpdated + " " + GroupMemberJoined + " " + GroupMemberLeft, "c, b",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			summary, info := updateSummary(tc.prior, tc.before, tc.after, tc.title)
			assert.Equal(t, tc.wantSummary, summary)
			assert.Equal(t, tc.wantInfo, info)
		})
	}
}

func TestGroupIDEncoding(t *testing.T) {
	assert.Equal(t, testGroup, groupIDString([]byte{0x0a, 0x0b}))
	assert.Equal(t, []byte{0x0a, 0x0b}, groupIDBytes(testGroup))
	assert.Equal(t, []byte("not-hex"), groupIDBytes("not-hex"))
}
