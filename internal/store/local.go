package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LocalStore is the typed store used by the messaging layer. Chats are
// decoded eagerly into memory; messages are read per chat on demand. All
// writes are serialized and chat/message writes emit notifications.
type LocalStore struct {
	kv  *Store
	log zerolog.Logger

	// writeMu serializes writes so notification order matches persistence order.
	writeMu sync.Mutex

	mu          sync.RWMutex
	chats       map[string]*Chat
	byRecipient map[string]string

	notifier *Notifier
}

// NewLocalStore loads every chat from kv. Records that cannot be decoded are
// skipped and logged.
func NewLocalStore(kv *Store, log zerolog.Logger) (*LocalStore, error) {
	ls := &LocalStore{
		kv:          kv,
		log:         log.With().Str("component", "store").Logger(),
		chats:       map[string]*Chat{},
		byRecipient: map[string]string{},
		notifier:    newNotifier(),
	}

	entries, err := kv.GetAll(CategoryChat)
	if err != nil {
		ls.notifier.Close()
		return nil, fmt.Errorf("store: load chats: %w", err)
	}
	for _, e := range entries {
		var c Chat
		if err := json.Unmarshal(e.Value, &c); err != nil || c.UniqueID == "" {
			ls.log.Warn().Err(err).Str("key", e.Key).Msg("skipping unreadable chat record")
			continue
		}
		ls.index(&c)
	}
	ls.log.Debug().Int("chats", len(ls.chats)).Msg("chat index loaded")
	return ls, nil
}

// Close stops notification delivery and closes the underlying database.
func (ls *LocalStore) Close() error {
	ls.notifier.Close()
	return ls.kv.Close()
}

// Subscribe registers an observer for chat or message changes.
func (ls *LocalStore) Subscribe(stream Stream, fn Observer) (unsubscribe func()) {
	return ls.notifier.Subscribe(stream, fn)
}

// SyncNotifications waits until all queued notifications have been delivered.
func (ls *LocalStore) SyncNotifications() {
	ls.notifier.Sync()
}

func (ls *LocalStore) index(c *Chat) {
	if old, ok := ls.chats[c.UniqueID]; ok && old.RecipientIdentifier != "" {
		delete(ls.byRecipient, old.RecipientIdentifier)
	}
	ls.chats[c.UniqueID] = c
	if c.RecipientIdentifier != "" {
		ls.byRecipient[c.RecipientIdentifier] = c.UniqueID
	}
}

// --- Chats ---

// Chats returns all chats ordered by creation time.
func (ls *LocalStore) Chats() []*Chat {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.sortedChatsLocked()
}

func (ls *LocalStore) sortedChatsLocked() []*Chat {
	out := make([]*Chat, 0, len(ls.chats))
	for _, c := range ls.chats {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].UniqueID < out[j].UniqueID
	})
	return out
}

// Chat returns the chat with the given id, or nil.
func (ls *LocalStore) Chat(id string) *Chat {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if c, ok := ls.chats[id]; ok {
		return c.clone()
	}
	return nil
}

// ChatForRecipient returns the one-to-one chat with recipient, or nil.
func (ls *LocalStore) ChatForRecipient(recipient string) *Chat {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if id, ok := ls.byRecipient[recipient]; ok {
		return ls.chats[id].clone()
	}
	return nil
}

// FetchOrCreateChat returns the one-to-one chat with recipient, creating
// and persisting it if needed. Concurrent callers get the same chat.
func (ls *LocalStore) FetchOrCreateChat(recipient string) (*Chat, error) {
	if c := ls.ChatForRecipient(recipient); c != nil {
		return c, nil
	}
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()
	if c := ls.ChatForRecipient(recipient); c != nil {
		return c, nil
	}
	c := &Chat{
		UniqueID:             uuid.NewString(),
		RecipientIdentifier:  recipient,
		RecipientIdentifiers: []string{recipient},
		Name:                 recipient,
	}
	if err := ls.saveChatLocked(c); err != nil {
		return nil, err
	}
	return c, nil
}

// FetchOrCreateGroupChat returns the group chat with groupID, creating it
// with members if needed.
func (ls *LocalStore) FetchOrCreateGroupChat(groupID string, members []string) (*Chat, error) {
	if c := ls.Chat(groupID); c != nil {
		return c, nil
	}
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()
	if c := ls.Chat(groupID); c != nil {
		return c, nil
	}
	c := &Chat{
		UniqueID:             groupID,
		RecipientIdentifiers: slices.Clone(members),
		Name:                 groupID,
	}
	if err := ls.saveChatLocked(c); err != nil {
		return nil, err
	}
	return c, nil
}

// SaveChat inserts or updates c and emits a chat notification batch.
func (ls *LocalStore) SaveChat(c *Chat) error {
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()
	return ls.saveChatLocked(c)
}

// UpdateChat applies fn to the stored chat with id and persists the result.
// No other write interleaves between the read and the save. An error from
// fn aborts the update.
func (ls *LocalStore) UpdateChat(id string, fn func(*Chat) error) (*Chat, error) {
	return ls.UpsertChat(id, func(c *Chat, existed bool) error {
		if !existed {
			return fmt.Errorf("store: chat %s: %w", id, ErrNotFound)
		}
		return fn(c)
	})
}

// UpsertChat is UpdateChat for a chat that may not exist yet. A missing
// chat is handed to fn as a fresh record named after id.
func (ls *LocalStore) UpsertChat(id string, fn func(c *Chat, existed bool) error) (*Chat, error) {
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()

	c := ls.Chat(id)
	existed := c != nil
	if !existed {
		c = &Chat{UniqueID: id, Name: id}
	}
	if err := fn(c, existed); err != nil {
		return nil, err
	}
	c.UniqueID = id
	if err := ls.saveChatLocked(c); err != nil {
		return nil, err
	}
	return c.clone(), nil
}

func (ls *LocalStore) saveChatLocked(c *Chat) error {
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().UnixNano()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: marshal chat: %w", err)
	}
	if err := ls.kv.Put(CategoryChat, c.UniqueID, data); err != nil {
		return err
	}

	ls.mu.Lock()
	_, existed := ls.chats[c.UniqueID]
	ls.index(c.clone())
	chats := ls.sortedChatsLocked()
	ls.mu.Unlock()

	kind := ChangeInsert
	if existed {
		kind = ChangeUpdate
	}
	idx := slices.IndexFunc(chats, func(x *Chat) bool { return x.UniqueID == c.UniqueID })
	ls.notifier.emit(StreamChats, []Event{{Kind: kind, Index: idx, Chat: c.clone()}})
	return nil
}

// --- Messages ---

func (ls *LocalStore) decodeMessage(e Entry) (*Message, bool) {
	var m Message
	if err := json.Unmarshal(e.Value, &m); err != nil || m.UniqueID == "" {
		ls.log.Warn().Err(err).Str("key", e.Key).Msg("skipping unreadable message record")
		return nil, false
	}
	return &m, true
}

// Message returns the message with id, or ErrNotFound.
func (ls *LocalStore) Message(id string) (*Message, error) {
	data, err := ls.kv.Get(CategoryMessage, messageKeyByID(id))
	if err != nil {
		return nil, err
	}
	m, ok := ls.decodeMessage(Entry{Key: id, Value: data})
	if !ok {
		return nil, fmt.Errorf("store: message %s unreadable", id)
	}
	return m, nil
}

// Messages returns the messages of a chat sorted by timestamp ascending.
func (ls *LocalStore) Messages(chatID string) ([]*Message, error) {
	ids, err := ls.kv.GetPrefix(CategoryMessage, chatPrefix(chatID))
	if err != nil {
		return nil, err
	}
	var out []*Message
	for _, e := range ids {
		m, err := ls.Message(string(e.Value))
		if err != nil {
			ls.log.Warn().Err(err).Str("chat", chatID).Msg("skipping message")
			continue
		}
		out = append(out, m)
	}
	sortMessages(out)
	return out, nil
}

func sortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].UniqueID < msgs[j].UniqueID
	})
}

// Messages share the message category with a per-chat index: "id/<id>"
// holds the record and "chat/<chatId>/<id>" holds the id.
func messageKeyByID(id string) string { return "id/" + id }
func chatPrefix(chatID string) string { return "chat/" + chatID + "/" }

// SaveMessage inserts or updates m and emits a message notification batch.
func (ls *LocalStore) SaveMessage(m *Message) error {
	return ls.SaveMessages(m)
}

// SaveMessages persists msgs as one batch: all per-item notifications are
// delivered between a single WillChange/DidChange pair.
func (ls *LocalStore) SaveMessages(msgs ...*Message) error {
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()
	return ls.saveMessagesLocked(msgs)
}

// UpdateMessages applies fn to every message of a chat and saves the ones
// for which it reports a change as one batch. No other write interleaves
// between the read and the save.
func (ls *LocalStore) UpdateMessages(chatID string, fn func(*Message) bool) error {
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()

	msgs, err := ls.Messages(chatID)
	if err != nil {
		return err
	}
	var changed []*Message
	for _, m := range msgs {
		if fn(m) {
			changed = append(changed, m)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	return ls.saveMessagesLocked(changed)
}

func (ls *LocalStore) saveMessagesLocked(msgs []*Message) error {
	changes := make([]Event, 0, len(msgs))
	var werr error
	for _, m := range msgs {
		ev, err := ls.putMessageLocked(m)
		if err != nil {
			werr = err
			break
		}
		changes = append(changes, ev)
	}
	if err := ls.positionEvents(changes); err != nil && werr == nil {
		werr = err
	}
	ls.notifier.emit(StreamMessages, changes)
	return werr
}

// putMessageLocked persists m. The event's index is filled in by
// positionEvents once the whole batch is written.
func (ls *LocalStore) putMessageLocked(m *Message) (Event, error) {
	if m.UniqueID == "" || m.ChatID == "" {
		return Event{}, fmt.Errorf("store: message needs uniqueId and chatId")
	}
	existed, err := ls.kv.Has(CategoryMessage, messageKeyByID(m.UniqueID))
	if err != nil {
		return Event{}, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return Event{}, fmt.Errorf("store: marshal message: %w", err)
	}
	if err := ls.kv.Put(CategoryMessage, messageKeyByID(m.UniqueID), data); err != nil {
		return Event{}, err
	}
	if err := ls.kv.Put(CategoryMessage, chatPrefix(m.ChatID)+m.UniqueID, []byte(m.UniqueID)); err != nil {
		return Event{}, err
	}

	kind := ChangeInsert
	if existed {
		kind = ChangeUpdate
	}
	return Event{Kind: kind, Index: -1, Message: m.clone()}, nil
}

// positionEvents sets each event's index to the message's position in its
// chat after the batch. Each chat is read once per batch.
func (ls *LocalStore) positionEvents(events []Event) error {
	positions := map[string]map[string]int{}
	for i := range events {
		m := events[i].Message
		pos, ok := positions[m.ChatID]
		if !ok {
			msgs, err := ls.Messages(m.ChatID)
			if err != nil {
				return err
			}
			pos = make(map[string]int, len(msgs))
			for j, x := range msgs {
				pos[x.UniqueID] = j
			}
			positions[m.ChatID] = pos
		}
		if idx, ok := pos[m.UniqueID]; ok {
			events[i].Index = idx
		}
	}
	return nil
}

// DeleteMessage removes a message and emits a delete notification.
func (ls *LocalStore) DeleteMessage(id string) error {
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()

	m, err := ls.Message(id)
	if err != nil {
		return err
	}
	msgs, err := ls.Messages(m.ChatID)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(msgs, func(x *Message) bool { return x.UniqueID == id })

	if err := ls.kv.Delete(CategoryMessage, chatPrefix(m.ChatID)+id); err != nil {
		return err
	}
	if err := ls.kv.Delete(CategoryMessage, messageKeyByID(id)); err != nil {
		return err
	}
	ls.notifier.emit(StreamMessages, []Event{{Kind: ChangeDelete, Index: idx, Message: m}})
	return nil
}

// AppendAttachment atomically adds pointerID to a message's attachment list
// and re-persists the message.
func (ls *LocalStore) AppendAttachment(messageID, pointerID string) error {
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()

	m, err := ls.Message(messageID)
	if err != nil {
		return err
	}
	if slices.Contains(m.AttachmentPointerIDs, pointerID) {
		return nil
	}
	m.AttachmentPointerIDs = append(m.AttachmentPointerIDs, pointerID)
	return ls.saveMessagesLocked([]*Message{m})
}

// LastMessage returns the newest message of a chat, or nil.
func (ls *LocalStore) LastMessage(chatID string) (*Message, error) {
	msgs, err := ls.Messages(chatID)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[len(msgs)-1], nil
}

// HasUnreadMessages reports whether a chat has unread incoming messages.
func (ls *LocalStore) HasUnreadMessages(chatID string) (bool, error) {
	msgs, err := ls.Messages(chatID)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(msgs, func(m *Message) bool {
		return m.Kind == KindIncoming && !m.IsRead
	}), nil
}

// MarkAllAsRead marks every unread incoming message of a chat as read in
// one notification batch.
func (ls *LocalStore) MarkAllAsRead(chatID string) error {
	return ls.UpdateMessages(chatID, func(m *Message) bool {
		if m.Kind != KindIncoming || m.IsRead {
			return false
		}
		m.IsRead = true
		return true
	})
}

// --- Attachments, recipients, sender ---

// ErrAttachmentClaimed is returned by ClaimAttachment when the pointer is
// already downloading.
var ErrAttachmentClaimed = errors.New("store: attachment already downloading")

func (ls *LocalStore) SaveAttachment(p *AttachmentPointer) error {
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()
	return ls.saveAttachmentLocked(p)
}

// ClaimAttachment moves the pointer with id to Downloading and returns it.
// Only one caller can hold the claim; the others get ErrAttachmentClaimed
// until the pointer leaves Downloading.
func (ls *LocalStore) ClaimAttachment(id string) (*AttachmentPointer, error) {
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()

	p, err := ls.Attachment(id)
	if err != nil {
		return nil, err
	}
	if p.State == AttachmentDownloading {
		return nil, fmt.Errorf("store: attachment %s: %w", id, ErrAttachmentClaimed)
	}
	p.State = AttachmentDownloading
	if err := ls.saveAttachmentLocked(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (ls *LocalStore) saveAttachmentLocked(p *AttachmentPointer) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: marshal attachment: %w", err)
	}
	return ls.kv.Put(CategoryAttachmentPointer, p.UniqueID, data)
}

func (ls *LocalStore) Attachment(id string) (*AttachmentPointer, error) {
	data, err := ls.kv.Get(CategoryAttachmentPointer, id)
	if err != nil {
		return nil, err
	}
	var p AttachmentPointer
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("store: unmarshal attachment %s: %w", id, err)
	}
	return &p, nil
}

func (ls *LocalStore) SaveRecipient(r *Recipient) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal recipient: %w", err)
	}
	return ls.kv.Put(CategoryRecipient, r.ID, data)
}

// FetchOrCreateRecipient returns the stored recipient with id, creating it
// with deviceID if absent.
func (ls *LocalStore) FetchOrCreateRecipient(id string, deviceID uint32) (*Recipient, error) {
	data, err := ls.kv.Get(CategoryRecipient, id)
	switch {
	case err == nil:
		var r Recipient
		if err := json.Unmarshal(data, &r); err == nil {
			return &r, nil
		}
		ls.log.Warn().Str("recipient", id).Msg("replacing unreadable recipient record")
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	r := &Recipient{ID: id, DeviceID: deviceID}
	if err := ls.SaveRecipient(r); err != nil {
		return nil, err
	}
	return r, nil
}

const senderKey = "sender"

func (ls *LocalStore) SaveSender(s *Sender) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("store: marshal sender: %w", err)
	}
	return ls.kv.Put(CategorySender, senderKey, data)
}

// Sender returns the local account credentials, or nil, nil if the account
// has not been registered.
func (ls *LocalStore) Sender() (*Sender, error) {
	data, err := ls.kv.Get(CategorySender, senderKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var s Sender
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("store: unmarshal sender: %w", err)
	}
	return &s, nil
}
