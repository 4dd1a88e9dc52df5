package store

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Chat is a conversation with one recipient or a group.
type Chat struct {
	UniqueID             string     `json:"uniqueId"`
	RecipientIdentifier  string     `json:"recipientIdentifier,omitempty"`
	RecipientIdentifiers []string   `json:"recipientIdentifiers"`
	Name                 string     `json:"name"`
	CurrentDraft         string     `json:"currentDraft,omitempty"`
	IsMuted              bool       `json:"isMuted"`
	LastArchivalDate     *time.Time `json:"lastArchivalDate,omitempty"`
	AvatarID             string     `json:"avatarId,omitempty"`
	CreatedAt            int64      `json:"createdAt"`
}

// IsGroup reports whether the chat is a group chat: it has no single
// recipient and more than one member.
func (c *Chat) IsGroup() bool {
	return c.RecipientIdentifier == "" && len(c.RecipientIdentifiers) > 1
}

// HasMember reports whether id is in the chat's membership.
func (c *Chat) HasMember(id string) bool {
	return slices.Contains(c.RecipientIdentifiers, id)
}

func (c *Chat) IsArchived() bool {
	return c.LastArchivalDate != nil
}

func (c *Chat) clone() *Chat {
	cp := *c
	cp.RecipientIdentifiers = slices.Clone(c.RecipientIdentifiers)
	if c.LastArchivalDate != nil {
		t := *c.LastArchivalDate
		cp.LastArchivalDate = &t
	}
	return &cp
}

// MessageKind discriminates the Message variant.
type MessageKind int

const (
	KindIncoming MessageKind = iota + 1
	KindOutgoing
	KindInfo
)

func (k MessageKind) String() string {
	switch k {
	case KindIncoming:
		return "incoming"
	case KindOutgoing:
		return "outgoing"
	case KindInfo:
		return "info"
	default:
		return "unknown"
	}
}

// OutgoingState is the delivery state of an outgoing message.
type OutgoingState int

const (
	StateNone          OutgoingState = -1
	StateAttemptingOut OutgoingState = 0
	StateUnsent        OutgoingState = 1
	StateSent          OutgoingState = 4
)

func (s OutgoingState) String() string {
	switch s {
	case StateAttemptingOut:
		return "attemptingOut"
	case StateUnsent:
		return "unsent"
	case StateSent:
		return "sent"
	default:
		return "none"
	}
}

// GroupMetaType marks what an outgoing message means for group state.
type GroupMetaType int

const (
	GroupMetaNone GroupMetaType = iota
	GroupMetaNew
	GroupMetaUpdate
	GroupMetaDeliver
	GroupMetaQuit
	GroupMetaRequestInfo
)

// InfoType classifies system messages.
type InfoType int

const (
	InfoSessionDidEnd InfoType = iota + 1
	InfoUserNotRegistered
	InfoUnsupportedMessage
	InfoGroupUpdate
	InfoGroupQuit
	InfoDisappearingMessagesUpdate
)

// Message is a tagged variant over incoming, outgoing and info messages.
// Kind selects which of the variant fields are meaningful.
type Message struct {
	Kind                 MessageKind `json:"kind"`
	UniqueID             string      `json:"uniqueId"`
	ChatID               string      `json:"chatId"`
	Body                 string      `json:"body"`
	Timestamp            uint64      `json:"timestamp"`
	AttachmentPointerIDs []string    `json:"attachmentPointerIds,omitempty"`

	// outgoing
	RecipientID   string        `json:"recipientId,omitempty"`
	State         OutgoingState `json:"state,omitempty"`
	GroupMetaType GroupMetaType `json:"groupMetaType,omitempty"`

	// incoming and info
	SenderID string `json:"senderId,omitempty"`

	// incoming
	IsRead bool `json:"isRead,omitempty"`
	IsSent bool `json:"isSent,omitempty"`

	// info
	InfoType       InfoType `json:"infoType,omitempty"`
	CustomMessage  string   `json:"customMessage,omitempty"`
	AdditionalInfo string   `json:"additionalInfo,omitempty"`
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// NewOutgoingMessage creates an outgoing message in state none.
func NewOutgoingMessage(chatID, recipientID, body string) *Message {
	return &Message{
		Kind:        KindOutgoing,
		UniqueID:    uuid.NewString(),
		ChatID:      chatID,
		Body:        body,
		Timestamp:   nowMillis(),
		RecipientID: recipientID,
		State:       StateNone,
	}
}

// NewIncomingMessage creates an unread incoming message.
func NewIncomingMessage(chatID, senderID, body string, timestamp uint64) *Message {
	return &Message{
		Kind:      KindIncoming,
		UniqueID:  uuid.NewString(),
		ChatID:    chatID,
		Body:      body,
		Timestamp: timestamp,
		SenderID:  senderID,
		IsSent:    true,
	}
}

// NewInfoMessage creates a system message.
func NewInfoMessage(chatID, senderID string, typ InfoType, custom, additional string) *Message {
	return &Message{
		Kind:           KindInfo,
		UniqueID:       uuid.NewString(),
		ChatID:         chatID,
		Timestamp:      nowMillis(),
		SenderID:       senderID,
		InfoType:       typ,
		CustomMessage:  custom,
		AdditionalInfo: additional,
		IsRead:         true,
	}
}

func (m *Message) clone() *Message {
	cp := *m
	cp.AttachmentPointerIDs = slices.Clone(m.AttachmentPointerIDs)
	return &cp
}

// AttachmentState is the download state of an attachment pointer.
type AttachmentState int

const (
	AttachmentEnqueued AttachmentState = iota
	AttachmentDownloading
	AttachmentFailed
	AttachmentCompleted
)

func (s AttachmentState) String() string {
	switch s {
	case AttachmentEnqueued:
		return "enqueued"
	case AttachmentDownloading:
		return "downloading"
	case AttachmentFailed:
		return "failed"
	case AttachmentCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// AttachmentPointer references an encrypted blob on the server. Data is
// populated only in AttachmentCompleted.
type AttachmentPointer struct {
	UniqueID       string          `json:"uniqueId"`
	ServerID       uint64          `json:"serverId"`
	Key            []byte          `json:"key"`
	Digest         []byte          `json:"digest"`
	Size           uint32          `json:"size"`
	ContentType    string          `json:"contentType"`
	FileName       string          `json:"fileName,omitempty"`
	State          AttachmentState `json:"state"`
	Data           []byte          `json:"data,omitempty"`
	OwnerMessageID string          `json:"ownerMessageId,omitempty"`
}

// Recipient is a known remote party.
type Recipient struct {
	ID       string `json:"id"`
	DeviceID uint32 `json:"deviceId"`
	Name     string `json:"name,omitempty"`
}

// Sender holds the local account's server credentials.
type Sender struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	DeviceID       uint32 `json:"deviceId"`
	RegistrationID uint32 `json:"registrationId"`
	SignalingKey   []byte `json:"signalingKey"`
}
