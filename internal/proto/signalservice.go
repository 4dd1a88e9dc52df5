package proto

import "google.golang.org/protobuf/encoding/protowire"

// EnvelopeType is the outer envelope classification set by the server.
type EnvelopeType int32

const (
	EnvelopeUnknown      EnvelopeType = 0
	EnvelopeCiphertext   EnvelopeType = 1
	EnvelopeKeyExchange  EnvelopeType = 2
	EnvelopePreKeyBundle EnvelopeType = 3
	EnvelopeReceipt      EnvelopeType = 5
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeCiphertext:
		return "CIPHERTEXT"
	case EnvelopeKeyExchange:
		return "KEY_EXCHANGE"
	case EnvelopePreKeyBundle:
		return "PREKEY_BUNDLE"
	case EnvelopeReceipt:
		return "RECEIPT"
	default:
		return "UNKNOWN"
	}
}

// DataMessage flags.
const (
	FlagEndSession            uint32 = 1
	FlagExpirationTimerUpdate uint32 = 2
)

// GroupType is the action carried by a GroupContext.
type GroupType int32

const (
	GroupUnknown     GroupType = 0
	GroupUpdate      GroupType = 1
	GroupDeliver     GroupType = 2
	GroupQuit        GroupType = 3
	GroupRequestInfo GroupType = 4
)

func (t GroupType) String() string {
	switch t {
	case GroupUpdate:
		return "UPDATE"
	case GroupDeliver:
		return "DELIVER"
	case GroupQuit:
		return "QUIT"
	case GroupRequestInfo:
		return "REQUEST_INFO"
	default:
		return "UNKNOWN"
	}
}

// Envelope is the routing wrapper around an encrypted message.
type Envelope struct {
	Type          EnvelopeType
	Source        string
	SourceDevice  uint32
	Relay         string
	Timestamp     uint64
	LegacyMessage []byte
	Content       []byte
}

func (m *Envelope) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Type))
	b = appendStringField(b, 2, m.Source)
	b = appendStringField(b, 3, m.Relay)
	b = appendVarintField(b, 5, m.Timestamp)
	b = appendBytesField(b, 6, m.LegacyMessage)
	b = appendVarintField(b, 7, uint64(m.SourceDevice))
	b = appendBytesField(b, 8, m.Content)
	return b
}

func (m *Envelope) Unmarshal(data []byte) error {
	*m = Envelope{}
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			n   int
			v   uint64
			err error
		)
		switch num {
		case 1:
			v, n, err = consumeVarint(typ, b)
			m.Type = EnvelopeType(v)
		case 2:
			m.Source, n, err = consumeString(typ, b)
		case 3:
			m.Relay, n, err = consumeString(typ, b)
		case 5:
			m.Timestamp, n, err = consumeVarint(typ, b)
		case 6:
			m.LegacyMessage, n, err = consumeBytes(typ, b)
		case 7:
			v, n, err = consumeVarint(typ, b)
			m.SourceDevice = uint32(v)
		case 8:
			m.Content, n, err = consumeBytes(typ, b)
		}
		return n, err
	})
}

// Content is the decrypted payload of an envelope. Only DataMessage is
// decoded; the other variants are kept raw and are non-nil when present.
type Content struct {
	DataMessage    *DataMessage
	SyncMessage    []byte
	CallMessage    []byte
	NullMessage    []byte
	ReceiptMessage []byte
}

func (m *Content) Marshal() []byte {
	var b []byte
	if m.DataMessage != nil {
		b = appendBytesField(b, 1, m.DataMessage.Marshal())
	}
	b = appendBytesField(b, 2, m.SyncMessage)
	b = appendBytesField(b, 3, m.CallMessage)
	b = appendBytesField(b, 4, m.NullMessage)
	b = appendBytesField(b, 5, m.ReceiptMessage)
	return b
}

func (m *Content) Unmarshal(data []byte) error {
	*m = Content{}
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			n   int
			err error
		)
		switch num {
		case 1:
			var v []byte
			v, n, err = consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.DataMessage = new(DataMessage)
			err = m.DataMessage.Unmarshal(v)
		case 2:
			m.SyncMessage, n, err = consumeBytes(typ, b)
		case 3:
			m.CallMessage, n, err = consumeBytes(typ, b)
		case 4:
			m.NullMessage, n, err = consumeBytes(typ, b)
		case 5:
			m.ReceiptMessage, n, err = consumeBytes(typ, b)
		}
		return n, err
	})
}

type DataMessage struct {
	Body        string
	Attachments []*AttachmentPointer
	Group       *GroupContext
	Flags       uint32
	ExpireTimer uint32
	ProfileKey  []byte
	Timestamp   uint64
}

func (m *DataMessage) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Body)
	for _, a := range m.Attachments {
		b = appendBytesField(b, 2, a.Marshal())
	}
	if m.Group != nil {
		b = appendBytesField(b, 3, m.Group.Marshal())
	}
	b = appendVarintField(b, 4, uint64(m.Flags))
	b = appendVarintField(b, 5, uint64(m.ExpireTimer))
	b = appendBytesField(b, 6, m.ProfileKey)
	b = appendVarintField(b, 7, m.Timestamp)
	return b
}

func (m *DataMessage) Unmarshal(data []byte) error {
	*m = DataMessage{}
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			n   int
			v   uint64
			raw []byte
			err error
		)
		switch num {
		case 1:
			m.Body, n, err = consumeString(typ, b)
		case 2:
			raw, n, err = consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			ptr := new(AttachmentPointer)
			if err = ptr.Unmarshal(raw); err == nil {
				m.Attachments = append(m.Attachments, ptr)
			}
		case 3:
			raw, n, err = consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Group = new(GroupContext)
			err = m.Group.Unmarshal(raw)
		case 4:
			v, n, err = consumeVarint(typ, b)
			m.Flags = uint32(v)
		case 5:
			v, n, err = consumeVarint(typ, b)
			m.ExpireTimer = uint32(v)
		case 6:
			m.ProfileKey, n, err = consumeBytes(typ, b)
		case 7:
			m.Timestamp, n, err = consumeVarint(typ, b)
		}
		return n, err
	})
}

type GroupContext struct {
	ID      []byte
	Type    GroupType
	Name    string
	Members []string
	Avatar  *AttachmentPointer
}

func (m *GroupContext) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.ID)
	b = appendVarintField(b, 2, uint64(m.Type))
	b = appendStringField(b, 3, m.Name)
	for _, member := range m.Members {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, member)
	}
	if m.Avatar != nil {
		b = appendBytesField(b, 5, m.Avatar.Marshal())
	}
	return b
}

func (m *GroupContext) Unmarshal(data []byte) error {
	*m = GroupContext{}
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			n   int
			v   uint64
			err error
		)
		switch num {
		case 1:
			m.ID, n, err = consumeBytes(typ, b)
		case 2:
			v, n, err = consumeVarint(typ, b)
			m.Type = GroupType(v)
		case 3:
			m.Name, n, err = consumeString(typ, b)
		case 4:
			var member string
			member, n, err = consumeString(typ, b)
			m.Members = append(m.Members, member)
		case 5:
			var raw []byte
			raw, n, err = consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Avatar = new(AttachmentPointer)
			err = m.Avatar.Unmarshal(raw)
		}
		return n, err
	})
}

type AttachmentPointer struct {
	ID          uint64
	ContentType string
	Key         []byte
	Size        uint32
	Thumbnail   []byte
	Digest      []byte
	FileName    string
	Flags       uint32
}

func (m *AttachmentPointer) Marshal() []byte {
	var b []byte
	b = appendFixed64Field(b, 1, m.ID)
	b = appendStringField(b, 2, m.ContentType)
	b = appendBytesField(b, 3, m.Key)
	b = appendVarintField(b, 4, uint64(m.Size))
	b = appendBytesField(b, 5, m.Thumbnail)
	b = appendBytesField(b, 6, m.Digest)
	b = appendStringField(b, 7, m.FileName)
	b = appendVarintField(b, 8, uint64(m.Flags))
	return b
}

func (m *AttachmentPointer) Unmarshal(data []byte) error {
	*m = AttachmentPointer{}
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			n   int
			v   uint64
			err error
		)
		switch num {
		case 1:
			m.ID, n, err = consumeFixed64(typ, b)
		case 2:
			m.ContentType, n, err = consumeString(typ, b)
		case 3:
			m.Key, n, err = consumeBytes(typ, b)
		case 4:
			v, n, err = consumeVarint(typ, b)
			m.Size = uint32(v)
		case 5:
			m.Thumbnail, n, err = consumeBytes(typ, b)
		case 6:
			m.Digest, n, err = consumeBytes(typ, b)
		case 7:
			m.FileName, n, err = consumeString(typ, b)
		case 8:
			v, n, err = consumeVarint(typ, b)
			m.Flags = uint32(v)
		}
		return n, err
	})
}
