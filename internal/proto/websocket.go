package proto

import "google.golang.org/protobuf/encoding/protowire"

// WebSocketMessageType distinguishes requests from responses on the socket.
type WebSocketMessageType int32

const (
	WebSocketMessageUnknown  WebSocketMessageType = 0
	WebSocketMessageRequest  WebSocketMessageType = 1
	WebSocketMessageResponse WebSocketMessageType = 2
)

func (t WebSocketMessageType) String() string {
	switch t {
	case WebSocketMessageRequest:
		return "REQUEST"
	case WebSocketMessageResponse:
		return "RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// WebSocketMessage is the frame carried in every binary socket message.
type WebSocketMessage struct {
	Type     WebSocketMessageType
	Request  *WebSocketRequestMessage
	Response *WebSocketResponseMessage
}

type WebSocketRequestMessage struct {
	Verb    string
	Path    string
	Body    []byte
	ID      uint64
	Headers []string
}

type WebSocketResponseMessage struct {
	ID      uint64
	Status  uint32
	Message string
	Body    []byte
	Headers []string
}

func (m *WebSocketMessage) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Type))
	if m.Request != nil {
		b = appendBytesField(b, 2, m.Request.Marshal())
	}
	if m.Response != nil {
		b = appendBytesField(b, 3, m.Response.Marshal())
	}
	return b
}

func (m *WebSocketMessage) Unmarshal(data []byte) error {
	*m = WebSocketMessage{}
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.Type = WebSocketMessageType(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Request = new(WebSocketRequestMessage)
			return n, m.Request.Unmarshal(v)
		case 3:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Response = new(WebSocketResponseMessage)
			return n, m.Response.Unmarshal(v)
		}
		return 0, nil
	})
}

func (m *WebSocketRequestMessage) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Verb)
	b = appendStringField(b, 2, m.Path)
	b = appendBytesField(b, 3, m.Body)
	b = appendVarintField(b, 4, m.ID)
	for _, h := range m.Headers {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, h)
	}
	return b
}

func (m *WebSocketRequestMessage) Unmarshal(data []byte) error {
	*m = WebSocketRequestMessage{}
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			n   int
			err error
		)
		switch num {
		case 1:
			m.Verb, n, err = consumeString(typ, b)
		case 2:
			m.Path, n, err = consumeString(typ, b)
		case 3:
			m.Body, n, err = consumeBytes(typ, b)
		case 4:
			m.ID, n, err = consumeVarint(typ, b)
		case 5:
			var h string
			h, n, err = consumeString(typ, b)
			m.Headers = append(m.Headers, h)
		}
		return n, err
	})
}

func (m *WebSocketResponseMessage) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, m.ID)
	b = appendVarintField(b, 2, uint64(m.Status))
	b = appendStringField(b, 3, m.Message)
	for _, h := range m.Headers {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, h)
	}
	b = appendBytesField(b, 4, m.Body)
	return b
}

func (m *WebSocketResponseMessage) Unmarshal(data []byte) error {
	*m = WebSocketResponseMessage{}
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			n   int
			err error
		)
		switch num {
		case 1:
			m.ID, n, err = consumeVarint(typ, b)
		case 2:
			var v uint64
			v, n, err = consumeVarint(typ, b)
			m.Status = uint32(v)
		case 3:
			m.Message, n, err = consumeString(typ, b)
		case 4:
			m.Body, n, err = consumeBytes(typ, b)
		case 5:
			var h string
			h, n, err = consumeString(typ, b)
			m.Headers = append(m.Headers, h)
		}
		return n, err
	})
}
