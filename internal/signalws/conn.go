// Package signalws provides protobuf-framed WebSocket communication with the
// message server's socket endpoint.
package signalws

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gwillem/signal-courier/internal/proto"
)

// maxMessageSize bounds a single inbound frame.
const maxMessageSize = 1 << 20

// Conn wraps a WebSocket connection with protobuf framing.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL. A nil client uses
// http.DefaultClient. headers are added to the upgrade request.
func Dial(ctx context.Context, url string, client *http.Client, headers http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{
		HTTPClient: client,
		HTTPHeader: headers,
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("signalws: dial: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)
	return &Conn{ws: ws}, nil
}

// ReadMessage reads and decodes a WebSocketMessage from the connection.
func (c *Conn) ReadMessage(ctx context.Context) (*proto.WebSocketMessage, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("signalws: read: %w", err)
	}
	msg := new(proto.WebSocketMessage)
	if err := msg.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("signalws: unmarshal: %w", err)
	}
	return msg, nil
}

// WriteMessage encodes and sends a WebSocketMessage.
func (c *Conn) WriteMessage(ctx context.Context, msg *proto.WebSocketMessage) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, msg.Marshal()); err != nil {
		return fmt.Errorf("signalws: write: %w", err)
	}
	return nil
}

// SendResponse answers the server request with the given id.
func (c *Conn) SendResponse(ctx context.Context, id uint64, status uint32, message string) error {
	return c.WriteMessage(ctx, responseMessage(id, status, message))
}

// SendRequest writes a request frame. The response arrives through
// ReadMessage.
func (c *Conn) SendRequest(ctx context.Context, id uint64, verb, path string, body []byte) error {
	return c.WriteMessage(ctx, requestMessage(id, verb, path, body))
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}

func responseMessage(id uint64, status uint32, message string) *proto.WebSocketMessage {
	return &proto.WebSocketMessage{
		Type: proto.WebSocketMessageResponse,
		Response: &proto.WebSocketResponseMessage{
			ID:      id,
			Status:  status,
			Message: message,
		},
	}
}

func requestMessage(id uint64, verb, path string, body []byte) *proto.WebSocketMessage {
	return &proto.WebSocketMessage{
		Type: proto.WebSocketMessageRequest,
		Request: &proto.WebSocketRequestMessage{
			ID:   id,
			Verb: verb,
			Path: path,
			Body: body,
		},
	}
}
