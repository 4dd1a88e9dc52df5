package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Type:         EnvelopePreKeyBundle,
		Source:       "+15551234567",
		SourceDevice: 2,
		Timestamp:    1700000000000,
		Content:      []byte{0x33, 0x01, 0x02},
	}

	var got Envelope
	require.NoError(t, got.Unmarshal(env.Marshal()))
	assert.Equal(t, *env, got)
}

func TestContentWithGroupAndAttachments(t *testing.T) {
	content := &Content{
		DataMessage: &DataMessage{
			Body:      "hi 👩‍👩‍👧",
			Timestamp: 42,
			Group: &GroupContext{
				ID:      []byte("group-1"),
				Type:    GroupUpdate,
				Name:    "Climbing",
				Members: []string{"alice", "bob"},
			},
			Attachments: []*AttachmentPointer{
				{ID: 1<<63 + 5, ContentType: "image/png", Key: make([]byte, 64), Size: 10, Digest: []byte{1}},
			},
		},
	}

	var got Content
	require.NoError(t, got.Unmarshal(content.Marshal()))
	require.NotNil(t, got.DataMessage)
	assert.Equal(t, content.DataMessage.Body, got.DataMessage.Body)
	assert.Equal(t, GroupUpdate, got.DataMessage.Group.Type)
	assert.Equal(t, []string{"alice", "bob"}, got.DataMessage.Group.Members)
	require.Len(t, got.DataMessage.Attachments, 1)
	assert.Equal(t, uint64(1<<63+5), got.DataMessage.Attachments[0].ID)
	assert.Nil(t, got.SyncMessage)
}

func TestContentKeepsEmptyVariantPresence(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, nil)

	var got Content
	require.NoError(t, got.Unmarshal(b))
	assert.NotNil(t, got.SyncMessage)
	assert.Nil(t, got.DataMessage)
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	b := (&Envelope{Source: "alice"}).Marshal()
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)

	var got Envelope
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, "alice", got.Source)
}

func TestWrongWireTypeFails(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)

	var got Envelope
	assert.ErrorIs(t, got.Unmarshal(b), ErrWireType)
}

func TestWebSocketRequest(t *testing.T) {
	msg := &WebSocketMessage{
		Type: WebSocketMessageRequest,
		Request: &WebSocketRequestMessage{
			Verb: "PUT", Path: "/api/v1/message", ID: 9, Body: []byte("x"),
			Headers: []string{"X-Signal-Timestamp: 1"},
		},
	}
	var got WebSocketMessage
	require.NoError(t, got.Unmarshal(msg.Marshal()))
	assert.Equal(t, *msg.Request, *got.Request)
	assert.Nil(t, got.Response)
}
