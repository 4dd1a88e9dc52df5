package signalservice

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/gwillem/signal-courier/internal/proto"
	"github.com/gwillem/signal-courier/internal/signalcrypto"
	"github.com/gwillem/signal-courier/internal/signalws"
	"github.com/gwillem/signal-courier/internal/store"
)

const messagePath = "/api/v1/message"

// wsConn is the socket interface the receive loop reads from and acks on.
type wsConn interface {
	ReadMessage(ctx context.Context) (*proto.WebSocketMessage, error)
	SendResponse(ctx context.Context, id uint64, status uint32, message string) error
	Close() error
}

// ReceiveMessages connects to the authenticated socket and yields every
// message persisted from an inbound envelope. Envelopes that fail are
// yielded as errors and left unacknowledged. The iterator stops when ctx is
// cancelled, the socket gives up reconnecting, or the caller breaks.
func (c *Coordinator) ReceiveMessages(ctx context.Context) iter.Seq2[*store.Message, error] {
	return func(yield func(*store.Message, error) bool) {
		auth, err := c.s.auth()
		if err != nil {
			yield(nil, fmt.Errorf("receive: %w", err))
			return
		}
		endpoint := c.s.wsURL + "/v1/websocket/"
		c.log.Info().Str("url", endpoint).Str("user", auth.Username).Msg("connecting")
		conn, err := signalws.DialPersistent(ctx, endpoint,
			signalws.WithHeaders(buildWebSocketHeaders(auth)),
			signalws.WithHTTPClient(c.s.httpClient),
			signalws.WithLogger(c.log),
			signalws.WithKeepAliveCallback(func(rtt time.Duration) {
				c.log.Debug().Dur("rtt", rtt).Msg("keep-alive ok")
			}),
		)
		if err != nil {
			yield(nil, fmt.Errorf("receive: dial: %w", err))
			return
		}
		defer conn.Close()
		c.receiveLoop(ctx, conn, yield)
	}
}

func (c *Coordinator) receiveLoop(ctx context.Context, conn wsConn, yield func(*store.Message, error) bool) {
	for {
		wsMsg, err := conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				yield(nil, fmt.Errorf("receive: read: %w", err))
			}
			return
		}
		msg, err := c.HandleSocketMessage(ctx, conn, wsMsg)
		if err != nil {
			if !yield(nil, err) {
				return
			}
			continue
		}
		if msg != nil && !yield(msg, nil) {
			return
		}
	}
}

// HandleSocketMessage processes one socket frame. Message deliveries are
// acknowledged only when ReceiveEnvelope succeeds; other requests are
// acknowledged unconditionally. Responses are ignored.
func (c *Coordinator) HandleSocketMessage(ctx context.Context, conn wsConn, wsMsg *proto.WebSocketMessage) (*store.Message, error) {
	if wsMsg.Type != proto.WebSocketMessageRequest || wsMsg.Request == nil {
		if r := wsMsg.Response; r != nil {
			c.log.Debug().Uint64("id", r.ID).Uint32("status", r.Status).Msg("socket response")
		}
		return nil, nil
	}
	req := wsMsg.Request
	c.log.Debug().Str("verb", req.Verb).Str("path", req.Path).Uint64("id", req.ID).Int("len", len(req.Body)).Msg("socket request")

	if req.Verb != http.MethodPut || req.Path != messagePath {
		if err := conn.SendResponse(ctx, req.ID, http.StatusOK, "OK"); err != nil {
			c.log.Warn().Err(err).Uint64("id", req.ID).Msg("ack failed")
		}
		return nil, nil
	}

	msg, err := c.ReceiveEnvelope(ctx, req.Body)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	if err := conn.SendResponse(ctx, req.ID, http.StatusOK, "OK"); err != nil {
		c.log.Warn().Err(err).Uint64("id", req.ID).Msg("ack failed")
	}
	return msg, nil
}

// ReceiveEnvelope removes the signaling layer from a socket body, decrypts
// the envelope and applies its content to the store. A nil error means the
// envelope was handled and may be acknowledged, even if persisting its
// effects failed. The returned message is nil when nothing was persisted.
func (c *Coordinator) ReceiveEnvelope(ctx context.Context, raw []byte) (*store.Message, error) {
	account, err := c.s.Account()
	if err != nil {
		return nil, err
	}
	plain, err := signalcrypto.DecryptSignalingEnvelope(account.SignalingKey, raw)
	if err != nil {
		return nil, fmt.Errorf("signaling layer: %w", err)
	}
	var env proto.Envelope
	if err := env.Unmarshal(plain); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	log := c.log.With().Str("source", env.Source).Uint32("device", env.SourceDevice).Uint64("timestamp", env.Timestamp).Logger()
	log.Debug().Stringer("type", env.Type).Msg("envelope")

	switch env.Type {
	case proto.EnvelopeCiphertext, proto.EnvelopePreKeyBundle:
	default:
		log.Info().Stringer("type", env.Type).Msg("dropping unsupported envelope")
		return nil, fmt.Errorf("envelope type %s: %w", env.Type, ErrUnsupportedEnvelope)
	}

	payload, legacy := env.Content, false
	if len(payload) == 0 {
		payload, legacy = env.LegacyMessage, true
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("envelope from %s has no content: %w", env.Source, signalcrypto.ErrInvalidMessage)
	}

	ct := signalcrypto.Ciphertext{Type: ciphertextType(env.Type, payload), Bytes: payload}
	addr := signalcrypto.Address{Name: env.Source, DeviceID: env.SourceDevice}
	var padded []byte
	err = c.s.queue.Do(ctx, func() error {
		var err error
		padded, err = c.s.crypto.Decrypt(c.s.store, addr, ct)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Stringer("shape", ct.Type).Msg("decrypt failed")
		return nil, fmt.Errorf("decrypt from %s: %w", addr, err)
	}
	if ct.Type == signalcrypto.CiphertextPreKey {
		c.s.PreKeys.CheckPreKeysAsync(context.WithoutCancel(ctx))
	}

	var content proto.Content
	body := stripPadding(padded)
	if legacy {
		content.DataMessage = new(proto.DataMessage)
		err = content.DataMessage.Unmarshal(body)
	} else {
		err = content.Unmarshal(body)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal content from %s: %w", addr, err)
	}

	switch {
	case content.DataMessage != nil:
		return c.handleDataMessage(ctx, &env, content.DataMessage), nil
	case content.SyncMessage != nil:
		log.Debug().Msg("ignoring sync message")
	case content.CallMessage != nil:
		log.Debug().Msg("ignoring call message")
	default:
		log.Debug().Msg("ignoring empty content")
	}
	return nil, nil
}

// ciphertextType picks the message shape. Ciphertext envelopes may carry
// either shape. Payloads that parse as neither are left to the provider
// to reject.
func ciphertextType(t proto.EnvelopeType, payload []byte) signalcrypto.CiphertextType {
	if t == proto.EnvelopePreKeyBundle {
		return signalcrypto.CiphertextPreKey
	}
	return signalcrypto.ClassifyCiphertext(payload)
}

func (c *Coordinator) handleDataMessage(ctx context.Context, env *proto.Envelope, dm *proto.DataMessage) *store.Message {
	if dm.Flags&proto.FlagEndSession != 0 {
		c.log.Info().Str("source", env.Source).Msg("end session flag not acted upon")
	}
	if dm.Flags&proto.FlagExpirationTimerUpdate != 0 {
		c.log.Info().Str("source", env.Source).Uint32("expire_timer", dm.ExpireTimer).Msg("expiration timer update not acted upon")
	}
	if dm.Group != nil {
		return c.handleGroupMessage(ctx, env, dm)
	}
	chat, err := c.s.store.FetchOrCreateChat(env.Source)
	if err != nil {
		c.log.Error().Err(err).Str("source", env.Source).Msg("failed to resolve chat")
		return nil
	}
	return c.deliverIncoming(ctx, chat, env, dm)
}

// deliverIncoming persists an incoming message in chat and hands its
// attachments to the pipeline.
func (c *Coordinator) deliverIncoming(ctx context.Context, chat *store.Chat, env *proto.Envelope, dm *proto.DataMessage) *store.Message {
	msg := store.NewIncomingMessage(chat.UniqueID, env.Source, dm.Body, env.Timestamp)
	if err := c.s.store.SaveMessage(msg); err != nil {
		c.log.Error().Err(err).Str("chat", chat.UniqueID).Msg("failed to persist incoming message")
		return nil
	}
	if len(dm.Attachments) > 0 {
		c.s.Attachments.FetchAll(ctx, msg.UniqueID, dm.Attachments)
	}
	return msg
}

// buildWebSocketHeaders creates the HTTP headers for the socket upgrade.
func buildWebSocketHeaders(auth *BasicAuth) http.Header {
	h := http.Header{}
	h.Set("X-Signal-Agent", "courier")
	creds := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
	h.Set("Authorization", "Basic "+creds)
	return h
}
