package signalcrypto

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"go.mau.fi/libsignal/ecc"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/keys/prekey"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/session"
	"go.mau.fi/libsignal/signalerror"
	"go.mau.fi/libsignal/state/record"
	"go.mau.fi/libsignal/util/optional"
)

// macSize trails every serialized SignalMessage.
const macSize = 8

var serializer = serialize.NewProtoBufSerializer()

// Session is a pairwise session record including archived states, so
// messages for a session the peer started concurrently still decrypt.
type Session = record.Session

// DefaultProvider implements Provider on the libsignal double ratchet.
type DefaultProvider struct {
	rand io.Reader
}

var _ Provider = (*DefaultProvider)(nil)

func NewDefaultProvider() *DefaultProvider {
	return &DefaultProvider{rand: rand.Reader}
}

func (p *DefaultProvider) SerializeSession(s *Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("serialize session: %w", ErrInvalidArgument)
	}
	return s.Serialize(), nil
}

func (p *DefaultProvider) DeserializeSession(data []byte) (*Session, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("deserialize session: %w", ErrInvalidArgument)
	}
	s, err := record.NewSessionFromBytes(data, serializer.Session, serializer.State)
	if err != nil {
		return nil, fmt.Errorf("deserialize session: %w: %v", ErrInvalidArgument, err)
	}
	return s, nil
}

func signalAddress(addr Address) *protocol.SignalAddress {
	return protocol.NewSignalAddress(addr.Name, addr.DeviceID)
}

// cipherFor wires a libsignal builder and cipher to store for addr.
func (p *DefaultProvider) cipherFor(store ProtocolStore, addr Address) (*session.Builder, *session.Cipher, error) {
	ls, err := newSignalStore(p, store)
	if err != nil {
		return nil, nil, err
	}
	sa := signalAddress(addr)
	builder := session.NewBuilder(ls, ls, ls, ls, sa, serializer)
	return builder, session.NewCipher(builder, sa), nil
}

func (p *DefaultProvider) hasSession(store ProtocolStore, addr Address) (bool, error) {
	data, err := store.LoadSession(addr)
	if err != nil {
		return false, fmt.Errorf("load session %s: %w", addr, err)
	}
	return data != nil, nil
}

// EstablishSession runs the initiator side of X3DH against bundle. An
// existing session for addr is archived, not dropped.
func (p *DefaultProvider) EstablishSession(store ProtocolStore, addr Address, bundle PreKeyBundle) error {
	identityKey, err := decodePublicKey(bundle.IdentityKey)
	if err != nil {
		return fmt.Errorf("establish session %s: %w", addr, err)
	}
	signedPub, err := decodePublicKey(bundle.SignedPreKeyPublic)
	if err != nil {
		return fmt.Errorf("establish session %s: %w", addr, err)
	}
	if !p.VerifySignature(bundle.IdentityKey, bundle.SignedPreKeyPublic, bundle.SignedPreKeySignature) {
		return fmt.Errorf("establish session %s: %w", addr, ErrInvalidSignature)
	}
	trusted, err := store.IsTrustedIdentity(addr, bundle.IdentityKey)
	if err != nil {
		return fmt.Errorf("establish session %s: %w", addr, err)
	}
	if !trusted {
		return fmt.Errorf("establish session %s: %w", addr, ErrUntrustedIdentity)
	}

	preKeyID := optional.NewEmptyUint32()
	var preKeyPub ecc.ECPublicKeyable
	if len(bundle.PreKeyPublic) > 0 {
		if preKeyPub, err = decodePublicKey(bundle.PreKeyPublic); err != nil {
			return fmt.Errorf("establish session %s: %w", addr, err)
		}
		preKeyID = optional.NewOptionalUint32(bundle.PreKeyID)
	}
	b := prekey.NewBundle(bundle.RegistrationID, bundle.DeviceID, preKeyID, bundle.SignedPreKeyID,
		preKeyPub, signedPub, [signatureSize]byte(bundle.SignedPreKeySignature), identity.NewKey(identityKey))

	builder, _, err := p.cipherFor(store, addr)
	if err != nil {
		return err
	}
	if err := builder.ProcessBundle(context.Background(), b); err != nil {
		return fmt.Errorf("establish session %s: %w", addr, mapSignalError(err))
	}
	return nil
}

func (p *DefaultProvider) RemoteRegistrationID(store ProtocolStore, addr Address) (uint32, error) {
	data, err := store.LoadSession(addr)
	if err != nil {
		return 0, fmt.Errorf("load session %s: %w", addr, err)
	}
	if data == nil {
		return 0, fmt.Errorf("%s: %w", addr, ErrNoSession)
	}
	s, err := p.DeserializeSession(data)
	if err != nil {
		return 0, err
	}
	return s.SessionState().RemoteRegistrationID(), nil
}

// Encrypt wraps messages as prekey messages until the peer has replied.
func (p *DefaultProvider) Encrypt(store ProtocolStore, addr Address, plaintext []byte) (Ciphertext, error) {
	ok, err := p.hasSession(store, addr)
	if err != nil {
		return Ciphertext{}, err
	}
	if !ok {
		return Ciphertext{}, fmt.Errorf("%s: %w", addr, ErrNoSession)
	}
	_, cipher, err := p.cipherFor(store, addr)
	if err != nil {
		return Ciphertext{}, err
	}
	msg, err := cipher.Encrypt(context.Background(), plaintext)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("encrypt for %s: %w", addr, mapSignalError(err))
	}
	out := Ciphertext{Type: CiphertextMessage, Bytes: msg.Serialize()}
	if msg.Type() == protocol.PREKEY_TYPE {
		out.Type = CiphertextPreKey
	}
	return out, nil
}

func (p *DefaultProvider) Decrypt(store ProtocolStore, addr Address, msg Ciphertext) ([]byte, error) {
	if len(msg.Bytes) > 0 && msg.Bytes[0]>>4 < 3 {
		return nil, fmt.Errorf("decrypt from %s: %w", addr, ErrLegacyMessage)
	}
	switch msg.Type {
	case CiphertextPreKey:
		return p.decryptPreKey(store, addr, msg.Bytes)
	case CiphertextMessage:
		return p.decryptMessage(store, addr, msg.Bytes)
	default:
		return nil, fmt.Errorf("decrypt from %s: type %v: %w", addr, msg.Type, ErrInvalidArgument)
	}
}

func (p *DefaultProvider) decryptMessage(store ProtocolStore, addr Address, data []byte) ([]byte, error) {
	m, err := parseSignalMessage(data)
	if err != nil {
		return nil, err
	}
	ok, err := p.hasSession(store, addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("decrypt from %s: %w", addr, ErrNoSession)
	}
	_, cipher, err := p.cipherFor(store, addr)
	if err != nil {
		return nil, err
	}
	plaintext, err := cipher.Decrypt(context.Background(), m)
	if err != nil {
		return nil, fmt.Errorf("decrypt from %s: %w", addr, mapSignalError(err))
	}
	return plaintext, nil
}

func (p *DefaultProvider) decryptPreKey(store ProtocolStore, addr Address, data []byte) ([]byte, error) {
	pm, err := parsePreKeySignalMessage(data)
	if err != nil {
		return nil, err
	}
	trusted, err := store.IsTrustedIdentity(addr, encodePublicKey(pm.IdentityKey().PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("decrypt from %s: %w", addr, err)
	}
	if !trusted {
		return nil, fmt.Errorf("decrypt from %s: %w", addr, ErrUntrustedIdentity)
	}
	_, cipher, err := p.cipherFor(store, addr)
	if err != nil {
		return nil, err
	}
	plaintext, err := cipher.DecryptMessage(context.Background(), pm)
	if err != nil {
		return nil, fmt.Errorf("decrypt from %s: %w", addr, mapSignalError(err))
	}
	return plaintext, nil
}

func parseSignalMessage(data []byte) (*protocol.SignalMessage, error) {
	if len(data) <= 1+macSize {
		return nil, fmt.Errorf("signal message of %d bytes: %w", len(data), ErrInvalidMessage)
	}
	m, err := protocol.NewSignalMessageFromBytes(data, serializer.SignalMessage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, nil
}

func parsePreKeySignalMessage(data []byte) (*protocol.PreKeySignalMessage, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("prekey message of %d bytes: %w", len(data), ErrInvalidMessage)
	}
	m, err := protocol.NewPreKeySignalMessageFromBytes(data, serializer.PreKeySignalMessage, serializer.SignalMessage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, nil
}

// ClassifyCiphertext tells the message shape of payload from its bytes.
// The prekey form is tried first since it embeds a plain message.
func ClassifyCiphertext(payload []byte) CiphertextType {
	if _, err := parsePreKeySignalMessage(payload); err == nil {
		return CiphertextPreKey
	}
	if _, err := parseSignalMessage(payload); err == nil {
		return CiphertextMessage
	}
	return CiphertextUnknown
}

// mapSignalError keeps sentinel checks on this package's errors.
func mapSignalError(err error) error {
	switch {
	case errors.Is(err, signalerror.ErrOldCounter):
		return fmt.Errorf("%w: %v", ErrDuplicateMessage, err)
	case errors.Is(err, signalerror.ErrUntrustedIdentity):
		return fmt.Errorf("%w: %v", ErrUntrustedIdentity, err)
	case errors.Is(err, ErrInvalidKey), errors.Is(err, ErrNoSession):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
}
