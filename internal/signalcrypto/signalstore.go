package signalcrypto

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/state/record"
	"go.mau.fi/libsignal/state/store"
)

var errUnsupported = errors.New("signalcrypto: not supported by protocol store")

// signalStore exposes a ProtocolStore through the libsignal store
// interfaces. Identity material is read once per operation.
type signalStore struct {
	p        *DefaultProvider
	st       ProtocolStore
	identity *identity.KeyPair
	regID    uint32
}

var (
	_ store.Session      = (*signalStore)(nil)
	_ store.PreKey       = (*signalStore)(nil)
	_ store.SignedPreKey = (*signalStore)(nil)
	_ store.IdentityKey  = (*signalStore)(nil)
)

func newSignalStore(p *DefaultProvider, st ProtocolStore) (*signalStore, error) {
	id, err := st.IdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	kp, err := decodeIdentityKeyPair(id)
	if err != nil {
		return nil, err
	}
	regID, err := st.LocalRegistrationID()
	if err != nil {
		return nil, fmt.Errorf("registration id: %w", err)
	}
	return &signalStore{p: p, st: st, identity: kp, regID: regID}, nil
}

func fromSignalAddress(a *protocol.SignalAddress) Address {
	return Address{Name: a.Name(), DeviceID: a.DeviceID()}
}

func (s *signalStore) GetIdentityKeyPair() *identity.KeyPair { return s.identity }

func (s *signalStore) GetLocalRegistrationID() uint32 { return s.regID }

func (s *signalStore) SaveIdentity(ctx context.Context, address *protocol.SignalAddress, identityKey *identity.Key) error {
	return s.st.SaveIdentity(fromSignalAddress(address), encodePublicKey(identityKey.PublicKey()))
}

func (s *signalStore) IsTrustedIdentity(ctx context.Context, address *protocol.SignalAddress, identityKey *identity.Key) (bool, error) {
	return s.st.IsTrustedIdentity(fromSignalAddress(address), encodePublicKey(identityKey.PublicKey()))
}

func (s *signalStore) LoadPreKey(ctx context.Context, id uint32) (*record.PreKey, error) {
	pk, err := s.st.LoadPreKey(id)
	if err != nil {
		return nil, fmt.Errorf("prekey %d: %w", id, err)
	}
	kp, err := decodeKeyPair(pk.KeyPair)
	if err != nil {
		return nil, fmt.Errorf("prekey %d: %w", id, err)
	}
	return record.NewPreKey(pk.ID, kp, nil), nil
}

func (s *signalStore) RemovePreKey(ctx context.Context, id uint32) error {
	return s.st.RemovePreKey(id)
}

func (s *signalStore) StorePreKey(ctx context.Context, id uint32, rec *record.PreKey) error {
	return errUnsupported
}

func (s *signalStore) ContainsPreKey(ctx context.Context, id uint32) (bool, error) {
	_, err := s.st.LoadPreKey(id)
	return err == nil, nil
}

func (s *signalStore) LoadSignedPreKey(ctx context.Context, id uint32) (*record.SignedPreKey, error) {
	spk, err := s.st.LoadSignedPreKey(id)
	if err != nil {
		return nil, fmt.Errorf("signed prekey %d: %w", id, err)
	}
	kp, err := decodeKeyPair(spk.KeyPair)
	if err != nil {
		return nil, fmt.Errorf("signed prekey %d: %w", id, err)
	}
	if len(spk.Signature) != signatureSize {
		return nil, fmt.Errorf("signed prekey %d: signature: %w", id, ErrInvalidKey)
	}
	return record.NewSignedPreKey(spk.ID, spk.Timestamp.UnixMilli(), kp, [signatureSize]byte(spk.Signature), nil), nil
}

func (s *signalStore) LoadSignedPreKeys(ctx context.Context) ([]*record.SignedPreKey, error) {
	return nil, errUnsupported
}

func (s *signalStore) StoreSignedPreKey(ctx context.Context, id uint32, rec *record.SignedPreKey) error {
	return errUnsupported
}

func (s *signalStore) ContainsSignedPreKey(ctx context.Context, id uint32) (bool, error) {
	_, err := s.st.LoadSignedPreKey(id)
	return err == nil, nil
}

func (s *signalStore) RemoveSignedPreKey(ctx context.Context, id uint32) error {
	return errUnsupported
}

func (s *signalStore) LoadSession(ctx context.Context, address *protocol.SignalAddress) (*record.Session, error) {
	addr := fromSignalAddress(address)
	data, err := s.st.LoadSession(addr)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", addr, err)
	}
	if data == nil {
		return record.NewSession(serializer.Session, serializer.State), nil
	}
	return s.p.DeserializeSession(data)
}

func (s *signalStore) StoreSession(ctx context.Context, address *protocol.SignalAddress, rec *record.Session) error {
	addr := fromSignalAddress(address)
	data, err := s.p.SerializeSession(rec)
	if err != nil {
		return err
	}
	if err := s.st.StoreSession(addr, data); err != nil {
		return fmt.Errorf("store session %s: %w", addr, err)
	}
	return nil
}

func (s *signalStore) ContainsSession(ctx context.Context, address *protocol.SignalAddress) (bool, error) {
	return s.p.hasSession(s.st, fromSignalAddress(address))
}

func (s *signalStore) GetSubDeviceSessions(ctx context.Context, name string) ([]uint32, error) {
	return nil, errUnsupported
}

func (s *signalStore) DeleteSession(ctx context.Context, address *protocol.SignalAddress) error {
	return errUnsupported
}

func (s *signalStore) DeleteAllSessions(ctx context.Context) error {
	return errUnsupported
}
