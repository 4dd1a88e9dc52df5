package signalservice

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gwillem/signal-courier/internal/signalcrypto"
)

// SessionEstablisher guarantees a session exists for a device before
// anything is encrypted to it.
type SessionEstablisher struct {
	s   *Service
	log zerolog.Logger
}

// EnsureSession is a no-op when a session for addr exists. Otherwise it
// fetches the prekey bundle of addr.Name and builds a session from the
// entry for addr.DeviceID. No session is stored on failure.
func (e *SessionEstablisher) EnsureSession(ctx context.Context, addr signalcrypto.Address) error {
	return e.s.queue.Do(ctx, func() error { return e.ensure(ctx, addr) })
}

// ensure must run on the work queue.
func (e *SessionEstablisher) ensure(ctx context.Context, addr signalcrypto.Address) error {
	return e.ensureDevices(ctx, addr.Name, []uint32{addr.DeviceID})
}

// ensureDevices builds a session for every listed device of name that
// lacks one. The recipient's bundle is fetched at most once and each
// device's session comes from its entry in that response. It must run on
// the work queue.
func (e *SessionEstablisher) ensureDevices(ctx context.Context, name string, devices []uint32) error {
	var missing []signalcrypto.Address
	for _, id := range devices {
		addr := signalcrypto.Address{Name: name, DeviceID: id}
		ok, err := e.s.store.HasSession(addr)
		if err != nil {
			return fmt.Errorf("ensure session %s: %w", addr, err)
		}
		if !ok {
			missing = append(missing, addr)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	resp, err := e.s.GetPreKeyBundle(ctx, name)
	if err != nil {
		return fmt.Errorf("ensure session %s: %w", missing[0], err)
	}
	for _, addr := range missing {
		bundle, err := buildPreKeyBundle(resp, addr.DeviceID)
		if err != nil {
			return fmt.Errorf("ensure session %s: %w", addr, err)
		}
		if err := e.s.crypto.EstablishSession(e.s.store, addr, bundle); err != nil {
			return fmt.Errorf("ensure session %s: %w", addr, err)
		}
		e.log.Info().Stringer("address", addr).Bool("one_time_prekey", bundle.PreKeyPublic != nil).Msg("session established")
	}
	return nil
}

// buildPreKeyBundle picks the entry for deviceID from a bundle response.
func buildPreKeyBundle(resp *PreKeyResponse, deviceID uint32) (signalcrypto.PreKeyBundle, error) {
	var dev *PreKeyDeviceInfo
	for i := range resp.Devices {
		if resp.Devices[i].DeviceID == deviceID {
			dev = &resp.Devices[i]
			break
		}
	}
	if dev == nil {
		return signalcrypto.PreKeyBundle{}, fmt.Errorf("device %d: %w", deviceID, ErrNoBundle)
	}
	if dev.SignedPreKey == nil {
		return signalcrypto.PreKeyBundle{}, fmt.Errorf("device %d: missing signed prekey: %w", deviceID, ErrNoBundle)
	}

	identityKey, err := decodeKey(resp.IdentityKey)
	if err != nil {
		return signalcrypto.PreKeyBundle{}, fmt.Errorf("decode identity key: %w", err)
	}
	spk, err := decodeKey(dev.SignedPreKey.PublicKey)
	if err != nil {
		return signalcrypto.PreKeyBundle{}, fmt.Errorf("decode signed prekey: %w", err)
	}
	spkSig, err := decodeKey(dev.SignedPreKey.Signature)
	if err != nil {
		return signalcrypto.PreKeyBundle{}, fmt.Errorf("decode signed prekey signature: %w", err)
	}

	bundle := signalcrypto.PreKeyBundle{
		RegistrationID:        dev.RegistrationID,
		DeviceID:              dev.DeviceID,
		SignedPreKeyID:        dev.SignedPreKey.KeyID,
		SignedPreKeyPublic:    spk,
		SignedPreKeySignature: spkSig,
		IdentityKey:           identityKey,
	}
	// The one-time prekey is optional; the server omits it when it ran out.
	if dev.PreKey != nil && dev.PreKey.PublicKey != "" {
		pk, err := decodeKey(dev.PreKey.PublicKey)
		if err != nil {
			return signalcrypto.PreKeyBundle{}, fmt.Errorf("decode prekey: %w", err)
		}
		bundle.PreKeyID = dev.PreKey.KeyID
		bundle.PreKeyPublic = pk
	}
	return bundle, nil
}
