package signalservice

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gwillem/signal-courier/internal/signalcrypto"
)

// ReplenishMode selects which prekeys ReplenishPreKeys regenerates.
type ReplenishMode int

const (
	ReplenishNone ReplenishMode = iota
	ReplenishSignedOnly
	ReplenishSignedAndOneTime
)

func (m ReplenishMode) String() string {
	switch m {
	case ReplenishSignedOnly:
		return "signedOnly"
	case ReplenishSignedAndOneTime:
		return "signedAndOneTime"
	default:
		return "none"
	}
}

// PreKeyManager keeps the server stocked with one-time prekeys and rotates
// the signed prekey.
type PreKeyManager struct {
	s   *Service
	log zerolog.Logger
}

// CheckPreKeys queries the server's one-time prekey count and replenishes
// when needed. It returns the mode that was applied.
func (m *PreKeyManager) CheckPreKeys(ctx context.Context) (ReplenishMode, error) {
	var mode ReplenishMode
	err := m.s.queue.Do(ctx, func() error {
		var err error
		mode, err = m.checkPreKeys(ctx)
		return err
	})
	return mode, err
}

// CheckPreKeysAsync schedules CheckPreKeys on the work queue. Failures are
// logged.
func (m *PreKeyManager) CheckPreKeysAsync(ctx context.Context) {
	m.s.queue.Go(func() {
		if _, err := m.checkPreKeys(ctx); err != nil {
			m.log.Warn().Err(err).Msg("prekey check failed")
		}
	})
}

func (m *PreKeyManager) checkPreKeys(ctx context.Context) (ReplenishMode, error) {
	count, err := m.s.GetPreKeyCount(ctx)
	if err != nil {
		return ReplenishNone, fmt.Errorf("check prekeys: %w", err)
	}

	mode, err := m.decide(count)
	if err != nil {
		return ReplenishNone, err
	}
	m.log.Debug().Int("count", count).Stringer("mode", mode).Msg("prekey check")

	if mode == ReplenishNone {
		if err := m.verifyServerSignedPreKey(ctx); err != nil {
			return ReplenishNone, err
		}
		return ReplenishNone, nil
	}
	return mode, m.replenish(ctx, mode)
}

func (m *PreKeyManager) decide(count int) (ReplenishMode, error) {
	if count < m.s.cfg.MinPreKeyCount {
		return ReplenishSignedAndOneTime, nil
	}
	current, ok, err := m.s.store.CurrentSignedPreKey()
	if err != nil {
		return ReplenishNone, fmt.Errorf("check prekeys: %w", err)
	}
	if !ok || m.s.now().Sub(current.Timestamp) >= m.s.cfg.SignedPreKeyRotation {
		return ReplenishSignedOnly, nil
	}
	return ReplenishNone, nil
}

// VerifyServerSignedPreKey compares the server's advertised signed prekey
// with the local current pointer. A mismatch is logged, not corrected.
func (m *PreKeyManager) VerifyServerSignedPreKey(ctx context.Context) error {
	return m.s.queue.Do(ctx, func() error { return m.verifyServerSignedPreKey(ctx) })
}

func (m *PreKeyManager) verifyServerSignedPreKey(ctx context.Context) error {
	remote, err := m.s.GetSignedPreKey(ctx)
	if err != nil {
		return fmt.Errorf("verify signed prekey: %w", err)
	}
	local, ok, err := m.s.store.CurrentSignedPreKey()
	if err != nil {
		return fmt.Errorf("verify signed prekey: %w", err)
	}
	if !ok {
		m.log.Warn().Uint32("server_id", remote.KeyID).Msg("server advertises a signed prekey but none is current locally")
		return nil
	}
	sig, _ := decodeKey(remote.Signature)
	if remote.KeyID != local.ID || !bytes.Equal(sig, local.Signature) {
		m.log.Warn().Uint32("server_id", remote.KeyID).Uint32("local_id", local.ID).Msg("signed prekey mismatch")
	}
	return nil
}

// ReplenishPreKeys generates and uploads new prekeys.
func (m *PreKeyManager) ReplenishPreKeys(ctx context.Context, mode ReplenishMode) error {
	return m.s.queue.Do(ctx, func() error { return m.replenish(ctx, mode) })
}

func (m *PreKeyManager) replenish(ctx context.Context, mode ReplenishMode) error {
	if mode == ReplenishNone {
		return nil
	}
	st := m.s.store
	identity, err := st.IdentityKeyPair()
	if err != nil {
		return fmt.Errorf("replenish: %w", err)
	}
	previous, err := st.SignedPreKeyIDs()
	if err != nil {
		return fmt.Errorf("replenish: %w", err)
	}

	// New keys are persisted before the upload. The current pointer only
	// moves after the server accepted them.
	maxSigned, err := st.MaxSignedPreKeyID()
	if err != nil {
		return fmt.Errorf("replenish: %w", err)
	}
	signedID := maxSigned + 1
	if len(previous) == 0 {
		signedID = 0
	}
	spk, err := m.s.crypto.GenerateSignedPreKey(identity, signedID, m.s.now())
	if err != nil {
		return fmt.Errorf("replenish: generate signed prekey: %w", err)
	}
	if err := st.StoreSignedPreKey(spk); err != nil {
		return fmt.Errorf("replenish: %w", err)
	}

	spkEntity := SignedPreKeyEntity{
		KeyID:     spk.ID,
		PublicKey: encodeKey(spk.KeyPair.Public),
		Signature: encodeKey(spk.Signature),
	}

	switch mode {
	case ReplenishSignedAndOneTime:
		start, err := m.NextPreKeyID()
		if err != nil {
			return err
		}
		records, err := m.s.crypto.GenerateOneTimePreKeys(start, m.s.cfg.PreKeyBatchSize)
		if err != nil {
			return fmt.Errorf("replenish: generate prekeys: %w", err)
		}
		upload := &PreKeyUpload{
			PreKeys:      make([]PreKeyEntity, 0, len(records)),
			SignedPreKey: spkEntity,
			IdentityKey:  encodeKey(identity.Public),
		}
		for _, rec := range records {
			if err := st.StorePreKey(rec); err != nil {
				return fmt.Errorf("replenish: %w", err)
			}
			upload.PreKeys = append(upload.PreKeys, PreKeyEntity{KeyID: rec.ID, PublicKey: encodeKey(rec.KeyPair.Public)})
		}
		if err := m.s.UploadPreKeys(ctx, upload); err != nil {
			return fmt.Errorf("replenish: %w", err)
		}
	case ReplenishSignedOnly:
		if err := m.s.UploadSignedPreKey(ctx, spkEntity); err != nil {
			return fmt.Errorf("replenish: %w", err)
		}
	}

	if err := st.SetCurrentSignedPreKeyID(spk.ID); err != nil {
		return fmt.Errorf("replenish: %w", err)
	}
	for _, id := range previous {
		if id == spk.ID {
			continue
		}
		if err := st.RemoveSignedPreKey(id); err != nil {
			m.log.Warn().Err(err).Uint32("id", id).Msg("failed to delete superseded signed prekey")
		}
	}
	m.log.Info().Stringer("mode", mode).Uint32("signed_id", spk.ID).Msg("prekeys replenished")
	return nil
}

// NextPreKeyID returns one more than the highest stored one-time prekey id,
// or 1 when none is stored.
func (m *PreKeyManager) NextPreKeyID() (uint32, error) {
	max, err := m.s.store.MaxPreKeyID()
	if err != nil {
		return 0, fmt.Errorf("next prekey id: %w", err)
	}
	return max + 1, nil
}

// generateInitialKeys creates the key material of a fresh account: 100
// one-time prekeys from id 1 and signed prekey 0, stored with the pointer
// set.
func (m *PreKeyManager) generateInitialKeys(identity signalcrypto.IdentityKeyPair) ([]signalcrypto.PreKeyRecord, signalcrypto.SignedPreKeyRecord, error) {
	st := m.s.store
	records, err := m.s.crypto.GenerateOneTimePreKeys(1, m.s.cfg.PreKeyBatchSize)
	if err != nil {
		return nil, signalcrypto.SignedPreKeyRecord{}, fmt.Errorf("generate prekeys: %w", err)
	}
	for _, rec := range records {
		if err := st.StorePreKey(rec); err != nil {
			return nil, signalcrypto.SignedPreKeyRecord{}, err
		}
	}
	spk, err := m.s.crypto.GenerateSignedPreKey(identity, 0, m.s.now())
	if err != nil {
		return nil, signalcrypto.SignedPreKeyRecord{}, fmt.Errorf("generate signed prekey: %w", err)
	}
	if err := st.StoreSignedPreKey(spk); err != nil {
		return nil, signalcrypto.SignedPreKeyRecord{}, err
	}
	if err := st.SetCurrentSignedPreKeyID(spk.ID); err != nil {
		return nil, signalcrypto.SignedPreKeyRecord{}, err
	}
	return records, spk, nil
}
