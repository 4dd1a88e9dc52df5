package signalservice

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gwillem/signal-courier/internal/signalcrypto"
	"github.com/gwillem/signal-courier/internal/store"
)

// Bootstrap registers a fresh account: it generates the identity, the
// registration id, 100 one-time prekeys, signed prekey 0 and a signaling
// key, stores them, and PUTs the signed registration to the server. The
// account credentials are persisted only after the server accepts them.
func (s *Service) Bootstrap(ctx context.Context, username, password string) (*store.Sender, error) {
	identity, err := s.crypto.GenerateIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: generate identity: %w", err)
	}
	regID, err := s.crypto.GenerateRegistrationID()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: generate registration id: %w", err)
	}
	if err := s.store.SetIdentityKeyPair(identity); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	if err := s.store.SetLocalRegistrationID(regID); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	var (
		preKeys []signalcrypto.PreKeyRecord
		spk     signalcrypto.SignedPreKeyRecord
	)
	err = s.queue.Do(ctx, func() error {
		var err error
		preKeys, spk, err = s.PreKeys.generateInitialKeys(identity)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	signalingKey := make([]byte, signalcrypto.SignalingKeySize)
	if _, err := rand.Read(signalingKey); err != nil {
		return nil, fmt.Errorf("bootstrap: signaling key: %w", err)
	}

	ts, err := s.FetchTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	req := BootstrapRequest{
		IdentityKey:    encodeKey(identity.Public),
		Password:       password,
		RegistrationID: regID,
		SignalingKey:   encodeKey(signalingKey),
		SignedPreKey: SignedPreKeyEntity{
			KeyID:     spk.ID,
			PublicKey: encodeKey(spk.KeyPair.Public),
			Signature: encodeKey(spk.Signature),
		},
		Timestamp: ts,
	}
	for _, pk := range preKeys {
		req.PreKeys = append(req.PreKeys, PreKeyEntity{KeyID: pk.ID, PublicKey: encodeKey(pk.KeyPair.Public)})
	}
	if err := s.signBootstrapRequest(identity, &req); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	auth := &BasicAuth{Username: username, Password: password}
	body, status, err := s.transport.PutJSON(ctx, "/v1/accounts/bootstrap", req, auth)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return nil, &HTTPError{Op: "PUT /v1/accounts/bootstrap", Status: status, Body: body}
	}

	sender := &store.Sender{
		Username:       username,
		Password:       password,
		DeviceID:       1,
		RegistrationID: regID,
		SignalingKey:   signalingKey,
	}
	if err := s.store.SaveSender(sender); err != nil {
		return nil, fmt.Errorf("bootstrap: save account: %w", err)
	}
	s.account.Store(sender)
	s.log.Info().Str("user", username).Uint32("registration_id", regID).Msg("account bootstrapped")
	return sender, nil
}

// signBootstrapRequest signs the JSON encoding of req with an empty
// Signature and stores the result in Signature.
func (s *Service) signBootstrapRequest(identity signalcrypto.IdentityKeyPair, req *BootstrapRequest) error {
	req.Signature = ""
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}
	sig, err := s.crypto.Sign(identity, payload)
	if err != nil {
		return fmt.Errorf("sign registration: %w", err)
	}
	req.Signature = encodeKey(sig)
	return nil
}
