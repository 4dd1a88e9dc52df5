package signalcrypto

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"go.mau.fi/libsignal/ecc"
	"go.mau.fi/libsignal/keys/identity"
	"golang.org/x/crypto/curve25519"
)

const (
	// djbType prefixes every serialized Curve25519 public key.
	djbType       = 0x05
	publicKeySize = 1 + curve25519.PointSize
	signatureSize = 64
)

func generateKeyPair(rand io.Reader) (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand, priv); err != nil {
		return KeyPair{}, fmt.Errorf("signalcrypto: read random: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("signalcrypto: derive public key: %w", err)
	}
	return KeyPair{Public: append([]byte{djbType}, pub...), Private: priv}, nil
}

// decodePublicKey parses a type-prefixed Curve25519 public key.
func decodePublicKey(b []byte) (ecc.ECPublicKeyable, error) {
	if len(b) != publicKeySize || b[0] != djbType {
		return nil, fmt.Errorf("public key of %d bytes: %w", len(b), ErrInvalidKey)
	}
	return ecc.NewDjbECPublicKey([32]byte(b[1:])), nil
}

func decodePrivateKey(b []byte) (*ecc.DjbECPrivateKey, error) {
	if len(b) != curve25519.ScalarSize {
		return nil, fmt.Errorf("private key of %d bytes: %w", len(b), ErrInvalidKey)
	}
	return ecc.NewDjbECPrivateKey([32]byte(b)), nil
}

func encodePublicKey(key ecc.ECPublicKeyable) []byte {
	pub := key.PublicKey()
	return append([]byte{djbType}, pub[:]...)
}

func decodeKeyPair(kp KeyPair) (*ecc.ECKeyPair, error) {
	pub, err := decodePublicKey(kp.Public)
	if err != nil {
		return nil, err
	}
	priv, err := decodePrivateKey(kp.Private)
	if err != nil {
		return nil, err
	}
	return ecc.NewECKeyPair(pub, priv), nil
}

func decodeIdentityKeyPair(id IdentityKeyPair) (*identity.KeyPair, error) {
	pub, err := decodePublicKey(id.Public)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	priv, err := decodePrivateKey(id.Private)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	return identity.NewKeyPair(identity.NewKey(pub), priv), nil
}

// GenerateIdentityKeyPair creates a Curve25519 identity. The same key both
// agrees and signs (XEdDSA).
func (p *DefaultProvider) GenerateIdentityKeyPair() (IdentityKeyPair, error) {
	kp, err := generateKeyPair(p.rand)
	if err != nil {
		return IdentityKeyPair{}, err
	}
	return IdentityKeyPair(kp), nil
}

// GenerateRegistrationID returns a random non-zero 14-bit registration id.
func (p *DefaultProvider) GenerateRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(p.rand, b[:]); err != nil {
		return 0, fmt.Errorf("signalcrypto: read random: %w", err)
	}
	return binary.BigEndian.Uint32(b[:])%16380 + 1, nil
}

func (p *DefaultProvider) GenerateSignedPreKey(identity IdentityKeyPair, id uint32, now time.Time) (SignedPreKeyRecord, error) {
	kp, err := generateKeyPair(p.rand)
	if err != nil {
		return SignedPreKeyRecord{}, err
	}
	sig, err := p.Sign(identity, kp.Public)
	if err != nil {
		return SignedPreKeyRecord{}, err
	}
	return SignedPreKeyRecord{ID: id, KeyPair: kp, Signature: sig, Timestamp: now}, nil
}

func (p *DefaultProvider) GenerateOneTimePreKeys(startID uint32, count int) ([]PreKeyRecord, error) {
	if count <= 0 {
		return nil, fmt.Errorf("generate prekeys: %w", ErrInvalidArgument)
	}
	records := make([]PreKeyRecord, 0, count)
	for i := range count {
		kp, err := generateKeyPair(p.rand)
		if err != nil {
			return nil, err
		}
		records = append(records, PreKeyRecord{ID: startID + uint32(i), KeyPair: kp})
	}
	return records, nil
}

func (p *DefaultProvider) Sign(identity IdentityKeyPair, message []byte) ([]byte, error) {
	priv, err := decodePrivateKey(identity.Private)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sig := ecc.CalculateSignature(priv, message)
	return sig[:], nil
}

func (p *DefaultProvider) VerifySignature(identityKey, message, signature []byte) bool {
	if len(signature) != signatureSize {
		return false
	}
	pub, err := decodePublicKey(identityKey)
	if err != nil {
		return false
	}
	return ecc.VerifySignature(pub, message, [signatureSize]byte(signature))
}
