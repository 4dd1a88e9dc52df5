// Package signalcrypto defines the cryptographic capability consumed by the
// messaging layer. The default implementation runs the Signal double
// ratchet from go.mau.fi/libsignal and adds the attachment and
// signaling-key ciphers used on the wire.
package signalcrypto

import (
	"fmt"
	"time"
)

// Address identifies one device of one remote party.
type Address struct {
	Name     string
	DeviceID uint32
}

func (a Address) String() string {
	return fmt.Sprintf("%s.%d", a.Name, a.DeviceID)
}

// IdentityKeyPair is a long-term Curve25519 identity. Public is the 33-byte
// type-prefixed key and Private the 32-byte scalar.
type IdentityKeyPair struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

// KeyPair is a Curve25519 key pair in the same encoding as IdentityKeyPair.
type KeyPair struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

type PreKeyRecord struct {
	ID      uint32  `json:"id"`
	KeyPair KeyPair `json:"keyPair"`
}

type SignedPreKeyRecord struct {
	ID        uint32    `json:"id"`
	KeyPair   KeyPair   `json:"keyPair"`
	Signature []byte    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
}

// PreKeyBundle is the public key material a remote device publishes so a
// session can be started while it is offline.
type PreKeyBundle struct {
	RegistrationID        uint32
	DeviceID              uint32
	PreKeyID              uint32
	PreKeyPublic          []byte // nil when the server ran out of one-time prekeys
	SignedPreKeyID        uint32
	SignedPreKeyPublic    []byte
	SignedPreKeySignature []byte
	IdentityKey           []byte
}

// CiphertextType tells which message shape a ciphertext carries.
type CiphertextType int

const (
	CiphertextUnknown CiphertextType = 0
	CiphertextMessage CiphertextType = 1
	CiphertextPreKey  CiphertextType = 3
)

func (t CiphertextType) String() string {
	switch t {
	case CiphertextMessage:
		return "message"
	case CiphertextPreKey:
		return "prekey"
	default:
		return "unknown"
	}
}

type Ciphertext struct {
	Type  CiphertextType
	Bytes []byte
}

// AttachmentCiphertext is an encrypted attachment blob plus the material
// needed to decrypt and verify it.
type AttachmentCiphertext struct {
	Ciphertext []byte
	Key        []byte
	Digest     []byte
}

// ProtocolStore is the key material a Provider reads and writes while
// building sessions and encrypting. Sessions are opaque serialized bytes.
type ProtocolStore interface {
	LoadSession(addr Address) ([]byte, error) // nil, nil when absent
	StoreSession(addr Address, record []byte) error

	IdentityKeyPair() (IdentityKeyPair, error)
	LocalRegistrationID() (uint32, error)
	IsTrustedIdentity(addr Address, identityKey []byte) (bool, error)
	SaveIdentity(addr Address, identityKey []byte) error

	LoadPreKey(id uint32) (PreKeyRecord, error)
	RemovePreKey(id uint32) error
	LoadSignedPreKey(id uint32) (SignedPreKeyRecord, error)
}

// Provider is the cryptographic capability set. Implementations must be safe
// for use by one writer at a time per address; callers serialize access.
type Provider interface {
	GenerateIdentityKeyPair() (IdentityKeyPair, error)
	GenerateRegistrationID() (uint32, error)
	GenerateSignedPreKey(identity IdentityKeyPair, id uint32, now time.Time) (SignedPreKeyRecord, error)
	GenerateOneTimePreKeys(startID uint32, count int) ([]PreKeyRecord, error)

	Sign(identity IdentityKeyPair, message []byte) ([]byte, error)
	VerifySignature(identityKey, message, signature []byte) bool

	// EstablishSession verifies the bundle and stores a new session for addr.
	EstablishSession(store ProtocolStore, addr Address, bundle PreKeyBundle) error
	Encrypt(store ProtocolStore, addr Address, plaintext []byte) (Ciphertext, error)
	Decrypt(store ProtocolStore, addr Address, msg Ciphertext) ([]byte, error)
	RemoteRegistrationID(store ProtocolStore, addr Address) (uint32, error)

	SerializeSession(s *Session) ([]byte, error)
	DeserializeSession(data []byte) (*Session, error)

	EncryptAttachment(data []byte) (AttachmentCiphertext, error)
	DecryptAttachment(ciphertext, key, digest []byte, size uint32) ([]byte, error)
}
