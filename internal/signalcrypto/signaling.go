package signalcrypto

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
)

const (
	// SignalingKeySize is a 32-byte AES key followed by a 20-byte MAC key.
	SignalingKeySize = 52

	signalingVersion = 1
	signalingMACSize = 10
)

// DecryptSignalingEnvelope removes the symmetric layer the server wraps
// around envelopes delivered over the socket. The payload is
// version || IV || AES-CBC ciphertext || truncated HMAC-SHA256.
func DecryptSignalingEnvelope(signalingKey, payload []byte) ([]byte, error) {
	if len(signalingKey) != SignalingKeySize {
		return nil, fmt.Errorf("signaling: key must be %d bytes: %w", SignalingKeySize, ErrInvalidKey)
	}
	if len(payload) < 1+aes.BlockSize+aes.BlockSize+signalingMACSize {
		return nil, fmt.Errorf("signaling: payload too short (%d bytes): %w", len(payload), ErrInvalidMessage)
	}
	if payload[0] != signalingVersion {
		return nil, fmt.Errorf("signaling: version %d: %w", payload[0], ErrInvalidMessage)
	}

	body := payload[:len(payload)-signalingMACSize]
	mac := hmac.New(sha256.New, signalingKey[32:])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil)[:signalingMACSize], payload[len(payload)-signalingMACSize:]) {
		return nil, fmt.Errorf("signaling: MAC verification failed: %w", ErrInvalidMessage)
	}

	plaintext, err := decryptAESCBC(signalingKey[:32], body[1:1+aes.BlockSize], body[1+aes.BlockSize:])
	if err != nil {
		return nil, fmt.Errorf("signaling: %w: %v", ErrInvalidMessage, err)
	}
	return plaintext, nil
}

// EncryptSignalingEnvelope is the server-side counterpart of
// DecryptSignalingEnvelope.
func EncryptSignalingEnvelope(rand io.Reader, signalingKey, envelope []byte) ([]byte, error) {
	if len(signalingKey) != SignalingKeySize {
		return nil, fmt.Errorf("signaling: key must be %d bytes: %w", SignalingKeySize, ErrInvalidKey)
	}
	ct, err := encryptAESCBC(rand, signalingKey[:32], envelope)
	if err != nil {
		return nil, fmt.Errorf("signaling: %w", err)
	}
	out := append([]byte{signalingVersion}, ct...)
	mac := hmac.New(sha256.New, signalingKey[32:])
	mac.Write(out)
	return append(out, mac.Sum(nil)[:signalingMACSize]...), nil
}
