package signalcrypto

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
)

const (
	attachmentKeySize = 64
	attachmentMACSize = sha256.Size
)

// EncryptAttachment encrypts data under a fresh 64-byte key (32 bytes AES,
// 32 bytes HMAC). The blob is IV || AES-CBC ciphertext || HMAC-SHA256 and
// the digest is SHA-256 over the whole blob.
func (p *DefaultProvider) EncryptAttachment(data []byte) (AttachmentCiphertext, error) {
	key := make([]byte, attachmentKeySize)
	if _, err := io.ReadFull(p.rand, key); err != nil {
		return AttachmentCiphertext{}, fmt.Errorf("attachment: read random: %w", err)
	}
	blob, err := encryptAESCBC(p.rand, key[:32], data)
	if err != nil {
		return AttachmentCiphertext{}, fmt.Errorf("attachment: %w", err)
	}
	mac := hmac.New(sha256.New, key[32:])
	mac.Write(blob)
	blob = mac.Sum(blob)

	digest := sha256.Sum256(blob)
	return AttachmentCiphertext{Ciphertext: blob, Key: key, Digest: digest[:]}, nil
}

// DecryptAttachment verifies the digest and MAC of an attachment blob and
// decrypts it. A non-zero size trims trailing bytes beyond the announced
// plaintext length.
func (p *DefaultProvider) DecryptAttachment(data, key, digest []byte, size uint32) ([]byte, error) {
	if len(key) != attachmentKeySize {
		return nil, fmt.Errorf("attachment: key must be %d bytes, got %d: %w", attachmentKeySize, len(key), ErrInvalidKey)
	}
	if len(digest) > 0 {
		sum := sha256.Sum256(data)
		if !hmac.Equal(sum[:], digest) {
			return nil, ErrDigestMismatch
		}
	}
	if len(data) < aes.BlockSize+attachmentMACSize+aes.BlockSize {
		return nil, fmt.Errorf("attachment: data too short (%d bytes): %w", len(data), ErrInvalidMessage)
	}

	body := data[:len(data)-attachmentMACSize]
	mac := hmac.New(sha256.New, key[32:])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), data[len(data)-attachmentMACSize:]) {
		return nil, fmt.Errorf("attachment: HMAC verification failed: %w", ErrDigestMismatch)
	}

	plaintext, err := decryptAESCBC(key[:32], body[:aes.BlockSize], body[aes.BlockSize:])
	if err != nil {
		return nil, fmt.Errorf("attachment: %w", err)
	}
	if size > 0 && int(size) < len(plaintext) {
		plaintext = plaintext[:size]
	}
	return plaintext, nil
}
