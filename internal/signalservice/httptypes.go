package signalservice

import (
	"encoding/base64"
	"strings"

	"github.com/gwillem/signal-courier/internal/proto"
)

// BasicAuth holds credentials for HTTP Basic authentication.
type BasicAuth struct {
	Username string
	Password string
}

// TimestampResponse is the JSON response from GET /v1/accounts/bootstrap/.
type TimestampResponse struct {
	Timestamp int64 `json:"timestamp"`
}

// BootstrapRequest is the JSON body for PUT /v1/accounts/bootstrap.
// Signature is the identity signature over the request encoded with an
// empty Signature field.
type BootstrapRequest struct {
	IdentityKey    string             `json:"identityKey"`
	Password       string             `json:"password"`
	PreKeys        []PreKeyEntity     `json:"preKeys"`
	RegistrationID uint32             `json:"registrationId"`
	SignalingKey   string             `json:"signalingKey"`
	SignedPreKey   SignedPreKeyEntity `json:"signedPreKey"`
	Timestamp      int64              `json:"timestamp"`
	Signature      string             `json:"signature,omitempty"`
}

// SignedPreKeyEntity is the JSON representation of a signed prekey.
type SignedPreKeyEntity struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// PreKeyEntity is the JSON representation of a one-time prekey.
type PreKeyEntity struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

// PreKeyUpload is the JSON body for PUT /v2/keys.
type PreKeyUpload struct {
	PreKeys      []PreKeyEntity     `json:"preKeys"`
	SignedPreKey SignedPreKeyEntity `json:"signedPreKey"`
	IdentityKey  string             `json:"identityKey"`
}

// PreKeyCount is the JSON response from GET /v2/keys.
type PreKeyCount struct {
	Count int `json:"count"`
}

// PreKeyResponse is the JSON response from GET /v2/keys/{name}/*.
type PreKeyResponse struct {
	IdentityKey string             `json:"identityKey"`
	Devices     []PreKeyDeviceInfo `json:"devices"`
}

// PreKeyDeviceInfo contains prekey material for a single device.
type PreKeyDeviceInfo struct {
	DeviceID       uint32              `json:"deviceId"`
	RegistrationID uint32              `json:"registrationId"`
	SignedPreKey   *SignedPreKeyEntity `json:"signedPreKey"`
	PreKey         *PreKeyEntity       `json:"preKey,omitempty"`
}

// OutgoingMessageList is the JSON body for PUT /v1/messages/{name}.
type OutgoingMessageList struct {
	Timestamp uint64            `json:"timestamp"`
	Messages  []OutgoingMessage `json:"messages"`
}

// OutgoingMessage is the per-device entry of an OutgoingMessageList.
type OutgoingMessage struct {
	Type                      proto.EnvelopeType `json:"type"`
	Destination               string             `json:"destination"`
	DestinationDeviceID       uint32             `json:"destinationDeviceId"`
	DestinationRegistrationID uint32             `json:"destinationRegistrationId"`
	Content                   string             `json:"content"`
	IsSilent                  bool               `json:"isSilent"`
}

// AttachmentAllocation is the JSON response from GET /v1/attachments.
type AttachmentAllocation struct {
	ID       uint64 `json:"id"`
	Location string `json:"location"`
}

// AttachmentLocation is the JSON response from GET /v1/attachments/{id}.
type AttachmentLocation struct {
	Location string `json:"location"`
}

func encodeKey(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// decodeKey accepts padded and unpadded standard base64.
func decodeKey(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
