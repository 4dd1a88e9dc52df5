package signalservice

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks network failures and request timeouts.
	ErrTransport = errors.New("transport failure")
	// ErrNotRegistered is returned when no account credentials are stored.
	ErrNotRegistered = errors.New("account not registered")
	// ErrNoBundle is returned when the server has no usable prekey bundle
	// for the requested device.
	ErrNoBundle = errors.New("no prekey bundle")
	// ErrUnsupportedEnvelope is returned for envelope types that are not
	// decrypted. Such envelopes are not acknowledged.
	ErrUnsupportedEnvelope = errors.New("unsupported envelope type")
	// ErrAttachmentBusy is returned when Fetch is called on a pointer that
	// is already downloading.
	ErrAttachmentBusy = errors.New("attachment download in progress")
)

// HTTPError is a non-success HTTP status not otherwise handled.
type HTTPError struct {
	Op     string
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

// MismatchedDevicesError is returned for HTTP 409 on a send.
type MismatchedDevicesError struct {
	MissingDevices []uint32 `json:"missingDevices"`
	ExtraDevices   []uint32 `json:"extraDevices"`
}

func (e *MismatchedDevicesError) Error() string {
	return fmt.Sprintf("mismatched devices: missing=%v extra=%v", e.MissingDevices, e.ExtraDevices)
}

// StaleDevicesError is returned for HTTP 410 on a send.
type StaleDevicesError struct {
	StaleDevices []uint32 `json:"staleDevices"`
}

func (e *StaleDevicesError) Error() string {
	return fmt.Sprintf("stale devices: %v", e.StaleDevices)
}
