package signalservice

import "time"

// Config holds the tunables of the messaging layer.
type Config struct {
	// MinPreKeyCount is the server-side one-time prekey count below which a
	// full replenish is triggered.
	MinPreKeyCount int
	// PreKeyBatchSize is the number of one-time prekeys generated per replenish.
	PreKeyBatchSize int
	// SignedPreKeyRotation is the age after which the current signed prekey
	// is rotated.
	SignedPreKeyRotation time.Duration
	// RequestTimeout bounds every HTTP round trip. Zero disables the timeout.
	RequestTimeout time.Duration
	// GenericSendRetries is the number of extra attempts after a send fails
	// with a status other than 409/410. Zero disables automatic retry.
	GenericSendRetries int
	// AttachmentConcurrency bounds parallel attachment uploads and downloads.
	AttachmentConcurrency int
}

const (
	DefaultMinPreKeyCount        = 35
	DefaultPreKeyBatchSize       = 100
	DefaultSignedPreKeyRotation  = 3 * 24 * time.Hour
	DefaultRequestTimeout        = 30 * time.Second
	DefaultAttachmentConcurrency = 4
)

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		MinPreKeyCount:        DefaultMinPreKeyCount,
		PreKeyBatchSize:       DefaultPreKeyBatchSize,
		SignedPreKeyRotation:  DefaultSignedPreKeyRotation,
		RequestTimeout:        DefaultRequestTimeout,
		AttachmentConcurrency: DefaultAttachmentConcurrency,
	}
}

// withDefaults fills zero fields from DefaultConfig. RequestTimeout and
// GenericSendRetries keep their zero value since zero is meaningful.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinPreKeyCount <= 0 {
		c.MinPreKeyCount = d.MinPreKeyCount
	}
	if c.PreKeyBatchSize <= 0 {
		c.PreKeyBatchSize = d.PreKeyBatchSize
	}
	if c.SignedPreKeyRotation <= 0 {
		c.SignedPreKeyRotation = d.SignedPreKeyRotation
	}
	if c.AttachmentConcurrency <= 0 {
		c.AttachmentConcurrency = d.AttachmentConcurrency
	}
	if c.GenericSendRetries < 0 {
		c.GenericSendRetries = 0
	}
	return c
}
