package signalservice

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/gwillem/signal-courier/internal/signalcrypto"
)

// retryOnDeviceError runs tryFn up to maxAttempts times. On each failure,
// handleErr is called to adjust state. If handleErr returns a non-nil
// error, the loop stops and returns that error.
func retryOnDeviceError(maxAttempts int, tryFn func() error, handleErr func(error) error) error {
	for attempt := range maxAttempts {
		err := tryFn()
		if err == nil {
			return nil
		}
		if attempt == maxAttempts-1 {
			return err
		}
		if herr := handleErr(err); herr != nil {
			return herr
		}
	}
	return nil
}

// withDeviceRetry runs tryFn against the recipient's device list. A 409 or
// 410 is remediated once: on 410 the stale sessions are deleted, on 409 the
// sessions of extra devices are deleted and those devices dropped from the
// list. Missing devices are logged only. Other failures are retried
// GenericSendRetries times.
func (c *Coordinator) withDeviceRetry(ctx context.Context, name string, devices []uint32, tryFn func([]uint32) error) error {
	remediated := false
	generic := c.s.cfg.GenericSendRetries

	return retryOnDeviceError(2+generic,
		func() error {
			if len(devices) == 0 {
				return fmt.Errorf("no devices left for %s", name)
			}
			return tryFn(devices)
		},
		func(err error) error {
			var stale *StaleDevicesError
			var mismatch *MismatchedDevicesError
			isStale := errors.As(err, &stale)
			isMismatch := !isStale && errors.As(err, &mismatch)

			switch {
			case (isStale || isMismatch) && remediated:
				return err
			case isStale:
				remediated = true
				c.log.Warn().Str("recipient", name).Uints32("stale", stale.StaleDevices).Msg("410 stale devices, retrying")
				return c.deleteSessions(ctx, name, stale.StaleDevices)
			case isMismatch:
				remediated = true
				c.log.Warn().Str("recipient", name).
					Uints32("missing", mismatch.MissingDevices).
					Uints32("extra", mismatch.ExtraDevices).
					Msg("409 mismatched devices, retrying")
				devices = slices.DeleteFunc(slices.Clone(devices), func(id uint32) bool {
					return slices.Contains(mismatch.ExtraDevices, id)
				})
				return c.deleteSessions(ctx, name, mismatch.ExtraDevices)
			case generic > 0 && isRetryable(err):
				generic--
				c.log.Warn().Err(err).Str("recipient", name).Int("retries_left", generic).Msg("send failed, retrying")
				return nil
			default:
				return err
			}
		},
	)
}

// isRetryable reports whether a send failure is a transport or server
// status failure. Session and crypto errors are not retried.
func isRetryable(err error) bool {
	var he *HTTPError
	return errors.Is(err, ErrTransport) || errors.As(err, &he)
}

func (c *Coordinator) deleteSessions(ctx context.Context, name string, devices []uint32) error {
	return c.s.queue.Do(ctx, func() error {
		for _, id := range devices {
			addr := signalcrypto.Address{Name: name, DeviceID: id}
			if err := c.s.store.DeleteSession(addr); err != nil {
				return fmt.Errorf("delete session %s: %w", addr, err)
			}
		}
		return nil
	})
}
