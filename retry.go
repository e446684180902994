// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import (
	"time"
)

// retryPolicy bounds how often a transaction is reissued before the
// operation gives up. One policy instance drives all four DP/AP entry
// points.
type retryPolicy struct {
	attempts    int
	waitDelay   time.Duration
	clearFaults bool
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		attempts:    maximumTransferRetries,
		waitDelay:   time.Millisecond,
		clearFaults: true,
	}
}

/**
  transferRetry issues one transaction up to the policy's attempt
  budget. WAIT acks sleep and retry, FAULT acks clear the sticky error
  flags first, parity faults and protocol errors retry immediately.
  The budget is exact: at most `attempts` transfers go over the wire.
*/
func (t *Target) transferRetry(op string, addr uint8, ap bool, read bool, data uint32) (uint32, error) {
	var lastAck Ack
	var lastErr error

	for attempt := 0; attempt < t.retry.attempts; attempt++ {
		if attempt > 0 {
			t.stats.Retries++
		}

		ack, value, err := t.port.Transfer(addr, ap, read, data)
		t.stats.Transfers++

		if err != nil {
			if code, ok := ErrorCodeOf(err); ok && code == ErrInvalidState {
				return 0, err
			}
			// parity fault, worth another attempt
			t.stats.Faults++
			lastErr = err
			continue
		}

		switch ack {
		case AckOK:
			return value, nil

		case AckWait:
			lastAck, lastErr = ack, nil
			time.Sleep(t.retry.waitDelay)

		case AckFault:
			lastAck, lastErr = ack, nil
			t.stats.Faults++
			if t.retry.clearFaults {
				t.clearStickyErrors()
			}

		default:
			lastAck, lastErr = ack, nil
		}
	}

	logger.Errorf("%s failed after %d attempts (last ack %s)", op, t.retry.attempts, lastAck)

	if lastErr != nil {
		return 0, lastErr
	}
	return 0, ackError(op, lastAck)
}

// clearStickyErrors writes the ABORT register in a single unretried
// transfer. It is the one transaction the retry loop itself issues.
func (t *Target) clearStickyErrors() error {
	ack, _, err := t.port.Transfer(DP_ABORT, false, false, DP_ABORT_CLEAR_ALL)
	if err != nil {
		return err
	}
	if ack != AckOK {
		return ackError("clear sticky errors", ack)
	}
	return nil
}
