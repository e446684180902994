// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import (
	"math/bits"
)

// Ack is the three-bit acknowledge the target returns for every
// request. Values other than the three defined codes mean the target
// did not answer at all (a floating line reads as 7).
type Ack uint8

const (
	AckOK    Ack = 1
	AckWait  Ack = 2
	AckFault Ack = 4
)

func (a Ack) String() string {
	switch a {
	case AckOK:
		return "OK"
	case AckWait:
		return "WAIT"
	case AckFault:
		return "FAULT"
	default:
		return "NACK"
	}
}

// parity32 is the even parity over all 32 bits.
func parity32(v uint32) bool {
	return bits.OnesCount32(v)&1 == 1
}

// requestHeader builds the 8-bit request frame: start and park bits
// around port select, direction, address bits 3:2 and their parity.
func requestHeader(addr uint8, ap bool, read bool) uint8 {
	request := uint8(0x81)

	if ap {
		request |= 1 << 1
	}
	if read {
		request |= 1 << 2
	}
	request |= (addr & 0x0C) << 1

	parity := ap != read
	if (addr>>2)&1 == 1 {
		parity = !parity
	}
	if (addr>>3)&1 == 1 {
		parity = !parity
	}
	if parity {
		request |= 1 << 5
	}

	return request
}

/**
  Transfer clocks one complete SWD transaction: request, acknowledge
  and, on OK, the 32-bit data phase with its parity bit. On any non-OK
  acknowledge the data phase is still clocked out as zeros so the
  target's line state machine exits the frame cleanly. A read whose
  data parity does not match returns AckOK together with a protocol
  fault error; that is the one case where the ack alone does not tell
  the whole story.

  The transaction runs under the link lock from the first request bit
  to the park cycle, so callers never interleave frames.
*/
func (l *Link) Transfer(addr uint8, ap bool, read bool, data uint32) (Ack, uint32, error) {
	if !l.initialized {
		return 0, 0, NewLinkError("link is not initialized", ErrInvalidState)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.writeBits(uint32(requestHeader(addr, ap, read)), 8)

	ack := Ack(l.readBits(3))

	if ack == AckOK {
		if read {
			value := l.readBits(32)
			parityBit := l.readBits(1)

			l.park()

			if (parityBit == 1) != parity32(value) {
				logger.Warnf("parity error on read (addr 0x%02X, data 0x%08X)", addr, value)
				return ack, 0, newLinkErrorf(ErrProtocolFault,
					"read parity mismatch on addr 0x%02X", addr)
			}

			return ack, value, nil
		}

		l.turnaround(true)
		l.writeBits(data, 32)
		if parity32(data) {
			l.writeBits(1, 1)
		} else {
			l.writeBits(0, 1)
		}
		l.park()

		return ack, 0, nil
	}

	// WAIT, FAULT or no answer: drain the data phase.
	l.turnaround(true)
	l.writeBits(0, 32)
	l.park()

	return ack, 0, nil
}
