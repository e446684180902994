// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import (
	"sync"
	"time"
)

// LinkConfig holds the pin assignment and timing of a GPIO link. It is
// immutable once the link is created.
type LinkConfig struct {
	ClockPin int
	DataPin  int
	ResetPin int // -1 when the reset line is not wired

	// Delay per half clock cycle. Zero runs the wire as fast as the
	// GPIO layer allows, which is still well below the 4 MHz the DP
	// can take.
	Delay time.Duration
}

func (c *LinkConfig) validate() error {
	if c.ClockPin < 0 || c.DataPin < 0 {
		return newLinkErrorf(ErrInvalidArgument, "clock and data pins must be configured (clk=%d, dio=%d)",
			c.ClockPin, c.DataPin)
	}
	if c.ClockPin == c.DataPin {
		return newLinkErrorf(ErrInvalidArgument, "clock and data cannot share pin %d", c.ClockPin)
	}
	if c.ResetPin >= 0 && (c.ResetPin == c.ClockPin || c.ResetPin == c.DataPin) {
		return newLinkErrorf(ErrInvalidArgument, "reset pin %d collides with the clock or data pin", c.ResetPin)
	}
	if c.Delay < 0 {
		return newLinkErrorf(ErrInvalidArgument, "negative clock delay %v", c.Delay)
	}
	return nil
}

// halfCycleForRate converts a clock rate in kHz into a per-half-cycle
// delay. Rates beyond what a sleeping host can time come out as zero,
// leaving the GPIO call overhead as the only pacing.
func halfCycleForRate(khz uint32) time.Duration {
	if khz == 0 {
		return 0
	}
	half := time.Duration(500000/khz) * time.Nanosecond
	if half < time.Microsecond {
		return 0
	}
	return half
}

// Link owns the SWD line state on top of a Wire: the drive phase, the
// init state and the transaction lock. Nothing else may touch the pins
// while a link is open.
type Link struct {
	wire  Wire
	delay time.Duration

	mu          sync.Mutex
	initialized bool
	driving     bool
}

func NewLink(wire Wire, delay time.Duration) (*Link, error) {
	if wire == nil {
		return nil, NewLinkError("no wire given", ErrInvalidArgument)
	}
	if delay < 0 {
		return nil, newLinkErrorf(ErrInvalidArgument, "negative clock delay %v", delay)
	}

	return &Link{wire: wire, delay: delay}, nil
}

// Init claims the pins and leaves the line idle with the host driving
// data high. A second Init is a no-op.
func (l *Link) Init() error {
	if l.initialized {
		return nil
	}

	if err := l.wire.Init(); err != nil {
		return err
	}

	l.driving = true
	l.initialized = true

	return nil
}

// Release floats the pins so the target runs undisturbed. The link can
// be reinitialized later with Init.
func (l *Link) Release() {
	l.wire.Release()
	l.initialized = false
	l.driving = true
}

func (l *Link) Close() error {
	l.initialized = false
	return l.wire.Close()
}

func (l *Link) halfWait() {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
}

func (l *Link) clock() {
	l.wire.ClockHigh()
	l.halfWait()
	l.wire.ClockLow()
	l.halfWait()
}

// turnaround clocks the one-cycle direction change. The line is pulled
// high and released for the cycle; when the host takes the bus back it
// re-drives after the clock edge.
func (l *Link) turnaround(toWrite bool) {
	l.wire.DataHigh()
	l.wire.ReleaseData()
	l.clock()
	if toWrite {
		l.wire.DriveData()
	}
	l.driving = toWrite
}

// writeBits drives count bits of value LSB first, inserting a
// turnaround when the target still owns the line.
func (l *Link) writeBits(value uint32, count int) {
	if !l.driving {
		l.turnaround(true)
	}

	for ; count > 0; count-- {
		if value&1 != 0 {
			l.wire.DataHigh()
		} else {
			l.wire.DataLow()
		}
		l.clock()
		value >>= 1
	}
}

// readBits samples count bits LSB first, inserting a turnaround when
// the host still owns the line.
func (l *Link) readBits(count int) uint32 {
	if l.driving {
		l.turnaround(false)
	}

	var result uint32
	var bit uint32 = 1

	for ; count > 0; count-- {
		if l.wire.ReadData() {
			result |= bit
		}
		l.clock()
		bit <<= 1
	}

	return result
}

// writeBitsMSB drives count bits of value MSB first. Only the dormant
// wake sequences use this ordering.
func (l *Link) writeBitsMSB(value uint32, count int) {
	if !l.driving {
		l.turnaround(true)
	}

	for i := count - 1; i >= 0; i-- {
		if value&(1<<uint(i)) != 0 {
			l.wire.DataHigh()
		} else {
			l.wire.DataLow()
		}
		l.clock()
	}
}

// park drives one low cycle, leaving the bus idle in the host's hands.
func (l *Link) park() {
	if !l.driving {
		l.turnaround(true)
	}
	l.wire.DataLow()
	l.clock()
}

// Idle clocks count idle cycles with the data line driven low.
func (l *Link) Idle(count int) {
	if !l.driving {
		l.turnaround(true)
	}
	l.wire.DataLow()
	for i := 0; i < count; i++ {
		l.clock()
	}
}

// LineReset drives more than 50 clocks with data high followed by one
// low cycle, forcing the DP line state machine back to reset.
func (l *Link) LineReset() {
	l.wire.DriveData()
	l.driving = true

	l.wire.DataHigh()
	for i := 0; i < 60; i++ {
		l.clock()
	}
	l.wire.DataLow()
	l.clock()
}

// JTAGToSWD switches a SWJ-DP from its JTAG default over to SWD with
// the 16-bit selection sequence, then resets the line.
func (l *Link) JTAGToSWD() {
	l.wire.DriveData()
	l.driving = true

	l.writeBits(uint32(JTAG_TO_SWD_SEQUENCE), 16)
	l.LineReset()
}

/**
  DormantWake brings a DP out of the dormant state: at least eight high
  cycles, the 128-bit selection alert sent MSB first word by word, four
  idle cycles, the SWD activation code and a final line reset. Newer
  DPs power up dormant, so connection attempts start here.
*/
func (l *Link) DormantWake() {
	l.wire.DriveData()
	l.driving = true

	l.wire.DataHigh()
	for i := 0; i < 8; i++ {
		l.clock()
	}

	for _, word := range SELECTION_ALERT_SEQUENCE {
		l.writeBitsMSB(word, 32)
	}

	l.wire.DataLow()
	for i := 0; i < 4; i++ {
		l.clock()
	}

	l.writeBitsMSB(uint32(SWD_ACTIVATION_CODE), 8)

	l.LineReset()
}

// DormantSleep parks the DP in the dormant state for minimum quiescent
// draw: the line reset pattern followed by the to-dormant sequence.
func (l *Link) DormantSleep() {
	l.wire.DriveData()
	l.driving = true

	l.wire.DataHigh()
	for i := 0; i < 60; i++ {
		l.clock()
	}

	l.writeBits(uint32(SWD_TO_DORMANT_SEQUENCE), 16)
}

// HardwareReset pulses the dedicated reset line when the wire has one
// and reports whether it did.
func (l *Link) HardwareReset(hold, recovery time.Duration) bool {
	r, ok := l.wire.(ResetLine)
	if !ok || !r.HasReset() {
		return false
	}

	r.SetReset(true)
	time.Sleep(hold)
	r.SetReset(false)
	time.Sleep(recovery)

	return true
}
