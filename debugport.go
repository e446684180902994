// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import (
	"fmt"
	"time"
)

// linkPort is what the register layer needs from the bit-link: raw
// transactions plus the line sequences. *Link implements it; the tests
// drive the layer against a simulated DAP instead.
type linkPort interface {
	Init() error
	Release()
	Transfer(addr uint8, ap bool, read bool, data uint32) (Ack, uint32, error)
	LineReset()
	JTAGToSWD()
	DormantWake()
	DormantSleep()
	Idle(count int)
	HardwareReset(hold, recovery time.Duration) bool
}

// Target is the register-layer handle for one debug port. It owns the
// connection state, the SELECT cache and the retry policy; the memory
// and flash layers sit on top of it.
type Target struct {
	port  linkPort
	info  *TargetInfo
	retry retryPolicy
	stats *Health

	connected bool
	idcode    IDCode

	curAP       uint8
	selectValue uint32
	selectValid bool

	memReady bool
}

func NewTarget(port linkPort, info *TargetInfo) (*Target, error) {
	if port == nil {
		return nil, NewLinkError("no link given", ErrInvalidArgument)
	}
	if info == nil {
		return nil, NewLinkError("no target information given", ErrInvalidArgument)
	}
	if err := info.validate(); err != nil {
		return nil, err
	}

	return &Target{
		port:  port,
		info:  info,
		retry: defaultRetryPolicy(),
		stats: &Health{},
	}, nil
}

func (t *Target) Connected() bool {
	return t.connected
}

func (t *Target) IDCode() IDCode {
	return t.idcode
}

func (t *Target) Info() *TargetInfo {
	return t.info
}

func (t *Target) DPRead(addr uint8) (uint32, error) {
	return t.transferRetry(fmt.Sprintf("DP read 0x%02X", addr), addr, false, true, 0)
}

func (t *Target) DPWrite(addr uint8, data uint32) error {
	_, err := t.transferRetry(fmt.Sprintf("DP write 0x%02X", addr), addr, false, false, data)
	return err
}

/**
  APRead reads a full 8-bit AP register address. The upper nibble picks
  the register bank through the SELECT register (cached), the lower
  nibble goes into the request. AP reads are pipelined: the transfer
  only posts the access, the value is harvested with a DP read of
  RDBUFF.
*/
func (t *Target) APRead(addr uint8) (uint32, error) {
	if err := t.apSelect(t.curAP, addr>>4); err != nil {
		return 0, err
	}

	_, err := t.transferRetry(fmt.Sprintf("AP read 0x%02X", addr), addr&0x0C, true, true, 0)
	if err != nil {
		return 0, err
	}

	return t.DPRead(DP_RDBUFF)
}

func (t *Target) APWrite(addr uint8, data uint32) error {
	if err := t.apSelect(t.curAP, addr>>4); err != nil {
		return err
	}

	_, err := t.transferRetry(fmt.Sprintf("AP write 0x%02X", addr), addr&0x0C, true, false, data)
	return err
}

// SelectAP switches the current access port. The bank is managed per
// access; switching invalidates the memory setup.
func (t *Target) SelectAP(index uint8) {
	if t.curAP != index {
		t.curAP = index
		t.memReady = false
	}
}

// apSelect writes DP_SELECT for the wanted AP and register bank,
// skipping the write when the cache already matches.
func (t *Target) apSelect(ap uint8, bank uint8) error {
	value := uint32(ap)<<24 | uint32(bank)<<4

	if t.selectValid && t.selectValue == value {
		return nil
	}

	if err := t.DPWrite(DP_SELECT, value); err != nil {
		t.selectValid = false
		return err
	}

	t.selectValue = value
	t.selectValid = true
	return nil
}

// ClearErrors clears all sticky error flags through the ABORT register.
func (t *Target) ClearErrors() error {
	return t.clearStickyErrors()
}

/**
  Connect brings up a cold target: dormant wake-up first, the legacy
  JTAG-to-SWD switch as fallback, then debug power-up. A target that
  answers with an implausible IDCODE (all zeros or all ones) counts as
  not answering, so an old SW-DP that ignores the dormant alert still
  gets found by the fallback.
*/
func (t *Target) Connect() error {
	if err := t.port.Init(); err != nil {
		return err
	}

	t.selectValid = false
	t.curAP = 0
	t.memReady = false

	logger.Info("attempting SWD connection...")

	t.port.DormantWake()

	idcode, err := t.DPRead(DP_IDCODE)
	if err != nil || !IDCode(idcode).Plausible() {
		logger.Warnf("dormant wake-up failed (idcode 0x%08X), trying JTAG-to-SWD", idcode)

		t.port.LineReset()
		t.port.JTAGToSWD()

		idcode, err = t.DPRead(DP_IDCODE)
		if err != nil || !IDCode(idcode).Plausible() {
			return NewLinkError("no target detected on the wire", ErrProtocolTimeout)
		}
	}

	t.idcode = IDCode(idcode)
	logger.Infof("connected: IDCODE %s", t.idcode)

	if err := t.powerUp(); err != nil {
		return err
	}

	t.connected = true
	t.stats.Connects++
	return nil
}

// powerUp requests debug and system power and polls for both
// acknowledge bits with exponential backoff.
func (t *Target) powerUp() error {
	logger.Info("powering up debug domain...")

	t.clearStickyErrors()

	if err := t.DPWrite(DP_CTRL_STAT, DP_PWRUP_REQUEST); err != nil {
		return err
	}

	// the DP needs a moment before the first poll makes sense
	time.Sleep(10 * time.Millisecond)

	var status uint32
	for attempt := 0; attempt < maximumPowerUpRetries; attempt++ {
		s, err := t.DPRead(DP_CTRL_STAT)
		if err != nil {
			logger.Warnf("CTRL/STAT read failed during power-up (attempt %d)", attempt)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		status = s

		if status&DP_PWRUP_ACK_MASK == DP_PWRUP_ACK_MASK {
			logger.Infof("debug powered up, status 0x%08X", status)
			t.clearStickyErrors()
			return nil
		}

		delay := time.Duration(5<<uint(attempt/4)) * time.Millisecond
		if delay > 100*time.Millisecond {
			delay = 100 * time.Millisecond
		}
		logger.Debugf("waiting for power-up ack (attempt %d, delay %v, status 0x%08X)", attempt, delay, status)
		time.Sleep(delay)
	}

	return newLinkErrorf(ErrProtocolTimeout, "debug power-up timeout, status 0x%08X", status)
}

// powerDown drops the power request and waits for both acknowledge
// bits to clear.
func (t *Target) powerDown() {
	if err := t.DPWrite(DP_CTRL_STAT, 0); err != nil {
		logger.Warnf("failed to clear CTRL/STAT: %v", err)
	}

	for i := 0; i < 50; i++ {
		status, err := t.DPRead(DP_CTRL_STAT)
		if err == nil && status&DP_PWRUP_ACK_MASK == 0 {
			logger.Info("debug domain powered down")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	logger.Warn("debug domain did not acknowledge power-down")
}

// DPDisconnect powers the debug domain down and parks the DP in the
// dormant state. The line is left released.
func (t *Target) DPDisconnect() {
	logger.Info("performing full DP disconnect sequence...")

	t.powerDown()
	t.port.DormantSleep()
	t.selectValid = false

	logger.Info("DP disconnect complete")
}

/**
  Disconnect releases the target back into normal operation: resume a
  halted core, strip the debug enables, reset, power the debug domain
  down and park the DP dormant. Every step is best effort so a half
  dead wire still ends with the line released.
*/
func (t *Target) Disconnect() error {
	if !t.connected {
		return nil
	}

	logger.Info("releasing target from debug mode...")

	if halted, err := t.CoreHalted(); err == nil && halted {
		logger.Info("core is halted, resuming...")
		if err := t.ResumeCore(); err != nil {
			logger.Warnf("failed to resume core: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := t.WriteWord(CORTEX_DHCSR, DHCSR_DBGKEY); err != nil {
		logger.Warnf("failed to clear DHCSR: %v", err)
	}
	if err := t.WriteWord(CORTEX_DEMCR, 0); err != nil {
		logger.Warnf("failed to clear DEMCR: %v", err)
	}

	t.resetCore()
	t.DPDisconnect()

	t.connected = false
	t.memReady = false

	logger.Info("target release complete")
	return nil
}

// resetCore pulses the hardware reset line when the wire has one and
// falls back to an AIRCR system reset otherwise.
func (t *Target) resetCore() {
	if t.port.HardwareReset(100*time.Millisecond, 100*time.Millisecond) {
		logger.Info("performed hardware reset")
		return
	}

	logger.Info("performing software reset via AIRCR...")
	if err := t.WriteWord(CORTEX_AIRCR, AIRCR_SYSRESETREQ); err != nil {
		logger.Warnf("AIRCR reset request failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
}

/**
  ResetTarget pulses the dedicated reset line and verifies the target
  comes back by reading IDCODE, with one backoff retry while the chip
  finishes its reset sequence. Requires a wired reset pin.
*/
func (t *Target) ResetTarget() error {
	logger.Info("resetting target...")

	if !t.port.HardwareReset(10*time.Millisecond, 50*time.Millisecond) {
		logger.Warn("no reset pin configured")
		return NewLinkError("no reset pin configured", ErrInvalidState)
	}

	idcode, err := t.DPRead(DP_IDCODE)
	if err != nil {
		logger.Warn("initial IDCODE read failed after reset, retrying...")
		time.Sleep(50 * time.Millisecond)
		idcode, err = t.DPRead(DP_IDCODE)
	}

	if err == nil && IDCode(idcode).Plausible() {
		logger.Infof("target reset complete, IDCODE %s", IDCode(idcode))
		return nil
	}

	return newLinkErrorf(ErrProtocolTimeout, "target not responding after reset (idcode 0x%08X)", idcode)
}

// Ping verifies the target still answers by re-reading IDCODE.
func (t *Target) Ping() bool {
	if !t.connected {
		return false
	}

	idcode, err := t.DPRead(DP_IDCODE)
	if err != nil || !IDCode(idcode).Plausible() {
		t.connected = false
		return false
	}

	return true
}
