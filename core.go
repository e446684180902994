// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import (
	"time"
)

// CoreHalted reads DHCSR and reports the S_HALT flag.
func (t *Target) CoreHalted() (bool, error) {
	dhcsr, err := t.ReadWord(CORTEX_DHCSR)
	if err != nil {
		return false, err
	}
	return dhcsr&DHCSR_S_HALT != 0, nil
}

// HaltCore enables debug mode and requests a core halt, then polls
// until S_HALT comes up.
func (t *Target) HaltCore() error {
	if err := t.WriteWord(CORTEX_DHCSR, DHCSR_DBGKEY|DHCSR_C_DEBUGEN|DHCSR_C_HALT); err != nil {
		return err
	}

	for i := 0; i < 100; i++ {
		halted, err := t.CoreHalted()
		if err != nil {
			return err
		}
		if halted {
			logger.Debug("core halted")
			return nil
		}
		time.Sleep(time.Millisecond)
	}

	return NewLinkError("core did not halt", ErrProtocolTimeout)
}

// ResumeCore clears the halt request, leaving debug enabled. Full
// debug disable happens in Disconnect.
func (t *Target) ResumeCore() error {
	return t.WriteWord(CORTEX_DHCSR, DHCSR_DBGKEY|DHCSR_C_DEBUGEN)
}

/**
  ReadCoreRegister reads an ARM core register (R0..R15, xPSR, special
  registers) through the DCRSR/DCRDR window. The core must be halted,
  transfers on a running core simply never raise S_REGRDY.
*/
func (t *Target) ReadCoreRegister(sel uint8) (uint32, error) {
	if err := t.requireHalted(); err != nil {
		return 0, err
	}

	if err := t.WriteWord(CORTEX_DCRSR, uint32(sel)); err != nil {
		return 0, err
	}
	if err := t.waitRegisterReady(); err != nil {
		return 0, err
	}

	return t.ReadWord(CORTEX_DCRDR)
}

func (t *Target) WriteCoreRegister(sel uint8, value uint32) error {
	if err := t.requireHalted(); err != nil {
		return err
	}

	if err := t.WriteWord(CORTEX_DCRDR, value); err != nil {
		return err
	}
	if err := t.WriteWord(CORTEX_DCRSR, uint32(sel)|DCRSR_WRITE); err != nil {
		return err
	}

	return t.waitRegisterReady()
}

func (t *Target) requireHalted() error {
	halted, err := t.CoreHalted()
	if err != nil {
		return err
	}
	if !halted {
		return NewLinkError("core register access requires a halted core", ErrInvalidState)
	}
	return nil
}

// waitRegisterReady polls DHCSR until S_REGRDY signals the register
// transfer finished.
func (t *Target) waitRegisterReady() error {
	for i := 0; i < 100; i++ {
		dhcsr, err := t.ReadWord(CORTEX_DHCSR)
		if err != nil {
			return err
		}
		if dhcsr&DHCSR_S_REGRDY != 0 {
			return nil
		}
		time.Sleep(time.Millisecond)
	}

	return NewLinkError("core register transfer timed out", ErrProtocolTimeout)
}
