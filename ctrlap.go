// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import (
	"time"
)

// eraseStage tracks where a mass erase run currently is. Stages only
// move forward within one run; the value shows up in logs and errors.
type eraseStage int

const (
	eraseIdle eraseStage = iota
	erasePowering
	eraseSelecting
	eraseErasing
	eraseResetting
)

func (s eraseStage) String() string {
	switch s {
	case eraseIdle:
		return "idle"
	case erasePowering:
		return "powering"
	case eraseSelecting:
		return "selecting"
	case eraseErasing:
		return "erasing"
	case eraseResetting:
		return "resetting"
	default:
		return "unknown"
	}
}

/**
  MassErase wipes the whole device, flash and UICR, through the Nordic
  CTRL-AP. This is the only way to clear an access port protected chip:
  the CTRL-AP stays reachable when the MEM-AP is locked out.

  The CTRL-AP identification is verified before anything destructive
  happens. A device that does not identify as a Nordic CTRL-AP is left
  untouched and reported as UnexpectedDevice.

  The erase drops debug state on the target, so the sequence ends with
  a full disconnect and reconnect before verifying the flash actually
  reads erased.
*/
func (f *Flash) MassErase() error {
	if f.stage != eraseIdle {
		return newLinkErrorf(ErrInvalidState, "mass erase already running (stage %s)", f.stage)
	}
	defer func() { f.stage = eraseIdle }()

	t := f.target

	logger.Warn("=== starting CTRL-AP mass erase ===")

	if !t.connected {
		return NewLinkError("not connected to a target", ErrInvalidState)
	}

	logger.Info("checking connection...")
	t.ClearErrors()

	if !t.idcode.Plausible() {
		return newLinkErrorf(ErrInvalidState, "invalid IDCODE: 0x%08X", uint32(t.idcode))
	}
	logger.Infof("DP IDCODE: %s", t.idcode)

	f.stage = erasePowering
	logger.Info("powering up debug...")
	if err := t.DPWrite(DP_CTRL_STAT, DP_PWRUP_REQUEST); err != nil {
		logger.Error("failed to power up debug")
		return err
	}
	time.Sleep(10 * time.Millisecond)

	f.stage = eraseSelecting
	logger.Infof("reading CTRL-AP IDR (AP#%d)...", t.info.CtrlApIndex)
	t.SelectAP(t.info.CtrlApIndex)

	idr, err := t.APRead(CTRL_AP_IDR)
	if err != nil {
		logger.Error("failed to read CTRL-AP IDR")
		return err
	}
	logger.Infof("CTRL-AP IDR = 0x%08X", idr)

	// nothing destructive may happen on a chip that does not identify
	// as a Nordic CTRL-AP
	if idr&CTRL_AP_IDR_MASK != CTRL_AP_IDR_EXPECTED {
		return newLinkErrorf(ErrUnexpectedDevice,
			"not a Nordic CTRL-AP: expected 0x%08X, got 0x%08X", CTRL_AP_IDR_EXPECTED, idr)
	}

	logger.Info("switching to CTRL-AP control bank...")
	if err := t.apSelect(t.info.CtrlApIndex, 0); err != nil {
		logger.Error("failed to select CTRL-AP control bank")
		return err
	}
	time.Sleep(5 * time.Millisecond)

	// protection state is diagnostic only, the erase clears it either way
	if status, err := t.APRead(CTRL_AP_APPROTECTSTATUS); err == nil {
		state := "not protected"
		if status == 0 {
			state = "protected"
		}
		logger.Infof("APPROTECTSTATUS = 0x%08X (%s)", status, state)
	}

	f.stage = eraseErasing
	logger.Info("writing ERASEALL = 1...")
	if err := t.APWrite(CTRL_AP_ERASEALL, 1); err != nil {
		logger.Error("failed to write ERASEALL")
		return err
	}
	t.DPRead(DP_RDBUFF)

	logger.Info("waiting for erase completion...")
	const eraseAllTimeout = 15 * time.Second
	started := time.Now()
	complete := false
	var lastProgress time.Duration

	for time.Since(started) < eraseAllTimeout {
		status, err := t.APRead(CTRL_AP_ERASEALLSTATUS)
		if err != nil {
			logger.Warn("failed to read ERASEALLSTATUS, reselecting...")
			t.selectValid = false
			t.apSelect(t.info.CtrlApIndex, 0)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if status == 0 {
			logger.Infof("mass erase complete in %v", time.Since(started).Round(time.Millisecond))
			complete = true
			break
		}

		if elapsed := time.Since(started); elapsed-lastProgress >= time.Second {
			lastProgress = elapsed
			logger.Infof("erasing... %v elapsed (status=0x%08X)", elapsed.Round(time.Second), status)
		}

		time.Sleep(100 * time.Millisecond)
	}

	if !complete {
		logger.Error("mass erase timeout")
		return NewLinkError("mass erase timeout", ErrProtocolTimeout)
	}

	f.stage = eraseResetting
	logger.Info("performing CTRL-AP reset sequence...")

	t.APWrite(CTRL_AP_RESET, 1)
	t.DPRead(DP_RDBUFF)
	time.Sleep(10 * time.Millisecond)

	t.APWrite(CTRL_AP_RESET, 0)
	t.DPRead(DP_RDBUFF)
	time.Sleep(10 * time.Millisecond)

	t.APWrite(CTRL_AP_ERASEALL, 0)
	t.DPRead(DP_RDBUFF)

	logger.Info("switching back to MEM-AP...")
	t.SelectAP(0)
	if err := t.apSelect(0, 0); err != nil {
		logger.Error("failed to select MEM-AP")
	}

	// the erase dropped all debug state, renegotiate the link
	logger.Info("reconnecting...")
	if err := t.Disconnect(); err != nil {
		logger.Warnf("disconnect failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := t.Connect(); err != nil {
		logger.Error("failed to reconnect - power cycle the device")
		return err
	}
	if err := t.InitMemory(); err != nil {
		return err
	}
	if _, err := t.ReadWord(NVMC_READY); err != nil {
		logger.Error("cannot access NVMC registers")
		return err
	}

	logger.Info("verifying erase...")
	for _, check := range [2]uint32{t.info.Flash.Base, UICR_APPROTECT} {
		value, err := t.ReadWord(check)
		if err != nil {
			return err
		}
		if value != 0xFFFFFFFF {
			return newAddrErrorf(ErrVerificationFailed, check, value,
				"mass erase verification failed at 0x%08X: 0x%08X", check, value)
		}
	}

	f.massErased = true
	logger.Warn("=== mass erase complete ===")
	return nil
}
