// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import (
	"time"
)

// Flash drives the nRF52 NVMC through a connected target. One engine
// per target; all operations assume the caller serialized access.
type Flash struct {
	target *Target
	stage  eraseStage

	// set by the CTRL-AP mass erase, consumed by the next upload so it
	// can skip per-page erases on a factory-blank device
	massErased bool
}

// NewFlash verifies the NVMC is reachable and returns the engine.
func NewFlash(target *Target) (*Flash, error) {
	if target == nil {
		return nil, NewLinkError("no target given", ErrInvalidArgument)
	}

	logger.Info("initializing flash interface")

	if _, err := target.ReadWord(NVMC_READY); err != nil {
		logger.Error("cannot access NVMC registers")
		return nil, err
	}

	logger.Info("flash interface ready")
	return &Flash{target: target}, nil
}

func (f *Flash) consumeMassErased() bool {
	was := f.massErased
	f.massErased = false
	return was
}

// waitReady polls the NVMC READY flag. Two consecutive identical ready
// reads are required, the flag can glitch mid-operation.
func (f *Flash) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	var ready, lastReady uint32
	stable := 0

	for time.Now().Before(deadline) {
		r, err := f.target.ReadWord(NVMC_READY)
		if err != nil {
			logger.Error("failed to read NVMC READY register")
			return err
		}
		ready = r

		if ready&0x1 == 1 {
			if lastReady == ready {
				stable++
				if stable >= 2 {
					return nil
				}
			} else {
				stable = 0
			}
		} else {
			stable = 0
		}

		lastReady = ready
		time.Sleep(time.Millisecond)
	}

	return newLinkErrorf(ErrProtocolTimeout, "NVMC timeout (READY=0x%08X)", ready)
}

// setMode writes the NVMC CONFIG register and reads it back.
func (f *Flash) setMode(mode uint32) error {
	if err := f.target.WriteWord(NVMC_CONFIG, mode); err != nil {
		return err
	}

	time.Sleep(time.Millisecond)

	config, err := f.target.ReadWord(NVMC_CONFIG)
	if err != nil {
		return err
	}
	if config&0x3 != mode {
		return newLinkErrorf(ErrProtocolFault, "failed to set NVMC mode %d (CONFIG=0x%08X)", mode, config)
	}

	return nil
}

// restoreReadMode puts the NVMC back into read-only mode, best effort.
func (f *Flash) restoreReadMode() {
	if err := f.setMode(NVMC_CONFIG_REN); err != nil {
		logger.Warnf("failed to restore NVMC read mode: %v", err)
	}
}

// ErasePage erases the flash page containing addr, or the UICR page
// when addr is exactly the UICR base.
func (f *Flash) ErasePage(addr uint32) error {
	if err := f.erasePage(addr); err != nil {
		f.target.stats.EraseFailures++
		return err
	}

	f.target.stats.PagesErased++
	return nil
}

func (f *Flash) erasePage(addr uint32) error {
	info := f.target.info
	if !info.Flash.Contains(addr, 1) && addr != info.UicrBase {
		return newLinkErrorf(ErrInvalidArgument, "erase address 0x%08X out of range", addr)
	}

	addr = info.Flash.PageBase(addr)

	logger.Infof("erasing page at 0x%08X", addr)

	if err := f.waitReady(500 * time.Millisecond); err != nil {
		logger.Error("NVMC not ready before erase")
		return err
	}

	if err := f.setMode(NVMC_CONFIG_EEN); err != nil {
		logger.Error("failed to enable erase mode")
		return err
	}

	// double check the mode register before triggering
	config, err := f.target.ReadWord(NVMC_CONFIG)
	if err != nil || config&0x3 != NVMC_CONFIG_EEN {
		f.restoreReadMode()
		return newLinkErrorf(ErrProtocolFault, "erase mode not properly set (CONFIG=0x%08X)", config)
	}

	// from the trigger on, every exit has to put the controller back
	// into read-only mode
	readRestored := false
	defer func() {
		if !readRestored {
			f.restoreReadMode()
		}
	}()

	if err := f.target.WriteWord(NVMC_ERASEPAGE, addr); err != nil {
		logger.Error("failed to trigger erase")
		return err
	}

	// a page erase takes 85-90ms typical, 295ms worst case
	time.Sleep(90 * time.Millisecond)

	elapsed := 90 * time.Millisecond
	const eraseTimeout = 400 * time.Millisecond
	done := false

	for elapsed < eraseTimeout {
		ready, err := f.target.ReadWord(NVMC_READY)
		if err != nil {
			logger.Error("failed to read NVMC READY")
			return err
		}

		if ready&0x1 != 0 {
			logger.Debugf("erase complete after %v", elapsed)
			done = true
			break
		}

		time.Sleep(10 * time.Millisecond)
		elapsed += 10 * time.Millisecond
	}

	if !done {
		return newLinkErrorf(ErrProtocolTimeout, "erase timeout after %v", elapsed)
	}

	if err := f.setMode(NVMC_CONFIG_REN); err != nil {
		logger.Error("failed to return to read mode")
		return err
	}
	readRestored = true

	time.Sleep(5 * time.Millisecond)

	// spot check a few offsets across the page, each re-read once
	// before declaring the erase failed
	offsets := [4]uint32{0, 4, 8, info.Flash.PageSize - 4}
	for _, offset := range offsets {
		check := addr + offset

		sample, err := f.target.ReadWord(check)
		if err != nil {
			logger.Errorf("verification read failed at 0x%08X", check)
			return err
		}

		if sample != 0xFFFFFFFF {
			time.Sleep(time.Millisecond)
			sample, err = f.target.ReadWord(check)
			if err != nil {
				logger.Errorf("verification re-read failed at 0x%08X", check)
				return err
			}
			if sample != 0xFFFFFFFF {
				return newAddrErrorf(ErrVerificationFailed, check, sample,
					"erase verification failed at 0x%08X: 0x%08X (expected 0xFFFFFFFF)", check, sample)
			}
		}
	}

	logger.Infof("page at 0x%08X erased successfully", addr)
	return nil
}

/**
  Write programs data into erased flash starting at any byte address.
  The NVMC is put into write mode for the whole run, unaligned head and
  tail bytes are spliced at the word level (the tail padded with the
  erased value), the aligned body streams through the block writer in
  bounded chunks. Read-only mode is restored on every exit.
*/
func (f *Flash) Write(addr uint32, data []byte) error {
	if len(data) == 0 {
		f.target.stats.WriteFailures++
		return NewLinkError("nothing to write", ErrInvalidArgument)
	}

	info := f.target.info
	inFlash := info.Flash.Contains(addr, uint32(len(data)))
	inUicr := addr >= info.UicrBase &&
		uint64(addr)+uint64(len(data)) <= uint64(info.UicrBase)+uint64(info.Flash.PageSize)
	if !inFlash && !inUicr {
		f.target.stats.WriteFailures++
		return newLinkErrorf(ErrInvalidArgument,
			"write range 0x%08X+%d out of range", addr, len(data))
	}

	logger.Infof("writing %d bytes to 0x%08X", len(data), addr)
	start := time.Now()

	if err := f.target.WriteWord(NVMC_CONFIG, NVMC_CONFIG_WEN); err != nil {
		logger.Error("failed to enable write mode")
		f.target.stats.WriteFailures++
		return err
	}
	time.Sleep(time.Millisecond)

	written, words, err := f.writeBuffer(addr, data)

	// read-only mode comes back no matter how the write went
	if werr := f.target.WriteWord(NVMC_CONFIG, NVMC_CONFIG_REN); werr != nil {
		logger.Warnf("failed to restore NVMC read mode: %v", werr)
	}

	if err != nil {
		f.target.stats.WriteFailures++
		return err
	}

	f.target.stats.WordsWritten += uint64(words)

	elapsedMs := time.Since(start).Milliseconds()
	speed := 0.0
	if elapsedMs > 0 {
		speed = float64(written) * 1000.0 / (float64(elapsedMs) * 1024.0)
	}
	logger.Infof("write complete: %d bytes in %d ms (%.1f KB/s)", written, elapsedMs, speed)

	return nil
}

// writeBuffer does the actual data movement, write mode already on.
// Returns bytes and whole words pushed to the target.
func (f *Flash) writeBuffer(addr uint32, data []byte) (int, int, error) {
	written := 0
	words := 0
	var wordBytes [4]byte

	if offset := int(addr & 0x3); offset != 0 {
		aligned := addr &^ 0x3

		word, err := f.target.ReadWord(aligned)
		if err != nil {
			return written, words, err
		}
		uint32ToLE(wordBytes[:], word)

		n := 4 - offset
		if n > len(data) {
			n = len(data)
		}
		copy(wordBytes[offset:], data[:n])

		if err := f.target.WriteWord(aligned, leToUint32(wordBytes[:])); err != nil {
			return written, words, err
		}

		addr += uint32(n)
		data = data[n:]
		written += n
		words++
	}

	for len(data) >= 4 {
		chunkWords := len(data) / 4
		if chunkWords > maximumBlockWords {
			chunkWords = maximumBlockWords
		}

		if err := f.target.WriteBlock32(addr, bytesToWords(data[:chunkWords*4])); err != nil {
			logger.Errorf("block write failed at 0x%08X", addr)
			return written, words, err
		}

		n := chunkWords * 4
		addr += uint32(n)
		data = data[n:]
		written += n
		words += chunkWords
	}

	if len(data) > 0 {
		fillBytes(wordBytes[:], 0xFF)
		copy(wordBytes[:], data)

		if err := f.target.WriteWord(addr, leToUint32(wordBytes[:])); err != nil {
			return written, words, err
		}

		written += len(data)
		words++
	}

	// wait for the final write to land
	for i := 0; i < 100; i++ {
		ready, err := f.target.ReadWord(NVMC_READY)
		if err != nil || ready&0x1 != 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	return written, words, nil
}

/**
  ResetAndRun finishes a flashing session: NVMC back to read-only, the
  instruction cache enabled and invalidated, the vector table pointed
  at the flash base, then the full release sequence so the target boots
  the fresh image on its own.
*/
func (f *Flash) ResetAndRun() error {
	logger.Info("performing post-flash reset sequence...")

	if err := f.target.WriteWord(NVMC_CONFIG, NVMC_CONFIG_REN); err != nil {
		logger.Warn("failed to set NVMC to read-only")
	}
	time.Sleep(10 * time.Millisecond)

	f.target.WriteWord(NVMC_ICACHECNF, 0x00000001)
	time.Sleep(10 * time.Millisecond)

	f.target.WriteWord(NVMC_ICACHECNF, 0x00000003)
	time.Sleep(10 * time.Millisecond)

	if err := f.target.WriteWord(CORTEX_VTOR, 0x00000000); err != nil {
		logger.Warn("failed to set VTOR")
	}

	return f.target.Disconnect()
}

// ProbeGeometry reads the FICR code page size and count and checks
// them against the configured target. FICR wins for the region size,
// a mismatch usually means the wrong target name was configured.
func (f *Flash) ProbeGeometry() error {
	pageSize, err := f.target.ReadWord(FICR_CODEPAGESIZE)
	if err != nil {
		return err
	}
	pageCount, err := f.target.ReadWord(FICR_CODESIZE)
	if err != nil {
		return err
	}

	info := f.target.info
	size := pageSize * pageCount

	logger.Infof("FICR geometry: %d pages of %d bytes (%d KiB flash)",
		pageCount, pageSize, size/1024)

	if pageSize != info.Flash.PageSize || size != info.Flash.Size {
		logger.Warnf("%s is configured with page 0x%X size 0x%X, using FICR values",
			info.Name, info.Flash.PageSize, info.Flash.Size)
		info.Flash.PageSize = pageSize
		info.Flash.Size = size
	}

	return nil
}
