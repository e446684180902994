// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

// InitMemory selects MEM-AP 0 and configures CSW for 32-bit accesses
// with address auto-increment.
func (t *Target) InitMemory() error {
	t.SelectAP(0)

	if err := t.APWrite(AP_CSW, CSW_DEFAULT); err != nil {
		logger.Error("failed to configure CSW")
		return err
	}

	t.memReady = true
	logger.Info("memory access initialized")
	return nil
}

func (t *Target) ensureMemory() error {
	if !t.connected {
		return NewLinkError("not connected to a target", ErrInvalidState)
	}
	if t.memReady {
		return nil
	}
	return t.InitMemory()
}

// ReadWord reads a 32-bit word from target memory.
func (t *Target) ReadWord(addr uint32) (uint32, error) {
	if err := t.ensureMemory(); err != nil {
		return 0, err
	}

	if err := t.APWrite(AP_TAR, addr); err != nil {
		return 0, err
	}

	value, err := t.APRead(AP_DRW)
	if err != nil {
		logger.Errorf("failed to read from 0x%08X", addr)
		return 0, err
	}

	return value, nil
}

// WriteWord writes a 32-bit word to target memory. The trailing RDBUFF
// read drains the AP so the write has landed before the next
// transaction.
func (t *Target) WriteWord(addr uint32, data uint32) error {
	if err := t.ensureMemory(); err != nil {
		return err
	}

	if err := t.APWrite(AP_TAR, addr); err != nil {
		return err
	}

	if err := t.APWrite(AP_DRW, data); err != nil {
		logger.Errorf("failed to write 0x%08X to 0x%08X", data, addr)
		return err
	}

	_, err := t.DPRead(DP_RDBUFF)
	return err
}

/**
  ReadMem reads size bytes starting at any byte address. An unaligned
  start is spliced out of its containing word, the rest is read word
  at a time. Reads are diagnostic traffic, throughput does not matter
  here.
*/
func (t *Target) ReadMem(addr uint32, size int) ([]byte, error) {
	if size <= 0 {
		return nil, NewLinkError("read size must be positive", ErrInvalidArgument)
	}

	out := make([]byte, 0, size)
	remaining := size
	var wordBytes [4]byte

	if offset := int(addr & 0x3); offset != 0 {
		word, err := t.ReadWord(addr &^ 0x3)
		if err != nil {
			return nil, err
		}
		uint32ToLE(wordBytes[:], word)

		n := 4 - offset
		if n > remaining {
			n = remaining
		}
		out = append(out, wordBytes[offset:offset+n]...)
		addr += uint32(n)
		remaining -= n
	}

	for remaining >= 4 {
		word, err := t.ReadWord(addr)
		if err != nil {
			return nil, err
		}
		uint32ToLE(wordBytes[:], word)
		out = append(out, wordBytes[:]...)
		addr += 4
		remaining -= 4
	}

	if remaining > 0 {
		word, err := t.ReadWord(addr)
		if err != nil {
			return nil, err
		}
		uint32ToLE(wordBytes[:], word)
		out = append(out, wordBytes[:remaining]...)
	}

	return out, nil
}

/**
  WriteMem writes data to any byte address. Unaligned head and tail
  bytes are read-modify-write spliced into their containing words, the
  aligned body goes through the block writer. Works on RAM, and on
  flash while the NVMC is in write mode.
*/
func (t *Target) WriteMem(addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	var wordBytes [4]byte

	if offset := int(addr & 0x3); offset != 0 {
		aligned := addr &^ 0x3

		word, err := t.ReadWord(aligned)
		if err != nil {
			return err
		}
		uint32ToLE(wordBytes[:], word)

		n := 4 - offset
		if n > len(data) {
			n = len(data)
		}
		copy(wordBytes[offset:], data[:n])

		if err := t.WriteWord(aligned, leToUint32(wordBytes[:])); err != nil {
			return err
		}
		addr += uint32(n)
		data = data[n:]
	}

	if body := len(data) &^ 0x3; body > 0 {
		if err := t.WriteBlock32(addr, bytesToWords(data[:body])); err != nil {
			return err
		}
		addr += uint32(body)
		data = data[body:]
	}

	if len(data) > 0 {
		word, err := t.ReadWord(addr)
		if err != nil {
			return err
		}
		uint32ToLE(wordBytes[:], word)
		copy(wordBytes[:], data)

		if err := t.WriteWord(addr, leToUint32(wordBytes[:])); err != nil {
			return err
		}
	}

	return nil
}

/**
  WriteBlock32 streams words through the AP's address auto-increment:
  TAR is written once per chunk, then consecutive DRW writes land at
  consecutive addresses. The auto-increment wraps at a fixed
  power-of-two boundary (0x400 on nRF52), so TAR must be re-issued
  whenever the address range crosses it. Missing the boundary silently
  wraps the target address back to the start of the window.
*/
func (t *Target) WriteBlock32(addr uint32, words []uint32) error {
	if addr&0x3 != 0 {
		return newLinkErrorf(ErrInvalidArgument, "block write address 0x%08X is not word aligned", addr)
	}
	if len(words) == 0 {
		return nil
	}
	if err := t.ensureMemory(); err != nil {
		return err
	}

	if err := t.APWrite(AP_CSW, CSW_BLOCK); err != nil {
		return err
	}
	// word accesses re-apply the default CSW on next use
	t.memReady = false

	wrap := t.info.WrapBoundary
	remaining := words

	for len(remaining) > 0 {
		chunk := int((wrap - addr&(wrap-1)) / 4)
		if chunk > len(remaining) {
			chunk = len(remaining)
		}

		if err := t.APWrite(AP_TAR, addr); err != nil {
			return err
		}

		for i := 0; i < chunk; i++ {
			if err := t.APWrite(AP_DRW, remaining[i]); err != nil {
				return blockError(err, addr+uint32(i)*4, remaining[i])
			}
		}

		// one RDBUFF read drains the whole chunk
		if _, err := t.DPRead(DP_RDBUFF); err != nil {
			return err
		}

		addr += uint32(chunk) * 4
		remaining = remaining[chunk:]
	}

	return nil
}

// blockError tags err with the first failing word so callers see
// exactly where a stream died.
func blockError(err error, addr uint32, value uint32) error {
	code := ErrProtocolFault
	if c, ok := ErrorCodeOf(err); ok {
		code = c
	}
	return newAddrErrorf(code, addr, value,
		"block write failed at 0x%08X (value 0x%08X): %v", addr, value, err)
}
