// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// SEGGER RTT: the firmware keeps ring buffers in RAM behind a
// magic-tagged control block, the host drains them over plain memory
// reads. Works on any firmware that links the RTT library, no
// cooperation from the running code is needed.

package swdflash

import "bytes"

const rttMagic = "SEGGER RTT"

const (
	rttHeaderSize  = 24 // acID[16], MaxNumUpBuffers, MaxNumDownBuffers
	rttChannelSize = 24 // six words per ring descriptor
	rttRdOffOffset = 16 // rdOff position inside a descriptor

	rttScanChunk   = 4096
	rttMaxChannels = 16
)

// rttChannel mirrors one ring descriptor as last refreshed from RAM.
type rttChannel struct {
	name   uint32 // pointer to a NUL terminated name, may be 0
	buffer uint32
	size   uint32
	wrOff  uint32
	rdOff  uint32
	flags  uint32
}

// RttConsole is an attached RTT control block. Up channels carry
// target-to-host data, down channels the reverse direction.
type RttConsole struct {
	target *Target
	base   uint32

	up       int
	channels []rttChannel
}

/**
  FindRtt scans target RAM for the RTT control block and attaches to
  it. The block sits wherever the linker placed the firmware's data
  section, so the scan walks all of RAM in chunks, re-checking the seam
  bytes between chunks, and stops at the first hit.
*/
func FindRtt(target *Target) (*RttConsole, error) {
	if target == nil {
		return nil, NewLinkError("no target given", ErrInvalidArgument)
	}
	if err := target.ensureMemory(); err != nil {
		return nil, err
	}

	ram := target.info.Ram
	magic := []byte(rttMagic)
	found := int64(-1)

	logger.Debugf("scanning 0x%X bytes of RAM for the RTT control block", ram.Size)

	var seam []byte
	for offset := uint32(0); offset < ram.Size && found < 0; offset += rttScanChunk {
		n := ram.Size - offset
		if n > rttScanChunk {
			n = rttScanChunk
		}

		chunk, err := target.ReadMem(ram.Base+offset, int(n))
		if err != nil {
			return nil, err
		}

		window := append(seam, chunk...)
		if i := bytes.Index(window, magic); i >= 0 {
			found = int64(ram.Base+offset) - int64(len(seam)) + int64(i)
			break
		}

		keep := len(magic) - 1
		if keep > len(window) {
			keep = len(window)
		}
		seam = append([]byte(nil), window[len(window)-keep:]...)
	}

	if found < 0 {
		return nil, newLinkErrorf(ErrUnexpectedDevice,
			"no RTT control block in RAM 0x%08X..0x%08X", ram.Base, ram.Base+ram.Size)
	}

	header, err := target.ReadMem(uint32(found)+16, 8)
	if err != nil {
		return nil, err
	}
	up := int(leToUint32(header))
	down := int(leToUint32(header[4:]))

	if up == 0 || up > rttMaxChannels || down > rttMaxChannels {
		return nil, newLinkErrorf(ErrUnexpectedDevice,
			"control block at 0x%08X looks corrupt (%d up, %d down channels)", uint32(found), up, down)
	}

	console := &RttConsole{
		target:   target,
		base:     uint32(found),
		up:       up,
		channels: make([]rttChannel, up+down),
	}

	if err := console.Refresh(); err != nil {
		return nil, err
	}

	logger.Infof("RTT control block at 0x%08X, %d up / %d down channels", console.base, up, down)
	return console, nil
}

// Channels reports how many up and down channels the firmware set up.
func (c *RttConsole) Channels() (up, down int) {
	return c.up, len(c.channels) - c.up
}

// Refresh re-reads every ring descriptor. The offsets move whenever
// the firmware prints, a poll loop refreshes before each drain.
func (c *RttConsole) Refresh() error {
	raw, err := c.target.ReadMem(c.base+rttHeaderSize, len(c.channels)*rttChannelSize)
	if err != nil {
		return err
	}

	for i := range c.channels {
		d := raw[i*rttChannelSize:]
		c.channels[i] = rttChannel{
			name:   leToUint32(d),
			buffer: leToUint32(d[4:]),
			size:   leToUint32(d[8:]),
			wrOff:  leToUint32(d[12:]),
			rdOff:  leToUint32(d[16:]),
			flags:  leToUint32(d[20:]),
		}
	}
	return nil
}

// ChannelName reads the firmware's name for a channel, "" when the
// descriptor has no name pointer or the read fails.
func (c *RttConsole) ChannelName(index int) string {
	if index < 0 || index >= len(c.channels) || c.channels[index].name == 0 {
		return ""
	}

	raw, err := c.target.ReadMem(c.channels[index].name, 32)
	if err != nil {
		return ""
	}
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw)
}

/**
  drain empties one up channel: the pending span (two spans when the
  ring has wrapped) is read out, then rdOff is pushed back so the
  firmware regains the space. Firmware in blocking mode stalls until
  that write lands.
*/
func (c *RttConsole) drain(index int) ([]byte, error) {
	ch := &c.channels[index]
	if ch.size == 0 || ch.wrOff == ch.rdOff {
		return nil, nil
	}
	if ch.wrOff >= ch.size || ch.rdOff >= ch.size {
		return nil, newLinkErrorf(ErrUnexpectedDevice,
			"channel %d ring offsets out of range (rd %d, wr %d, size %d)",
			index, ch.rdOff, ch.wrOff, ch.size)
	}

	var data []byte
	if ch.wrOff > ch.rdOff {
		span, err := c.target.ReadMem(ch.buffer+ch.rdOff, int(ch.wrOff-ch.rdOff))
		if err != nil {
			return nil, err
		}
		data = span
	} else {
		head, err := c.target.ReadMem(ch.buffer+ch.rdOff, int(ch.size-ch.rdOff))
		if err != nil {
			return nil, err
		}
		data = head

		if ch.wrOff > 0 {
			tail, err := c.target.ReadMem(ch.buffer, int(ch.wrOff))
			if err != nil {
				return nil, err
			}
			data = append(data, tail...)
		}
	}

	rdOffAddr := c.base + rttHeaderSize + uint32(index)*rttChannelSize + rttRdOffOffset
	if err := c.target.WriteWord(rdOffAddr, ch.wrOff); err != nil {
		return nil, err
	}
	ch.rdOff = ch.wrOff

	return data, nil
}

// Poll drains every up channel once. fn runs for each channel that had
// pending bytes; a non-nil return from fn stops the poll and is passed
// through.
func (c *RttConsole) Poll(fn func(channel int, data []byte) error) error {
	if err := c.Refresh(); err != nil {
		return err
	}

	for i := 0; i < c.up; i++ {
		data, err := c.drain(i)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}
		if err := fn(i, data); err != nil {
			return err
		}
	}

	return nil
}
