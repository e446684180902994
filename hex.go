// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
)

// Intel HEX record types.
type RecordType uint8

const (
	RecordData         RecordType = 0
	RecordEOF          RecordType = 1
	RecordExtSegment   RecordType = 2
	RecordStartSegment RecordType = 3
	RecordExtLinear    RecordType = 4
	RecordStartLinear  RecordType = 5
)

func (t RecordType) String() string {
	switch t {
	case RecordData:
		return "data"
	case RecordEOF:
		return "end of file"
	case RecordExtSegment:
		return "extended segment address"
	case RecordStartSegment:
		return "start segment address"
	case RecordExtLinear:
		return "extended linear address"
	case RecordStartLinear:
		return "start linear address"
	default:
		return fmt.Sprintf("type %d", uint8(t))
	}
}

// Record is one decoded line of an Intel HEX stream. For data records
// Addr is the resolved absolute target address; for address extension
// and entry point records it carries the new base or the entry point.
type Record struct {
	Type RecordType
	Addr uint32
	Data []byte
}

// longest legal record: 255 data bytes, 521 characters plus slack
const maxHexLine = 600

/**
  HexDecoder pulls records out of a textual Intel HEX stream, one line
  per Next call. The sequence is lazy and non-restartable. After the
  end-of-file record, and only then, Next returns io.EOF; a stream that
  just stops without one is reported as an error.
*/
type HexDecoder struct {
	scanner *bufio.Scanner
	line    int

	segmentBase uint32
	linearBase  uint32

	finished bool
}

func NewHexDecoder(r io.Reader) *HexDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 128), maxHexLine)
	return &HexDecoder{scanner: scanner}
}

func (d *HexDecoder) Next() (Record, error) {
	if d.finished {
		return Record{}, io.EOF
	}

	for d.scanner.Scan() {
		d.line++
		text := d.scanner.Text()
		if len(text) == 0 {
			continue
		}
		return d.decodeLine(text)
	}

	d.finished = true

	if err := d.scanner.Err(); err != nil {
		return Record{}, newLinkErrorf(ErrInvalidArgument, "hex input after line %d: %v", d.line, err)
	}
	return Record{}, newLinkErrorf(ErrInvalidArgument, "hex input ended at line %d without an EOF record", d.line)
}

func (d *HexDecoder) errorf(format string, args ...interface{}) error {
	return newLinkErrorf(ErrInvalidArgument, "hex line %d: %s", d.line, fmt.Sprintf(format, args...))
}

func (d *HexDecoder) decodeLine(text string) (Record, error) {
	if text[0] != ':' {
		return Record{}, d.errorf("invalid start of line")
	}
	if len(text) < 11 || len(text)%2 != 1 {
		return Record{}, d.errorf("record too short (%d characters)", len(text))
	}

	raw, err := hex.DecodeString(text[1:])
	if err != nil {
		return Record{}, d.errorf("bad hex digits")
	}

	count := int(raw[0])
	if len(raw) != 4+count+1 {
		return Record{}, d.errorf("length field %d does not match record size", count)
	}

	// two's-complement checksum over everything before the last byte
	var sum uint8
	for _, b := range raw[:len(raw)-1] {
		sum += b
	}
	sum = ^sum + 1
	if checksum := raw[len(raw)-1]; sum != checksum {
		return Record{}, d.errorf("checksum mismatch: calculated 0x%02X, got 0x%02X", sum, checksum)
	}

	offset := uint32(raw[1])<<8 | uint32(raw[2])
	payload := raw[4 : 4+count]

	switch recType := RecordType(raw[3]); recType {
	case RecordData:
		data := make([]byte, count)
		copy(data, payload)
		return Record{
			Type: RecordData,
			Addr: d.linearBase + d.segmentBase + offset,
			Data: data,
		}, nil

	case RecordEOF:
		d.finished = true
		return Record{Type: RecordEOF}, nil

	case RecordExtSegment:
		if count != 2 {
			return Record{}, d.errorf("invalid extended segment address record")
		}
		d.segmentBase = (uint32(payload[0])<<8 | uint32(payload[1])) << 4
		logger.Debugf("extended segment address: 0x%08X", d.segmentBase)
		return Record{Type: RecordExtSegment, Addr: d.segmentBase}, nil

	case RecordStartSegment:
		if count != 4 {
			return Record{}, d.errorf("invalid start segment address record")
		}
		cs := uint32(payload[0])<<8 | uint32(payload[1])
		ip := uint32(payload[2])<<8 | uint32(payload[3])
		return Record{Type: RecordStartSegment, Addr: cs<<4 | ip}, nil

	case RecordExtLinear:
		if count != 2 {
			return Record{}, d.errorf("invalid extended linear address record")
		}
		d.linearBase = (uint32(payload[0])<<8 | uint32(payload[1])) << 16
		logger.Debugf("extended linear address: 0x%08X", d.linearBase)
		return Record{Type: RecordExtLinear, Addr: d.linearBase}, nil

	case RecordStartLinear:
		if count != 4 {
			return Record{}, d.errorf("invalid start linear address record")
		}
		entry := uint32(payload[0])<<24 | uint32(payload[1])<<16 |
			uint32(payload[2])<<8 | uint32(payload[3])
		return Record{Type: RecordStartLinear, Addr: entry}, nil

	default:
		return Record{}, d.errorf("unsupported record type %d", raw[3])
	}
}
