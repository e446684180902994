// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import (
	"fmt"
	"io"
	"strings"
	"testing"
)

// hexLine builds one valid Intel HEX line with a correct checksum.
func hexLine(offset uint16, typ RecordType, data []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":%02X%04X%02X", len(data), offset, uint8(typ))

	sum := uint8(len(data)) + uint8(offset>>8) + uint8(offset) + uint8(typ)
	for _, d := range data {
		fmt.Fprintf(&b, "%02X", d)
		sum += d
	}
	fmt.Fprintf(&b, "%02X", ^sum+1)
	return b.String()
}

// anchor the line builder against two well-known literals before the
// rest of the tests lean on it
func TestHexLineBuilder(t *testing.T) {
	if got := hexLine(0, RecordEOF, nil); got != ":00000001FF" {
		t.Fatalf("EOF line = %q", got)
	}
	if got := hexLine(0, RecordExtLinear, []byte{0x08, 0x00}); got != ":020000040800F2" {
		t.Fatalf("ext linear line = %q", got)
	}
}

func TestHexClassicVector(t *testing.T) {
	const line = ":10010000214601360121470136007EFE09D2190140"
	dec := NewHexDecoder(strings.NewReader(line + "\n:00000001FF\n"))

	rec, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec.Type != RecordData {
		t.Fatalf("type = %v", rec.Type)
	}
	if rec.Addr != 0x0100 {
		t.Fatalf("addr = 0x%04X", rec.Addr)
	}
	if len(rec.Data) != 16 || rec.Data[0] != 0x21 || rec.Data[15] != 0x01 {
		t.Fatalf("data = % X", rec.Data)
	}

	rec, err = dec.Next()
	if err != nil || rec.Type != RecordEOF {
		t.Fatalf("EOF record = %+v, %v", rec, err)
	}

	// after the EOF record the stream is done for good
	for i := 0; i < 2; i++ {
		if _, err := dec.Next(); err != io.EOF {
			t.Fatalf("Next after EOF = %v", err)
		}
	}
}

func TestHexExtendedLinear(t *testing.T) {
	input := hexLine(0, RecordExtLinear, []byte{0x08, 0x00}) + "\n" +
		hexLine(0x0010, RecordData, []byte{0xAA, 0xBB}) + "\n" +
		hexLine(0, RecordEOF, nil) + "\n"
	dec := NewHexDecoder(strings.NewReader(input))

	rec, err := dec.Next()
	if err != nil || rec.Type != RecordExtLinear || rec.Addr != 0x08000000 {
		t.Fatalf("ext linear = %+v, %v", rec, err)
	}

	rec, err = dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec.Addr != 0x08000010 {
		t.Fatalf("data addr = 0x%08X", rec.Addr)
	}
}

func TestHexSegmentAndLinearBasesSum(t *testing.T) {
	input := hexLine(0, RecordExtSegment, []byte{0x10, 0x00}) + "\n" +
		hexLine(0x0005, RecordData, []byte{0x01}) + "\n" +
		hexLine(0, RecordExtLinear, []byte{0x00, 0x02}) + "\n" +
		hexLine(0x0005, RecordData, []byte{0x02}) + "\n" +
		hexLine(0, RecordEOF, nil) + "\n"
	dec := NewHexDecoder(strings.NewReader(input))

	rec, err := dec.Next()
	if err != nil || rec.Type != RecordExtSegment || rec.Addr != 0x00010000 {
		t.Fatalf("ext segment = %+v, %v", rec, err)
	}

	rec, _ = dec.Next()
	if rec.Addr != 0x00010005 {
		t.Fatalf("segment-based addr = 0x%08X", rec.Addr)
	}

	dec.Next() // linear base 0x00020000

	// both bases apply to the offset
	rec, _ = dec.Next()
	if rec.Addr != 0x00030005 {
		t.Fatalf("summed addr = 0x%08X", rec.Addr)
	}
}

func TestHexStartRecords(t *testing.T) {
	input := hexLine(0, RecordStartSegment, []byte{0x10, 0x00, 0x01, 0x00}) + "\n" +
		hexLine(0, RecordStartLinear, []byte{0x00, 0x00, 0x01, 0xB5}) + "\n" +
		hexLine(0, RecordData, []byte{0x00}) + "\n" +
		hexLine(0, RecordEOF, nil) + "\n"
	dec := NewHexDecoder(strings.NewReader(input))

	rec, err := dec.Next()
	if err != nil || rec.Type != RecordStartSegment || rec.Addr != 0x00010100 {
		t.Fatalf("start segment = %+v, %v", rec, err)
	}

	rec, err = dec.Next()
	if err != nil || rec.Type != RecordStartLinear || rec.Addr != 0x000001B5 {
		t.Fatalf("start linear = %+v, %v", rec, err)
	}

	// entry point records do not move the data base
	rec, _ = dec.Next()
	if rec.Addr != 0 {
		t.Fatalf("data addr after start records = 0x%08X", rec.Addr)
	}
}

func TestHexErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no colon", "00000001FF", "invalid start of line"},
		{"too short", ":0000", "record too short (5 characters)"},
		{"even length", ":000000001FF", "record too short (12 characters)"},
		{"bad digits", ":00000001GG", "bad hex digits"},
		{"length mismatch", ":02000001FD", "length field 2 does not match record size"},
		{"checksum mismatch", ":00000001FE", "checksum mismatch: calculated 0xFF, got 0xFE"},
		{"short ext segment", hexLine(0, RecordExtSegment, []byte{0x55}), "invalid extended segment address record"},
		{"short ext linear", hexLine(0, RecordExtLinear, []byte{0x55}), "invalid extended linear address record"},
		{"short start segment", hexLine(0, RecordStartSegment, []byte{0x12, 0x34}), "invalid start segment address record"},
		{"short start linear", hexLine(0, RecordStartLinear, []byte{0x12, 0x34}), "invalid start linear address record"},
		{"unsupported type", hexLine(0, RecordType(6), []byte{0xAB, 0xCD}), "unsupported record type 6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewHexDecoder(strings.NewReader(tt.input + "\n"))
			_, err := dec.Next()
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), "hex line 1:") {
				t.Errorf("error lacks line number: %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
			if code, _ := ErrorCodeOf(err); code != ErrInvalidArgument {
				t.Errorf("code = %v", code)
			}
		})
	}
}

func TestHexMissingEOF(t *testing.T) {
	dec := NewHexDecoder(strings.NewReader(hexLine(0, RecordData, []byte{0x01}) + "\n"))

	if _, err := dec.Next(); err != nil {
		t.Fatalf("data record: %v", err)
	}

	_, err := dec.Next()
	if err == nil || !strings.Contains(err.Error(), "ended at line 1 without an EOF record") {
		t.Fatalf("err = %v", err)
	}

	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("after exhaustion = %v", err)
	}
}

func TestHexOversizedLine(t *testing.T) {
	dec := NewHexDecoder(strings.NewReader(":" + strings.Repeat("F", 700)))

	_, err := dec.Next()
	if err == nil || !strings.Contains(err.Error(), "token too long") {
		t.Fatalf("err = %v", err)
	}
}

func TestHexBlankLinesAndCRLF(t *testing.T) {
	// blank lines are skipped but still counted
	dec := NewHexDecoder(strings.NewReader("\n\n:00000001FE\n"))
	_, err := dec.Next()
	if err == nil || !strings.Contains(err.Error(), "hex line 3:") {
		t.Fatalf("err = %v", err)
	}

	// CRLF endings decode cleanly
	dec = NewHexDecoder(strings.NewReader(":00000001FF\r\n"))
	rec, err := dec.Next()
	if err != nil || rec.Type != RecordEOF {
		t.Fatalf("CRLF record = %+v, %v", rec, err)
	}
}

func TestHexDataAfterEOFIgnored(t *testing.T) {
	input := hexLine(0, RecordEOF, nil) + "\n" +
		hexLine(0, RecordData, []byte{0x55}) + "\n"
	dec := NewHexDecoder(strings.NewReader(input))

	rec, err := dec.Next()
	if err != nil || rec.Type != RecordEOF {
		t.Fatalf("EOF record = %+v, %v", rec, err)
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("trailing data surfaced: %v", err)
	}
}

func TestRecordTypeString(t *testing.T) {
	tests := []struct {
		typ  RecordType
		want string
	}{
		{RecordData, "data"},
		{RecordEOF, "end of file"},
		{RecordExtSegment, "extended segment address"},
		{RecordStartSegment, "start segment address"},
		{RecordExtLinear, "extended linear address"},
		{RecordStartLinear, "start linear address"},
		{RecordType(9), "type 9"},
	}

	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("RecordType(%d).String() = %q, want %q", tt.typ, got, tt.want)
		}
	}
}
