// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import "testing"

func TestIDCodeFields(t *testing.T) {
	// Cortex-M4 SW-DP as found on the nRF52 series
	id := IDCode(0x2BA01477)
	if id.Version() != 2 {
		t.Errorf("version = %d", id.Version())
	}
	if id.PartNo() != 0xBA01 {
		t.Errorf("part = 0x%04X", id.PartNo())
	}
	if id.Designer() != 0x23B {
		t.Errorf("designer = 0x%03X", id.Designer())
	}
}

func TestIDCodePlausible(t *testing.T) {
	tests := []struct {
		id   IDCode
		want bool
	}{
		{0x2BA01477, true},
		{0x0BC11477, true},
		{0x00000000, false},
		{0xFFFFFFFF, false},
	}
	for _, tt := range tests {
		if got := tt.id.Plausible(); got != tt.want {
			t.Errorf("Plausible(0x%08X) = %v, want %v", uint32(tt.id), got, tt.want)
		}
	}
}

func TestIDCodeString(t *testing.T) {
	tests := []struct {
		id   IDCode
		want string
	}{
		{0x2BA01477, "0x2BA01477 (ARM, part 0xBA01, rev 2)"},
		{0x0BB11477, "0x0BB11477 (ARM, part 0xBB11, rev 0)"},
		// RISC-V designer, reported raw as a JEP106 code
		{0x10001FFF, "0x10001FFF (JEP106 0x7FF, part 0x0001, rev 1)"},
	}
	for _, tt := range tests {
		if got := tt.id.String(); got != tt.want {
			t.Errorf("String(0x%08X) = %q, want %q", uint32(tt.id), got, tt.want)
		}
	}
}
