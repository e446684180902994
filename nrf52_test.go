// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import (
	"strings"
	"testing"
)

func TestSupportedTargets(t *testing.T) {
	names := SupportedTargets()
	want := []string{"nRF52832", "nRF52833", "nRF52840"}
	if len(names) != len(want) {
		t.Fatalf("targets = %v", names)
	}
	for i, name := range want {
		if names[i] != name {
			t.Errorf("targets[%d] = %q, want %q", i, names[i], name)
		}
	}
}

func TestGetTargetInformation(t *testing.T) {
	info := GetTargetInformation("nRF52840")
	if info == nil {
		t.Fatal("nRF52840 not found")
	}
	if info.Flash.Size != 0x100000 || info.Flash.PageSize != 0x1000 {
		t.Errorf("flash = %+v", info.Flash)
	}
	if info.CtrlApIndex != 1 || info.UicrBase != UICR_BASE {
		t.Errorf("info = %+v", info)
	}

	// callers get a copy, the table stays pristine
	info.Flash.Size = 1
	if again := GetTargetInformation("nRF52840"); again.Flash.Size != 0x100000 {
		t.Errorf("table mutated, size = 0x%x", again.Flash.Size)
	}

	if GetTargetInformation("nRF9160") != nil {
		t.Error("unknown part resolved")
	}
}

func TestFlashRegionContains(t *testing.T) {
	region := FlashRegion{Base: 0x00000000, Size: 0x80000, PageSize: 0x1000}
	tests := []struct {
		addr uint32
		n    uint32
		want bool
	}{
		{0x00000000, 4, true},
		{0x0007FFFC, 4, true},
		{0x0007FFFC, 8, false},
		{0x00080000, 4, false},
		{0x00000000, 0x80000, true},
		{0xFFFFFFFC, 8, false}, // end wraps past 2^32
	}
	for _, tt := range tests {
		if got := region.Contains(tt.addr, tt.n); got != tt.want {
			t.Errorf("Contains(0x%08X, %d) = %v, want %v", tt.addr, tt.n, got, tt.want)
		}
	}

	ram := FlashRegion{Base: 0x20000000, Size: 0x10000, PageSize: 0x1000}
	if ram.Contains(0x1FFFFFFC, 8) {
		t.Error("span straddling the base accepted")
	}
	if !ram.Contains(0x20000000, 0x10000) {
		t.Error("exact region span rejected")
	}
}

func TestFlashRegionPageBase(t *testing.T) {
	region := FlashRegion{Base: 0, Size: 0x80000, PageSize: 0x1000}
	tests := []struct {
		addr, want uint32
	}{
		{0x0000, 0x0000},
		{0x0FFF, 0x0000},
		{0x1000, 0x1000},
		{0x1234, 0x1000},
		{0x7F123, 0x7F000},
	}
	for _, tt := range tests {
		if got := region.PageBase(tt.addr); got != tt.want {
			t.Errorf("PageBase(0x%05X) = 0x%05X, want 0x%05X", tt.addr, got, tt.want)
		}
	}
}

func TestTargetInfoValidate(t *testing.T) {
	good := func() TargetInfo {
		return *GetTargetInformation("nRF52832")
	}

	info := good()
	if err := info.validate(); err != nil {
		t.Fatalf("stock geometry rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*TargetInfo)
		want   string
	}{
		{"page size zero", func(i *TargetInfo) { i.Flash.PageSize = 0 }, "not a power of two"},
		{"page size odd", func(i *TargetInfo) { i.Flash.PageSize = 3000 }, "not a power of two"},
		{"wrap too small", func(i *TargetInfo) { i.WrapBoundary = 8 }, "wrap boundary"},
		{"wrap not power", func(i *TargetInfo) { i.WrapBoundary = 0x300 }, "wrap boundary"},
		{"size zero", func(i *TargetInfo) { i.Flash.Size = 0 }, "not a multiple"},
		{"size ragged", func(i *TargetInfo) { i.Flash.Size = 0x80800 }, "not a multiple"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := good()
			tt.mutate(&info)
			err := info.validate()
			if err == nil {
				t.Fatal("expected an error")
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
