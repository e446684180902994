// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Register maps follow the Nordic nRF52 series product specifications,
// https://docs.nordicsemi.com/

package swdflash

import "sort"

// NVMC non-volatile memory controller
const (
	NVMC_BASE      uint32 = 0x4001E000
	NVMC_READY     uint32 = NVMC_BASE + 0x400
	NVMC_READYNEXT uint32 = NVMC_BASE + 0x408
	NVMC_CONFIG    uint32 = NVMC_BASE + 0x504
	NVMC_ERASEPAGE uint32 = NVMC_BASE + 0x508
	NVMC_ERASEALL  uint32 = NVMC_BASE + 0x50C
	NVMC_ERASEUICR uint32 = NVMC_BASE + 0x514
	NVMC_ICACHECNF uint32 = NVMC_BASE + 0x540
)

// NVMC_CONFIG modes
const (
	NVMC_CONFIG_REN uint32 = 0 // read enable
	NVMC_CONFIG_WEN uint32 = 1 // write enable
	NVMC_CONFIG_EEN uint32 = 2 // erase enable
)

// FICR factory information configuration registers
const (
	FICR_BASE         uint32 = 0x10000000
	FICR_CODEPAGESIZE uint32 = FICR_BASE + 0x010
	FICR_CODESIZE     uint32 = FICR_BASE + 0x014
	FICR_DEVICEID0    uint32 = FICR_BASE + 0x060
	FICR_DEVICEID1    uint32 = FICR_BASE + 0x064
	FICR_INFO_PART    uint32 = FICR_BASE + 0x100
	FICR_INFO_VARIANT uint32 = FICR_BASE + 0x104
	FICR_INFO_RAM     uint32 = FICR_BASE + 0x10C
	FICR_INFO_FLASH   uint32 = FICR_BASE + 0x110
)

// UICR user information configuration registers
const (
	UICR_BASE           uint32 = 0x10001000
	UICR_BOOTLOADERADDR uint32 = UICR_BASE + 0x014
	UICR_NRFFW0         uint32 = UICR_BASE + 0x018
	UICR_NRFFW1         uint32 = UICR_BASE + 0x01C
	UICR_APPROTECT      uint32 = UICR_BASE + 0x208
)

// CTRL-AP access port registers (Nordic specific, AP index 1)
const (
	CTRL_AP_RESET           uint8 = 0x00
	CTRL_AP_ERASEALL        uint8 = 0x04
	CTRL_AP_ERASEALLSTATUS  uint8 = 0x08
	CTRL_AP_APPROTECTSTATUS uint8 = 0x0C
	CTRL_AP_IDR             uint8 = 0xFC
)

// CTRL-AP identification: JEP106 Nordic designer code plus AP class,
// the revision nibble is masked off before comparing.
const (
	CTRL_AP_IDR_MASK     uint32 = 0x0FFFFFFF
	CTRL_AP_IDR_EXPECTED uint32 = 0x02880000
)

// FlashRegion describes one programmable region of the target.
type FlashRegion struct {
	Base     uint32
	Size     uint32
	PageSize uint32
}

// Contains reports whether [addr, addr+n) lies inside the region.
func (r FlashRegion) Contains(addr uint32, n uint32) bool {
	if addr < r.Base {
		return false
	}
	end := uint64(addr) + uint64(n)
	return end <= uint64(r.Base)+uint64(r.Size)
}

// PageBase rounds addr down to the start of its page.
func (r FlashRegion) PageBase(addr uint32) uint32 {
	return alignDown(addr, r.PageSize)
}

// TargetInfo carries the per-part geometry the flash engine needs.
type TargetInfo struct {
	Name string

	Flash FlashRegion
	Ram   FlashRegion

	UicrBase    uint32
	CtrlApIndex uint8

	// MEM-AP auto-increment wrap boundary, power of two. Block writes
	// never cross it without reloading TAR.
	WrapBoundary uint32
}

var supportedTargets = map[string]TargetInfo{
	"nRF52832": {
		Name:         "nRF52832",
		Flash:        FlashRegion{0x00000000, 0x80000, 0x1000},
		Ram:          FlashRegion{0x20000000, 0x10000, 0x1000},
		UicrBase:     UICR_BASE,
		CtrlApIndex:  1,
		WrapBoundary: 0x400,
	},
	"nRF52833": {
		Name:         "nRF52833",
		Flash:        FlashRegion{0x00000000, 0x80000, 0x1000},
		Ram:          FlashRegion{0x20000000, 0x20000, 0x1000},
		UicrBase:     UICR_BASE,
		CtrlApIndex:  1,
		WrapBoundary: 0x400,
	},
	"nRF52840": {
		Name:         "nRF52840",
		Flash:        FlashRegion{0x00000000, 0x100000, 0x1000},
		Ram:          FlashRegion{0x20000000, 0x40000, 0x1000},
		UicrBase:     UICR_BASE,
		CtrlApIndex:  1,
		WrapBoundary: 0x400,
	},
}

// SupportedTargets lists the part names GetTargetInformation accepts.
func SupportedTargets() []string {
	names := make([]string, 0, len(supportedTargets))
	for name := range supportedTargets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetTargetInformation looks up the geometry of a supported part, nil
// if the name is unknown.
func GetTargetInformation(name string) *TargetInfo {
	if val, ok := supportedTargets[name]; ok {
		return &val
	} else {
		return nil
	}
}

func (t *TargetInfo) validate() error {
	if t.Flash.PageSize == 0 || t.Flash.PageSize&(t.Flash.PageSize-1) != 0 {
		return newLinkErrorf(ErrInvalidArgument, "page size 0x%x is not a power of two", t.Flash.PageSize)
	}
	if t.WrapBoundary < 16 || t.WrapBoundary&(t.WrapBoundary-1) != 0 {
		return newLinkErrorf(ErrInvalidArgument, "wrap boundary 0x%x is not a power of two >= 16", t.WrapBoundary)
	}
	if t.Flash.Size == 0 || t.Flash.Size%t.Flash.PageSize != 0 {
		return newLinkErrorf(ErrInvalidArgument, "flash size 0x%x is not a multiple of the page size", t.Flash.Size)
	}
	return nil
}
