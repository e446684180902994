// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// register addresses and switch sequences follow the ARM Debug Interface
// Architecture Specification ADIv5, see

// https://developer.arm.com/documentation/ihi0031

package swdflash

// Debug port register addresses. Address 0x00 reads as IDCODE and
// writes as ABORT.
const (
	DP_IDCODE    uint8 = 0x00
	DP_ABORT     uint8 = 0x00
	DP_CTRL_STAT uint8 = 0x04
	DP_SELECT    uint8 = 0x08
	DP_RDBUFF    uint8 = 0x0C
)

// ABORT sticky-clear bits (STKCMPCLR | STKERRCLR | WDERRCLR | ORUNERRCLR).
const DP_ABORT_CLEAR_ALL uint32 = 0x0000001E

// CTRL/STAT power request and acknowledge bits
const (
	CDBGPWRUPREQ uint32 = 1 << 28
	CDBGPWRUPACK uint32 = 1 << 29
	CSYSPWRUPREQ uint32 = 1 << 30
	CSYSPWRUPACK uint32 = 1 << 31

	DP_PWRUP_REQUEST  uint32 = CDBGPWRUPREQ | CSYSPWRUPREQ
	DP_PWRUP_ACK_MASK uint32 = CDBGPWRUPACK | CSYSPWRUPACK
)

// MEM-AP register addresses. The upper nibble is the register bank and
// goes into DP_SELECT, the low nibble into the request header.
const (
	AP_CSW uint8 = 0x00
	AP_TAR uint8 = 0x04
	AP_DRW uint8 = 0x0C
	AP_IDR uint8 = 0xFC
)

// CSW fields for 32-bit auto-incrementing accesses
const (
	CSW_SIZE_32        uint32 = 0x00000002
	CSW_ADDRINC_SINGLE uint32 = 0x00000010
	CSW_DEVICE_EN      uint32 = 0x00000040
	CSW_HPROT          uint32 = 0x03000000
	CSW_MASTER_DEBUG   uint32 = 0x20000000

	CSW_DEFAULT uint32 = CSW_MASTER_DEBUG | CSW_HPROT | CSW_DEVICE_EN |
		CSW_ADDRINC_SINGLE | CSW_SIZE_32

	// block transfers run without HPROT, matching what the debug port
	// grants an external debugger on nRF52 parts
	CSW_BLOCK uint32 = CSW_MASTER_DEBUG | CSW_DEVICE_EN |
		CSW_ADDRINC_SINGLE | CSW_SIZE_32
)

// line switch sequences, sent LSB first
const (
	JTAG_TO_SWD_SEQUENCE    uint16 = 0xE79E
	SWD_TO_DORMANT_SEQUENCE uint16 = 0xE3BC
)

// Dormant state wake-up: 128-bit selection alert followed by the SWD
// activation code, both sent MSB first.
var SELECTION_ALERT_SEQUENCE = [4]uint32{0x49CF9046, 0xA9B4A161, 0x97F5BBC7, 0x45703D98}

const SWD_ACTIVATION_CODE uint8 = 0x58

// Cortex-M debug and system control registers
const (
	CORTEX_DHCSR uint32 = 0xE000EDF0
	CORTEX_DCRSR uint32 = 0xE000EDF4
	CORTEX_DCRDR uint32 = 0xE000EDF8
	CORTEX_DEMCR uint32 = 0xE000EDFC
	CORTEX_AIRCR uint32 = 0xE000ED0C
	CORTEX_VTOR  uint32 = 0xE000ED08
)

// DHCSR fields, writes must carry the debug key in the upper half
const (
	DHCSR_DBGKEY    uint32 = 0xA05F << 16
	DHCSR_C_DEBUGEN uint32 = 1 << 0
	DHCSR_C_HALT    uint32 = 1 << 1
	DHCSR_S_REGRDY  uint32 = 1 << 16
	DHCSR_S_HALT    uint32 = 1 << 17
)

// DCRSR direction bit: transfer DCRDR into the selected core register
const DCRSR_WRITE uint32 = 1 << 16

// AIRCR system reset request carrying the vector key
const AIRCR_SYSRESETREQ uint32 = 0x05FA0004

const (
	maximumTransferRetries = 10
	maximumPowerUpRetries  = 20

	// transient word buffer cap for block transfers
	maximumBlockWords = 1024
)
