// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import "fmt"

// IDCode is the debug port identification register. The designer field
// is a JEP106 code, 0x23B being ARM; every nRF52 carries an ARM SW-DP.
type IDCode uint32

func (id IDCode) Version() uint8 {
	return uint8(id >> 28)
}

func (id IDCode) PartNo() uint16 {
	return uint16(id >> 12)
}

func (id IDCode) Designer() uint16 {
	return uint16((id >> 1) & 0x7FF)
}

// Plausible filters the two line-failure patterns: all zeros (shorted
// or driven low) and all ones (floating, pull-up wins).
func (id IDCode) Plausible() bool {
	return id != 0x00000000 && id != 0xFFFFFFFF
}

func (id IDCode) String() string {
	designer := fmt.Sprintf("JEP106 0x%03X", id.Designer())
	if id.Designer() == 0x23B {
		designer = "ARM"
	}

	return fmt.Sprintf("0x%08X (%s, part 0x%04X, rev %d)", uint32(id), designer, id.PartNo(), id.Version())
}
