// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

// Wire is the pin-level contract of the link: a clock line the host
// always drives and a data line whose direction changes at turnaround.
// A released data line must read back the pull-up level.
type Wire interface {
	// Init claims the pins and puts them into the idle state (clock
	// low, data driven high). Calling it on a claimed wire is a no-op.
	Init() error

	// Release floats all pins so the target can run undisturbed and
	// the host can power down. Init may be called again afterwards.
	Release()

	// Close releases the pins and frees the underlying GPIO resources.
	Close() error

	ClockHigh()
	ClockLow()
	DataHigh()
	DataLow()

	// DriveData takes the data line, ReleaseData hands it to the
	// target (high impedance on the host side).
	DriveData()
	ReleaseData()

	// ReadData samples the data line.
	ReadData() bool
}

// ResetLine is implemented by wires that can have a dedicated
// active-low reset pin. The link falls back to a software reset when
// the pin is absent.
type ResetLine interface {
	// HasReset reports whether a reset pin is actually wired.
	HasReset() bool

	// SetReset drives the reset pin, asserted meaning target in reset.
	SetReset(asserted bool)
}
