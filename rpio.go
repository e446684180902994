// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import (
	"github.com/stianeikeland/go-rpio/v4"
)

/**
  RaspberryWire bit-bangs an SWD link on Raspberry Pi GPIO through the
  /dev/gpiomem register mapping. The data line keeps its pull-up while
  released so an idle bus reads high, and the optional reset line is
  driven high (deasserted) whenever the wire is claimed.
*/
type RaspberryWire struct {
	clk rpio.Pin
	dio rpio.Pin
	rst rpio.Pin

	hasReset bool
	opened   bool
	claimed  bool
}

// NewRaspberryWire maps the pins in config onto BCM GPIO numbers. The
// GPIO memory stays untouched until Init.
func NewRaspberryWire(config LinkConfig) (*RaspberryWire, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	for _, pin := range []int{config.ClockPin, config.DataPin, config.ResetPin} {
		if pin > 53 {
			return nil, newLinkErrorf(ErrInvalidArgument, "pin %d is not a BCM GPIO number", pin)
		}
	}

	w := &RaspberryWire{
		clk:      rpio.Pin(config.ClockPin),
		dio:      rpio.Pin(config.DataPin),
		hasReset: config.ResetPin >= 0,
	}
	if w.hasReset {
		w.rst = rpio.Pin(config.ResetPin)
	}

	return w, nil
}

// Init maps the GPIO registers and puts the pins into the idle state:
// clock low, data driven high with its pull-up on, reset deasserted.
func (w *RaspberryWire) Init() error {
	if w.claimed {
		return nil
	}

	if !w.opened {
		if err := rpio.Open(); err != nil {
			return newLinkErrorf(ErrInvalidState, "cannot map GPIO memory: %v", err)
		}
		w.opened = true
	}

	w.clk.Output()
	w.clk.Low()

	w.dio.PullUp()
	w.dio.Output()
	w.dio.High()

	if w.hasReset {
		w.rst.Output()
		w.rst.High()
	}

	w.claimed = true
	logger.Debugf("GPIO claimed: clk=%d, dio=%d, reset=%v", w.clk, w.dio, w.hasReset)

	return nil
}

// Release floats every pin so the target runs undisturbed.
func (w *RaspberryWire) Release() {
	if !w.claimed {
		return
	}

	w.clk.Input()
	w.clk.PullOff()
	w.dio.Input()
	w.dio.PullOff()

	if w.hasReset {
		w.rst.High()
		w.rst.Input()
		w.rst.PullOff()
	}

	w.claimed = false
	logger.Debug("GPIO released")
}

// Close releases the pins and unmaps the GPIO memory.
func (w *RaspberryWire) Close() error {
	w.Release()
	if !w.opened {
		return nil
	}
	w.opened = false
	return rpio.Close()
}

func (w *RaspberryWire) ClockHigh() { w.clk.High() }
func (w *RaspberryWire) ClockLow()  { w.clk.Low() }
func (w *RaspberryWire) DataHigh()  { w.dio.High() }
func (w *RaspberryWire) DataLow()   { w.dio.Low() }

func (w *RaspberryWire) DriveData()   { w.dio.Output() }
func (w *RaspberryWire) ReleaseData() { w.dio.Input() }

func (w *RaspberryWire) ReadData() bool {
	return w.dio.Read() == rpio.High
}

// HasReset reports whether a reset pin was configured.
func (w *RaspberryWire) HasReset() bool {
	return w.hasReset
}

// SetReset drives the active-low reset line, a no-op without one.
func (w *RaspberryWire) SetReset(asserted bool) {
	if !w.hasReset {
		return
	}
	if asserted {
		w.rst.Low()
	} else {
		w.rst.High()
	}
}
