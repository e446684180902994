// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedRam writes bytes into the sim's RAM word map.
func seedRam(sim *simWire, addr uint32, data []byte) {
	for i, b := range data {
		a := addr + uint32(i)
		word := sim.mem[a&^3]
		shift := 8 * (a & 3)
		word = word&^(0xFF<<shift) | uint32(b)<<shift
		sim.mem[a&^3] = word
	}
}

// seedRttBlock lays out a control block at base: magic, channel counts,
// then one descriptor per up channel. Down descriptors stay zeroed.
func seedRttBlock(sim *simWire, base uint32, up []rttChannel, down int) {
	seedRam(sim, base, []byte(rttMagic))

	word := func(offset uint32, value uint32) {
		sim.mem[base+offset] = value
	}
	word(16, uint32(len(up)))
	word(20, uint32(down))

	for i, ch := range up {
		o := rttHeaderSize + uint32(i)*rttChannelSize
		word(o+0, ch.name)
		word(o+4, ch.buffer)
		word(o+8, ch.size)
		word(o+12, ch.wrOff)
		word(o+16, ch.rdOff)
		word(o+20, ch.flags)
	}
}

func TestRttFindAndDrain(t *testing.T) {
	sim := newSimWire()
	target := connectTarget(t, sim)

	base := uint32(0x20000400)
	buf := uint32(0x20000500)
	nameAddr := uint32(0x20000540)

	seedRam(sim, nameAddr, []byte("Terminal\x00"))
	seedRttBlock(sim, base, []rttChannel{
		{name: nameAddr, buffer: buf, size: 16, wrOff: 5},
	}, 1)
	seedRam(sim, buf, []byte("hello"))

	console, err := FindRtt(target)
	require.NoError(t, err)
	assert.Equal(t, base, console.base)

	up, down := console.Channels()
	assert.Equal(t, 1, up)
	assert.Equal(t, 1, down)
	assert.Equal(t, "Terminal", console.ChannelName(0))
	assert.Equal(t, "", console.ChannelName(1))
	assert.Equal(t, "", console.ChannelName(7))

	var got []byte
	collect := func(channel int, data []byte) error {
		assert.Equal(t, 0, channel)
		got = append(got, data...)
		return nil
	}

	require.NoError(t, console.Poll(collect))
	assert.Equal(t, "hello", string(got))

	// rdOff pushed back so the firmware sees the space freed
	assert.Equal(t, uint32(5), sim.mem[base+rttHeaderSize+rttRdOffOffset])

	// drained channel stays quiet
	got = nil
	require.NoError(t, console.Poll(collect))
	assert.Empty(t, got)

	// firmware prints more, the next poll picks it up
	seedRam(sim, buf+5, []byte(" world"))
	sim.mem[base+rttHeaderSize+12] = 11

	require.NoError(t, console.Poll(collect))
	assert.Equal(t, " world", string(got))
}

func TestRttWrapAround(t *testing.T) {
	sim := newSimWire()
	target := connectTarget(t, sim)

	base := uint32(0x20000800)
	buf := uint32(0x20000900)

	// ring of 8 with 4 pending bytes wrapped across the end
	seedRttBlock(sim, base, []rttChannel{
		{buffer: buf, size: 8, wrOff: 2, rdOff: 6},
	}, 0)
	seedRam(sim, buf+6, []byte("wx"))
	seedRam(sim, buf, []byte("yz"))

	console, err := FindRtt(target)
	require.NoError(t, err)

	var got []byte
	require.NoError(t, console.Poll(func(channel int, data []byte) error {
		got = append(got, data...)
		return nil
	}))
	assert.Equal(t, "wxyz", string(got))
	assert.Equal(t, uint32(2), sim.mem[base+rttHeaderSize+rttRdOffOffset])
}

func TestRttNotFound(t *testing.T) {
	sim := newSimWire()
	target := connectTarget(t, sim)

	_, err := FindRtt(target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no RTT control block")
	code, _ := ErrorCodeOf(err)
	assert.Equal(t, ErrUnexpectedDevice, code)
}

func TestRttCorruptBlock(t *testing.T) {
	sim := newSimWire()
	target := connectTarget(t, sim)

	base := uint32(0x20000400)
	seedRam(sim, base, []byte(rttMagic))
	// zero up channels
	_, err := FindRtt(target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "looks corrupt")

	// absurd channel count
	sim.mem[base+16] = 200
	_, err = FindRtt(target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "looks corrupt")
	code, _ := ErrorCodeOf(err)
	assert.Equal(t, ErrUnexpectedDevice, code)
}

func TestRttOffsetsOutOfRange(t *testing.T) {
	sim := newSimWire()
	target := connectTarget(t, sim)

	base := uint32(0x20000400)
	seedRttBlock(sim, base, []rttChannel{
		{buffer: 0x20000500, size: 16, wrOff: 32},
	}, 0)

	console, err := FindRtt(target)
	require.NoError(t, err)

	err = console.Poll(func(int, []byte) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ring offsets out of range")
}

func TestRttPollCallbackError(t *testing.T) {
	sim := newSimWire()
	target := connectTarget(t, sim)

	base := uint32(0x20000400)
	buf := uint32(0x20000500)
	seedRttBlock(sim, base, []rttChannel{
		{buffer: buf, size: 16, wrOff: 3},
	}, 0)
	seedRam(sim, buf, []byte("abc"))

	console, err := FindRtt(target)
	require.NoError(t, err)

	stop := errors.New("stop")
	err = console.Poll(func(int, []byte) error { return stop })
	require.ErrorIs(t, err, stop)
}

func TestConsoleEndToEnd(t *testing.T) {
	sim := newSimWire()
	flasher := newSimFlasher(t, sim)

	base := uint32(0x20000400)
	buf := uint32(0x20000500)
	seedRttBlock(sim, base, []rttChannel{
		{buffer: buf, size: 16, wrOff: 5},
	}, 1)
	seedRam(sim, buf, []byte("hello"))

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, flasher.Console(ctx, 0, &out))
	assert.Equal(t, "hello", out.String())

	// session torn down like any other operation
	assert.Equal(t, 1, sim.releases)
	assert.True(t, sim.dormant)

	// the lock is free again
	require.NoError(t, flasher.ErasePage(0x1000))
}

func TestConsoleChannelValidation(t *testing.T) {
	sim := newSimWire()
	flasher := newSimFlasher(t, sim)

	err := flasher.Console(context.Background(), -1, new(bytes.Buffer))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative RTT channel")
	assert.Equal(t, 0, sim.releases)

	seedRttBlock(sim, 0x20000400, []rttChannel{
		{buffer: 0x20000500, size: 16},
	}, 0)

	err = flasher.Console(context.Background(), 3, new(bytes.Buffer))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel 3 not present")
	assert.Equal(t, 1, sim.releases)
}
