// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteWord(t *testing.T) {
	sim := newSimWire()
	target := connectTarget(t, sim)

	require.NoError(t, target.WriteWord(0x20000000, 0x12345678))
	assert.Equal(t, uint32(0x12345678), sim.mem[0x20000000])

	value, err := target.ReadWord(0x20000000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), value)

	// first access configured the MEM-AP
	assert.Equal(t, CSW_DEFAULT, sim.csw)
}

func TestWriteBlockWrap(t *testing.T) {
	sim := newSimWire()
	target := connectTarget(t, sim)

	// start just short of a wrap boundary so the stream crosses two of
	// them; a missed TAR reissue would fold words back onto the window
	// start instead
	const base = uint32(0x200003F0)
	words := make([]uint32, 512)
	for i := range words {
		words[i] = 0xA0000000 + uint32(i)
	}

	require.NoError(t, target.WriteBlock32(base, words))

	for i, want := range words {
		addr := base + uint32(i)*4
		require.Equalf(t, want, sim.mem[addr], "word %d at 0x%08X", i, addr)
	}

	// the next word access restores the default CSW
	_, err := target.ReadWord(base)
	require.NoError(t, err)
	assert.Equal(t, CSW_DEFAULT, sim.csw)
}

func TestWriteBlockUnaligned(t *testing.T) {
	sim := newSimWire()
	target := connectTarget(t, sim)

	err := target.WriteBlock32(0x20000001, []uint32{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not word aligned")

	code, _ := ErrorCodeOf(err)
	assert.Equal(t, ErrInvalidArgument, code)

	require.NoError(t, target.WriteBlock32(0x20000000, nil))
}

func TestReadMemUnaligned(t *testing.T) {
	sim := newSimWire()
	target := connectTarget(t, sim)

	sim.mem[0x20000100] = 0x33221100
	sim.mem[0x20000104] = 0x77665544
	sim.mem[0x20000108] = 0xBBAA9988

	data, err := target.ReadMem(0x20000101, 9)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99}, data)

	// aligned read of the same words
	data, err = target.ReadMem(0x20000100, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}, data)
}

func TestWriteMemUnaligned(t *testing.T) {
	sim := newSimWire()
	target := connectTarget(t, sim)

	sim.mem[0x20000200] = 0xAAAAAAAA
	sim.mem[0x20000204] = 0xBBBBBBBB

	require.NoError(t, target.WriteMem(0x20000201, []byte{0x11, 0x22, 0x33, 0x44, 0x55}))

	// head and tail bytes spliced in, neighbours untouched
	assert.Equal(t, uint32(0x332211AA), sim.mem[0x20000200])
	assert.Equal(t, uint32(0xBBBB5544), sim.mem[0x20000204])
}

func TestReadMemSizeValidation(t *testing.T) {
	sim := newSimWire()
	target := connectTarget(t, sim)

	_, err := target.ReadMem(0x20000000, 0)
	require.Error(t, err)
	assert.EqualError(t, err, "read size must be positive")

	_, err = target.ReadMem(0x20000000, -4)
	require.Error(t, err)
}

func TestMemoryRequiresConnection(t *testing.T) {
	sim := newSimWire()
	target := newSimTarget(t, sim)

	_, err := target.ReadWord(0x20000000)
	require.Error(t, err)
	assert.EqualError(t, err, "not connected to a target")

	code, _ := ErrorCodeOf(err)
	assert.Equal(t, ErrInvalidState, code)
}
