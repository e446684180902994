// Copyright 2024 Daniel Koester. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdflash

func fillBytes(a []uint8, v uint8) {
	for i := range a {
		a[i] = v
	}
}

func leToUint32(buffer []byte) uint32 {
	return uint32(buffer[0]) | uint32(buffer[1])<<8 | uint32(buffer[2])<<16 | uint32(buffer[3])<<24
}

func uint32ToLE(buffer []byte, value uint32) {
	buffer[3] = byte(value >> 24)
	buffer[2] = byte(value >> 16)
	buffer[1] = byte(value >> 8)
	buffer[0] = byte(value >> 0)
}

// bytesToWords packs a little-endian byte slice into words. Length must
// be a multiple of four.
func bytesToWords(data []byte) []uint32 {
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = leToUint32(data[i*4:])
	}
	return words
}

// alignDown rounds addr down to the given power-of-two boundary.
func alignDown(addr uint32, boundary uint32) uint32 {
	return addr &^ (boundary - 1)
}
