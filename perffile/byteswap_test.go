// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSwap16(t *testing.T) {
	require.Equal(t, uint16(0x3412), swap16(0x1234))
	require.Equal(t, uint16(0), swap16(0))
}

func TestSwap32(t *testing.T) {
	require.Equal(t, uint32(0x78563412), swap32(0x12345678))
}

func TestSwap64(t *testing.T) {
	require.Equal(t, uint64(0xefcdab9078563412), swap64(0x1234567890abcdef))
}

func TestReverseNibble(t *testing.T) {
	require.Equal(t, byte(0b1000), reverseNibble(0b0001))
	require.Equal(t, byte(0b0100), reverseNibble(0b0010))
	require.Equal(t, byte(0b1111), reverseNibble(0b1111))
	require.Equal(t, byte(0), reverseNibble(0))
}

func TestReverseNibbles(t *testing.T) {
	// High and low nibble swap position, and each is bit-reversed.
	require.Equal(t, byte(0x84), reverseNibbles(0x21))
}

func TestSwapBitfieldU64Involution(t *testing.T) {
	inputs := []uint64{0, ^uint64(0), 0x1, 0x8000000000000000, 0x123456789abcdef0}
	for _, in := range inputs {
		out := swapBitfieldU64(swapBitfieldU64(in))
		require.Equal(t, in, out, "swapBitfieldU64 is not involutory for %#x", in)
	}
}

func TestSwapBitfieldU64Zero(t *testing.T) {
	require.Equal(t, uint64(0), swapBitfieldU64(0))
	require.Equal(t, ^uint64(0), swapBitfieldU64(^uint64(0)))
}
