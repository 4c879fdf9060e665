// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfsession

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressSpaceLookup(t *testing.T) {
	as := &AddressSpace{}
	as.Insert(&Mapping{Start: 0x1000, Len: 0x1000, PgOff: 0, Filename: "a.so"}, false, false)
	as.Insert(&Mapping{Start: 0x3000, Len: 0x1000, PgOff: 0x2000, Filename: "b.so"}, false, false)

	m, off, ok := as.Lookup(0x1500)
	require.True(t, ok)
	require.Equal(t, "a.so", m.Filename)
	require.Equal(t, uint64(0x500), off)

	m, off, ok = as.Lookup(0x3100)
	require.True(t, ok)
	require.Equal(t, "b.so", m.Filename)
	require.Equal(t, uint64(0x2100), off)

	_, _, ok = as.Lookup(0x2500)
	require.False(t, ok)
}

func TestAddressSpaceInsertReplacesOverlap(t *testing.T) {
	as := &AddressSpace{}
	as.Insert(&Mapping{Start: 0, Len: 0x3000, Filename: "old.so"}, false, false)
	as.Insert(&Mapping{Start: 0x1000, Len: 0x1000, Filename: "new.so"}, false, false)

	// The new mapping fully displaces old.so; nothing remains of it,
	// even the part outside [0x1000, 0x2000).
	_, _, ok := as.Lookup(0)
	require.False(t, ok)

	m, off, ok := as.Lookup(0x1500)
	require.True(t, ok)
	require.Equal(t, "new.so", m.Filename)
	require.Equal(t, uint64(0x500), off)

	_, _, ok = as.Lookup(0x2500)
	require.False(t, ok)
}

func TestAddressSpaceCombineMappings(t *testing.T) {
	as := &AddressSpace{}
	as.Insert(&Mapping{Start: 0x1000, Len: 0x1000, PgOff: 0, Filename: "a.so"}, true, false)
	as.Insert(&Mapping{Start: 0x2000, Len: 0x1000, PgOff: 0x1000, Filename: "a.so"}, true, false)

	require.Len(t, as.maps, 1)
	m, off, ok := as.Lookup(0x2500)
	require.True(t, ok)
	require.Equal(t, "a.so", m.Filename)
	require.Equal(t, uint64(0x1500), off)
	require.Equal(t, uint64(0x2000), m.Len)
}

func TestAddressSpaceCombineMappingsRequiresContiguousFile(t *testing.T) {
	as := &AddressSpace{}
	as.Insert(&Mapping{Start: 0x1000, Len: 0x1000, PgOff: 0, Filename: "a.so"}, true, false)
	// Same file, contiguous virtual addresses, but a gap in file offset:
	// must not combine.
	as.Insert(&Mapping{Start: 0x2000, Len: 0x1000, PgOff: 0x2000, Filename: "a.so"}, true, false)

	require.Len(t, as.maps, 2)
}

func TestAddressSpaceDeduceHugePageSandwich(t *testing.T) {
	as := &AddressSpace{}
	as.Insert(&Mapping{Start: 0x0, Len: 0x1000, PgOff: 0, Filename: "a.so"}, false, true)
	as.Insert(&Mapping{Start: 0x1000, Len: 0x200000, PgOff: 0, Filename: anonName}, false, true)
	as.Insert(&Mapping{Start: 0x201000, Len: 0x1000, PgOff: 0x201000, Filename: "a.so"}, false, true)

	require.Len(t, as.maps, 1)
	m, off, ok := as.Lookup(0x201500)
	require.True(t, ok)
	require.Equal(t, "a.so", m.Filename)
	require.Equal(t, uint64(0x201500), off)
	require.Equal(t, uint64(0x0), m.Start)
	require.Equal(t, uint64(0x202000), m.Len)
}

func TestAddressSpaceDeduceHugePageBackfill(t *testing.T) {
	as := &AddressSpace{}
	as.Insert(&Mapping{Start: 0x0, Len: 0x200000, PgOff: 0, Filename: anonName}, false, true)
	as.Insert(&Mapping{Start: 0x200000, Len: 0x1000, PgOff: 0x200000, Filename: "a.so"}, false, true)

	require.Len(t, as.maps, 1)
	m, off, ok := as.Lookup(0x500)
	require.True(t, ok)
	require.Equal(t, "a.so", m.Filename)
	require.Equal(t, uint64(0x500), off)
	require.Equal(t, uint64(0x0), m.Start)
	require.Equal(t, uint64(0x201000), m.Len)
}

func TestAddressSpaceClone(t *testing.T) {
	as := &AddressSpace{}
	as.Insert(&Mapping{Start: 0x1000, Len: 0x1000, Filename: "a.so"}, false, false)

	clone := as.clone()
	clone.Insert(&Mapping{Start: 0x2000, Len: 0x1000, Filename: "b.so"}, false, false)

	require.Len(t, as.maps, 1)
	require.Len(t, clone.maps, 2)
}
