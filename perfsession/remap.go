// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfsession

// kernelAddrBase is the boundary between the synthetic user and
// kernel remapped address ranges: user addresses remap below it,
// kernel addresses remap at or above it, per spec.md's do_remap
// invariant.
const kernelAddrBase = uint64(0x8000000000000000)

// remapper assigns each mapping a dense synthetic base address the
// first time it is resolved, so that repeated resolutions of the same
// mapping remap consistently within one parse pass.
type remapper struct {
	nextUser, nextKernel uint64
}

func newRemapper() *remapper {
	return &remapper{nextKernel: kernelAddrBase}
}

// remapAddr returns addr's synthetic remapped address within m, the
// mapping it was already resolved to, assigning m a synthetic base the
// first time it is seen. fromKernel selects which range (user or
// kernel) the base is drawn from, and must reflect the space m actually
// belongs to (not the sample's CPU mode) so a user-mode sample resolved
// into the kernel map still remaps into the kernel range, and vice
// versa. Callers are expected to OR unresolved addresses with
// kernelAddrBase themselves; remapAddr is only called once a mapping is
// already known.
func (rm *remapper) remapAddr(m *Mapping, addr uint64, fromKernel bool) uint64 {
	if !m.remapped {
		m.remapped = true
		if fromKernel {
			m.remapBase = rm.nextKernel
			rm.nextKernel += m.Len
		} else {
			m.remapBase = rm.nextUser
			rm.nextUser += m.Len
		}
	}
	return m.remapBase + (addr - m.Start)
}
