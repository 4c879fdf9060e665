// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfsession

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adamse/perf-data-converter/perffile"
)

func sampleAttr() *perffile.EventAttr {
	return &perffile.EventAttr{SampleFormat: perffile.SampleFormatIP | perffile.SampleFormatTID}
}

func TestParserResolvesSampleAgainstMapping(t *testing.T) {
	p := NewParser(ParserOptions{SampleMappingPercentageThreshold: 1})

	mmap := &perffile.RecordMmap{
		RecordCommon: perffile.RecordCommon{PID: 42, TID: 42},
		Addr:         0x1000, Len: 0x1000, PgOff: 0, Filename: "libfoo.so",
	}
	sample := &perffile.RecordSample{
		RecordCommon: perffile.RecordCommon{PID: 42, TID: 42, EventAttr: sampleAttr()},
		IP:           0x1100,
	}

	err := p.Run([]perffile.Record{mmap, sample})
	require.NoError(t, err)
	require.Len(t, p.Resolved, 1)
	require.Equal(t, "libfoo.so", p.Resolved[0].DSO)
	require.Equal(t, uint64(0x100), p.Resolved[0].Offset)
}

func TestParserLowSampleMappingRatio(t *testing.T) {
	p := NewParser(ParserOptions{SampleMappingPercentageThreshold: 0.5})

	var records []perffile.Record
	for i := 0; i < 4; i++ {
		records = append(records, &perffile.RecordSample{
			RecordCommon: perffile.RecordCommon{PID: 1, TID: 1, EventAttr: sampleAttr()},
			IP:           uint64(0xdead0000 + i), // never mapped
		})
	}

	err := p.Run(records)
	require.ErrorIs(t, err, ErrLowSampleMapping)
}

func TestParserForkCopiesAddressSpace(t *testing.T) {
	p := NewParser(ParserOptions{SampleMappingPercentageThreshold: 1})

	records := []perffile.Record{
		&perffile.RecordMmap{
			RecordCommon: perffile.RecordCommon{PID: 1, TID: 1},
			Addr:         0x1000, Len: 0x1000, Filename: "libfoo.so",
		},
		&perffile.RecordFork{
			RecordCommon: perffile.RecordCommon{PID: 2, TID: 2},
			PPID:         1, PTID: 1,
		},
		&perffile.RecordSample{
			RecordCommon: perffile.RecordCommon{PID: 2, TID: 2, EventAttr: sampleAttr()},
			IP:           0x1100,
		},
	}

	err := p.Run(records)
	require.NoError(t, err)
	require.Len(t, p.Resolved, 1)
	require.Equal(t, "libfoo.so", p.Resolved[0].DSO)
}

func TestParserForkOfThreadDoesNotCopySpace(t *testing.T) {
	p := NewParser(ParserOptions{SampleMappingPercentageThreshold: 0})

	records := []perffile.Record{
		&perffile.RecordMmap{
			RecordCommon: perffile.RecordCommon{PID: 1, TID: 1},
			Addr:         0x1000, Len: 0x1000, Filename: "libfoo.so",
		},
		// Thread creation within PID 1: PID != TID, so no new address
		// space should be created for TID 7.
		&perffile.RecordFork{
			RecordCommon: perffile.RecordCommon{PID: 1, TID: 7},
			PPID:         1, PTID: 1,
		},
	}

	err := p.Run(records)
	require.NoError(t, err)
	_, ok := p.spaces[7]
	require.False(t, ok)
}

func TestParserExitDropsAddressSpace(t *testing.T) {
	p := NewParser(ParserOptions{SampleMappingPercentageThreshold: 0})

	records := []perffile.Record{
		&perffile.RecordMmap{
			RecordCommon: perffile.RecordCommon{PID: 1, TID: 1},
			Addr:         0x1000, Len: 0x1000, Filename: "libfoo.so",
		},
		&perffile.RecordExit{
			RecordCommon: perffile.RecordCommon{PID: 1, TID: 1},
		},
	}

	err := p.Run(records)
	require.NoError(t, err)
	_, ok := p.spaces[1]
	require.False(t, ok)
}

func TestParserFinishedRoundIsDiscarded(t *testing.T) {
	p := NewParser(ParserOptions{SampleMappingPercentageThreshold: 0})

	err := p.Run([]perffile.Record{&perffile.RecordFinishedRound{}})
	require.NoError(t, err)
	require.Empty(t, p.Resolved)
}

func TestParserFallsBackToKernelSpaceForUserSamples(t *testing.T) {
	p := NewParser(ParserOptions{SampleMappingPercentageThreshold: 1})

	records := []perffile.Record{
		&perffile.RecordMmap{
			RecordCommon: perffile.RecordCommon{PID: kernelPID, TID: kernelPID},
			Addr:         0xffff000000000000, Len: 0x1000, Filename: "[kernel.kallsyms]",
		},
		&perffile.RecordSample{
			RecordCommon: perffile.RecordCommon{PID: 9, TID: 9, EventAttr: sampleAttr()},
			CPUMode:      perffile.CPUModeUser,
			IP:           0xffff000000000100,
		},
	}

	err := p.Run(records)
	require.NoError(t, err)
	require.Len(t, p.Resolved, 1)
	require.Equal(t, "[kernel.kallsyms]", p.Resolved[0].DSO)
}

func TestParserResolvesKernelModeSample(t *testing.T) {
	p := NewParser(ParserOptions{SampleMappingPercentageThreshold: 1})

	records := []perffile.Record{
		&perffile.RecordMmap{
			RecordCommon: perffile.RecordCommon{PID: kernelPID, TID: kernelPID},
			Addr:         0xffff000000000000, Len: 0x1000, Filename: "[kernel.kallsyms]",
		},
		// A real PID==TID==1 process never mmaps anything; the sample
		// must still fall back to the kernel map even though it is
		// already CPUModeKernel.
		&perffile.RecordSample{
			RecordCommon: perffile.RecordCommon{PID: 1, TID: 1, EventAttr: sampleAttr()},
			CPUMode:      perffile.CPUModeKernel,
			IP:           0xffff000000000100,
		},
	}

	err := p.Run(records)
	require.NoError(t, err)
	require.Len(t, p.Resolved, 1)
	require.Equal(t, "[kernel.kallsyms]", p.Resolved[0].DSO)
}

func TestParserRemapKeysRangeOffResolvedMappingNotCPUMode(t *testing.T) {
	// A user-mode sample that resolves into the kernel map (the same
	// scenario as TestParserFallsBackToKernelSpaceForUserSamples) must
	// remap into the kernel range, not the user range, since remap
	// range is a property of the mapping, not the sample's CPU mode.
	p := NewParser(ParserOptions{SampleMappingPercentageThreshold: 1, DoRemap: true})

	records := []perffile.Record{
		&perffile.RecordMmap{
			RecordCommon: perffile.RecordCommon{PID: kernelPID, TID: kernelPID},
			Addr:         0xffff000000000000, Len: 0x1000, Filename: "[kernel.kallsyms]",
		},
		&perffile.RecordSample{
			RecordCommon: perffile.RecordCommon{PID: 9, TID: 9, EventAttr: sampleAttr()},
			CPUMode:      perffile.CPUModeUser,
			IP:           0xffff000000000100,
		},
	}

	err := p.Run(records)
	require.NoError(t, err)
	require.Len(t, p.Resolved, 1)
	require.GreaterOrEqual(t, p.Resolved[0].Sample.IP, kernelAddrBase)
}

func TestParserRemapIsStablePerMapping(t *testing.T) {
	p := NewParser(ParserOptions{SampleMappingPercentageThreshold: 1, DoRemap: true})

	records := []perffile.Record{
		&perffile.RecordMmap{
			RecordCommon: perffile.RecordCommon{PID: 1, TID: 1},
			Addr:         0x1000, Len: 0x1000, Filename: "libfoo.so",
		},
		&perffile.RecordSample{
			RecordCommon: perffile.RecordCommon{PID: 1, TID: 1, EventAttr: sampleAttr()},
			IP:           0x1100,
		},
		&perffile.RecordSample{
			RecordCommon: perffile.RecordCommon{PID: 1, TID: 1, EventAttr: sampleAttr()},
			IP:           0x1200,
		},
	}

	err := p.Run(records)
	require.NoError(t, err)
	require.Len(t, p.Resolved, 2)

	first := p.Resolved[0].Sample.IP
	second := p.Resolved[1].Sample.IP
	require.Less(t, first, kernelAddrBase)
	require.Less(t, second, kernelAddrBase)
	// Same mapping, so the offset from its remapped base must match
	// the offset from its original start.
	require.Equal(t, int64(second)-int64(first), int64(0x1200-0x1100))
}

func TestParserUnresolvedAddressGetsKernelHighBitOnRemap(t *testing.T) {
	p := NewParser(ParserOptions{SampleMappingPercentageThreshold: 0, DoRemap: true})

	sample := &perffile.RecordSample{
		RecordCommon: perffile.RecordCommon{PID: 1, TID: 1, EventAttr: sampleAttr()},
		IP:           0xdead,
	}
	err := p.Run([]perffile.Record{sample})
	require.NoError(t, err)
	require.Equal(t, uint64(0xdead)|kernelAddrBase, sample.IP)
}

func TestParserSkipsEventTypes(t *testing.T) {
	var calls int
	p := NewParser(ParserOptions{
		SampleMappingPercentageThreshold: 0,
		EventTypesToSkip:                 map[perffile.RecordType]bool{perffile.RecordTypeSample: true},
		SampleEventCallback:              func(*perffile.RecordSample) { calls++ },
	})

	sample := &perffile.RecordSample{
		RecordCommon: perffile.RecordCommon{PID: 1, TID: 1, EventAttr: sampleAttr()},
		IP:           0xdead,
	}
	err := p.Run([]perffile.Record{sample})
	require.NoError(t, err)
	require.Equal(t, 0, calls)
	require.Empty(t, p.Resolved)
}
