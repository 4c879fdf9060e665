// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfsession

import (
	"errors"
	"fmt"
	"sort"

	"github.com/adamse/perf-data-converter/perffile"
)

// ErrLowSampleMapping is returned by Parser.Run when the fraction of
// samples that resolved to a known mapping falls below
// ParserOptions.SampleMappingPercentageThreshold.
var ErrLowSampleMapping = errors.New("perfsession: sample mapping ratio below threshold")

// kernelPID is the synthetic PID under which kernel mappings are
// tracked, matching the convention perf itself uses on the wire.
const kernelPID = -1

// ParserOptions controls how Parser.Run reconstructs address spaces
// and resolves sample addresses, per spec.md §4.5.
type ParserOptions struct {
	// DoRemap rewrites resolved addresses into a dense synthetic
	// address space instead of leaving them as originally sampled.
	DoRemap bool

	// SortEventsByTime stably sorts events by timestamp before
	// processing, when every attribute samples PERF_SAMPLE_TIME.
	SortEventsByTime bool

	// CombineMappings merges adjacent MMAPs of the same binary that
	// are contiguous in both virtual and file address space.
	CombineMappings bool

	// DeduceHugePageMappings collapses the {binary, //anon, binary}
	// sandwich pattern produced by huge-page-backed mappings into a
	// single mapping.
	DeduceHugePageMappings bool

	// ReadMissingBuildIDs falls back to the filesystem, across mount
	// namespaces, to resolve a DSO's build-ID when no build-ID event
	// or inline MMAP2 build-ID is available.
	ReadMissingBuildIDs bool

	// SampleMappingPercentageThreshold is the minimum fraction, in
	// [0,1], of samples that must resolve to a known mapping.
	SampleMappingPercentageThreshold float64

	// EventTypesToSkip, if non-nil, names record types to drop before
	// any other processing.
	EventTypesToSkip map[perffile.RecordType]bool

	// SampleEventCallback, if set, is invoked synchronously for every
	// SAMPLE record after its addresses have been resolved (and
	// remapped, if DoRemap is set). It must not re-enter the parser.
	SampleEventCallback func(*perffile.RecordSample)
}

// A ResolvedSample pairs a SAMPLE record with the DSO name and offset
// its instruction pointer (and, if present, its data address)
// resolved to.
type ResolvedSample struct {
	Sample *perffile.RecordSample

	DSO    string
	Offset uint64

	DataDSO    string
	DataOffset uint64
	HasData    bool
}

// Parser reconstructs per-process address spaces while streaming a
// profile's records and resolves each sample's addresses against
// them, per spec.md's parser/address-space-mapping algorithm. Unlike
// Session (which tracks only enough state for live symbol lookup),
// Parser implements the full batch algorithm: mapping combination,
// huge-page deduction, address-space remapping, and mount-namespace
// aware build-ID read-back.
type Parser struct {
	opts ParserOptions

	spaces   map[int]*AddressSpace
	remapper *remapper
	buildIDs *buildIDResolver

	Resolved []ResolvedSample

	numSamples, numSamplesMapped         int
	numDataSamples, numDataSamplesMapped int
}

// NewParser returns a Parser configured by opts.
func NewParser(opts ParserOptions) *Parser {
	return &Parser{
		opts:     opts,
		spaces:   map[int]*AddressSpace{kernelPID: {}},
		remapper: newRemapper(),
		buildIDs: newBuildIDResolver(opts.ReadMissingBuildIDs),
	}
}

func (p *Parser) space(pid int) *AddressSpace {
	as, ok := p.spaces[pid]
	if !ok {
		as = &AddressSpace{}
		p.spaces[pid] = as
	}
	return as
}

// Run streams records in order, building per-process address spaces
// and resolving every SAMPLE's addresses against them. It returns
// ErrLowSampleMapping if too few samples mapped.
func (p *Parser) Run(records []perffile.Record) error {
	if p.opts.SortEventsByTime {
		records = p.sortByTime(records)
	}

	for _, rec := range records {
		if _, ok := rec.(*perffile.RecordFinishedRound); ok {
			continue // advisory only
		}
		if p.opts.EventTypesToSkip[rec.Type()] {
			continue
		}
		p.handle(rec)
	}

	if p.numSamples > 0 {
		ratio := float64(p.numSamplesMapped) / float64(p.numSamples)
		if ratio < p.opts.SampleMappingPercentageThreshold {
			return fmt.Errorf("%w: %.1f%% of samples mapped, want >= %.1f%%",
				ErrLowSampleMapping, ratio*100, p.opts.SampleMappingPercentageThreshold*100)
		}
	}
	return nil
}

// sortByTime stably sorts records by timestamp, unless some attribute
// doesn't sample PERF_SAMPLE_TIME, in which case the input order is
// returned unchanged (there is nothing meaningful to sort by).
func (p *Parser) sortByTime(records []perffile.Record) []perffile.Record {
	for _, rec := range records {
		c := rec.Common()
		if c.EventAttr == nil || c.EventAttr.SampleFormat&perffile.SampleFormatTime == 0 {
			return records
		}
	}
	out := append([]perffile.Record(nil), records...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Common().Time < out[j].Common().Time
	})
	return out
}

func (p *Parser) handle(rec perffile.Record) {
	switch r := rec.(type) {
	case *perffile.RecordMmap:
		p.handleMmap(r)
	case *perffile.RecordHeaderBuildID:
		p.buildIDs.noteBuildID(r.Filename, r.BuildID)
	case *perffile.RecordFork:
		if r.PID == r.TID {
			p.spaces[r.PID] = p.space(r.PPID).clone()
		}
	case *perffile.RecordExit:
		if r.PID == r.TID {
			delete(p.spaces, r.PID)
		}
	case *perffile.RecordSample:
		p.handleSample(r)
	}
}

func (p *Parser) handleMmap(r *perffile.RecordMmap) {
	m := &Mapping{Start: r.Addr, Len: r.Len, PgOff: r.PgOff, Filename: r.Filename}
	m.BuildID = p.buildIDs.resolve(r)
	p.space(r.PID).Insert(m, p.opts.CombineMappings, p.opts.DeduceHugePageMappings)
}

func (p *Parser) handleSample(r *perffile.RecordSample) {
	p.numSamples++

	as := p.space(r.PID)

	m, off, fromKernel, ok := p.resolveOne(as, r.IP)
	var dso string
	if ok {
		p.numSamplesMapped++
		dso = m.Filename
		if p.opts.DoRemap {
			r.IP = p.remapper.remapAddr(m, r.IP, fromKernel)
		}
	} else if p.opts.DoRemap {
		r.IP |= kernelAddrBase
	}

	res := ResolvedSample{Sample: r, DSO: dso, Offset: off}

	if r.Format&perffile.SampleFormatAddr != 0 && r.Addr != 0 {
		p.numDataSamples++
		dataM, dataOff, dataFromKernel, dataOK := p.resolveOne(as, r.Addr)
		var dataDSO string
		if dataOK {
			p.numDataSamplesMapped++
			dataDSO = dataM.Filename
			if p.opts.DoRemap {
				r.Addr = p.remapper.remapAddr(dataM, r.Addr, dataFromKernel)
			}
		} else if p.opts.DoRemap {
			r.Addr |= kernelAddrBase
		}
		res.DataDSO, res.DataOffset, res.HasData = dataDSO, dataOff, true
	}

	if r.Format&perffile.SampleFormatBranchStack != 0 {
		for i := range r.BranchStack {
			br := &r.BranchStack[i]
			if m, _, fromKernel, ok := p.resolveOne(as, br.From); ok && p.opts.DoRemap {
				br.From = p.remapper.remapAddr(m, br.From, fromKernel)
			} else if p.opts.DoRemap {
				br.From |= kernelAddrBase
			}
			if m, _, fromKernel, ok := p.resolveOne(as, br.To); ok && p.opts.DoRemap {
				br.To = p.remapper.remapAddr(m, br.To, fromKernel)
			} else if p.opts.DoRemap {
				br.To |= kernelAddrBase
			}
		}
	}

	p.Resolved = append(p.Resolved, res)
	if p.opts.SampleEventCallback != nil {
		p.opts.SampleEventCallback(r)
	}
}

// resolveOne resolves addr against as, unconditionally falling back to
// the kernel address space when as doesn't contain it (per spec.md
// §4.5 step 3: resolve against the PID's map, falling back to the
// kernel map, regardless of the sample's own CPU mode). fromKernel
// reports whether the match came from the kernel space. That, not the
// sample's CPU mode, is what picks the remap range: a user-mode sample
// can resolve into the kernel map and a kernel-mode sample can resolve
// into its own PID's map.
func (p *Parser) resolveOne(as *AddressSpace, addr uint64) (m *Mapping, offset uint64, fromKernel bool, ok bool) {
	kernelSpace := p.space(kernelPID)
	if m, off, found := as.Lookup(addr); found {
		return m, off, as == kernelSpace, true
	}
	if as != kernelSpace {
		if m, off, found := kernelSpace.Lookup(addr); found {
			return m, off, true, true
		}
	}
	return nil, 0, false, false
}
