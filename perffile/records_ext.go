package perffile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/adamse/perf-data-converter/internal/plog"
)

// This file covers the less common record kinds: AUX/trace-adjacent
// events, `perf stat` snapshots, and the synthetic HEADER_* records
// that carry normal-mode metadata inline when perf.data is streamed
// through a pipe instead of written as a seekable file.

func (r *Records) parseAux(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordAux{RecordCommon: *common}
	o.Offset, o.Size = bd.u64(), bd.u64()
	flags := bd.u64()
	o.Flags = AuxFlags(flags & 0xffffff)
	o.PMUFormat = AuxPMUFormat(flags >> 24)
	return o
}

func (r *Records) parseItraceStart(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordItraceStart{RecordCommon: *common}
	o.Format |= SampleFormatTID
	o.PID, o.TID = int(bd.i32()), int(bd.i32())
	return o
}

func (r *Records) parseLostSamples(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordLostSamples{RecordCommon: *common}
	o.Lost = bd.u64()
	return o
}

func (r *Records) parseSwitch(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordSwitch{RecordCommon: *common}
	o.Out = hdr.Misc&recordMiscSwitchOut != 0
	return o
}

func (r *Records) parseSwitchCPUWide(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordSwitchCPUWide{RecordCommon: *common}
	o.Out = hdr.Misc&recordMiscSwitchOut != 0
	o.Preempt = hdr.Misc&recordMiscSwitchOutPreempt != 0
	o.SwitchPID, o.SwitchTID = int(bd.u32()), int(bd.u32())
	return o
}

func (r *Records) parseNamespaces(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordNamespaces{RecordCommon: *common}
	o.Format |= SampleFormatTID
	o.PID, o.TID = int(bd.u32()), int(bd.u32())
	n := int(bd.u64())
	o.Namespaces = make([]Namespace, n)
	for i := range o.Namespaces {
		o.Namespaces[i] = Namespace{Dev: bd.u64(), Inode: bd.u64()}
	}
	return o
}

func (r *Records) parseKsymbol(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordKsymbol{RecordCommon: *common}
	o.Addr = bd.u64()
	o.Len = bd.u32()
	o.KsymType = KsymbolType(bd.u16())
	o.Flags = KsymbolFlags(bd.u16())
	o.Name = bd.cstring()
	return o
}

func (r *Records) parseBPFEvent(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordBPFEvent{RecordCommon: *common}
	o.EventType = BPFEventType(bd.u16())
	o.Flags = BPFEventFlags(bd.u16())
	o.ID = bd.u32()
	o.Tag = bd.u64()
	return o
}

func (r *Records) parseCGroup(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordCGroup{RecordCommon: *common}
	// The kernel's cgroup id is 64 bits; RecordCGroup.ID is 32 for
	// historical reasons. TODO: widen RecordCGroup.ID to uint64.
	o.ID = uint32(bd.u64())
	o.Path = bd.cstring()
	return o
}

func (r *Records) parseTextPoke(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordTextPoke{RecordCommon: *common}
	o.Addr = bd.u64()
	oldLen, newLen := int(bd.u16()), int(bd.u16())
	o.Old = make([]byte, oldLen)
	bd.bytes(o.Old)
	o.New = make([]byte, newLen)
	bd.bytes(o.New)
	return o
}

func (r *Records) parseAuxOutputHardwareID(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordAuxOutputHardwareID{RecordCommon: *common}
	o.ID = bd.u64()
	return o
}

func (r *Records) parseAuxtraceInfo(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordAuxtraceInfo{RecordCommon: *common}
	o.Kind = bd.u32()
	bd.u32() // reserved, pads to 8 bytes
	n := len(bd.buf) / 8
	o.Priv = make([]uint64, n)
	bd.u64s(o.Priv)
	return o
}

// parseAuxtrace is unlike every other record: the RecordAuxtrace.Size
// field (not header.Size) tells us how much raw trace data follows in
// the stream after the fixed fields below, and that data is not
// reflected in header.Size at all. We have to read it directly from
// the underlying stream, not from bd (which only holds header.Size-8
// bytes).
func (r *Records) parseAuxtrace(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordAuxtrace{RecordCommon: *common}
	o.Format |= SampleFormatTID | SampleFormatCPU

	size := bd.u64()
	o.Offset = bd.u64()
	o.Ref = bd.u64()
	o.Idx = bd.u32()
	o.TID = int(bd.u32())
	o.CPU = bd.u32()
	bd.u32() // reserved

	o.Data = make([]byte, size)
	if _, err := io.ReadFull(r.sr, o.Data); err != nil {
		r.err = fmt.Errorf("%w: auxtrace data: %v", ErrTruncated, err)
		return nil
	}
	return o
}

func (r *Records) parseAuxtraceError(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordAuxtraceError{RecordCommon: *common}
	o.ErrType = bd.u32()
	o.Code = bd.u32()
	o.CPU = bd.i32()
	o.PID = bd.i32()
	o.TID = bd.i32()
	bd.u32() // reserved
	o.IP = bd.u64()
	o.Msg = bd.cstring()
	return o
}

func (r *Records) parseThreadMap(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordThreadMap{RecordCommon: *common}
	n := int(bd.u64())
	o.Entries = make([]ThreadMapEntry, n)
	for i := range o.Entries {
		pid := bd.u64()
		comm := make([]byte, 16)
		bd.bytes(comm)
		o.Entries[i] = ThreadMapEntry{PID: pid, Comm: (&bufDecoder{comm, nil}).cstring()}
	}
	return o
}

func (r *Records) parseStatConfig(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordStatConfig{RecordCommon: *common}
	n := int(bd.u64())
	o.Terms = make(map[uint64]uint64, n)
	for i := 0; i < n; i++ {
		tag := bd.u64()
		o.Terms[tag] = bd.u64()
	}
	return o
}

func (r *Records) parseStat(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordStat{RecordCommon: *common}
	o.ID = bd.u64()
	o.CPU, o.Thread = bd.u32(), bd.u32()
	o.Value, o.Enabled, o.Running = bd.u64(), bd.u64(), bd.u64()
	return o
}

func (r *Records) parseStatRound(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordStatRound{RecordCommon: *common}
	o.Kind, o.Time = bd.u64(), bd.u64()
	return o
}

func (r *Records) parseTimeConv(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordTimeConv{RecordCommon: *common}
	o.TimeShift, o.TimeMult, o.TimeZero = bd.u64(), bd.u64(), bd.u64()
	if len(bd.buf) >= 24 {
		o.Large = true
		o.TimeCycles, o.TimeMask = bd.u64(), bd.u64()
		o.CapUserTimeZero = bd.buf[0]
		o.CapUserTimeShort = bd.buf[1]
		bd.skip(8) // two flag bytes plus 6 bytes of reserved padding
	}
	return o
}

func readEventAttrRaw(bd *bufDecoder, order binary.ByteOrder) (eventAttrVN, error) {
	var v eventAttrVN
	size := binary.Size(&v)
	if size > len(bd.buf) {
		return v, fmt.Errorf("%w: perf_event_attr truncated", ErrTruncated)
	}
	if err := binary.Read(bytes.NewReader(bd.buf[:size]), order, &v); err != nil {
		return v, err
	}
	bd.skip(size)
	return v, nil
}

func (r *Records) parseHeaderAttr(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordHeaderAttr{RecordCommon: *common}
	raw, err := readEventAttrRaw(bd, bd.order)
	if err != nil {
		r.err = err
		return nil
	}
	o.Attr = raw.decode()
	n := len(bd.buf) / 8
	o.IDs = make([]attrID, n)
	for i := range o.IDs {
		o.IDs[i] = attrID(bd.u64())
	}
	// Register this attribute so subsequent samples in the stream
	// can resolve their event IDs, the same way the normal-mode
	// attribute section does at Open time.
	if r.f.idToAttr == nil {
		r.f.idToAttr = make(map[attrID]*EventAttr)
	}
	for _, id := range o.IDs {
		r.f.idToAttr[id] = &o.Attr
		if o.Attr.id == 0 {
			o.Attr.id = id
		}
	}
	if len(o.IDs) == 0 {
		r.f.idToAttr[0] = &o.Attr
	}
	// Piped streams don't cross-check sample_id layout across events
	// the way computeIDOffsets does for normal-mode files; in
	// practice every event in a stream shares the same layout, so
	// just take the latest one.
	r.f.sampleIDOffset = o.Attr.SampleFormat.sampleIDOffset()
	r.f.recordIDOffset = o.Attr.SampleFormat.recordIDOffset()
	r.f.sampleIDAll = o.Attr.Flags&EventFlagSampleIDAll != 0
	return o
}

// parseHeaderTracingData stores the record body as-is. header.Size is
// not trustworthy for this record (the real ftrace blob length is
// carried by a leading field inside Data itself); resolving that is
// left to the caller, since it requires re-synchronizing with the
// underlying stream and no profile in our test corpus exercises it.
func (r *Records) parseHeaderTracingData(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	return &RecordHeaderTracingData{RecordCommon: *common, Data: append([]byte(nil), bd.buf...)}
}

func (r *Records) parseHeaderBuildID(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordHeaderBuildID{RecordCommon: *common}
	o.PID = int(bd.i32())
	id := make([]byte, 24)
	bd.bytes(id)
	o.BuildID = id[:20]
	o.Filename = bd.cstring()
	o.Kernel = CPUMode(hdr.Misc&recordMiscCPUModeMask) == CPUModeKernel
	return o
}

func (r *Records) parseHeaderFeature(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordHeaderFeature{RecordCommon: *common}
	o.Feature = feature(bd.u64())
	o.Data = append([]byte(nil), bd.buf...)

	if parser := featureParsers[o.Feature]; parser != nil {
		if err := parser(&r.f.meta, bufDecoder{o.Data, bd.order}); err != nil {
			plog.Debugf("perffile: ignoring malformed inline feature %d: %v", o.Feature, err)
		}
	}
	return o
}
