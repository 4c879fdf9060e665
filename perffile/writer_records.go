package perffile

import (
	"encoding/binary"
	"fmt"
)

// writeRecordBody encodes rec's body (everything after the 8-byte
// record header) into be and reports the on-disk RecordType and
// header.misc value to use. It is the encode-side counterpart of
// Records.dispatch, one case per Go type instead of per wire type
// since several wire types (MMAP/MMAP2) share a single Go
// representation.
func writeRecordBody(be *bufEncoder, rec Record, order binary.ByteOrder) (RecordType, recordMisc, error) {
	switch r := rec.(type) {
	case *RecordMmap:
		return writeMmap(be, r)
	case *RecordLost:
		be.u64(uint64(r.ID))
		be.u64(r.NumLost)
		return RecordTypeLost, 0, nil
	case *RecordComm:
		var misc recordMisc
		if r.Exec {
			misc |= recordMiscCommExec
		}
		be.i32(int32(r.PID))
		be.i32(int32(r.TID))
		be.cstringPadded(r.Comm, 8)
		return RecordTypeComm, misc, nil
	case *RecordExit:
		be.i32(int32(r.PID))
		be.i32(int32(r.PPID))
		be.i32(int32(r.TID))
		be.i32(int32(r.PTID))
		be.u64(r.Time)
		return RecordTypeExit, 0, nil
	case *RecordThrottle:
		be.u64(r.Time)
		be.u64(uint64(r.ID))
		be.u64(r.StreamID)
		typ := RecordTypeUnthrottle
		if r.Enable {
			typ = RecordTypeThrottle
		}
		return typ, 0, nil
	case *RecordFork:
		be.i32(int32(r.PID))
		be.i32(int32(r.PPID))
		be.i32(int32(r.TID))
		be.i32(int32(r.PTID))
		be.u64(r.Time)
		return RecordTypeFork, 0, nil
	case *RecordSample:
		return writeSample(be, r)
	case *RecordAux:
		be.u64(r.Offset)
		be.u64(r.Size)
		be.u64(uint64(r.Flags&0xffffff) | uint64(r.PMUFormat)<<24)
		return RecordTypeAux, 0, nil
	case *RecordItraceStart:
		be.i32(int32(r.PID))
		be.i32(int32(r.TID))
		return RecordTypeItraceStart, 0, nil
	case *RecordLostSamples:
		be.u64(r.Lost)
		return RecordTypeLostSamples, 0, nil
	case *RecordSwitch:
		var misc recordMisc
		if r.Out {
			misc |= recordMiscSwitchOut
		}
		return RecordTypeSwitch, misc, nil
	case *RecordSwitchCPUWide:
		var misc recordMisc
		if r.Out {
			misc |= recordMiscSwitchOut
		}
		if r.Preempt {
			misc |= recordMiscSwitchOutPreempt
		}
		be.u32(uint32(r.SwitchPID))
		be.u32(uint32(r.SwitchTID))
		return RecordTypeSwitchCPUWide, misc, nil
	case *RecordNamespaces:
		be.u32(uint32(r.PID))
		be.u32(uint32(r.TID))
		be.u64(uint64(len(r.Namespaces)))
		for _, ns := range r.Namespaces {
			be.u64(ns.Dev)
			be.u64(ns.Inode)
		}
		return RecordTypeNamespaces, 0, nil
	case *RecordKsymbol:
		be.u64(r.Addr)
		be.u32(r.Len)
		be.u16(uint16(r.KsymType))
		be.u16(uint16(r.Flags))
		be.cstringPadded(r.Name, 8)
		return RecordTypeKsymbol, 0, nil
	case *RecordBPFEvent:
		be.u16(uint16(r.EventType))
		be.u16(uint16(r.Flags))
		be.u32(r.ID)
		be.u64(r.Tag)
		return RecordTypeBPFEvent, 0, nil
	case *RecordCGroup:
		be.u64(uint64(r.ID))
		be.cstringPadded(r.Path, 8)
		return RecordTypeCGroup, 0, nil
	case *RecordTextPoke:
		be.u64(r.Addr)
		be.u16(uint16(len(r.Old)))
		be.u16(uint16(len(r.New)))
		be.bytes(r.Old)
		be.bytes(r.New)
		return RecordTypeTextPoke, 0, nil
	case *RecordAuxOutputHardwareID:
		be.u64(r.ID)
		return RecordTypeAuxOutputHardwareID, 0, nil
	case *RecordAuxtraceInfo:
		be.u32(r.Kind)
		be.u32(0) // reserved
		be.u64s(r.Priv)
		return RecordTypeAuxtraceInfo, 0, nil
	case *RecordAuxtraceError:
		be.u32(r.ErrType)
		be.u32(r.Code)
		be.u32(uint32(r.CPU))
		be.u32(uint32(r.PID))
		be.u32(uint32(r.TID))
		be.u32(0) // reserved
		be.u64(r.IP)
		be.cstring(r.Msg)
		return RecordTypeAuxtraceError, 0, nil
	case *RecordFinishedRound:
		return recordTypeFinishedRound, 0, nil
	case *RecordThreadMap:
		be.u64(uint64(len(r.Entries)))
		for _, e := range r.Entries {
			be.u64(e.PID)
			var comm [16]byte
			copy(comm[:], e.Comm)
			be.bytes(comm[:])
		}
		return recordTypeThreadMap, 0, nil
	case *RecordStatConfig:
		be.u64(uint64(len(r.Terms)))
		for tag, val := range r.Terms {
			be.u64(tag)
			be.u64(val)
		}
		return recordTypeStatConfig, 0, nil
	case *RecordStat:
		be.u64(r.ID)
		be.u32(r.CPU)
		be.u32(r.Thread)
		be.u64(r.Value)
		be.u64(r.Enabled)
		be.u64(r.Running)
		return recordTypeStat, 0, nil
	case *RecordStatRound:
		be.u64(r.Kind)
		be.u64(r.Time)
		return recordTypeStatRound, 0, nil
	case *RecordTimeConv:
		be.u64(r.TimeShift)
		be.u64(r.TimeMult)
		be.u64(r.TimeZero)
		if r.Large {
			be.u64(r.TimeCycles)
			be.u64(r.TimeMask)
			be.bytes([]byte{r.CapUserTimeZero, r.CapUserTimeShort})
			be.pad(6)
		}
		return recordTypeTimeConv, 0, nil
	case *RecordHeaderAttr:
		raw := encodeEventAttr(&r.Attr)
		rawBytes, err := marshalEventAttrRaw(&raw, order)
		if err != nil {
			return 0, 0, err
		}
		be.bytes(rawBytes)
		for _, id := range r.IDs {
			be.u64(uint64(id))
		}
		return recordTypeAttr, 0, nil
	case *RecordHeaderEventType:
		be.bytes(r.Data)
		return recordTypeEventType, 0, nil
	case *RecordHeaderTracingData:
		be.bytes(r.Data)
		return recordTypeTracingData, 0, nil
	case *RecordHeaderBuildID:
		be.i32(int32(r.PID))
		var padded [24]byte
		copy(padded[:], r.BuildID)
		be.bytes(padded[:])
		be.cstring(r.Filename)
		misc := recordMisc(CPUModeUser)
		if r.Kernel {
			misc = recordMisc(CPUModeKernel)
		}
		return recordTypeBuildID, misc, nil
	case *RecordHeaderFeature:
		be.u64(uint64(r.Feature))
		be.bytes(r.Data)
		return recordTypeHeaderFeature, 0, nil
	case *RecordUnknown:
		be.bytes(r.Data)
		return r.recordHeader.Type, r.recordHeader.Misc, nil
	default:
		return 0, 0, fmt.Errorf("%w: no writer for record type %T", ErrFormat, rec)
	}
}

func writeMmap(be *bufEncoder, r *RecordMmap) (RecordType, recordMisc, error) {
	var misc recordMisc
	if r.Data {
		misc |= recordMiscMmapData
	}

	be.i32(int32(r.PID))
	be.i32(int32(r.TID))
	be.u64(r.Addr)
	be.u64(r.Len)
	be.u64(r.PgOff)

	v2 := len(r.BuildID) > 0 || r.Major != 0 || r.Minor != 0 ||
		r.Ino != 0 || r.InoGeneration != 0 || r.Prot != 0 || r.Flags != 0
	if !v2 {
		be.cstring(r.Filename)
		return RecordTypeMmap, misc, nil
	}

	if len(r.BuildID) > 0 {
		misc |= recordMiscMmapBuildID
		be.bytes([]byte{byte(len(r.BuildID))})
		be.pad(3)
		var padded [20]byte
		copy(padded[:], r.BuildID)
		be.bytes(padded[:])
	} else {
		be.u32(r.Major)
		be.u32(r.Minor)
		be.u64(r.Ino)
		be.u64(r.InoGeneration)
	}
	be.u32(r.Prot)
	be.u32(r.Flags)
	be.cstring(r.Filename)
	return recordTypeMmap2, misc, nil
}

func writeSample(be *bufEncoder, o *RecordSample) (RecordType, recordMisc, error) {
	misc := recordMisc(o.CPUMode)
	if o.ExactIP {
		misc |= recordMiscExactIP
	}

	t := o.Format
	writeSampleBody(be, o, t)

	if t&SampleFormatRead != 0 {
		writeReadFormat(be, o.EventAttr.ReadFormat, o.SampleRead)
	}

	if t&SampleFormatCallchain != 0 {
		be.u64(uint64(len(o.Callchain)))
		be.u64s(o.Callchain)
	}

	if t&SampleFormatRaw != 0 {
		be.u32(uint32(len(o.Raw)))
		be.bytes(o.Raw)
	}

	if t&SampleFormatBranchStack != 0 {
		be.u64(uint64(len(o.BranchStack)))
		if o.EventAttr.BranchSampleType&BranchSampleHWIndex != 0 {
			be.u64(uint64(o.BranchHWIndex))
		}
		noCycles := o.EventAttr.BranchSampleType&BranchSampleNoCycles != 0
		noFlags := o.EventAttr.BranchSampleType&BranchSampleNoFlags != 0
		saveType := o.EventAttr.BranchSampleType&BranchSampleTypeSave != 0
		for _, e := range o.BranchStack {
			be.u64(e.From)
			be.u64(e.To)
			var word uint64
			if !noFlags {
				word |= uint64(e.Flags) & 0xf
			}
			if !noCycles {
				word |= uint64(e.Cycles) << 4
			}
			if saveType {
				word |= uint64(e.Type) << 20
			}
			be.u64(word)
		}
	}

	if t&SampleFormatRegsUser != 0 {
		be.u64(uint64(o.RegsABI))
		be.u64s(o.Regs)
	}

	if t&SampleFormatStackUser != 0 {
		be.u64(uint64(len(o.StackUser)))
		be.bytes(o.StackUser)
		if len(o.StackUser) > 0 {
			be.u64(o.StackUserDynSize)
		}
	}

	switch {
	case t&SampleFormatWeightStruct != 0:
		w := uint64(o.Weights.Var1) | uint64(o.Weights.Var2)<<32 | uint64(o.Weights.Var3)<<48
		be.u64(w)
	case t&SampleFormatWeight != 0:
		be.u64(o.Weight)
	}

	if t&SampleFormatDataSrc != 0 {
		be.u64(encodeDataSrc(o.DataSrc))
	}

	if t&SampleFormatTransaction != 0 {
		be.u64(uint64(o.Transaction) | uint64(o.AbortCode)<<32)
	}

	if t&SampleFormatRegsIntr != 0 {
		be.u64(uint64(o.RegsIntrABI))
		be.u64s(o.RegsIntr)
	}

	if t&SampleFormatPhysAddr != 0 {
		be.u64(o.PhysAddr)
	}

	if t&SampleFormatCGroup != 0 {
		be.u64(o.CGroup)
	}

	if t&SampleFormatDataPageSize != 0 {
		be.u64(o.DataPageSize)
	}

	if t&SampleFormatCodePageSize != 0 {
		be.u64(o.CodePageSize)
	}

	if t&SampleFormatAux != 0 {
		be.u64(uint64(len(o.Aux)))
		be.bytes(o.Aux)
	}

	return RecordTypeSample, misc, nil
}

func writeReadFormat(be *bufEncoder, f ReadFormat, in []Count) {
	if f&ReadFormatGroup != 0 {
		be.u64(uint64(len(in)))
	}

	if f&ReadFormatGroup == 0 {
		var c Count
		if len(in) > 0 {
			c = in[0]
		}
		be.u64(c.Value)
		be.u64If(f&ReadFormatTotalTimeEnabled != 0, c.TimeEnabled)
		be.u64If(f&ReadFormatTotalTimeRunning != 0, c.TimeRunning)
		be.u64If(f&ReadFormatID != 0, countAttrID(c))
		return
	}

	var group0 Count
	if len(in) > 0 {
		group0 = in[0]
	}
	be.u64If(f&ReadFormatTotalTimeEnabled != 0, group0.TimeEnabled)
	be.u64If(f&ReadFormatTotalTimeRunning != 0, group0.TimeRunning)
	for _, c := range in {
		be.u64(c.Value)
		be.u64If(f&ReadFormatID != 0, countAttrID(c))
	}
}

// countAttrID returns the attrID recorded in a Count's EventAttr.id.
// Several IDs can share one EventAttr, and id holds only the first one
// the reader saw for it; an EventAttr built outside the reader has id
// 0, so its Counts are written with ID 0.
func countAttrID(c Count) uint64 {
	if c.EventAttr == nil {
		return 0
	}
	return uint64(c.EventAttr.id)
}

// marshalEventAttrRaw encodes the fixed-size on-disk perf_event_attr
// struct. Used by RecordHeaderAttr's writer, the piped-mode
// counterpart to the attribute section readSlice handles in normal
// mode.
func marshalEventAttrRaw(v *eventAttrVN, order binary.ByteOrder) ([]byte, error) {
	be := newBufEncoder(order)
	if err := binary.Write(bytesWriter{be}, order, v); err != nil {
		return nil, err
	}
	return be.bytesOut(), nil
}

// bytesWriter adapts bufEncoder to io.Writer for binary.Write, since
// bufEncoder otherwise only exposes typed field-at-a-time appends.
type bytesWriter struct {
	be *bufEncoder
}

func (w bytesWriter) Write(p []byte) (int, error) {
	w.be.bytes(p)
	return len(p), nil
}
