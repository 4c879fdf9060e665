package perffile

// This file implements the sample-info layout engine: the variable
// trailer that sample_id_all attaches to non-SAMPLE records, and the
// analogous (larger) set of optional fields at the front of a SAMPLE
// record's body. Both are driven by the same EventAttr.SampleFormat
// bitmask, laid out in the fixed wire order the kernel uses for
// struct sample_id / the PERF_RECORD_SAMPLE body, not bit-index order.
//
// Rather than one switch statement per direction (decode, encode,
// size), the layout is a single ordered table of fields; each entry
// knows how to read and write itself for both bodies where it
// applies. This is the "declarative schema" for the trailer: a list
// of (bit, reader, writer) tuples walked in the same order on every
// path.

// sampleInfoField describes one optional field of a SAMPLE record's
// leading portion. trailerRead/trailerWrite are non-nil only for the
// subset of fields that also appear in the sample_id trailer attached
// to non-SAMPLE records (TID, TIME, ID, STREAM_ID, CPU). IDENTIFIER
// is also in the trailer, but last rather than first, so
// parseTrailer/writeTrailer handle it outside this table.
type sampleInfoField struct {
	bit SampleFormat

	readSample  func(bd *bufDecoder, o *RecordSample)
	writeSample func(be *bufEncoder, o *RecordSample)

	trailerRead  func(bd *bufDecoder, o *RecordCommon)
	trailerWrite func(be *bufEncoder, o *RecordCommon)
}

// sampleInfoSchema lists the leading fields of a SAMPLE record body in
// their canonical wire order. Fields with more complex,
// attribute-dependent shapes (SampleFormatRead, SampleFormatCallchain,
// SampleFormatRaw, SampleFormatBranchStack, SampleFormatRegsUser,
// SampleFormatStackUser, SampleFormatDataSrc, SampleFormatTransaction,
// SampleFormatRegsIntr, SampleFormatAux, and the Weight/WeightStruct
// pair) are handled directly by parseSample/writeSample after this
// prefix, since they need read_format or register-mask context beyond
// a fixed field width.
var sampleInfoSchema = []sampleInfoField{
	{
		bit: SampleFormatIdentifier,
		readSample: func(bd *bufDecoder, o *RecordSample) {
			bd.u64() // already used to select o.EventAttr
		},
		writeSample: func(be *bufEncoder, o *RecordSample) {
			be.u64(uint64(o.ID))
		},
	},
	{
		bit:        SampleFormatIP,
		readSample: func(bd *bufDecoder, o *RecordSample) { o.IP = bd.u64() },
		writeSample: func(be *bufEncoder, o *RecordSample) {
			be.u64(o.IP)
		},
	},
	{
		bit: SampleFormatTID,
		readSample: func(bd *bufDecoder, o *RecordSample) {
			o.PID, o.TID = int(bd.i32()), int(bd.i32())
		},
		writeSample: func(be *bufEncoder, o *RecordSample) {
			be.i32(int32(o.PID))
			be.i32(int32(o.TID))
		},
		trailerRead: func(bd *bufDecoder, o *RecordCommon) {
			o.PID, o.TID = int(bd.i32()), int(bd.i32())
		},
		trailerWrite: func(be *bufEncoder, o *RecordCommon) {
			be.i32(int32(o.PID))
			be.i32(int32(o.TID))
		},
	},
	{
		bit:          SampleFormatTime,
		readSample:   func(bd *bufDecoder, o *RecordSample) { o.Time = bd.u64() },
		writeSample:  func(be *bufEncoder, o *RecordSample) { be.u64(o.Time) },
		trailerRead:  func(bd *bufDecoder, o *RecordCommon) { o.Time = bd.u64() },
		trailerWrite: func(be *bufEncoder, o *RecordCommon) { be.u64(o.Time) },
	},
	{
		bit:         SampleFormatAddr,
		readSample:  func(bd *bufDecoder, o *RecordSample) { o.Addr = bd.u64() },
		writeSample: func(be *bufEncoder, o *RecordSample) { be.u64(o.Addr) },
	},
	{
		bit: SampleFormatID,
		readSample: func(bd *bufDecoder, o *RecordSample) {
			bd.u64() // already used to select o.EventAttr
		},
		writeSample: func(be *bufEncoder, o *RecordSample) {
			be.u64(uint64(o.ID))
		},
		trailerRead:  func(bd *bufDecoder, o *RecordCommon) { bd.u64() },
		trailerWrite: func(be *bufEncoder, o *RecordCommon) { be.u64(uint64(o.ID)) },
	},
	{
		bit:          SampleFormatStreamID,
		readSample:   func(bd *bufDecoder, o *RecordSample) { o.StreamID = bd.u64() },
		writeSample:  func(be *bufEncoder, o *RecordSample) { be.u64(o.StreamID) },
		trailerRead:  func(bd *bufDecoder, o *RecordCommon) { o.StreamID = bd.u64() },
		trailerWrite: func(be *bufEncoder, o *RecordCommon) { be.u64(o.StreamID) },
	},
	{
		bit: SampleFormatCPU,
		readSample: func(bd *bufDecoder, o *RecordSample) {
			o.CPU, o.Res = bd.u32(), bd.u32()
		},
		writeSample: func(be *bufEncoder, o *RecordSample) {
			be.u32(o.CPU)
			be.u32(o.Res)
		},
		trailerRead: func(bd *bufDecoder, o *RecordCommon) {
			o.CPU, o.Res = bd.u32(), bd.u32()
		},
		trailerWrite: func(be *bufEncoder, o *RecordCommon) {
			be.u32(o.CPU)
			be.u32(o.Res)
		},
	},
	{
		bit:         SampleFormatPeriod,
		readSample:  func(bd *bufDecoder, o *RecordSample) { o.Period = bd.u64() },
		writeSample: func(be *bufEncoder, o *RecordSample) { be.u64(o.Period) },
	},
}

// parseSampleBody decodes the fixed-shape leading fields of a SAMPLE
// record described by sampleInfoSchema, in wire order. The caller
// (parseSample) has already peeked the event ID to resolve o.EventAttr
// and continues past this point with the attribute-dependent tail.
func parseSampleBody(bd *bufDecoder, o *RecordSample, t SampleFormat) {
	for _, f := range sampleInfoSchema {
		if t&f.bit != 0 {
			f.readSample(bd, o)
		}
	}
}

// writeSampleBody is the encode-side counterpart of parseSampleBody.
func writeSampleBody(be *bufEncoder, o *RecordSample, t SampleFormat) {
	for _, f := range sampleInfoSchema {
		if t&f.bit != 0 {
			f.writeSample(be, o)
		}
	}
}

// trailerMask is the subset of sample_type bits that can appear in
// the sample_id trailer of a non-SAMPLE record, matching
// SampleFormat.trailerBytes.
const trailerMask = SampleFormatTID | SampleFormatTime | SampleFormatID |
	SampleFormatStreamID | SampleFormatCPU | SampleFormatIdentifier

// parseTrailer decodes the sample_id trailer shared by every
// supported record type when sample_id_all is set, in the kernel's
// canonical field order (TID, TIME, ID, STREAM_ID, CPU): see struct
// sample_id in include/uapi/linux/perf_event.h. The IDENTIFIER bit
// contributes only to trailerBytes's length accounting; its value was
// already read directly by the caller via File.recordIDOffset to
// select the attribute, so it is not re-read here.
func parseTrailer(bd *bufDecoder, o *RecordCommon, t SampleFormat) {
	for _, f := range sampleInfoSchema {
		if f.trailerRead == nil {
			continue
		}
		if f.bit == SampleFormatIdentifier {
			continue
		}
		if t&trailerMask&f.bit != 0 {
			f.trailerRead(bd, o)
		}
	}
}

// writeTrailer is the encode-side counterpart of parseTrailer.
func writeTrailer(be *bufEncoder, o *RecordCommon, t SampleFormat) {
	for _, f := range sampleInfoSchema {
		if f.trailerWrite == nil {
			continue
		}
		if f.bit == SampleFormatIdentifier {
			continue
		}
		if t&trailerMask&f.bit != 0 {
			f.trailerWrite(be, o)
		}
	}
	if t&SampleFormatIdentifier != 0 {
		be.u64(uint64(o.ID))
	}
}
