// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Writer serializes a sequence of Records into the perf.data wire
// format. It mirrors the decode steps in reader.go/records.go in
// reverse, grounded on quipper's perf_reader.cc WriteHeader/
// WriteAttrs/WriteData/WriteMetadata.
//
// In normal mode (NewWriter), records are buffered in memory and the
// whole file -- header, attribute section, data section, metadata
// trailer, in that order -- is emitted on Close, since the header
// needs the data section's final size before it can be written. In
// piped mode (NewPipedWriter), there is no offset table to compute:
// the bare 16-byte header and metadata go out first as synthetic
// HEADER_* records, and every subsequent WriteRecord call writes
// straight through to the underlying writer.
type Writer struct {
	w     io.Writer
	order binary.ByteOrder
	piped bool

	attrs []EventAttr
	ids   [][]attrID

	data bytes.Buffer
	meta FileMeta

	headerWritten bool
	closed        bool
	err           error
}

// NewWriter returns a Writer that produces a normal (seekable-style,
// offset-table) perf.data file, written out in full when Close is
// called.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, order: binary.LittleEndian}
}

// NewPipedWriter returns a Writer that produces a piped-mode
// perf.data stream: no offset table, metadata carried by synthetic
// HEADER_* records instead. Call AddEventAttr and populate Meta()
// before the first WriteRecord call; both are emitted as soon as the
// first record is written (or at Close, if no records are written).
func NewPipedWriter(w io.Writer) *Writer {
	return &Writer{w: w, order: binary.LittleEndian, piped: true}
}

// SetByteOrder overrides the byte order used for the file; the
// default is little-endian. Must be called before the first
// WriteRecord or Close.
func (wr *Writer) SetByteOrder(o binary.ByteOrder) {
	wr.order = o
}

// Meta returns the metadata that will be written into this file's
// feature trailer (normal mode) or as HEADER_FEATURE records (piped
// mode).
func (wr *Writer) Meta() *FileMeta {
	return &wr.meta
}

// AddEventAttr registers an event that will appear in the file's
// attribute section (or, in piped mode, as a leading HEADER_ATTR
// record), along with the sample/record IDs that identify samples
// belonging to it.
func (wr *Writer) AddEventAttr(attr EventAttr, ids []attrID) {
	wr.attrs = append(wr.attrs, attr)
	wr.ids = append(wr.ids, ids)
}

// WriteRecord appends one record to the file. Records must be written
// in the order they should appear on disk.
func (wr *Writer) WriteRecord(rec Record) error {
	if wr.err != nil {
		return wr.err
	}
	if !wr.headerWritten {
		wr.headerWritten = true
		if wr.piped {
			if err := wr.writePipedHeader(); err != nil {
				wr.err = err
				return err
			}
		}
	}

	// RecordAuxtrace is the one record whose trailing payload isn't
	// part of the declared record size; it needs to go straight to
	// the destination writer instead of through the generic
	// body/trailer/header assembly below. See parseAuxtrace.
	if at, ok := rec.(*RecordAuxtrace); ok {
		return wr.writeAuxtraceRecord(at)
	}

	be := newBufEncoder(wr.order)
	recType, misc, err := writeRecordBody(be, rec, wr.order)
	if err != nil {
		wr.err = err
		return err
	}

	if c := rec.Common(); c.EventAttr != nil && c.EventAttr.Flags&EventFlagSampleIDAll != 0 &&
		recType != RecordTypeSample && recType < recordTypeUserStart {
		writeTrailer(be, c, c.EventAttr.SampleFormat)
	}

	var hbuf [8]byte
	wr.order.PutUint32(hbuf[0:4], uint32(recType))
	wr.order.PutUint16(hbuf[4:6], uint16(misc))
	size := 8 + len(be.bytesOut())
	if size > 0xffff {
		err := fmt.Errorf("%w: record too large to encode (%d bytes)", ErrFormat, size)
		wr.err = err
		return err
	}
	wr.order.PutUint16(hbuf[6:8], uint16(size))

	out := wr.dest()
	if _, err := out.Write(hbuf[:]); err != nil {
		wr.err = err
		return err
	}
	if _, err := out.Write(be.bytesOut()); err != nil {
		wr.err = err
		return err
	}
	return nil
}

func (wr *Writer) writeAuxtraceRecord(at *RecordAuxtrace) error {
	be := newBufEncoder(wr.order)
	be.u64(uint64(len(at.Data)))
	be.u64(at.Offset)
	be.u64(at.Ref)
	be.u32(at.Idx)
	be.u32(uint32(at.TID))
	be.u32(at.CPU)
	be.u32(0) // reserved

	var hbuf [8]byte
	wr.order.PutUint32(hbuf[0:4], uint32(RecordTypeAuxtrace))
	wr.order.PutUint16(hbuf[6:8], uint16(8+len(be.bytesOut())))

	out := wr.dest()
	if _, err := out.Write(hbuf[:]); err != nil {
		wr.err = err
		return err
	}
	if _, err := out.Write(be.bytesOut()); err != nil {
		wr.err = err
		return err
	}
	if _, err := out.Write(at.Data); err != nil {
		wr.err = err
		return err
	}
	return nil
}

// dest returns where record bytes currently go: the in-memory data
// buffer in normal mode, or straight through to the underlying writer
// in piped mode.
func (wr *Writer) dest() io.Writer {
	if wr.piped {
		return wr.w
	}
	return &wr.data
}

func (wr *Writer) writePipedHeader() error {
	var hdr [pipedHeaderSize]byte
	copy(hdr[:8], "PERFILE2")
	wr.order.PutUint64(hdr[8:16], pipedHeaderSize)
	if _, err := wr.w.Write(hdr[:]); err != nil {
		return err
	}
	for i, attr := range wr.attrs {
		if err := wr.WriteRecord(&RecordHeaderAttr{Attr: attr, IDs: wr.ids[i]}); err != nil {
			return err
		}
	}
	for _, f := range presentFeatures(&wr.meta) {
		be := newBufEncoder(wr.order)
		featureWriters[f](&wr.meta, be)
		if err := wr.WriteRecord(&RecordHeaderFeature{Feature: f, Data: be.bytesOut()}); err != nil {
			return err
		}
	}
	return nil
}

// presentFeatures returns, in ascending feature-ID order, the
// features this metadata actually has something to say for. Order
// matters for the normal-mode trailer (section table follows the same
// ascending-feature-ID convention the kernel writer uses) but not for
// piped HEADER_FEATURE records; both paths share this list so a file
// looks the same either way modulo framing.
func presentFeatures(m *FileMeta) []feature {
	var fs []feature
	maybe := func(f feature, present bool) {
		if present {
			fs = append(fs, f)
		}
	}
	maybe(featureBuildID, len(m.BuildIDs) > 0)
	maybe(featureHostname, m.Hostname != "")
	maybe(featureOSRelease, m.OSRelease != "")
	maybe(featureVersion, m.Version != "")
	maybe(featureArch, m.Arch != "")
	maybe(featureNrCpus, m.CPUsOnline != 0 || m.CPUsAvail != 0)
	maybe(featureCPUDesc, m.CPUDesc != "")
	maybe(featureCPUID, m.CPUID != "")
	maybe(featureTotalMem, m.TotalMem != 0)
	maybe(featureCmdline, len(m.CmdLine) > 0)
	maybe(featureCPUTopology, len(m.CoreGroups) > 0 || len(m.ThreadGroups) > 0)
	maybe(featureNUMATopology, len(m.NUMANodes) > 0)
	maybe(featurePMUMappings, len(m.PMUMappings) > 0)
	maybe(featureGroupDesc, len(m.Groups) > 0)
	return fs
}

// Close finishes writing the file. In normal mode this is where the
// header, attribute section, buffered data section, and metadata
// trailer are actually emitted, since the header needs to know the
// data section's final size. In piped mode this is a no-op beyond
// flushing the header if no records were ever written.
func (wr *Writer) Close() error {
	if wr.closed {
		return wr.err
	}
	wr.closed = true
	if wr.err != nil {
		return wr.err
	}
	if !wr.headerWritten {
		wr.headerWritten = true
		if wr.piped {
			return wr.writePipedHeader()
		}
	}
	if wr.piped {
		return nil
	}
	return wr.writeNormal()
}

func (wr *Writer) writeNormal() error {
	// Lay out, in order: header, attr section (fileAttrRaw array),
	// id sections (one per attr), data section, feature section
	// table, feature blobs. Every offset below is computed before
	// anything is written.
	headerSize := int64(binary.Size(&fileHeader{}))
	attrRawSize := int64(binary.Size(&fileAttrRaw{}))

	attrsOffset := headerSize
	attrsSize := attrRawSize * int64(len(wr.attrs))

	idsOffset := attrsOffset + attrsSize
	idSizes := make([]int64, len(wr.ids))
	for i, ids := range wr.ids {
		idSizes[i] = int64(len(ids)) * 8
	}
	idsTotalSize := int64(0)
	for _, s := range idSizes {
		idsTotalSize += s
	}

	dataOffset := idsOffset + idsTotalSize
	dataSize := int64(wr.data.Len())

	features := presentFeatures(&wr.meta)
	featTableOffset := dataOffset + dataSize
	featTableSize := int64(len(features)) * int64(binary.Size(fileSection{}))
	featBlobOffset := featTableOffset + featTableSize

	var hdr fileHeader
	copy(hdr.Magic[:], "PERFILE2")
	hdr.Size = uint64(headerSize)
	hdr.AttrSize = uint64(attrRawSize)
	hdr.Attrs = fileSection{Offset: uint64(attrsOffset), Size: uint64(attrsSize)}
	hdr.Data = fileSection{Offset: uint64(dataOffset), Size: uint64(dataSize)}
	for _, f := range features {
		hdr.Features[f/64] |= 1 << (uint(f) % 64)
	}

	if err := binary.Write(wr.w, wr.order, &hdr); err != nil {
		return err
	}

	idOffset := idsOffset
	for i, attr := range wr.attrs {
		raw := fileAttrRaw{
			Attr: encodeEventAttr(&attr),
			IDs:  fileSection{Offset: uint64(idOffset), Size: uint64(idSizes[i])},
		}
		if err := binary.Write(wr.w, wr.order, &raw); err != nil {
			return err
		}
		idOffset += idSizes[i]
	}

	for _, ids := range wr.ids {
		for _, id := range ids {
			if err := binary.Write(wr.w, wr.order, uint64(id)); err != nil {
				return err
			}
		}
	}

	if _, err := wr.w.Write(wr.data.Bytes()); err != nil {
		return err
	}

	blobOffset := featBlobOffset
	var blobs [][]byte
	for _, f := range features {
		be := newBufEncoder(wr.order)
		featureWriters[f](&wr.meta, be)
		blob := be.bytesOut()
		blobs = append(blobs, blob)
		sec := fileSection{Offset: uint64(blobOffset), Size: uint64(len(blob))}
		if err := binary.Write(wr.w, wr.order, &sec); err != nil {
			return err
		}
		blobOffset += int64(len(blob))
	}
	for _, blob := range blobs {
		if _, err := wr.w.Write(blob); err != nil {
			return err
		}
	}

	return nil
}
