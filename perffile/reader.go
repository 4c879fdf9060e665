// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"reflect"
)

// pipedHeaderSize is the perf.data header size used when the file was
// written to a pipe: it has no offset table, so the header is just the magic
// followed by its own size (16 bytes total) and the rest of the file
// is a bare stream of records, including synthetic HEADER_* records
// that carry what would otherwise be the offset-table metadata.
//
// See perf_session__read_header in tools/perf/util/header.c.
const pipedHeaderSize = 16

type File struct {
	r      io.ReaderAt
	closer io.Closer
	hdr    fileHeader
	order  binary.ByteOrder

	piped bool

	attrs    []fileAttr
	idToAttr map[attrID]*EventAttr

	featureSections map[feature]fileSection

	meta FileMeta

	sampleIDOffset int // byte offset of attrID within a SAMPLE body, or -1
	recordIDOffset int // byte offset (from the end) of attrID in a sample_id trailer, or -1
	sampleIDAll    bool
}

// New reads a "perf.data" file from r.
//
// The caller must keep r open as long as it is using the returned
// *File. If the file was captured by piping perf record's output
// (e.g. `perf record -o -`), the returned File streams records
// directly and its metadata is populated incrementally as synthetic
// HEADER_* records are consumed by Records.Next; call Records() and
// drain it once before trusting File's metadata accessors.
func New(r io.ReaderAt) (*File, error) {
	file := &File{r: r, order: binary.LittleEndian}

	var magic [8]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	switch string(magic[:]) {
	case "PERFILE2":
		if err := file.readNormal(); err != nil {
			return nil, err
		}
	case "2ELIFREP":
		// Byte-swapped magic: file was written on a big-endian host
		// and is being read on a little-endian one, or vice versa.
		file.order = binary.BigEndian
		if err := file.readNormal(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadMagic, string(magic[:]))
	}

	return file, nil
}

func (file *File) readNormal() error {
	r := file.r
	sr := io.NewSectionReader(r, 0, 1024)
	if err := binary.Read(sr, file.order, &file.hdr); err != nil {
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if file.hdr.Size == pipedHeaderSize {
		file.piped = true
		// No attribute section to derive these from yet; they are
		// filled in as HEADER_ATTR records stream by. -1 means "no
		// id field", matching the meaning computeIDOffsets gives
		// them in normal mode.
		file.sampleIDOffset, file.recordIDOffset = -1, -1
		return nil
	}
	if file.order == binary.BigEndian && !file.hdr.hasFeature(featureHostname) {
		// The feature bitmap may have been written as 32-bit words;
		// retry with the two halves of each 64-bit word swapped.
		for i, w := range file.hdr.Features {
			file.hdr.Features[i] = w<<32 | w>>32
		}
		if !file.hdr.hasFeature(featureHostname) {
			return fmt.Errorf("%w: cannot determine feature bitmap layout without HOSTNAME", ErrFormat)
		}
	}
	if file.hdr.Size != uint64(binary.Size(&file.hdr)) {
		return fmt.Errorf("%w: bad header size %d", ErrFormat, file.hdr.Size)
	}
	if file.hdr.AttrSize != uint64(binary.Size(&fileAttrRaw{})) {
		return fmt.Errorf("%w: bad attr size %d", ErrFormat, file.hdr.AttrSize)
	}
	if file.hdr.Data.Size == 0 {
		return fmt.Errorf("%w: data section is empty", ErrTruncated)
	}

	var rawAttrs []fileAttrRaw
	if err := readSlice(file.hdr.Attrs.sectionReader(r), &rawAttrs, file.order); err != nil {
		return err
	}
	wantSize := uint32(binary.Size(&eventAttrVN{}))
	file.attrs = make([]fileAttr, len(rawAttrs))
	for i, raw := range rawAttrs {
		if raw.Attr.Size != wantSize {
			// TODO: Support the older, shorter perf_event_attr ABI
			// sizes (64, 72, 80, 96 bytes) for compatibility with
			// files written by older perf binaries.
			return fmt.Errorf("%w: unsupported attr size %d", ErrFormat, raw.Attr.Size)
		}
		file.attrs[i] = fileAttr{Attr: raw.Attr.decode(), IDs: raw.IDs}
	}

	if err := file.buildIDIndex(); err != nil {
		return err
	}
	if err := file.computeIDOffsets(); err != nil {
		return err
	}

	sr = io.NewSectionReader(r, int64(file.hdr.Data.Offset+file.hdr.Data.Size), int64(numFeatureBits*binary.Size(fileSection{})))
	file.featureSections = make(map[feature]fileSection)
	for bit := feature(0); bit < feature(numFeatureBits); bit++ {
		if !file.hdr.hasFeature(bit) {
			continue
		}
		sec := fileSection{}
		if err := binary.Read(sr, file.order, &sec); err != nil {
			return fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		file.featureSections[bit] = sec
	}
	for f, sec := range file.featureSections {
		if err := file.meta.parse(f, sec, r, file.order); err != nil {
			return fmt.Errorf("%w: feature %d: %v", ErrFormat, f, err)
		}
	}

	return nil
}

func (file *File) buildIDIndex() error {
	r := file.r
	file.idToAttr = make(map[attrID]*EventAttr)
	for i := range file.attrs {
		attr := &file.attrs[i]
		var ids []attrID
		if err := readSlice(attr.IDs.sectionReader(r), &ids, file.order); err != nil {
			return err
		}
		for _, id := range ids {
			file.idToAttr[id] = &attr.Attr
			if attr.Attr.id == 0 {
				attr.Attr.id = id
			}
		}
	}

	if len(file.idToAttr) == 0 {
		if len(file.attrs) > 1 {
			return fmt.Errorf("%w: file has multiple EventAttrs but no IDs", ErrFormat)
		}
		if len(file.attrs) == 0 {
			return fmt.Errorf("%w: file has no EventAttrs", ErrFormat)
		}
		if file.attrs[0].Attr.SampleFormat&(SampleFormatID|SampleFormatIdentifier) != 0 {
			return fmt.Errorf("%w: sample format has IDs but events don't have IDs", ErrFormat)
		}
		file.idToAttr[0] = &file.attrs[0].Attr
	}
	return nil
}

func (file *File) computeIDOffsets() error {
	file.sampleIDOffset, file.recordIDOffset = -1, -1
	file.sampleIDAll = true
	first := true
	for _, attr := range file.attrs {
		if attr.Attr.Flags&EventFlagSampleIDAll == 0 {
			file.sampleIDAll = false
		}
		x := attr.Attr.SampleFormat.sampleIDOffset()
		y := attr.Attr.SampleFormat.recordIDOffset()
		if first {
			file.sampleIDOffset, file.recordIDOffset = x, y
			first = false
			continue
		}
		if x != file.sampleIDOffset || y != file.recordIDOffset {
			return fmt.Errorf("%w: events have incompatible sample_id layouts", ErrFormat)
		}
	}
	return nil
}

// Open opens the named "perf.data" file using os.Open.
//
// The caller must call f.Close() on the returned file when it is
// done.
func Open(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	ff, err := New(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	ff.closer = f
	return ff, nil
}

// Close closes the File.
//
// If the File was created using New directly instead of Open, Close
// has no effect.
func (f *File) Close() error {
	var err error
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	return err
}

// Piped reports whether this file was captured from a pipe (e.g. via
// `perf record -o -`), meaning it has no offset table and its
// metadata arrives as synthetic records interleaved with samples
// rather than up front.
func (f *File) Piped() bool {
	return f.piped
}

// Meta returns the metadata gathered for this file. In normal mode
// this is fully populated by the time New returns. In piped mode it
// fills in as Records.Next consumes synthetic HEADER_* records, so
// callers that need it should drain Records first.
func (f *File) Meta() *FileMeta {
	return &f.meta
}

// readSlice reads an entire section into a slice.  v must be a
// pointer to a slice; the slice itself may be nil.  The section size
// must be an exact multiple of the size of the element type of v.
func readSlice(sr *io.SectionReader, v interface{}, order binary.ByteOrder) error {
	vt := reflect.TypeOf(v)
	if vt.Kind() != reflect.Ptr || vt.Elem().Kind() != reflect.Slice {
		panic("v must be a pointer to a slice")
	}
	et := vt.Elem().Elem()
	esize := binary.Size(reflect.Zero(et).Interface())
	nelem := int(sr.Size() / int64(esize))
	if sr.Size()%int64(esize) != 0 {
		return fmt.Errorf("%w: section size %d is not a multiple of element size %d", ErrFormat, sr.Size(), esize)
	}

	reflect.ValueOf(v).Elem().Set(reflect.MakeSlice(vt.Elem(), nelem, nelem))

	return binary.Read(sr, order, v)
}

// Hostname returns the hostname of the machine that recorded this
// profile, or "" if unknown.
func (f *File) Hostname() string { return f.meta.Hostname }

// OSRelease returns the OS release of the machine that recorded this
// profile, or "" if unknown.
func (f *File) OSRelease() string { return f.meta.OSRelease }

// Version returns the perf version that recorded this profile, or ""
// if unknown.
func (f *File) Version() string { return f.meta.Version }

// Arch returns the host architecture of the machine that recorded
// this profile, or "" if unknown.
func (f *File) Arch() string { return f.meta.Arch }

// CPUDesc returns a string describing the CPU of the machine that
// recorded this profile, or "" if unknown.
func (f *File) CPUDesc() string { return f.meta.CPUDesc }

// CPUID returns the CPUID string of the machine that recorded this
// profile, or "" if unknown.
func (f *File) CPUID() string { return f.meta.CPUID }

// CmdLine returns the list of command line arguments perf was invoked
// with.  If unknown, it returns nil.
func (f *File) CmdLine() []string { return f.meta.CmdLine }

// Records returns an iterator over this file's records, starting from
// the beginning of the data section (normal mode) or the byte
// following the piped header (piped mode).
func (f *File) Records() *Records {
	if f.piped {
		return &Records{f: f, sr: &countingReader{r: f.r, off: pipedHeaderSize}, piped: true}
	}
	return &Records{f: f, sr: f.hdr.Data.sectionReader(f.r)}
}

// countingReader adapts an io.ReaderAt into the io.ReadSeeker Records
// needs, for piped mode where there is no fixed-size data section to
// hand io.SectionReader.
type countingReader struct {
	r   io.ReaderAt
	off int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.ReadAt(p, c.off)
	c.off += int64(n)
	return n, err
}

func (c *countingReader) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekCurrent || offset != 0 {
		return 0, fmt.Errorf("perffile: countingReader only supports tell")
	}
	return c.off, nil
}
