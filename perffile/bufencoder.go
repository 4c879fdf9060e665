package perffile

import "encoding/binary"

// bufEncoder is the write-side counterpart to bufDecoder: it appends
// fixed-endian fields to a growing byte slice.
type bufEncoder struct {
	buf   []byte
	order binary.ByteOrder
}

func newBufEncoder(order binary.ByteOrder) *bufEncoder {
	return &bufEncoder{order: order}
}

func (b *bufEncoder) bytes(x []byte) {
	b.buf = append(b.buf, x...)
}

func (b *bufEncoder) pad(n int) {
	for i := 0; i < n; i++ {
		b.buf = append(b.buf, 0)
	}
}

func (b *bufEncoder) u16(x uint16) {
	var tmp [2]byte
	b.order.PutUint16(tmp[:], x)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *bufEncoder) u32(x uint32) {
	var tmp [4]byte
	b.order.PutUint32(tmp[:], x)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *bufEncoder) i32(x int32) {
	b.u32(uint32(x))
}

func (b *bufEncoder) u64(x uint64) {
	var tmp [8]byte
	b.order.PutUint64(tmp[:], x)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *bufEncoder) u64s(x []uint64) {
	for _, v := range x {
		b.u64(v)
	}
}

func (b *bufEncoder) u32If(cond bool, x uint32) {
	if cond {
		b.u32(x)
	}
}

func (b *bufEncoder) i32If(cond bool, x int32) {
	if cond {
		b.i32(x)
	}
}

func (b *bufEncoder) u64If(cond bool, x uint64) {
	if cond {
		b.u64(x)
	}
}

// cstring appends s followed by a NUL terminator, with no padding.
func (b *bufEncoder) cstring(s string) {
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
}

// cstringPadded appends s NUL-terminated and then pads the whole
// field out to a multiple of align bytes, matching the on-disk layout
// perf uses for COMM and similar fixed-stride string fields.
func (b *bufEncoder) cstringPadded(s string, align int) {
	start := len(b.buf)
	b.cstring(s)
	for (len(b.buf)-start)%align != 0 {
		b.buf = append(b.buf, 0)
	}
}

// lenString appends a u32 byte length followed by that many bytes:
// s, its NUL terminator, and NUL padding up to a multiple of 8 bytes.
func (b *bufEncoder) lenString(s string) {
	padded := s + "\x00"
	for len(padded)%8 != 0 {
		padded += "\x00"
	}
	b.u32(uint32(len(padded)))
	b.buf = append(b.buf, padded...)
}

func (b *bufEncoder) stringList(ss []string) {
	b.u32(uint32(len(ss)))
	for _, s := range ss {
		b.lenString(s)
	}
}

func (b *bufEncoder) bytesOut() []byte {
	return b.buf
}
