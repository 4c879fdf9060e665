// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	wr := NewWriter(&buf)

	attr := EventAttr{
		Event:        EventSoftwareCPUClock,
		SampleFormat: SampleFormatIP | SampleFormatTID | SampleFormatTime,
	}
	wr.AddEventAttr(attr, nil)
	wr.Meta().Hostname = "testhost"
	wr.Meta().Arch = "x86_64"

	comm := &RecordComm{
		RecordCommon: RecordCommon{PID: 100, TID: 100},
		Comm:         "myprocess",
	}
	require.NoError(t, wr.WriteRecord(comm))

	sample := &RecordSample{
		RecordCommon: RecordCommon{PID: 100, TID: 100, Format: attr.SampleFormat},
		IP:           0xdeadbeef,
	}
	require.NoError(t, wr.WriteRecord(sample))

	require.NoError(t, wr.Close())

	f, err := New(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	require.False(t, f.Piped())
	require.Equal(t, "testhost", f.Meta().Hostname)
	require.Equal(t, "x86_64", f.Meta().Arch)

	rs := f.Records()

	require.True(t, rs.Next())
	gotComm, ok := rs.Record.(*RecordComm)
	require.True(t, ok, "expected *RecordComm, got %T", rs.Record)
	require.Equal(t, "myprocess", gotComm.Comm)
	require.Equal(t, 100, gotComm.PID)
	require.Equal(t, 100, gotComm.TID)

	require.True(t, rs.Next())
	gotSample, ok := rs.Record.(*RecordSample)
	require.True(t, ok, "expected *RecordSample, got %T", rs.Record)
	require.Equal(t, uint64(0xdeadbeef), gotSample.IP)
	require.Equal(t, 100, gotSample.PID)

	require.False(t, rs.Next())
	require.NoError(t, rs.Err())
}

func TestPipedWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	wr := NewPipedWriter(&buf)

	attr := EventAttr{
		Event:        EventSoftwareCPUClock,
		SampleFormat: SampleFormatIP | SampleFormatTID,
	}
	wr.AddEventAttr(attr, nil)
	wr.Meta().Hostname = "pipedhost"

	comm := &RecordComm{
		RecordCommon: RecordCommon{PID: 7, TID: 7},
		Comm:         "pipedproc",
	}
	require.NoError(t, wr.WriteRecord(comm))
	require.NoError(t, wr.Close())

	f, err := New(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	require.True(t, f.Piped())

	rs := f.Records()

	sawComm := false
	for rs.Next() {
		if c, ok := rs.Record.(*RecordComm); ok {
			require.Equal(t, "pipedproc", c.Comm)
			sawComm = true
		}
	}
	require.NoError(t, rs.Err())
	require.True(t, sawComm)
	require.Equal(t, "pipedhost", f.Meta().Hostname)
}
