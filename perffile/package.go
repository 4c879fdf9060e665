// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package perffile reads and writes Linux perf.data profiles.
//
// Reading a perf.data profile starts with a call to New or Open to
// open a perf.data file. A perf.data file consists of a sequence of
// records, which can be retrieved with File.Records, as well as
// several metadata fields, which can be retrieved with other methods
// of File. Writer produces a perf.data file or stream from a sequence
// of records.
package perffile // import "github.com/adamse/perf-data-converter/perffile"
