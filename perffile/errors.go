package perffile

import "errors"

// Sentinel errors identifying the error kinds from the format's error
// handling design: callers can test for these with errors.Is even though
// the concrete error usually wraps additional context.
var (
	// ErrBadMagic means the file did not start with the PERFILE2 magic
	// word (in either byte order).
	ErrBadMagic = errors.New("perffile: bad file magic")

	// ErrFormat covers structural problems: size mismatches, fields out
	// of range, inconsistent event-ID positions across attributes,
	// missing HOSTNAME feature when the producer word size can't
	// otherwise be deduced, and oversized build-IDs.
	ErrFormat = errors.New("perffile: malformed perf.data structure")

	// ErrTruncated means a record or section's declared size exceeds
	// the remaining input.
	ErrTruncated = errors.New("perffile: truncated input")

	// ErrUnsupportedRecord means a record type outside the supported
	// set was encountered. The reader does not return it: it logs the
	// record at debug level and delivers it as a RecordUnknown.
	ErrUnsupportedRecord = errors.New("perffile: unsupported record type")
)
