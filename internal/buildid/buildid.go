// Package buildid is the single external capability the parser uses to
// read an ELF build-ID given a filesystem path. It deliberately does not
// expose anything else about ELF structure: the parser only ever needs
// "does this path have a build-ID, and if so what is it".
package buildid

import (
	"debug/elf"
	"encoding/hex"
	"errors"
	"io"
	"os"
)

// ErrNoBuildID is returned when the ELF file has no NT_GNU_BUILD_ID note.
var ErrNoBuildID = errors.New("buildid: no build-id note present")

const noteTypeGNUBuildID = 3

// ReadFromPath opens the file at path and extracts its GNU build-ID.
func ReadFromPath(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadFromReader(f)
}

// ReadFromReader extracts the GNU build-ID from an already-open ELF file.
func ReadFromReader(r io.ReaderAt) ([]byte, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	defer ef.Close()

	if section := ef.Section(".note.gnu.build-id"); section != nil {
		if id, err := parseNoteSection(section); err == nil {
			return id, nil
		}
	}
	// Fall back to scanning every SHT_NOTE section; some binaries strip
	// section names but keep the note program headers.
	for _, sec := range ef.Sections {
		if sec.Type != elf.SHT_NOTE {
			continue
		}
		if id, err := parseNoteSection(sec); err == nil {
			return id, nil
		}
	}
	return nil, ErrNoBuildID
}

func parseNoteSection(sec *elf.Section) ([]byte, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	for len(data) >= 12 {
		nameSz := le32(data[0:4])
		descSz := le32(data[4:8])
		noteType := le32(data[8:12])
		off := 12
		nameEnd := off + align4(int(nameSz))
		descEnd := nameEnd + align4(int(descSz))
		if descEnd > len(data) || nameEnd < off {
			return nil, ErrNoBuildID
		}
		name := data[off : off+int(nameSz)]
		desc := data[nameEnd : nameEnd+int(descSz)]
		if noteType == noteTypeGNUBuildID && isGNUName(name) {
			return append([]byte(nil), desc...), nil
		}
		data = data[descEnd:]
	}
	return nil, ErrNoBuildID
}

func isGNUName(name []byte) bool {
	return len(name) >= 3 && name[0] == 'G' && name[1] == 'N' && name[2] == 'U'
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// String renders a build-ID as lowercase hex, matching perf's own
// formatting of build IDs in its text output.
func String(b []byte) string {
	return hex.EncodeToString(b)
}
