package symbolize

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"fmt"
)

// lineFileNames returns the file_names entries of the DWARF 2-4 line program
// header at off, as stored: entry i is file number i+1. debug/dwarf only
// exposes names joined with their directory. DWARF 5 headers yield nil.
func lineFileNames(b []byte, bo binary.ByteOrder, off uint64) ([]string, error) {
	n := uint64(len(b))
	pos := off
	if pos+4 > n {
		return nil, errTruncated("line", off)
	}
	length := uint64(bo.Uint32(b[pos:]))
	pos += 4
	offSize := uint64(4)
	if length == 0xffffffff {
		if pos+8 > n {
			return nil, errTruncated("line", off)
		}
		length = bo.Uint64(b[pos:])
		pos += 8
		offSize = 8
	}
	end := pos + length
	if length > n || end > n || pos+2 > end {
		return nil, errTruncated("line", off)
	}
	version := bo.Uint16(b[pos:])
	pos += 2
	if version < 2 || version > 4 {
		return nil, nil
	}

	// header_length, minimum_instruction_length
	pos += offSize + 1
	if version == 4 {
		pos++ // maximum_operations_per_instruction
	}
	// default_is_stmt, line_base, line_range
	pos += 3
	if pos >= end {
		return nil, errTruncated("line", off)
	}
	opcodeBase := uint64(b[pos])
	pos++
	if opcodeBase > 0 {
		pos += opcodeBase - 1
	}

	// include_directories
	for {
		s, next, err := cstring(b[:end], pos)
		if err != nil {
			return nil, fmt.Errorf("decoding dwarf section line at offset %#x: %w", off, err)
		}
		pos = next
		if s == "" {
			break
		}
	}

	var names []string
	for {
		s, next, err := cstring(b[:end], pos)
		if err != nil {
			return nil, fmt.Errorf("decoding dwarf section line at offset %#x: %w", off, err)
		}
		pos = next
		if s == "" {
			return names, nil
		}
		// directory index, mtime, length
		for range 3 {
			if pos, err = skipULEB(b[:end], pos); err != nil {
				return nil, fmt.Errorf("decoding dwarf section line at offset %#x: %w", off, err)
			}
		}
		names = append(names, s)
	}
}

func cstring(b []byte, pos uint64) (string, uint64, error) {
	if pos >= uint64(len(b)) {
		return "", 0, fmt.Errorf("truncated string at %#x", pos)
	}
	i := bytes.IndexByte(b[pos:], 0)
	if i < 0 {
		return "", 0, fmt.Errorf("unterminated string at %#x", pos)
	}
	return string(b[pos : pos+uint64(i)]), pos + uint64(i) + 1, nil
}

func skipULEB(b []byte, pos uint64) (uint64, error) {
	for pos < uint64(len(b)) {
		c := b[pos]
		pos++
		if c&0x80 == 0 {
			return pos, nil
		}
	}
	return 0, fmt.Errorf("truncated uleb128 at %#x", pos)
}

// storedFileName maps f back to its file table entry as written by the
// compiler. Files the header does not list keep debug/dwarf's joined name.
func storedFileName(lr *dwarf.LineReader, stored []string, f *dwarf.LineFile) string {
	for i, lf := range lr.Files() {
		if lf == f && i > 0 && i <= len(stored) {
			return stored[i-1]
		}
	}
	return f.Name
}
