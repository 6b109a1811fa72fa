// Package symbolize turns runtime addresses into symbol names, using DWARF
// line tables when an image carries them and the symbol table otherwise.
package symbolize

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrNotFound       = errors.New("failed search symbol")
)

// AddressMode selects the address space search addresses live in.
type AddressMode int

const (
	// Virtual rebases addresses onto the image's link-time code segment.
	Virtual AddressMode = iota
	// FileOffset treats load-relative addresses as raw file offsets.
	FileOffset
)

func (m AddressMode) String() string {
	if m == FileOffset {
		return "file_offset"
	}
	return "virtual"
}

// ParseAddressMode accepts "virtual" and "file_offset" (or "file-offset").
func ParseAddressMode(s string) (AddressMode, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "", "virtual":
		return Virtual, nil
	case "file_offset":
		return FileOffset, nil
	}
	return Virtual, fmt.Errorf("unknown address mode %q", s)
}

// SearchAddress converts a runtime address into the image's address space.
func SearchAddress(addr, load, base uint64, mode AddressMode) (uint64, error) {
	if addr < load {
		return 0, fmt.Errorf("%w: address is smaller than load address", ErrInvalidAddress)
	}
	rel := addr - load
	if mode == FileOffset {
		return rel, nil
	}
	sum, carry := bits.Add64(rel, base, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: address overflow while applying code segment base", ErrInvalidAddress)
	}
	return sum, nil
}

// reason is the text printed after "N/A - " for a per-address failure.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAddress):
		msg := err.Error()
		return strings.TrimPrefix(msg, ErrInvalidAddress.Error()+": ")
	case errors.Is(err, ErrNotFound):
		return ErrNotFound.Error()
	}
	return err.Error()
}
