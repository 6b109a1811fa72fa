// Package imageid parses and renders the 128-bit identifiers that tie a
// binary to its debug bundle (Mach-O LC_UUID, 16-byte GNU build-ids).
package imageid

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalid is returned for identifier strings that are not 32 hex digits.
var ErrInvalid = errors.New("invalid uuid format")

// ID is a 128-bit image identifier.
type ID [16]byte

// Parse accepts 32 hex characters, case-insensitive, with or without
// hyphen separators.
func Parse(s string) (ID, error) {
	hex := strings.ReplaceAll(s, "-", "")
	if len(hex) != 32 {
		return ID{}, fmt.Errorf("%w: '%s', expected 32 hex chars (with or without '-')", ErrInvalid, s)
	}
	u, err := uuid.Parse(hex)
	if err != nil {
		return ID{}, fmt.Errorf("%w: '%s', expected 32 hex chars (with or without '-')", ErrInvalid, s)
	}
	return ID(u), nil
}

// FromBytes builds an ID from a raw 16-byte identifier.
func FromBytes(b []byte) (ID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %d bytes", ErrInvalid, len(b))
	}
	return ID(u), nil
}

// String renders the ID as uppercase hex grouped 8-4-4-4-12.
func (id ID) String() string {
	return strings.ToUpper(uuid.UUID(id).String())
}

// Format renders an optional ID, using "-" when absent.
func Format(id *ID) string {
	if id == nil {
		return "-"
	}
	return id.String()
}
