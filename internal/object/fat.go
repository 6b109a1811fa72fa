package object

import (
	"encoding/binary"
	"fmt"

	"addr2sym/internal/arch"
	"addr2sym/internal/imageid"
	"addr2sym/internal/machox"
)

const (
	fatMagic32 = 0xcafebabe
	fatMagic64 = 0xcafebabf

	fatHeaderSize = 8
	fatArch32Size = 20
	fatArch64Size = 32
	maxFatSlices  = 64
)

// Slice describes one architecture inside a fat container. Only the
// architecture and identifier are read up front; Open parses the rest.
type Slice struct {
	Arch   string
	ID     *imageid.ID
	CPU    uint32
	SubCPU uint32
	Offset uint64
	Size   uint64
}

// Bytes returns the slice's range of the container.
func (s Slice) Bytes(container []byte) []byte {
	return container[s.Offset : s.Offset+s.Size]
}

// Open fully parses the slice.
func (s Slice) Open(container []byte, name string) (*Image, error) {
	im, err := fromMachO(name, s.Bytes(container))
	if err != nil {
		return nil, fmt.Errorf("slice %s: %w", s.Arch, err)
	}
	return im, nil
}

func (s Slice) String() string {
	return fmt.Sprintf("- arch=%s uuid=%s", s.Arch, imageid.Format(s.ID))
}

// IsFat reports whether data starts with a fat Mach-O magic.
func IsFat(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	magic := binary.BigEndian.Uint32(data)
	return magic == fatMagic32 || magic == fatMagic64
}

// ParseFat reads the slice table of a fat container.
func ParseFat(data []byte) ([]Slice, error) {
	if !IsFat(data) || len(data) < fatHeaderSize {
		return nil, fmt.Errorf("%w: not a fat Mach-O", ErrParse)
	}
	is64 := binary.BigEndian.Uint32(data) == fatMagic64
	n := binary.BigEndian.Uint32(data[4:8])
	if n == 0 {
		return nil, fmt.Errorf("%w: fat Mach-O has no slices", ErrParse)
	}
	if n > maxFatSlices {
		return nil, fmt.Errorf("%w: fat header claims %d slices", ErrParse, n)
	}

	entSize := fatArch32Size
	if is64 {
		entSize = fatArch64Size
	}
	if uint64(len(data)) < fatHeaderSize+uint64(n)*uint64(entSize) {
		return nil, fmt.Errorf("%w: fat slice table truncated", ErrParse)
	}

	slices := make([]Slice, 0, n)
	for i := uint32(0); i < n; i++ {
		ent := data[fatHeaderSize+int(i)*entSize:]
		s := Slice{
			CPU:    binary.BigEndian.Uint32(ent[0:4]),
			SubCPU: binary.BigEndian.Uint32(ent[4:8]),
		}
		if is64 {
			s.Offset = binary.BigEndian.Uint64(ent[8:16])
			s.Size = binary.BigEndian.Uint64(ent[16:24])
		} else {
			s.Offset = uint64(binary.BigEndian.Uint32(ent[8:12]))
			s.Size = uint64(binary.BigEndian.Uint32(ent[12:16]))
		}
		s.Arch = arch.MachOName(s.CPU, s.SubCPU)
		if s.Offset > uint64(len(data)) || s.Size > uint64(len(data))-s.Offset {
			return nil, fmt.Errorf("%w: slice %d (%s) extends past end of file", ErrParse, i, s.Arch)
		}

		hdr, err := machox.PeekHeader(s.Bytes(data))
		if err != nil {
			return nil, fmt.Errorf("%w: slice %d (%s): %v", ErrParse, i, s.Arch, err)
		}
		if hdr.UUID != nil {
			id, err := imageid.FromBytes(hdr.UUID)
			if err != nil {
				return nil, fmt.Errorf("%w: slice %d (%s): %v", ErrParse, i, s.Arch, err)
			}
			s.ID = &id
		}
		slices = append(slices, s)
	}
	return slices, nil
}
