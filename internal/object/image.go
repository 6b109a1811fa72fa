// Package object turns a mapped binary into a single selected Image, picking
// a slice out of fat (universal) Mach-O containers when needed.
package object

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"

	"addr2sym/internal/elfx"
	"addr2sym/internal/imageid"
	"addr2sym/internal/machox"
)

var (
	ErrParse          = errors.New("parse error")
	ErrFilterMismatch = errors.New("filter mismatch")
)

type Format string

const (
	FormatMachO Format = "macho"
	FormatELF   Format = "elf"
)

// Image is an immutable view over one object's bytes.
type Image struct {
	Name      string
	Format    Format
	Arch      string
	ID        *imageid.ID
	ByteOrder binary.ByteOrder
	Segments  []Segment
	Sections  []Section
	Symbols   []Symbol

	codeBase uint64
}

type Segment struct {
	Name             string
	Addr, Size       uint64
	Offset, FileSize uint64
	Exec             bool
}

type Section struct {
	Name    string
	Segment string
	Addr    uint64
	Size    uint64
	data    []byte
}

// Symbol is a defined symbol in table order.
type Symbol struct {
	Name string
	Addr uint64
}

// CodeSegmentBase is the link-time virtual address the image is based at:
// the __TEXT vmaddr for Mach-O, the vaddr-offset of the first executable
// PT_LOAD for ELF, or 0 when neither exists.
func (im *Image) CodeSegmentBase() uint64 {
	return im.codeBase
}

// Section returns the first section with the given name.
func (im *Image) Section(name string) (Section, bool) {
	for _, s := range im.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// HasSection reports whether any of names is present.
func (im *Image) HasSection(names ...string) bool {
	for _, n := range names {
		if _, ok := im.Section(n); ok {
			return true
		}
	}
	return false
}

// SectionData returns the contents of the named section. Sections stored
// with the "ZLIB" header used by __zdebug_*/.zdebug_* are inflated into a
// new buffer; everything else is borrowed from the image bytes.
func (im *Image) SectionData(name string) ([]byte, error) {
	s, ok := im.Section(name)
	if !ok {
		return nil, fmt.Errorf("section %s not found", name)
	}
	if isZDebug(s.Name) {
		return inflate(s.data)
	}
	return s.data, nil
}

func isZDebug(name string) bool {
	return strings.HasPrefix(name, "__zdebug_") || strings.HasPrefix(name, ".zdebug_")
}

func inflate(b []byte) ([]byte, error) {
	if len(b) < 12 || string(b[:4]) != "ZLIB" {
		return b, nil
	}
	size := binary.BigEndian.Uint64(b[4:12])
	r, err := zlib.NewReader(bytes.NewReader(b[12:]))
	if err != nil {
		return nil, fmt.Errorf("inflate section: %w", err)
	}
	defer r.Close()

	// Cap the preallocation; the declared size comes from the file.
	buf := bytes.NewBuffer(make([]byte, 0, min(size, uint64(len(b))*16)))
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("inflate section: %w", err)
	}
	if uint64(buf.Len()) != size {
		return nil, fmt.Errorf("inflate section: got %d bytes, header says %d", buf.Len(), size)
	}
	return buf.Bytes(), nil
}

func fromMachO(name string, data []byte) (*Image, error) {
	m, err := machox.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	im := &Image{
		Name:      name,
		Format:    FormatMachO,
		Arch:      m.Arch,
		ByteOrder: m.File.ByteOrder,
	}
	if m.UUID != nil {
		id, err := imageid.FromBytes(m.UUID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		im.ID = &id
	}
	for _, s := range m.Segs {
		im.Segments = append(im.Segments, Segment{
			Name:     s.Name,
			Addr:     s.Vaddr,
			Size:     s.Vsize,
			Offset:   s.Off,
			FileSize: s.Filesz,
			Exec:     s.Exec,
		})
	}
	if text, ok := m.Segment("__TEXT"); ok {
		im.codeBase = text.Vaddr
	}
	for _, s := range m.Sections {
		im.Sections = append(im.Sections, Section{
			Name:    s.Name,
			Segment: s.Seg,
			Addr:    s.Addr,
			Size:    s.Size,
			data:    s.Data,
		})
	}
	for _, s := range m.Syms {
		im.Symbols = append(im.Symbols, Symbol{Name: s.Name, Addr: s.Addr})
	}
	return im, nil
}

func fromELF(name string, data []byte) (*Image, error) {
	e, err := elfx.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	im := &Image{
		Name:      name,
		Format:    FormatELF,
		Arch:      e.Arch,
		ByteOrder: e.ByteOrder(),
	}
	// Only 128-bit build-ids (--build-id=md5/uuid) fit the identifier model.
	if bid, err := e.GNUBuildID(); err == nil && len(bid) == 16 {
		id, _ := imageid.FromBytes(bid)
		im.ID = &id
	}
	for _, l := range e.Loads {
		im.Segments = append(im.Segments, Segment{
			Addr:     l.Vaddr,
			Size:     l.Memsz,
			Offset:   l.Off,
			FileSize: l.Filesz,
			Exec:     l.Flags&elf.PF_X != 0,
		})
	}
	if seg, ok := e.ExecSegment(); ok && seg.Vaddr >= seg.Off {
		im.codeBase = seg.Vaddr - seg.Off
	}
	for _, s := range e.Sections {
		im.Sections = append(im.Sections, Section{
			Name: s.Name,
			Addr: s.VA,
			Size: s.Size,
			data: s.Data,
		})
	}
	for _, s := range e.Syms {
		im.Symbols = append(im.Symbols, Symbol{Name: s.Name, Addr: s.Addr})
	}
	for _, s := range e.Dynsyms {
		im.Symbols = append(im.Symbols, Symbol{Name: s.Name, Addr: s.Addr})
	}
	return im, nil
}
