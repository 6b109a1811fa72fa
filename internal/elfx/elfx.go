// Package elfx provides a read-only view of an ELF image held in memory:
// PT_LOAD segments, sections, symbols and the GNU build-id.
package elfx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"addr2sym/internal/arch"
)

var ErrNoBuildID = errors.New("build ID note not found")

const (
	ntGNUBuildID = 3
	sttGNUIFunc  = elf.SymType(10)
)

type Image struct {
	File     *elf.File
	All      []byte
	Arch     string
	Loads    []Seg
	Sections []Section
	Dynsyms  []DynSym
	Syms     []DynSym
}

type Seg struct {
	Vaddr, Off, Filesz, Memsz uint64
	Flags                     elf.ProgFlag
}

type Section struct {
	Name          string
	VA, Off, Size uint64
	Data          []byte
}

type DynSym struct {
	Name string
	Addr uint64
}

// IsELF reports whether data starts with the ELF magic.
func IsELF(data []byte) bool {
	return bytes.HasPrefix(data, []byte(elf.ELFMAG))
}

// Parse builds an Image over data. Section data borrows from data except for
// SHF_COMPRESSED sections, which are decompressed into owned buffers.
func Parse(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse elf: %w", err)
	}

	im := &Image{File: f, All: data, Arch: arch.ELFName(f.Machine)}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  p.Vaddr,
			Off:    p.Off,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Flags:  p.Flags,
		})
	}

	for _, s := range f.Sections {
		if s.Type == elf.SHT_NULL {
			continue
		}
		sec := Section{Name: s.Name, VA: s.Addr, Off: s.Offset, Size: s.Size}
		switch {
		case s.Type == elf.SHT_NOBITS:
		case s.Flags&elf.SHF_COMPRESSED != 0:
			// debug/elf inflates compressed sections itself.
			if b, err := s.Data(); err == nil {
				sec.Data = b
				sec.Size = uint64(len(b))
			}
		case s.Offset <= uint64(len(data)) && s.Size <= uint64(len(data))-s.Offset:
			sec.Data = data[s.Offset : s.Offset+s.Size]
		}
		im.Sections = append(im.Sections, sec)
	}

	im.loadDynamicSymbols()
	im.loadStaticSymbols()
	return im, nil
}

// ExecSegment returns the first executable PT_LOAD segment.
func (im *Image) ExecSegment() (Seg, bool) {
	for _, l := range im.Loads {
		if l.Flags&elf.PF_X != 0 {
			return l, true
		}
	}
	return Seg{}, false
}

// Section returns the named section.
func (im *Image) Section(name string) (Section, bool) {
	for _, s := range im.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

func (im *Image) loadDynamicSymbols() {
	if im.File.Section(".dynsym") == nil {
		return
	}
	dynsyms, err := im.File.DynamicSymbols()
	if err != nil {
		return
	}
	im.Dynsyms = definedSymbols(dynsyms)
}

// loadStaticSymbols loads .symtab; stripped binaries only carry .dynsym.
func (im *Image) loadStaticSymbols() {
	syms, err := im.File.Symbols()
	if err != nil {
		return
	}
	im.Syms = definedSymbols(syms)
}

func definedSymbols(syms []elf.Symbol) []DynSym {
	var out []DynSym
	for _, sym := range syms {
		if sym.Name == "" || sym.Section == elf.SHN_UNDEF || sym.Section == elf.SHN_ABS || isMappingSymbol(sym.Name) {
			continue
		}
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE, sttGNUIFunc:
		default:
			continue
		}
		out = append(out, DynSym{Name: sym.Name, Addr: sym.Value})
	}
	return out
}

// isMappingSymbol reports ARM/AArch64 mapping symbols ($a, $d, $t, $x,
// optionally with a ".suffix"), which mark code/data regions rather than
// functions. Swift's "$s..." names are not mapping symbols.
func isMappingSymbol(name string) bool {
	if len(name) < 2 || name[0] != '$' {
		return false
	}
	switch name[1] {
	case 'a', 'd', 't', 'x':
	default:
		return false
	}
	return len(name) == 2 || name[2] == '.'
}

// GNUBuildID returns the descriptor of the NT_GNU_BUILD_ID note.
func (im *Image) GNUBuildID() ([]byte, error) {
	sec, ok := im.Section(".note.gnu.build-id")
	if !ok || sec.Data == nil {
		return nil, ErrNoBuildID
	}
	bo := im.File.ByteOrder
	data := sec.Data
	for len(data) >= 12 {
		namesz, descsz, typ := bo.Uint32(data[0:4]), bo.Uint32(data[4:8]), bo.Uint32(data[8:12])
		nameEnd := 12 + align4(uint64(namesz))
		descEnd := nameEnd + align4(uint64(descsz))
		if descEnd > uint64(len(data)) {
			return nil, fmt.Errorf("note section truncated")
		}
		name := data[12 : 12+uint64(namesz)]
		if typ == ntGNUBuildID && bytes.Equal(name, []byte("GNU\x00")) {
			return data[nameEnd : nameEnd+uint64(descsz)], nil
		}
		data = data[descEnd:]
	}
	return nil, ErrNoBuildID
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}

// ByteOrder returns the byte order of the image.
func (im *Image) ByteOrder() binary.ByteOrder {
	return im.File.ByteOrder
}
