// Package machotest builds small Mach-O, fat and DWARF images for tests.
package machotest

import (
	"bytes"
	"encoding/binary"
)

const (
	CPUArm64  = 0x0100000c
	CPUX86_64 = 0x01000007
	CPUI386   = 7

	SubCPUArm64All = 0
	SubCPUArm64E   = 2
	SubCPUX86All   = 3

	lcSegment64 = 0x19
	lcSymtab    = 0x2
	lcUUID      = 0x1b

	typeExecute = 2
	nSectExt    = 0x0f
)

var le = binary.LittleEndian

type Section struct {
	Name string
	Addr uint64
	Data []byte
}

type Segment struct {
	Name     string
	Addr     uint64
	Size     uint64
	Prot     uint32
	Sections []Section
}

// Symbol is an nlist entry. Sect is the 1-based section ordinal; zero means
// the first section.
type Symbol struct {
	Name  string
	Value uint64
	Type  uint8
	Sect  uint8
}

// Builder describes a little-endian 64-bit Mach-O executable.
type Builder struct {
	CPU, SubCPU uint32
	UUID        []byte
	Segments    []Segment
	Symbols     []Symbol
}

// Bytes lays the image out: header, load commands, section data, symbols
// and string table, in that order.
func (b Builder) Bytes() []byte {
	nsects := 0
	for _, s := range b.Segments {
		nsects += len(s.Sections)
	}
	ncmds := len(b.Segments)
	sizeofcmds := 72*len(b.Segments) + 80*nsects
	if len(b.Symbols) > 0 {
		ncmds++
		sizeofcmds += 24
	}
	if b.UUID != nil {
		ncmds++
		sizeofcmds += 24
	}

	// Section data follows the load commands.
	off := align(32+sizeofcmds, 8)
	type placed struct{ off, size int }
	offsets := make([][]placed, len(b.Segments))
	for i, seg := range b.Segments {
		for _, sec := range seg.Sections {
			offsets[i] = append(offsets[i], placed{off, len(sec.Data)})
			off = align(off+len(sec.Data), 8)
		}
	}
	symoff := off
	strtab := []byte{0}
	nameIdx := make([]int, len(b.Symbols))
	for i, s := range b.Symbols {
		nameIdx[i] = len(strtab)
		strtab = append(strtab, s.Name...)
		strtab = append(strtab, 0)
	}
	stroff := symoff + 16*len(b.Symbols)

	var out bytes.Buffer
	w := func(v any) { binary.Write(&out, le, v) }

	w(uint32(0xfeedfacf))
	w(b.CPU)
	w(b.SubCPU)
	w(uint32(typeExecute))
	w(uint32(ncmds))
	w(uint32(sizeofcmds))
	w(uint32(0))
	w(uint32(0))

	for i, seg := range b.Segments {
		fileoff, filesize := uint64(0), uint64(0)
		if len(offsets[i]) > 0 {
			first, last := offsets[i][0], offsets[i][len(offsets[i])-1]
			fileoff = uint64(first.off)
			filesize = uint64(last.off+last.size) - fileoff
		}
		if seg.Name == "__TEXT" {
			filesize += fileoff
			fileoff = 0
		}
		prot := seg.Prot
		if prot == 0 {
			prot = 5
		}
		w(uint32(lcSegment64))
		w(uint32(72 + 80*len(seg.Sections)))
		w(name16(seg.Name))
		w(seg.Addr)
		w(seg.Size)
		w(fileoff)
		w(filesize)
		w(prot)
		w(prot)
		w(uint32(len(seg.Sections)))
		w(uint32(0))
		for j, sec := range seg.Sections {
			w(name16(sec.Name))
			w(name16(seg.Name))
			w(sec.Addr)
			w(uint64(len(sec.Data)))
			w(uint32(offsets[i][j].off))
			w(uint32(0)) // align
			w(uint32(0)) // reloff
			w(uint32(0)) // nreloc
			w(uint32(0)) // flags
			w(uint32(0))
			w(uint32(0))
			w(uint32(0))
		}
	}
	if len(b.Symbols) > 0 {
		w(uint32(lcSymtab))
		w(uint32(24))
		w(uint32(symoff))
		w(uint32(len(b.Symbols)))
		w(uint32(stroff))
		w(uint32(len(strtab)))
	}
	if b.UUID != nil {
		w(uint32(lcUUID))
		w(uint32(24))
		var u [16]byte
		copy(u[:], b.UUID)
		w(u)
	}

	for i, seg := range b.Segments {
		for j, sec := range seg.Sections {
			pad(&out, offsets[i][j].off)
			out.Write(sec.Data)
		}
	}
	pad(&out, symoff)
	for i, s := range b.Symbols {
		typ, sect := s.Type, s.Sect
		if typ == 0 {
			typ = nSectExt
		}
		if sect == 0 {
			sect = 1
		}
		w(uint32(nameIdx[i]))
		w(typ)
		w(sect)
		w(uint16(0))
		w(s.Value)
	}
	out.Write(strtab)
	return out.Bytes()
}

// FatSlice is one architecture of a fat container.
type FatSlice struct {
	CPU, SubCPU uint32
	Data        []byte
}

// Fat wraps slices in a big-endian fat header, FAT_MAGIC_64 when is64.
func Fat(is64 bool, slices ...FatSlice) []byte {
	be := binary.BigEndian
	entSize := 20
	magic := uint32(0xcafebabe)
	if is64 {
		entSize = 32
		magic = 0xcafebabf
	}
	off := align(8+entSize*len(slices), 16)

	var out bytes.Buffer
	w := func(v any) { binary.Write(&out, be, v) }
	w(magic)
	w(uint32(len(slices)))
	offsets := make([]int, len(slices))
	for i, s := range slices {
		offsets[i] = off
		w(s.CPU)
		w(s.SubCPU)
		if is64 {
			w(uint64(off))
			w(uint64(len(s.Data)))
			w(uint32(4))
			w(uint32(0))
		} else {
			w(uint32(off))
			w(uint32(len(s.Data)))
			w(uint32(4))
		}
		off = align(off+len(s.Data), 16)
	}
	for i, s := range slices {
		pad(&out, offsets[i])
		out.Write(s.Data)
	}
	return out.Bytes()
}

// TextImage is the common fixture: a __TEXT segment at textAddr holding a
// __text section, plus the given symbols.
func TextImage(cpu, subcpu uint32, uuid []byte, textAddr uint64, syms ...Symbol) []byte {
	return Builder{
		CPU:    cpu,
		SubCPU: subcpu,
		UUID:   uuid,
		Segments: []Segment{{
			Name: "__TEXT",
			Addr: textAddr,
			Size: 0x4000,
			Sections: []Section{{
				Name: "__text",
				Addr: textAddr + 0x1000,
				Data: make([]byte, 0x100),
			}},
		}},
		Symbols: syms,
	}.Bytes()
}

func name16(s string) [16]byte {
	var b [16]byte
	copy(b[:], s)
	return b
}

func align(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

func pad(buf *bytes.Buffer, to int) {
	for buf.Len() < to {
		buf.WriteByte(0)
	}
}
