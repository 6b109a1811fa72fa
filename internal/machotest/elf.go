package machotest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// ELFTextOffset is the file offset of .text in images built by ELF.Bytes.
// The executable PT_LOAD maps the file from offset 0 at ELF.Base, so .text
// lives at Base+ELFTextOffset.
const ELFTextOffset = 0x200

type ELFSection struct {
	Name  string
	Type  elf.SectionType // defaults to SHT_PROGBITS
	Flags elf.SectionFlag
	Addr  uint64
	Data  []byte
}

type ELFSymbol struct {
	Name  string
	Value uint64
	Type  elf.SymType // defaults to STT_FUNC
	Undef bool
}

// ELF describes a little-endian ELF64 executable with a single executable
// PT_LOAD segment.
type ELF struct {
	Machine  elf.Machine
	Base     uint64
	Text     []byte
	BuildID  []byte
	Sections []ELFSection
	Symbols  []ELFSymbol
}

func (e ELF) Bytes() []byte {
	const (
		ehdrSize = 64
		phdrSize = 56
		shdrSize = 64
		symSize  = 24
	)

	text := e.Text
	if text == nil {
		text = make([]byte, 0x100)
	}
	secs := []ELFSection{{
		Name:  ".text",
		Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		Addr:  e.Base + ELFTextOffset,
		Data:  text,
	}}
	secs = append(secs, e.Sections...)
	if e.BuildID != nil {
		var note bytes.Buffer
		binary.Write(&note, le, uint32(4))
		binary.Write(&note, le, uint32(len(e.BuildID)))
		binary.Write(&note, le, uint32(3))
		note.WriteString("GNU\x00")
		note.Write(e.BuildID)
		for note.Len()%4 != 0 {
			note.WriteByte(0)
		}
		secs = append(secs, ELFSection{
			Name:  ".note.gnu.build-id",
			Type:  elf.SHT_NOTE,
			Flags: elf.SHF_ALLOC,
			Data:  note.Bytes(),
		})
	}

	strtab := []byte{0}
	var symtab bytes.Buffer
	symtab.Write(make([]byte, symSize))
	for _, s := range e.Symbols {
		name := uint32(len(strtab))
		strtab = append(strtab, s.Name...)
		strtab = append(strtab, 0)
		typ := s.Type
		if typ == 0 {
			typ = elf.STT_FUNC
		}
		shndx := uint16(1)
		if s.Undef {
			shndx = uint16(elf.SHN_UNDEF)
		}
		binary.Write(&symtab, le, name)
		symtab.WriteByte(elf.ST_INFO(elf.STB_GLOBAL, typ))
		symtab.WriteByte(0)
		binary.Write(&symtab, le, shndx)
		binary.Write(&symtab, le, s.Value)
		binary.Write(&symtab, le, uint64(0))
	}
	symtabIdx := len(secs) + 1
	secs = append(secs,
		ELFSection{Name: ".symtab", Type: elf.SHT_SYMTAB, Data: symtab.Bytes()},
		ELFSection{Name: ".strtab", Type: elf.SHT_STRTAB, Data: strtab},
	)

	shstrtab := []byte{0}
	names := make([]uint32, len(secs)+1)
	for i, s := range secs {
		names[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.Name...)
		shstrtab = append(shstrtab, 0)
	}
	names[len(secs)] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab\x00"...)
	secs = append(secs, ELFSection{Name: ".shstrtab", Type: elf.SHT_STRTAB, Data: shstrtab})

	// .text first at its fixed offset, the rest packed after it.
	offsets := make([]int, len(secs))
	off := ELFTextOffset
	for i, s := range secs {
		offsets[i] = off
		off = align(off+len(s.Data), 8)
	}
	shoff := off

	var out bytes.Buffer
	w := func(v any) { binary.Write(&out, le, v) }
	out.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	out.Write(make([]byte, 8))
	w(uint16(elf.ET_EXEC))
	w(uint16(e.Machine))
	w(uint32(1))
	w(e.Base + ELFTextOffset)
	w(uint64(ehdrSize))
	w(uint64(shoff))
	w(uint32(0))
	w(uint16(ehdrSize))
	w(uint16(phdrSize))
	w(uint16(1))
	w(uint16(shdrSize))
	w(uint16(len(secs) + 1))
	w(uint16(len(secs)))

	textEnd := uint64(ELFTextOffset + len(text))
	w(uint32(elf.PT_LOAD))
	w(uint32(elf.PF_R | elf.PF_X))
	w(uint64(0))
	w(e.Base)
	w(e.Base)
	w(textEnd)
	w(textEnd)
	w(uint64(0x1000))

	for i, s := range secs {
		pad(&out, offsets[i])
		out.Write(s.Data)
	}
	pad(&out, shoff)

	out.Write(make([]byte, shdrSize))
	for i, s := range secs {
		typ := s.Type
		if typ == 0 {
			typ = elf.SHT_PROGBITS
		}
		var link, info uint32
		var entsize uint64
		if typ == elf.SHT_SYMTAB {
			link, info, entsize = uint32(symtabIdx+1), 1, symSize
		}
		w(names[i])
		w(uint32(typ))
		w(uint64(s.Flags))
		w(s.Addr)
		w(uint64(offsets[i]))
		w(uint64(len(s.Data)))
		w(link)
		w(info)
		w(uint64(1))
		w(entsize)
	}
	return out.Bytes()
}

// ELFSections returns the DWARF sections with ELF names.
func (d DWARF) ELFSections() []ELFSection {
	var out []ELFSection
	for _, s := range d.Sections() {
		out = append(out, ELFSection{Name: "." + s.Name[2:], Data: s.Data})
	}
	return out
}
