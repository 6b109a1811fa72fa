// Package machox provides a read-only view of a thin Mach-O image held in
// memory: segments, sections, the nlist symbol table and the LC_UUID.
package machox

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"errors"
	"fmt"

	"addr2sym/internal/arch"
)

const (
	loadCmdUUID = 0x1b

	nStab = 0xe0
	nType = 0x0e
	nSect = 0x0e

	sectionTypeMask = 0xff
	sZeroFill       = 0x1
	sGBZeroFill     = 0xc
	sThreadZeroFill = 0x12
)

var ErrNotMachO = errors.New("not a Mach-O file")

type Image struct {
	File     *macho.File
	Data     []byte
	Arch     string
	UUID     []byte
	Segs     []Seg
	Sections []Section
	Syms     []Sym
}

type Seg struct {
	Name         string
	Vaddr, Vsize uint64
	Off, Filesz  uint64
	Exec         bool
}

type Section struct {
	Name, Seg string
	Addr      uint64
	Size      uint64
	Data      []byte // borrowed from Image.Data; nil for zero-fill sections
}

type Sym struct {
	Name string
	Addr uint64
}

// Parse builds an Image over data. The returned views borrow from data.
func Parse(data []byte) (*Image, error) {
	if _, _, err := headerOrder(data); err != nil {
		return nil, err
	}
	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse mach-o: %w", err)
	}

	im := &Image{
		File: f,
		Data: data,
		Arch: arch.MachOName(uint32(f.Cpu), f.SubCpu),
	}

	for _, l := range f.Loads {
		switch l := l.(type) {
		case *macho.Segment:
			im.Segs = append(im.Segs, Seg{
				Name:   l.Name,
				Vaddr:  l.Addr,
				Vsize:  l.Memsz,
				Off:    l.Offset,
				Filesz: l.Filesz,
				Exec:   l.Prot&0x4 != 0,
			})
		default:
			raw := l.Raw()
			if len(raw) >= 24 && f.ByteOrder.Uint32(raw[0:4]) == loadCmdUUID {
				im.UUID = raw[8:24]
			}
		}
	}

	for _, s := range f.Sections {
		im.Sections = append(im.Sections, Section{
			Name: s.Name,
			Seg:  s.Seg,
			Addr: s.Addr,
			Size: s.Size,
			Data: sectionBytes(data, s),
		})
	}

	if f.Symtab != nil {
		for _, s := range f.Symtab.Syms {
			if s.Type&nStab != 0 || s.Type&nType != nSect || s.Sect == 0 || s.Name == "" {
				continue
			}
			im.Syms = append(im.Syms, Sym{Name: s.Name, Addr: s.Value})
		}
	}
	return im, nil
}

// Segment returns the named segment.
func (im *Image) Segment(name string) (Seg, bool) {
	for _, s := range im.Segs {
		if s.Name == name {
			return s, true
		}
	}
	return Seg{}, false
}

func sectionBytes(data []byte, s *macho.Section) []byte {
	switch s.Flags & sectionTypeMask {
	case sZeroFill, sGBZeroFill, sThreadZeroFill:
		return nil
	}
	off, size := uint64(s.Offset), s.Size
	if off == 0 || off > uint64(len(data)) || size > uint64(len(data))-off {
		return nil
	}
	return data[off : off+size]
}

// headerOrder reports the byte order and word size of a thin Mach-O header.
func headerOrder(data []byte) (binary.ByteOrder, bool, error) {
	if len(data) < 4 {
		return nil, false, ErrNotMachO
	}
	for _, bo := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		switch bo.Uint32(data) {
		case macho.Magic32:
			return bo, false, nil
		case macho.Magic64:
			return bo, true, nil
		}
	}
	return nil, false, ErrNotMachO
}

// IsMachO reports whether data starts with a thin Mach-O magic.
func IsMachO(data []byte) bool {
	_, _, err := headerOrder(data)
	return err == nil
}

// Header is the part of a Mach-O image needed to filter fat slices.
type Header struct {
	CPU, SubCPU uint32
	UUID        []byte
}

// PeekHeader reads the cpu type and the LC_UUID payload without parsing
// segments or symbols.
func PeekHeader(data []byte) (Header, error) {
	bo, is64, err := headerOrder(data)
	if err != nil {
		return Header{}, err
	}
	hdrSize := 28
	if is64 {
		hdrSize = 32
	}
	if len(data) < hdrSize {
		return Header{}, fmt.Errorf("mach-o header truncated: %d bytes", len(data))
	}
	h := Header{
		CPU:    bo.Uint32(data[4:8]),
		SubCPU: bo.Uint32(data[8:12]),
	}
	ncmds := bo.Uint32(data[16:20])
	sizeofcmds := uint64(bo.Uint32(data[20:24]))
	if uint64(hdrSize)+sizeofcmds > uint64(len(data)) {
		return Header{}, fmt.Errorf("mach-o load commands truncated: need %d bytes", uint64(hdrSize)+sizeofcmds)
	}
	cmds := data[hdrSize : uint64(hdrSize)+sizeofcmds]
	for i := uint32(0); i < ncmds; i++ {
		if len(cmds) < 8 {
			return Header{}, fmt.Errorf("mach-o load command %d truncated", i)
		}
		cmd, size := bo.Uint32(cmds[0:4]), bo.Uint32(cmds[4:8])
		if size < 8 || uint64(size) > uint64(len(cmds)) {
			return Header{}, fmt.Errorf("mach-o load command %d has invalid size %d", i, size)
		}
		if cmd == loadCmdUUID && size >= 24 {
			h.UUID = cmds[8:24]
		}
		cmds = cmds[size:]
	}
	return h, nil
}
