package machotest

import (
	"bytes"
	"encoding/binary"

	"github.com/klauspost/compress/zlib"
)

// Subprogram is a DW_TAG_subprogram entry. A zero Low and High emits a
// declaration without a pc range.
type Subprogram struct {
	Name        string
	LinkageName string // emitted instead of DW_AT_name when Name is empty
	Low, High   uint64
	HighIsSize  bool // encode DW_AT_high_pc as a data4 size instead of an address
}

type LineRow struct {
	Addr uint64
	File uint64 // 1-based index into Unit.Files
	Line int64
}

// Sequence is a contiguous run of rows closed by DW_LNE_end_sequence at End.
type Sequence struct {
	Rows []LineRow
	End  uint64
}

type Unit struct {
	Name        string
	CompDir     string
	Low, High   uint64
	Ranges      [][2]uint64 // aranges tuples; defaults to [Low, High)
	Subprograms []Subprogram
	Files       []string
	Sequences   []Sequence

	// IncludeDirs is the line header's include_directories table. FileDirs,
	// when set, gives each entry of Files its 1-based directory index.
	IncludeDirs []string
	FileDirs    []uint64
}

// DWARF holds raw DWARF 4 sections.
type DWARF struct {
	Abbrev, Info, Line, Aranges, Str []byte
}

const (
	abbrevCU = iota + 1
	abbrevSubprogramAddr
	abbrevSubprogramSize
	abbrevSubprogramLinkage
	abbrevSubprogramDecl
)

func abbrevTable() []byte {
	const (
		tagCompileUnit = 0x11
		tagSubprogram  = 0x2e

		atName        = 0x03
		atStmtList    = 0x10
		atLowPC       = 0x11
		atHighPC      = 0x12
		atCompDir     = 0x1b
		atLinkageName = 0x6e

		formAddr      = 0x01
		formData4     = 0x06
		formString    = 0x08
		formSecOffset = 0x17
	)
	var b bytes.Buffer
	entry := func(code, tag int, children bool, attrs ...int) {
		b.Write(uleb(uint64(code)))
		b.Write(uleb(uint64(tag)))
		if children {
			b.WriteByte(1)
		} else {
			b.WriteByte(0)
		}
		for _, a := range attrs {
			b.Write(uleb(uint64(a)))
		}
		b.Write([]byte{0, 0})
	}
	entry(abbrevCU, tagCompileUnit, true,
		atName, formString, atCompDir, formString, atStmtList, formSecOffset,
		atLowPC, formAddr, atHighPC, formData4)
	entry(abbrevSubprogramAddr, tagSubprogram, false,
		atName, formString, atLowPC, formAddr, atHighPC, formAddr)
	entry(abbrevSubprogramSize, tagSubprogram, false,
		atName, formString, atLowPC, formAddr, atHighPC, formData4)
	entry(abbrevSubprogramLinkage, tagSubprogram, false,
		atLinkageName, formString, atLowPC, formAddr, atHighPC, formData4)
	entry(abbrevSubprogramDecl, tagSubprogram, false,
		atName, formString)
	b.WriteByte(0)
	return b.Bytes()
}

// BuildDWARF encodes the units as DWARF 4 with 8-byte addresses.
func BuildDWARF(units ...Unit) DWARF {
	d := DWARF{Abbrev: abbrevTable()}
	var info, line, aranges bytes.Buffer
	for _, u := range units {
		infoOff := info.Len()
		lineOff := line.Len()
		line.Write(lineProgram(u))
		info.Write(infoUnit(u, uint32(lineOff)))
		aranges.Write(arangeSet(u, uint32(infoOff)))
	}
	d.Info = info.Bytes()
	d.Line = line.Bytes()
	d.Aranges = aranges.Bytes()
	return d
}

func infoUnit(u Unit, lineOff uint32) []byte {
	var body bytes.Buffer
	w := func(v any) { binary.Write(&body, le, v) }
	w(uint16(4))
	w(uint32(0))
	body.WriteByte(8)

	body.Write(uleb(abbrevCU))
	cstr(&body, u.Name)
	cstr(&body, u.CompDir)
	w(lineOff)
	w(u.Low)
	w(uint32(u.High - u.Low))
	for _, sp := range u.Subprograms {
		switch {
		case sp.Low == 0 && sp.High == 0:
			body.Write(uleb(abbrevSubprogramDecl))
			cstr(&body, sp.Name)
		case sp.Name == "":
			body.Write(uleb(abbrevSubprogramLinkage))
			cstr(&body, sp.LinkageName)
			w(sp.Low)
			w(uint32(sp.High - sp.Low))
		case sp.HighIsSize:
			body.Write(uleb(abbrevSubprogramSize))
			cstr(&body, sp.Name)
			w(sp.Low)
			w(uint32(sp.High - sp.Low))
		default:
			body.Write(uleb(abbrevSubprogramAddr))
			cstr(&body, sp.Name)
			w(sp.Low)
			w(sp.High)
		}
	}
	body.WriteByte(0)

	var out bytes.Buffer
	binary.Write(&out, le, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func lineProgram(u Unit) []byte {
	var hdr bytes.Buffer
	hdr.WriteByte(1)    // minimum_instruction_length
	hdr.WriteByte(1)    // maximum_operations_per_instruction
	hdr.WriteByte(1)    // default_is_stmt
	hdr.WriteByte(0xfb) // line_base = -5
	hdr.WriteByte(14)   // line_range
	hdr.WriteByte(13)   // opcode_base
	hdr.Write([]byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1})
	for _, dir := range u.IncludeDirs {
		cstr(&hdr, dir)
	}
	hdr.WriteByte(0)
	for i, f := range u.Files {
		cstr(&hdr, f)
		var dir uint64
		if i < len(u.FileDirs) {
			dir = u.FileDirs[i]
		}
		hdr.Write(uleb(dir))
		hdr.Write([]byte{0, 0})
	}
	hdr.WriteByte(0)

	var prog bytes.Buffer
	for _, seq := range u.Sequences {
		file, ln := uint64(1), int64(1)
		var addr uint64
		for i, r := range seq.Rows {
			if i == 0 {
				prog.Write([]byte{0, 9, 2})
				binary.Write(&prog, le, r.Addr)
			} else {
				prog.WriteByte(2) // DW_LNS_advance_pc
				prog.Write(uleb(r.Addr - addr))
			}
			addr = r.Addr
			if r.File != file {
				prog.WriteByte(4) // DW_LNS_set_file
				prog.Write(uleb(r.File))
				file = r.File
			}
			if r.Line != ln {
				prog.WriteByte(3) // DW_LNS_advance_line
				prog.Write(sleb(r.Line - ln))
				ln = r.Line
			}
			prog.WriteByte(1) // DW_LNS_copy
		}
		prog.WriteByte(2)
		prog.Write(uleb(seq.End - addr))
		prog.Write([]byte{0, 1, 1}) // DW_LNE_end_sequence
	}

	var out bytes.Buffer
	w := func(v any) { binary.Write(&out, le, v) }
	w(uint32(2 + 4 + hdr.Len() + prog.Len()))
	w(uint16(4))
	w(uint32(hdr.Len()))
	out.Write(hdr.Bytes())
	out.Write(prog.Bytes())
	return out.Bytes()
}

func arangeSet(u Unit, infoOff uint32) []byte {
	ranges := u.Ranges
	if ranges == nil {
		ranges = [][2]uint64{{u.Low, u.High - u.Low}}
	}
	var out bytes.Buffer
	w := func(v any) { binary.Write(&out, le, v) }
	w(uint32(12 + 16*(len(ranges)+1)))
	w(uint16(2))
	w(infoOff)
	out.WriteByte(8)
	out.WriteByte(0)
	out.Write([]byte{0, 0, 0, 0})
	for _, r := range ranges {
		w(r[0])
		w(r[1])
	}
	w(uint64(0))
	w(uint64(0))
	return out.Bytes()
}

// Sections returns the DWARF sections named with the Mach-O __debug_ prefix,
// for a __DWARF segment.
func (d DWARF) Sections() []Section {
	secs := []Section{
		{Name: "__debug_abbrev", Data: d.Abbrev},
		{Name: "__debug_info", Data: d.Info},
		{Name: "__debug_line", Data: d.Line},
		{Name: "__debug_aranges", Data: d.Aranges},
	}
	if d.Str != nil {
		secs = append(secs, Section{Name: "__debug_str", Data: d.Str})
	}
	return secs
}

// Zlib encodes data the way __zdebug_* sections store it: "ZLIB", the
// big-endian uncompressed size, then a zlib stream.
func Zlib(data []byte) []byte {
	var out bytes.Buffer
	out.WriteString("ZLIB")
	binary.Write(&out, binary.BigEndian, uint64(len(data)))
	zw := zlib.NewWriter(&out)
	zw.Write(data)
	zw.Close()
	return out.Bytes()
}

func cstr(b *bytes.Buffer, s string) {
	b.WriteString(s)
	b.WriteByte(0)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		out = append(out, c)
		if done {
			return out
		}
	}
}
