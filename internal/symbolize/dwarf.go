package symbolize

import (
	"debug/dwarf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"addr2sym/internal/demangle"
	"addr2sym/internal/object"
)

// DW_AT_MIPS_linkage_name, still emitted by older toolchains.
const attrMIPSLinkageName dwarf.Attr = 0x2007

// ResolvedLine is a DWARF hit.
type ResolvedLine struct {
	Name  string
	Image string
	File  string
	Line  int
}

func (r ResolvedLine) String() string {
	return fmt.Sprintf("%s (in %s) (%s:%d)", r.Name, r.Image, r.File, r.Line)
}

// DWARF resolves addresses through .debug_aranges, the owning compilation
// unit's subprograms and its line program.
type DWARF struct {
	image     string
	data      *dwarf.Data
	info      []byte
	aranges   []byte
	line      []byte
	order     binary.ByteOrder
	demangler *demangle.Demangler
}

// NewDWARF loads the debug sections of im. Compressed sections are inflated
// once here.
func NewDWARF(im *object.Image, d *demangle.Demangler) (*DWARF, error) {
	load := func(name string) ([]byte, error) {
		for _, n := range debugSectionNames(im.Format, name) {
			if im.HasSection(n) {
				return im.SectionData(n)
			}
		}
		return nil, nil
	}

	sec := map[string][]byte{}
	for _, name := range []string{"abbrev", "aranges", "info", "line", "ranges", "str"} {
		b, err := load(name)
		if err != nil {
			return nil, fmt.Errorf("load debug_%s: %w", name, err)
		}
		sec[name] = b
	}
	if sec["info"] == nil || sec["abbrev"] == nil {
		return nil, fmt.Errorf("%w: no debug_info", ErrNotFound)
	}

	data, err := dwarf.New(sec["abbrev"], sec["aranges"], nil, sec["info"], sec["line"], nil, sec["ranges"], sec["str"])
	if err != nil {
		return nil, fmt.Errorf("parse dwarf: %w", err)
	}
	// DWARF 5 side tables; absent in older units.
	for _, name := range []string{"addr", "line_str", "str_offsets", "rnglists"} {
		b, err := load(name)
		if err != nil {
			return nil, fmt.Errorf("load debug_%s: %w", name, err)
		}
		if b == nil {
			continue
		}
		if err := data.AddSection(".debug_"+name, b); err != nil {
			return nil, fmt.Errorf("add debug_%s: %w", name, err)
		}
	}

	return &DWARF{
		image:     im.Name,
		data:      data,
		info:      sec["info"],
		aranges:   sec["aranges"],
		line:      sec["line"],
		order:     im.ByteOrder,
		demangler: d,
	}, nil
}

// debugSectionNames lists the plain and compressed section names for a
// DWARF section. Mach-O section names are limited to 16 bytes.
func debugSectionNames(f object.Format, name string) []string {
	if f == object.FormatMachO {
		return []string{trunc16("__debug_" + name), trunc16("__zdebug_" + name)}
	}
	return []string{".debug_" + name, ".zdebug_" + name}
}

func trunc16(s string) string {
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

// Lookup resolves addr to a subprogram name, source file and line. It
// returns ErrNotFound unless all three are known.
func (d *DWARF) Lookup(addr uint64) (ResolvedLine, error) {
	unitOff, err := d.arangeUnit(addr)
	if err != nil {
		return ResolvedLine{}, err
	}
	dieOff, unitEnd, err := unitDIEOffset(d.info, d.order, unitOff)
	if err != nil {
		return ResolvedLine{}, err
	}

	r := d.data.Reader()
	r.Seek(dieOff)
	cu, err := r.Next()
	if err != nil {
		return ResolvedLine{}, fmt.Errorf("read unit at %#x: %w", unitOff, err)
	}
	if cu == nil {
		return ResolvedLine{}, fmt.Errorf("%w: empty unit at %#x", ErrNotFound, unitOff)
	}

	name, err := d.subprogramName(r, cu, unitEnd, addr)
	if err != nil {
		return ResolvedLine{}, err
	}
	file, line, err := d.lineFor(cu, addr)
	if err != nil {
		return ResolvedLine{}, err
	}
	if name == "" || file == "" || line == 0 {
		return ResolvedLine{}, ErrNotFound
	}
	return ResolvedLine{
		Name:  d.demangler.Demangle(name),
		Image: d.image,
		File:  file,
		Line:  line,
	}, nil
}

// arangeUnit scans every .debug_aranges set in order and returns the
// debug_info offset of the first set with a tuple covering addr.
func (d *DWARF) arangeUnit(addr uint64) (uint64, error) {
	b := d.aranges
	bo := d.order
	for off := uint64(0); off < uint64(len(b)); {
		start := off
		if off+4 > uint64(len(b)) {
			return 0, errTruncated("aranges", off)
		}
		length := uint64(bo.Uint32(b[off:]))
		off += 4
		offSize := uint64(4)
		if length == 0xffffffff {
			if off+8 > uint64(len(b)) {
				return 0, errTruncated("aranges", off)
			}
			length = bo.Uint64(b[off:])
			off += 8
			offSize = 8
		}
		end := off + length
		if length > uint64(len(b)) || end > uint64(len(b)) {
			return 0, errTruncated("aranges", start)
		}
		if off+2+offSize+2 > end {
			return 0, errTruncated("aranges", off)
		}
		// version
		off += 2
		infoOff := readUint(bo, b[off:], offSize)
		off += offSize
		addrSize := uint64(b[off])
		segSize := uint64(b[off+1])
		off += 2
		if addrSize != 2 && addrSize != 4 && addrSize != 8 {
			return 0, fmt.Errorf("decoding dwarf section aranges at offset %#x: unsupported address size %d", start, addrSize)
		}

		tuple := 2 * addrSize
		if rem := (off - start) % tuple; rem != 0 {
			off += tuple - rem
		}
		for off+segSize+tuple <= end {
			seg := readUint(bo, b[off:], segSize)
			begin := readUint(bo, b[off+segSize:], addrSize)
			size := readUint(bo, b[off+segSize+addrSize:], addrSize)
			off += segSize + tuple
			if seg == 0 && begin == 0 && size == 0 {
				break
			}
			if addr >= begin && addr-begin < size {
				return infoOff, nil
			}
		}
		off = end
	}
	return 0, fmt.Errorf("%w: no address range covers %#x", ErrNotFound, addr)
}

// unitDIEOffset decodes the unit header at off and returns the offset of the
// unit's first entry and the offset just past the unit.
func unitDIEOffset(info []byte, bo binary.ByteOrder, off uint64) (dwarf.Offset, uint64, error) {
	n := uint64(len(info))
	if off+4 > n {
		return 0, 0, errTruncated("info", off)
	}
	pos := off
	length := uint64(bo.Uint32(info[pos:]))
	pos += 4
	offSize := uint64(4)
	if length == 0xffffffff {
		if pos+8 > n {
			return 0, 0, errTruncated("info", off)
		}
		length = bo.Uint64(info[pos:])
		pos += 8
		offSize = 8
	}
	end := pos + length
	if length > n || end > n || pos+2 > end {
		return 0, 0, errTruncated("info", off)
	}
	version := bo.Uint16(info[pos:])
	pos += 2

	switch {
	case version >= 2 && version <= 4:
		pos += offSize + 1
	case version == 5:
		if pos >= end {
			return 0, 0, errTruncated("info", off)
		}
		unitType := info[pos]
		pos += 1 + 1 + offSize
		switch unitType {
		case 0x04, 0x05: // skeleton, split_compile
			pos += 8
		case 0x02, 0x06: // type, split_type
			pos += 8 + offSize
		}
	default:
		return 0, 0, fmt.Errorf("decoding dwarf section info at offset %#x: unsupported version %d", off, version)
	}
	if pos > end {
		return 0, 0, errTruncated("info", off)
	}
	return dwarf.Offset(pos), end, nil
}

// subprogramName walks the unit's entries and returns the name of the first
// subprogram whose pc range contains addr.
func (d *DWARF) subprogramName(r *dwarf.Reader, cu *dwarf.Entry, unitEnd uint64, addr uint64) (string, error) {
	if !cu.Children {
		return "", nil
	}
	depth := 1
	for depth > 0 {
		e, err := r.Next()
		if err != nil {
			return "", fmt.Errorf("read entries: %w", err)
		}
		if e == nil {
			depth--
			continue
		}
		if uint64(e.Offset) >= unitEnd {
			break
		}
		if e.Children {
			depth++
		}
		if e.Tag != dwarf.TagSubprogram {
			continue
		}
		low, high, ok := pcRange(e)
		if !ok || addr < low || addr >= high {
			continue
		}
		if name := d.entryName(e, 0); name != "" {
			return name, nil
		}
	}
	return "", nil
}

// pcRange normalizes DW_AT_high_pc, which is an address or, from DWARF 4
// on, a size relative to DW_AT_low_pc.
func pcRange(e *dwarf.Entry) (low, high uint64, ok bool) {
	low, ok = e.Val(dwarf.AttrLowpc).(uint64)
	if !ok {
		return 0, 0, false
	}
	f := e.AttrField(dwarf.AttrHighpc)
	if f == nil {
		return 0, 0, false
	}
	switch f.Class {
	case dwarf.ClassAddress:
		high, ok = f.Val.(uint64)
	case dwarf.ClassConstant:
		var size int64
		size, ok = f.Val.(int64)
		high = low + uint64(size)
	default:
		ok = false
	}
	return low, high, ok
}

func (d *DWARF) entryName(e *dwarf.Entry, hops int) string {
	for _, a := range []dwarf.Attr{dwarf.AttrName, dwarf.AttrLinkageName, attrMIPSLinkageName} {
		if s, ok := e.Val(a).(string); ok && s != "" {
			return s
		}
	}
	if hops >= 4 {
		return ""
	}
	for _, a := range []dwarf.Attr{dwarf.AttrSpecification, dwarf.AttrAbstractOrigin} {
		off, ok := e.Val(a).(dwarf.Offset)
		if !ok {
			continue
		}
		r := d.data.Reader()
		r.Seek(off)
		ref, err := r.Next()
		if err != nil || ref == nil {
			continue
		}
		if s := d.entryName(ref, hops+1); s != "" {
			return s
		}
	}
	return ""
}

// lineFor runs the unit's line program. Whenever a row (end_sequence
// included) lies past addr, the file and line of the row before it are the
// answer; a zero line keeps the walk going.
func (d *DWARF) lineFor(cu *dwarf.Entry, addr uint64) (string, int, error) {
	lr, err := d.data.LineReader(cu)
	if err != nil {
		return "", 0, fmt.Errorf("line program: %w", err)
	}
	if lr == nil {
		return "", 0, nil
	}

	var (
		row      dwarf.LineEntry
		prevFile *dwarf.LineFile
		prevLine int
	)
	for {
		if err := lr.Next(&row); err != nil {
			if errors.Is(err, io.EOF) {
				return "", 0, nil
			}
			return "", 0, fmt.Errorf("line program: %w", err)
		}
		if addr < row.Address && prevLine != 0 && prevFile != nil {
			return d.fileName(cu, lr, prevFile), prevLine, nil
		}
		if row.EndSequence {
			continue
		}
		prevLine = row.Line
		prevFile = row.File
	}
}

// fileName renders f the way the line table stores it, without the
// directory debug/dwarf joins on.
func (d *DWARF) fileName(cu *dwarf.Entry, lr *dwarf.LineReader, f *dwarf.LineFile) string {
	off, ok := cu.Val(dwarf.AttrStmtList).(int64)
	if !ok || off < 0 {
		return f.Name
	}
	stored, err := lineFileNames(d.line, d.order, uint64(off))
	if err != nil {
		return f.Name
	}
	return storedFileName(lr, stored, f)
}

func readUint(bo binary.ByteOrder, b []byte, size uint64) uint64 {
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(bo.Uint16(b))
	case 4:
		return uint64(bo.Uint32(b))
	case 8:
		return bo.Uint64(b)
	}
	return 0
}

func errTruncated(section string, off uint64) error {
	return fmt.Errorf("decoding dwarf section %s at offset %#x: truncated", section, off)
}
