package object

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"addr2sym/internal/imageid"
	"addr2sym/internal/machotest"
)

const textBase = 0x1_0000_0000

func uuidOf(b byte) []byte {
	return bytes.Repeat([]byte{b}, 16)
}

func idOf(t *testing.T, b byte) *imageid.ID {
	t.Helper()
	id, err := imageid.FromBytes(uuidOf(b))
	require.NoError(t, err)
	return &id
}

func thin(cpu, sub uint32, uuid []byte) []byte {
	return machotest.TextImage(cpu, sub, uuid, textBase, machotest.Symbol{Name: "_main", Value: textBase + 0x1000})
}

func slice(cpu, sub uint32, uuid []byte) machotest.FatSlice {
	return machotest.FatSlice{CPU: cpu, SubCPU: sub, Data: thin(cpu, sub, uuid)}
}

func resolve(data []byte, f Filter) (*Image, *Selection, error) {
	return Resolve(data, "bin", f, log.New(io.Discard))
}

func TestResolveThin(t *testing.T) {
	im, sel, err := resolve(thin(machotest.CPUArm64, 0, uuidOf(0xab)), Filter{})
	require.NoError(t, err)
	assert.Nil(t, sel)
	assert.Equal(t, "bin", im.Name)
	assert.Equal(t, FormatMachO, im.Format)
	assert.Equal(t, "arm64", im.Arch)
	require.NotNil(t, im.ID)
	assert.Equal(t, "ABABABAB-ABAB-ABAB-ABAB-ABABABABABAB", im.ID.String())
	assert.Equal(t, uint64(textBase), im.CodeSegmentBase())
	assert.Equal(t, []Symbol{{Name: "_main", Addr: textBase + 0x1000}}, im.Symbols)
	assert.True(t, im.HasSection("__text"))
	assert.False(t, im.HasSection("__debug_line"))
}

func TestResolveThinFilters(t *testing.T) {
	data := thin(machotest.CPUArm64, machotest.SubCPUArm64E, uuidOf(0x01))
	tests := []struct {
		name    string
		filter  Filter
		wantErr string
	}{
		{name: "arch", filter: Filter{Arch: "ARM64E"}},
		{name: "uuid", filter: Filter{ID: idOf(t, 0x01)}},
		{name: "arm64 does not match arm64e", filter: Filter{Arch: "arm64"}, wantErr: "architecture mismatch: requested 'arm64', actual 'arm64e'"},
		{name: "uuid mismatch", filter: Filter{ID: idOf(t, 0x02)}, wantErr: "uuid mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := resolve(data, tt.filter)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrFilterMismatch)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	_, _, err := resolve(thin(machotest.CPUArm64, 0, nil), Filter{ID: idOf(t, 0x01)})
	assert.ErrorIs(t, err, ErrFilterMismatch)
	assert.ErrorContains(t, err, "has no UUID")
}

func TestResolveFatSingleSlice(t *testing.T) {
	for _, is64 := range []bool{false, true} {
		data := machotest.Fat(is64, slice(machotest.CPUX86_64, machotest.SubCPUX86All, uuidOf(0x33)))
		im, sel, err := resolve(data, Filter{})
		require.NoError(t, err, "fat64=%v", is64)
		require.NotNil(t, sel)
		assert.Equal(t, "x86_64", im.Arch)
		assert.Equal(t, "- arch=x86_64 uuid=33333333-3333-3333-3333-333333333333", sel.String())
		assert.Equal(t, []Symbol{{Name: "_main", Addr: textBase + 0x1000}}, im.Symbols)
	}
}

func TestResolveFatSelection(t *testing.T) {
	arm := slice(machotest.CPUArm64, machotest.SubCPUArm64All, uuidOf(0x11))
	arm64e := slice(machotest.CPUArm64, machotest.SubCPUArm64E, uuidOf(0x12))
	x86 := slice(machotest.CPUX86_64, machotest.SubCPUX86All, uuidOf(0x22))
	noID := slice(machotest.CPUI386, machotest.SubCPUX86All, nil)

	tests := []struct {
		name       string
		slices     []machotest.FatSlice
		filter     Filter
		wantArch   string
		wantKind   error
		candidates []string
	}{
		{
			name:     "alias selects arm64",
			slices:   []machotest.FatSlice{arm, x86},
			filter:   Filter{Arch: "aarch64"},
			wantArch: "arm64",
		},
		{
			name:     "amd64 alias",
			slices:   []machotest.FatSlice{arm, x86},
			filter:   Filter{Arch: "amd64"},
			wantArch: "x86_64",
		},
		{
			name:     "arm64 filter skips arm64e",
			slices:   []machotest.FatSlice{arm64e, arm},
			filter:   Filter{Arch: "arm64"},
			wantArch: "arm64",
		},
		{
			name:     "uuid only",
			slices:   []machotest.FatSlice{arm, x86},
			filter:   Filter{ID: idOf(t, 0x22)},
			wantArch: "x86_64",
		},
		{
			name:     "no filter, several slices",
			slices:   []machotest.FatSlice{arm, x86},
			wantKind: ErrAmbiguous,
			candidates: []string{
				"- arch=arm64 uuid=11111111-1111-1111-1111-111111111111",
				"- arch=x86_64 uuid=22222222-2222-2222-2222-222222222222",
			},
		},
		{
			name:     "no match lists every slice",
			slices:   []machotest.FatSlice{arm, x86, noID},
			filter:   Filter{Arch: "ppc"},
			wantKind: ErrNoMatch,
			candidates: []string{
				"- arch=arm64 uuid=11111111-1111-1111-1111-111111111111",
				"- arch=x86_64 uuid=22222222-2222-2222-2222-222222222222",
				"- arch=i386 uuid=-",
			},
		},
		{
			name:     "conjunctive filters",
			slices:   []machotest.FatSlice{arm, x86},
			filter:   Filter{Arch: "arm64", ID: idOf(t, 0x22)},
			wantKind: ErrNoMatch,
			candidates: []string{
				"- arch=arm64 uuid=11111111-1111-1111-1111-111111111111",
				"- arch=x86_64 uuid=22222222-2222-2222-2222-222222222222",
			},
		},
		{
			name:     "filter matching two slices",
			slices:   []machotest.FatSlice{arm, x86, slice(machotest.CPUArm64, 0, uuidOf(0x13))},
			filter:   Filter{Arch: "arm64"},
			wantKind: ErrAmbiguous,
			candidates: []string{
				"- arch=arm64 uuid=11111111-1111-1111-1111-111111111111",
				"- arch=arm64 uuid=13131313-1313-1313-1313-131313131313",
			},
		},
	}
	for _, tt := range tests {
		for _, is64 := range []bool{false, true} {
			t.Run(tt.name, func(t *testing.T) {
				im, sel, err := resolve(machotest.Fat(is64, tt.slices...), tt.filter)
				if tt.wantKind == nil {
					require.NoError(t, err)
					assert.Equal(t, tt.wantArch, im.Arch)
					assert.Equal(t, tt.wantArch, sel.Slice.Arch)
					assert.Len(t, sel.Slices, len(tt.slices))
					return
				}
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantKind)
				var serr *SelectionError
				require.True(t, errors.As(err, &serr))
				got := make([]string, len(serr.Candidates))
				for i, c := range serr.Candidates {
					got[i] = c.String()
					assert.Contains(t, err.Error(), got[i])
				}
				if diff := cmp.Diff(tt.candidates, got); diff != "" {
					t.Errorf("candidates (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestSelectionErrorMessages(t *testing.T) {
	slices := []Slice{{Arch: "arm64"}, {Arch: "x86_64"}}

	_, err := Select(slices, Filter{})
	assert.ErrorContains(t, err, "Use -a/--arch or --uuid to select one")

	_, err = Select(slices, Filter{Arch: "ppc"})
	assert.ErrorContains(t, err, "no fat Mach-O slice matched arch=ppc uuid=-")
}

func TestParseFatErrors(t *testing.T) {
	be := binary.BigEndian
	header := func(magic, n uint32) []byte {
		b := make([]byte, 8)
		be.PutUint32(b, magic)
		be.PutUint32(b[4:], n)
		return b
	}

	t.Run("no slices", func(t *testing.T) {
		_, err := ParseFat(header(fatMagic32, 0))
		assert.ErrorIs(t, err, ErrParse)
	})
	t.Run("implausible slice count", func(t *testing.T) {
		_, err := ParseFat(header(fatMagic32, 0x10000))
		assert.ErrorIs(t, err, ErrParse)
	})
	t.Run("truncated table", func(t *testing.T) {
		_, err := ParseFat(header(fatMagic64, 2))
		assert.ErrorIs(t, err, ErrParse)
	})
	t.Run("slice past end", func(t *testing.T) {
		data := machotest.Fat(false, slice(machotest.CPUArm64, 0, nil))
		be.PutUint32(data[8+12:], uint32(len(data)))
		_, err := ParseFat(data)
		assert.ErrorIs(t, err, ErrParse)
	})
	t.Run("slice is not mach-o", func(t *testing.T) {
		data := machotest.Fat(false, machotest.FatSlice{CPU: machotest.CPUArm64, Data: make([]byte, 64)})
		_, err := ParseFat(data)
		assert.ErrorIs(t, err, ErrParse)
	})
}

func TestResolveUnknownFormat(t *testing.T) {
	_, _, err := resolve([]byte("#!/bin/sh\necho hi\n"), Filter{})
	assert.ErrorIs(t, err, ErrParse)

	_, _, err = resolve(nil, Filter{})
	assert.ErrorIs(t, err, ErrParse)
}

func TestResolveELF(t *testing.T) {
	data := machotest.ELF{
		Machine: elf.EM_X86_64,
		Base:    0x400000,
		BuildID: uuidOf(0x5a),
		Symbols: []machotest.ELFSymbol{
			{Name: "main", Value: 0x400000 + machotest.ELFTextOffset},
			{Name: "data", Value: 0x400300, Type: elf.STT_OBJECT},
			{Name: "puts", Undef: true},
		},
	}.Bytes()

	im, sel, err := resolve(data, Filter{Arch: "amd64", ID: idOf(t, 0x5a)})
	require.NoError(t, err)
	assert.Nil(t, sel)
	assert.Equal(t, FormatELF, im.Format)
	assert.Equal(t, "x86_64", im.Arch)
	assert.Equal(t, uint64(0x400000), im.CodeSegmentBase())
	assert.Equal(t, []Symbol{
		{Name: "main", Addr: 0x400000 + machotest.ELFTextOffset},
		{Name: "data", Addr: 0x400300},
	}, im.Symbols)

	_, _, err = resolve(data, Filter{Arch: "arm64"})
	assert.ErrorIs(t, err, ErrFilterMismatch)
}

func TestResolveELFShortBuildID(t *testing.T) {
	data := machotest.ELF{Machine: elf.EM_AARCH64, BuildID: []byte{1, 2, 3, 4, 5, 6, 7, 8}}.Bytes()
	im, _, err := resolve(data, Filter{})
	require.NoError(t, err)
	assert.Nil(t, im.ID)
	assert.Equal(t, "arm64", im.Arch)
}

func TestSectionDataZDebug(t *testing.T) {
	payload := bytes.Repeat([]byte("line program "), 64)
	data := machotest.Builder{
		CPU: machotest.CPUArm64,
		Segments: []machotest.Segment{
			{Name: "__TEXT", Addr: textBase, Size: 0x1000, Sections: []machotest.Section{{Name: "__text", Addr: textBase + 0x100, Data: make([]byte, 16)}}},
			{Name: "__DWARF", Addr: textBase + 0x10000, Size: 0x1000, Prot: 1, Sections: []machotest.Section{
				{Name: "__zdebug_line", Data: machotest.Zlib(payload)},
				{Name: "__debug_str", Data: []byte("main\x00")},
			}},
		},
	}.Bytes()
	im, _, err := resolve(data, Filter{})
	require.NoError(t, err)

	got, err := im.SectionData("__zdebug_line")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = im.SectionData("__debug_str")
	require.NoError(t, err)
	assert.Equal(t, []byte("main\x00"), got)

	_, err = im.SectionData("__debug_info")
	assert.Error(t, err)
}

func TestInflateSizeMismatch(t *testing.T) {
	z := machotest.Zlib([]byte("abc"))
	binary.BigEndian.PutUint64(z[4:12], 10)
	_, err := inflate(z)
	assert.Error(t, err)
}
