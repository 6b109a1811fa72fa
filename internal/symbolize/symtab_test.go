package symbolize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"addr2sym/internal/demangle"
	"addr2sym/internal/object"
)

func TestSymbolTableLookup(t *testing.T) {
	im := &object.Image{
		Name: "app",
		Symbols: []object.Symbol{
			{Name: "_c", Addr: 0x3000},
			{Name: "_a", Addr: 0x1000},
			{Name: "_b_alias", Addr: 0x2000},
			{Name: "_b", Addr: 0x2000},
			{Name: "__ZN3foo3barEv", Addr: 0x4000},
		},
	}
	st := NewSymbolTable(im, demangle.New(0))
	require.Equal(t, 5, st.Len())

	tests := []struct {
		addr uint64
		want string
	}{
		{0x1000, "_a (in app) + 0"},
		{0x1fff, "_a (in app) + 4095"},
		{0x2010, "_b_alias (in app) + 16"},
		{0x3000, "_c (in app) + 0"},
		{0x4008, "foo::bar() (in app) + 8"},
	}
	for _, tt := range tests {
		got, err := st.Lookup(tt.addr)
		require.NoError(t, err, "%#x", tt.addr)
		assert.Equal(t, tt.want, got.String(), "%#x", tt.addr)
	}

	_, err := st.Lookup(0xfff)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSymbolTableEmpty(t *testing.T) {
	st := NewSymbolTable(&object.Image{Name: "empty"}, demangle.New(0))
	_, err := st.Lookup(0x1000)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "failed search symbol", reason(err))
}

func TestSymbolTableDoesNotReorderImage(t *testing.T) {
	im := &object.Image{Symbols: []object.Symbol{{Name: "z", Addr: 2}, {Name: "a", Addr: 1}}}
	NewSymbolTable(im, demangle.New(0))
	assert.Equal(t, "z", im.Symbols[0].Name)
}
