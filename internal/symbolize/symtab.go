package symbolize

import (
	"cmp"
	"fmt"
	"slices"
	"sort"

	"addr2sym/internal/demangle"
	"addr2sym/internal/object"
)

// ResolvedSymbol is a symbol table hit.
type ResolvedSymbol struct {
	Name   string
	Image  string
	Offset uint64
}

func (r ResolvedSymbol) String() string {
	return fmt.Sprintf("%s (in %s) + %d", r.Name, r.Image, r.Offset)
}

// SymbolTable is an address-sorted view of an image's defined symbols.
type SymbolTable struct {
	image     string
	syms      []object.Symbol
	demangler *demangle.Demangler
}

// NewSymbolTable sorts the image symbols by address. The sort is stable, so
// symbols sharing an address keep their table order.
func NewSymbolTable(im *object.Image, d *demangle.Demangler) *SymbolTable {
	syms := slices.Clone(im.Symbols)
	slices.SortStableFunc(syms, func(a, b object.Symbol) int {
		return cmp.Compare(a.Addr, b.Addr)
	})
	return &SymbolTable{image: im.Name, syms: syms, demangler: d}
}

func (t *SymbolTable) Len() int {
	return len(t.syms)
}

// Lookup returns the symbol with the greatest address at or below addr.
// When several symbols share that address the first in table order wins.
func (t *SymbolTable) Lookup(addr uint64) (ResolvedSymbol, error) {
	i := t.find(addr)
	if i < 0 {
		return ResolvedSymbol{}, ErrNotFound
	}
	s := t.syms[i]
	return ResolvedSymbol{
		Name:   t.demangler.Demangle(s.Name),
		Image:  t.image,
		Offset: addr - s.Addr,
	}, nil
}

func (t *SymbolTable) find(addr uint64) int {
	// First index whose address is above addr.
	i := sort.Search(len(t.syms), func(i int) bool {
		return t.syms[i].Addr > addr
	})
	if i == 0 {
		return -1
	}
	at := t.syms[i-1].Addr
	// Lowest index with the same address.
	return sort.Search(i, func(j int) bool {
		return t.syms[j].Addr >= at
	})
}
