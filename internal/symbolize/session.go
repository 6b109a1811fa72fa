package symbolize

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"addr2sym/internal/demangle"
	"addr2sym/internal/imageid"
	"addr2sym/internal/object"
)

type OutcomeKind int

const (
	OutcomeUnresolved OutcomeKind = iota
	OutcomeSymbol
	OutcomeLine
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeLine:
		return "line"
	case OutcomeSymbol:
		return "symbol"
	}
	return "unresolved"
}

// Outcome is the result for one query address. Exactly one of Line, Symbol
// or Reason is meaningful, as selected by Kind.
type Outcome struct {
	Address uint64
	Kind    OutcomeKind
	Line    ResolvedLine
	Symbol  ResolvedSymbol
	Reason  string
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeLine:
		return o.Line.String()
	case OutcomeSymbol:
		return o.Symbol.String()
	}
	return "N/A - " + o.Reason
}

func unresolved(addr uint64, reason string) Outcome {
	return Outcome{Address: addr, Kind: OutcomeUnresolved, Reason: reason}
}

// InvalidInput is the outcome for an input token that is not an address.
func InvalidInput(text string) Outcome {
	return Outcome{Kind: OutcomeUnresolved, Reason: fmt.Sprintf("invalid address '%s'", text)}
}

// Query is one batch of addresses against a single load address.
type Query struct {
	LoadAddress uint64
	Addresses   []uint64
	Mode        AddressMode
}

// Options select the image and address space for a batch.
type Options struct {
	Mode    AddressMode
	Arch    string
	UUID    string
	Verbose bool
}

// Session holds everything derived from one mapped binary. Resolvers are
// built on first use and reused for the rest of the session.
type Session struct {
	Image     *object.Image
	Selection *object.Selection

	rich      bool
	demangler *demangle.Demangler
	symtab    *SymbolTable
	dwarf     *DWARF
	dwarfDone bool
	logger    *log.Logger
}

// NewSession selects the image in data according to opts. Filter and
// selection errors are returned before any address is looked at.
func NewSession(data []byte, name string, opts Options, logger *log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if opts.Verbose {
		logger = logger.With()
		logger.SetLevel(log.DebugLevel)
	}

	f := object.Filter{Arch: opts.Arch}
	if opts.UUID != "" {
		id, err := imageid.Parse(opts.UUID)
		if err != nil {
			return nil, err
		}
		f.ID = &id
	}

	im, sel, err := object.Resolve(data, name, f, logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		Image:     im,
		Selection: sel,
		rich:      IsRich(im),
		demangler: demangle.New(demangle.DefaultCacheSize),
		logger:    logger,
	}
	resolver := "symbol_table"
	if s.rich {
		resolver = "dwarf"
	}
	logger.Debug("image", "name", im.Name, "format", im.Format, "arch", im.Arch,
		"uuid", imageid.Format(im.ID), "code_base", fmt.Sprintf("%#x", im.CodeSegmentBase()),
		"resolver", resolver)
	return s, nil
}

func (s *Session) symbols() *SymbolTable {
	if s.symtab == nil {
		s.symtab = NewSymbolTable(s.Image, s.demangler)
		s.logger.Debug("symbol table", "symbols", s.symtab.Len())
	}
	return s.symtab
}

func (s *Session) dwarfData() *DWARF {
	if !s.dwarfDone {
		s.dwarfDone = true
		d, err := NewDWARF(s.Image, s.demangler)
		if err != nil {
			s.logger.Debug("dwarf unavailable, using symbol table", "err", err)
		}
		s.dwarf = d
	}
	return s.dwarf
}

// Lookup resolves one runtime address. DWARF is tried first on rich images;
// any DWARF failure falls back to the symbol table.
func (s *Session) Lookup(addr, load uint64, mode AddressMode) Outcome {
	search, err := SearchAddress(addr, load, s.Image.CodeSegmentBase(), mode)
	if err != nil {
		s.logger.Debug("address", "addr", fmt.Sprintf("%#x", addr), "err", err)
		return unresolved(addr, reason(err))
	}
	s.logger.Debug("address", "addr", fmt.Sprintf("%#x", addr), "search", fmt.Sprintf("%#x", search), "mode", mode)

	if s.rich {
		if d := s.dwarfData(); d != nil {
			line, err := d.Lookup(search)
			if err == nil {
				return Outcome{Address: addr, Kind: OutcomeLine, Line: line}
			}
			s.logger.Debug("dwarf lookup failed, using symbol table", "search", fmt.Sprintf("%#x", search), "err", err)
		}
	}

	sym, err := s.symbols().Lookup(search)
	if err != nil {
		return unresolved(addr, reason(err))
	}
	return Outcome{Address: addr, Kind: OutcomeSymbol, Symbol: sym}
}

// Run resolves q.Addresses in order. It stops with ctx.Err() when the
// context is cancelled between addresses.
func (s *Session) Run(ctx context.Context, q Query) ([]Outcome, error) {
	out := make([]Outcome, 0, len(q.Addresses))
	for _, a := range q.Addresses {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out = append(out, s.Lookup(a, q.LoadAddress, q.Mode))
	}
	if cached, hits := s.demangler.Stats(); hits > 0 {
		s.logger.Debug("demangle cache", "cached", cached, "hits", hits)
	}
	return out, nil
}

// ResolveBatch selects the image in data and resolves every address against
// it. Parse and selection failures abort the batch; per-address failures
// become unresolved outcomes.
func ResolveBatch(ctx context.Context, data []byte, imageName string, load uint64, addrs []uint64, opts Options, logger *log.Logger) ([]Outcome, error) {
	s, err := NewSession(data, imageName, opts, logger)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, Query{LoadAddress: load, Addresses: addrs, Mode: opts.Mode})
}
