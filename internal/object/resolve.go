package object

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"addr2sym/internal/arch"
	"addr2sym/internal/elfx"
	"addr2sym/internal/imageid"
	"addr2sym/internal/machox"
)

var (
	ErrAmbiguous = errors.New("ambiguous slice selection")
	ErrNoMatch   = errors.New("no slice matched")
)

// Filter narrows slice selection. Zero fields do not constrain.
type Filter struct {
	Arch string
	ID   *imageid.ID
}

func (f Filter) empty() bool {
	return f.Arch == "" && f.ID == nil
}

func (f Filter) matches(s Slice) bool {
	if f.Arch != "" && !arch.Matches(s.Arch, f.Arch) {
		return false
	}
	if f.ID != nil && (s.ID == nil || *s.ID != *f.ID) {
		return false
	}
	return true
}

func (f Filter) String() string {
	a := f.Arch
	if a == "" {
		a = "-"
	}
	return fmt.Sprintf("arch=%s uuid=%s", a, imageid.Format(f.ID))
}

// SelectionError reports a fat container the filter could not narrow to a
// single slice. Candidates lists the slices the caller can choose from.
type SelectionError struct {
	Kind       error // ErrAmbiguous or ErrNoMatch
	Filter     Filter
	Candidates []Slice
}

func (e *SelectionError) Error() string {
	var b strings.Builder
	switch {
	case e.Kind == ErrNoMatch:
		fmt.Fprintf(&b, "no fat Mach-O slice matched %s.\nAvailable slices:", e.Filter)
	case e.Filter.empty():
		b.WriteString("fat Mach-O contains multiple slices.\nUse -a/--arch or --uuid to select one.\nAvailable slices:")
	default:
		fmt.Fprintf(&b, "filters are ambiguous and matched multiple slices (%s):", e.Filter)
	}
	for _, s := range e.Candidates {
		b.WriteByte('\n')
		b.WriteString(s.String())
	}
	return b.String()
}

func (e *SelectionError) Is(target error) bool {
	return target == e.Kind
}

// Selection describes how an image was picked out of a fat container.
type Selection struct {
	Slice  Slice
	Slices []Slice
}

func (s *Selection) String() string {
	return s.Slice.String()
}

// Resolve parses data as a thin Mach-O, an ELF image or a fat container and
// returns the single image the filter selects. Selection is nil for thin input.
func Resolve(data []byte, name string, f Filter, logger *log.Logger) (*Image, *Selection, error) {
	switch {
	case IsFat(data):
		slices, err := ParseFat(data)
		if err != nil {
			return nil, nil, err
		}
		logger.Debug("fat container", "archs", Names(slices))
		for _, s := range slices {
			logger.Debug("fat slice", "arch", s.Arch, "uuid", imageid.Format(s.ID),
				"offset", s.Offset, "size", humanize.IBytes(s.Size))
		}
		s, err := Select(slices, f)
		if err != nil {
			return nil, nil, err
		}
		im, err := s.Open(data, name)
		if err != nil {
			return nil, nil, err
		}
		sel := &Selection{Slice: s, Slices: slices}
		logger.Debug("selected slice", "slice", sel.String())
		return im, sel, nil

	case machox.IsMachO(data):
		im, err := fromMachO(name, data)
		if err != nil {
			return nil, nil, err
		}
		return im, nil, validate(im, f)

	case elfx.IsELF(data):
		im, err := fromELF(name, data)
		if err != nil {
			return nil, nil, err
		}
		return im, nil, validate(im, f)
	}
	return nil, nil, fmt.Errorf("%w: unrecognized object format", ErrParse)
}

// Select applies the selection policy to a fat container's slices.
func Select(slices []Slice, f Filter) (Slice, error) {
	if f.empty() {
		if len(slices) == 1 {
			return slices[0], nil
		}
		return Slice{}, &SelectionError{Kind: ErrAmbiguous, Filter: f, Candidates: slices}
	}

	matched := lo.Filter(slices, func(s Slice, _ int) bool {
		return f.matches(s)
	})
	switch len(matched) {
	case 0:
		return Slice{}, &SelectionError{Kind: ErrNoMatch, Filter: f, Candidates: slices}
	case 1:
		return matched[0], nil
	}
	return Slice{}, &SelectionError{Kind: ErrAmbiguous, Filter: f, Candidates: matched}
}

// validate checks a thin image against the filter; there is no other slice
// to fall back to.
func validate(im *Image, f Filter) error {
	if f.ID != nil {
		if im.ID == nil {
			return fmt.Errorf("%w: --uuid was provided, but %s has no UUID", ErrFilterMismatch, im.Name)
		}
		if *im.ID != *f.ID {
			return fmt.Errorf("%w: uuid mismatch: requested %s, actual %s", ErrFilterMismatch, f.ID, im.ID)
		}
	}
	if f.Arch != "" && !arch.Matches(im.Arch, f.Arch) {
		return fmt.Errorf("%w: architecture mismatch: requested '%s', actual '%s'", ErrFilterMismatch, f.Arch, im.Arch)
	}
	return nil
}

// Names renders slices as "arch" tokens, for log lines.
func Names(slices []Slice) []string {
	return lo.Map(slices, func(s Slice, _ int) string {
		return s.Arch
	})
}
