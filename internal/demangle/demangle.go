// Package demangle turns raw linker symbol names into display names.
package demangle

import (
	"strings"

	"github.com/blacktop/go-macho/pkg/swift"
	"github.com/hashicorp/golang-lru/v2"
	"github.com/ianlancetaylor/demangle"
)

// Swift mangling prefixes: stable ($s), Swift 4.x ($S), Embedded ($e) and
// pre-stable (_T0), each with the Mach-O underscore or without.
var swiftPrefixes = []string{"_$s", "$s", "_$S", "$S", "_$e", "$e", "__T0", "_T0"}

// DefaultCacheSize bounds the number of names memoized per Demangler.
const DefaultCacheSize = 4096

// Demangler demangles names with a bounded memo. The zero value is not usable;
// create one with New. A Demangler belongs to one resolution session.
type Demangler struct {
	cache *lru.Cache[string, string]
	hits  int
}

// New creates a Demangler with a cache of the given size. A non-positive
// size selects DefaultCacheSize.
func New(size int) *Demangler {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		// only reachable with a non-positive size
		panic(err)
	}
	return &Demangler{cache: cache}
}

// Demangle returns the display name for raw. It never fails: names that are
// not recognized as mangled are returned unchanged.
func (d *Demangler) Demangle(raw string) string {
	if v, ok := d.cache.Get(raw); ok {
		d.hits++
		return v
	}
	v := Name(raw)
	d.cache.Add(raw, v)
	return v
}

// Stats reports the number of cached names and cache hits.
func (d *Demangler) Stats() (cached, hits int) {
	return d.cache.Len(), d.hits
}

// Name demangles raw without caching.
func Name(raw string) string {
	if isSwift(raw) {
		out, err := swift.Demangle(raw)
		if err != nil || out == "" {
			return raw
		}
		return out
	}

	name := raw
	// Mach-O prepends an extra underscore to C++ (__Z) and Rust v0 (__R) names.
	if strings.HasPrefix(name, "__Z") || strings.HasPrefix(name, "__R") {
		name = name[1:]
	}
	out := demangle.Filter(name, demangle.NoClones)
	if out == name {
		return raw
	}
	return out
}

func isSwift(name string) bool {
	for _, p := range swiftPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
