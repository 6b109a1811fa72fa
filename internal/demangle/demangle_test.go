package demangle

import (
	"testing"

	"github.com/blacktop/go-macho/pkg/swift"
	"github.com/stretchr/testify/assert"
)

func TestName(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "c symbol", raw: "_main", want: "_main"},
		{name: "plain", raw: "main", want: "main"},
		{name: "itanium", raw: "_ZN3foo3barEv", want: "foo::bar()"},
		{name: "macho itanium", raw: "__ZN3foo3barEv", want: "foo::bar()"},
		{name: "objc", raw: "-[AppDelegate application:didFinishLaunchingWithOptions:]", want: "-[AppDelegate application:didFinishLaunchingWithOptions:]"},
		{name: "broken mangling", raw: "_ZN3foo", want: "_ZN3foo"},
		{name: "empty", raw: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Name(tt.raw))
		})
	}
}

func TestNameSwift(t *testing.T) {
	// Without libswiftDemangle (non-darwin or no cgo) Swift names pass
	// through unchanged.
	native := swift.EngineMode() != "purego"

	tests := []struct {
		raw  string
		want string
	}{
		{raw: "_$s4main3fooyyF", want: "main.foo() -> ()"},
		{raw: "$s4main3fooyyF", want: "main.foo() -> ()"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			want := tt.raw
			if native {
				want = tt.want
			}
			assert.Equal(t, want, Name(tt.raw))
		})
	}
}

func TestIsSwift(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"_$s4main3fooyyF", true},
		{"$s4main3fooyyF", true},
		{"_$S4main3fooyyF", true},
		{"$e4main3fooyyF", true},
		{"__T012Something", true},
		{"_T012Something", true},
		{"_TIFFOpen", false},
		{"__ZN3foo3barEv", false},
		{"_main", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isSwift(tt.name), tt.name)
	}
}

func TestDemanglerCaches(t *testing.T) {
	d := New(0)
	assert.Equal(t, "foo::bar()", d.Demangle("__ZN3foo3barEv"))
	assert.Equal(t, "foo::bar()", d.Demangle("__ZN3foo3barEv"))
	assert.Equal(t, "_main", d.Demangle("_main"))

	cached, hits := d.Stats()
	assert.Equal(t, 2, cached)
	assert.Equal(t, 1, hits)
}

func TestDemanglerEvicts(t *testing.T) {
	d := New(1)
	d.Demangle("_a")
	d.Demangle("_b")
	cached, _ := d.Stats()
	assert.Equal(t, 1, cached)
}
