package symbolize

import "addr2sym/internal/object"

var lineSections = []string{
	"__debug_line", "__zdebug_line",
	".debug_line", ".zdebug_line",
}

// IsRich reports whether the image carries a DWARF line table. The answer
// decides the resolver for every address in a batch.
func IsRich(im *object.Image) bool {
	return im.HasSection(lineSections...)
}
