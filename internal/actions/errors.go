package actions

import (
	"fmt"
	"strings"

	"github.com/jordan16ellis/fw-coll-env/internal/physics"
)

// LookupError reports an action that is not part of the grid.
type LookupError struct {
	Action    physics.SingleAction
	Available []physics.SingleAction
}

func (e *LookupError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "could not find %s in available actions:", e.Action)
	for _, a := range e.Available {
		b.WriteString(" ")
		b.WriteString(a.String())
	}
	return b.String()
}

// RangeError reports an index outside the action table.
type RangeError struct {
	Index int
	Size  int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("idx too large: %d outside [0, %d)", e.Index, e.Size)
}
