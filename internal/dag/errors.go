package dag

import (
	"fmt"
	"strings"

	"github.com/vk/buildgrid/internal/plan"
)

// CycleError reports a step that transitively depends on itself. Chain holds
// the offending declarations in reference order, ending where it began.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Chain, " -> "))
}

// UnresolvedReferenceError reports a reference that does not name any
// declared step.
type UnresolvedReferenceError struct {
	Action string
	Step   string
	Field  string
	Ref    plan.Ref
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference %q in %s of step '%s.%s'", e.Ref, e.Field, e.Action, e.Step)
}
