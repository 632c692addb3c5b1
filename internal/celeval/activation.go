package celeval

import (
	"github.com/google/cel-go/interpreter"
)

// trackingActivation resolves variables from a fixed binding map and
// records whether any per-execution variable was read. Expressions that
// short-circuit before touching one stay cacheable.
type trackingActivation struct {
	vars    map[string]any
	dynamic map[string]struct{}
	touched bool
}

var _ interpreter.Activation = (*trackingActivation)(nil)

func (a *trackingActivation) ResolveName(name string) (any, bool) {
	v, ok := a.vars[name]
	if !ok {
		return nil, false
	}
	if _, dyn := a.dynamic[name]; dyn {
		a.touched = true
	}
	return v, true
}

func (a *trackingActivation) Parent() interpreter.Activation {
	return nil
}
