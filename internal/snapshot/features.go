package snapshot

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/farmgate/eligibility/internal/domain"
)

// DerivedSet holds compiled derived-feature expressions. Admins configure
// CEL expressions over the raw snapshot (e.g. land area per household
// member); expressions are compiled and type-checked when saved, never at
// assessment time. Derived values land under the "derived." namespace and
// are referenced by rules and risk factors like any other feature.
type DerivedSet struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewDerivedSet creates an empty derived-feature set.
func NewDerivedSet() (*DerivedSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("features", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &DerivedSet{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate compiles an expression without loading it.
func (d *DerivedSet) Validate(f domain.DerivedFeature) error {
	_, err := d.compile(f)
	return err
}

// Load compiles and installs the given features, replacing the current set.
func (d *DerivedSet) Load(features []domain.DerivedFeature) error {
	programs := make(map[string]cel.Program, len(features))
	for _, f := range features {
		prog, err := d.compile(f)
		if err != nil {
			return err
		}
		programs[f.Name] = prog
	}

	d.mu.Lock()
	d.programs = programs
	d.mu.Unlock()
	return nil
}

// Count returns the number of loaded expressions.
func (d *DerivedSet) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.programs)
}

// Compute evaluates every loaded expression against the raw feature map.
// An expression that errors (e.g. references missing data) contributes
// nothing: the rule evaluator then sees a missing field, which is the
// documented behavior for unavailable data.
func (d *DerivedSet) Compute(features map[string]any) map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(d.programs) == 0 {
		return nil
	}

	activation := map[string]any{"features": features}
	out := make(map[string]any, len(d.programs))
	for name, prog := range d.programs {
		val, _, err := prog.Eval(activation)
		if err != nil {
			continue
		}
		if native, ok := toNative(val); ok {
			out[name] = native
		}
	}
	return out
}

func (d *DerivedSet) compile(f domain.DerivedFeature) (cel.Program, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("%w: derived feature without name", domain.ErrInvalidInput)
	}
	if f.Expression == "" {
		return nil, fmt.Errorf("%w: derived feature %q has no expression", domain.ErrInvalidInput, f.Name)
	}

	ast, issues := d.env.Compile(f.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: derived feature %q: %v", domain.ErrInvalidInput, f.Name, issues.Err())
	}

	prog, err := d.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: derived feature %q: %v", domain.ErrInvalidInput, f.Name, err)
	}
	return prog, nil
}

// toNative converts a CEL value to the JSON-compatible types the rule
// evaluator understands.
func toNative(val ref.Val) (any, bool) {
	switch v := val.(type) {
	case types.Bool:
		return bool(v), true
	case types.Double:
		return float64(v), true
	case types.Int:
		return float64(v), true
	case types.Uint:
		return float64(v), true
	case types.String:
		return string(v), true
	}
	return nil, false
}
