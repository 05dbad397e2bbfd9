package invoke

import (
	"reflect"
	"sort"
	"sync"

	"github.com/sghaida/cop/constraint"
	"github.com/sghaida/cop/model"
)

// State is the property storage of an instance. It implements
// model.StateView. Before Seal, writes are only type checked; once sealed,
// every write is validated against the property's constraints and the
// composite invariants and rejected on violation.
type State struct {
	mu     sync.RWMutex
	model  *model.CompositeModel
	values map[string]any
	sealed bool
}

var _ model.StateView = (*State)(nil)

func newState(m *model.CompositeModel) *State {
	s := &State{model: m, values: make(map[string]any, len(m.Properties()))}
	for _, p := range m.Properties() {
		if p.Default != nil {
			s.values[p.Name] = p.Default
		}
	}
	return s
}

// Get returns the property value. ok is false for undeclared names.
func (s *State) Get(name string) (any, bool) {
	if _, declared := s.model.Property(name); !declared {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[name], true
}

// Set writes a property.
func (s *State) Set(name string, value any) error {
	p, declared := s.model.Property(name)
	if !declared {
		return &PropertyError{Composite: s.model.Name(), Property: name, Reason: "not declared", sentinel: ErrUnknownProperty}
	}
	if value != nil && !reflect.TypeOf(value).AssignableTo(p.Type) {
		return &PropertyError{
			Composite: s.model.Name(),
			Property:  name,
			Reason:    reflect.TypeOf(value).String() + " is not a " + p.Type.String(),
			sentinel:  ErrPropertyType,
		}
	}

	s.mu.RLock()
	sealed := s.sealed
	s.mu.RUnlock()

	if sealed {
		var c constraint.Collector
		c.Add(p.Rules, value)
		if inv := s.model.Invariants(); len(inv.Rules) > 0 && c.Len() == 0 {
			c.Add(inv, &overlay{base: s.Snapshot(), name: name, value: value})
		}
		if err := c.Err(s.model.Name(), ""); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	return nil
}

// Names returns the declared property names, sorted.
func (s *State) Names() []string {
	props := s.model.Properties()
	out := make([]string, 0, len(props))
	for _, p := range props {
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies the current values.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Clone returns an unsealed copy.
func (s *State) Clone() *State {
	return &State{model: s.model, values: s.Snapshot()}
}

// Validate checks every property and then the composite invariants. All
// violations are returned in one *constraint.ViolationError.
func (s *State) Validate() error {
	values := s.Snapshot()
	var c constraint.Collector
	for _, p := range s.model.Properties() {
		c.Add(p.Rules, values[p.Name])
	}
	c.Add(s.model.Invariants(), model.StateView(s))
	return c.Err(s.model.Name(), "")
}

// Seal switches the state to validated writes.
func (s *State) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
}

// Sealed reports whether Seal was called.
func (s *State) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// overlay is a read-only view of a tentative write, used to check invariants
// before the write is committed.
type overlay struct {
	base  map[string]any
	name  string
	value any
}

func (o *overlay) Get(name string) (any, bool) {
	if name == o.name {
		return o.value, true
	}
	v, ok := o.base[name]
	return v, ok
}

func (o *overlay) Set(string, any) error { return ErrReadOnlyState }

func (o *overlay) Names() []string {
	out := make([]string, 0, len(o.base)+1)
	for k := range o.base {
		out = append(out, k)
	}
	if _, ok := o.base[o.name]; !ok {
		out = append(out, o.name)
	}
	sort.Strings(out)
	return out
}
