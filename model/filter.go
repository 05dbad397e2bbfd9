package model

import "reflect"

// Filter decides whether a fragment participates in a method's chain.
type Filter func(m *Method) bool

// AppliesToMethods matches methods by name.
func AppliesToMethods(names ...string) Filter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(m *Method) bool {
		_, ok := set[m.Name]
		return ok
	}
}

// AppliesToContract matches methods declared by contract.
func AppliesToContract(contract reflect.Type) Filter {
	return func(m *Method) bool {
		for _, c := range m.Contracts {
			if c == contract {
				return true
			}
		}
		return false
	}
}

// AppliesToTagged matches methods carrying tag.
func AppliesToTagged(tag string) Filter {
	return func(m *Method) bool { return m.HasTag(tag) }
}

// AllOf matches when every filter matches.
func AllOf(filters ...Filter) Filter {
	return func(m *Method) bool {
		for _, f := range filters {
			if f != nil && !f(m) {
				return false
			}
		}
		return true
	}
}

// AnyOf matches when at least one filter matches.
func AnyOf(filters ...Filter) Filter {
	return func(m *Method) bool {
		for _, f := range filters {
			if f == nil || f(m) {
				return true
			}
		}
		return false
	}
}

// Not inverts f.
func Not(f Filter) Filter {
	return func(m *Method) bool { return f != nil && !f(m) }
}

func (f Filter) match(m *Method) bool { return f == nil || f(m) }
