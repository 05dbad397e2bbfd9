package constraint

import (
	"errors"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrConstraintViolation is matched by every ViolationError.
var ErrConstraintViolation = errors.New("constraint violation")

// MandatoryConstraint names the violation produced for a missing mandatory value.
const MandatoryConstraint = "Mandatory"

// Absenter lets a non-nillable value report itself as absent
// (an Optional[T] style wrapper, for example).
type Absenter interface {
	IsAbsent() bool
}

// IsAbsent reports whether v counts as "no value": untyped nil, a nil
// pointer/interface/map/slice/func/chan, or an Absenter reporting true.
// Zero values of other kinds are present.
func IsAbsent(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			return true
		}
	}
	if a, ok := v.(Absenter); ok {
		return a.IsAbsent()
	}
	return false
}

// Site describes a checked location: a parameter, a return value, a property,
// or a whole composite.
type Site struct {
	// Name is used in violations, e.g. "Greeter.Greet#name".
	Name string

	// Type is the declared static type of values checked at this site.
	Type reflect.Type

	// Optional sites skip every validator when the value is absent.
	Optional bool

	// Annotations are the declared constraint values; compositions are expanded on Bind.
	Annotations []any
}

// Rule is a resolved (annotation, validator) pair.
type Rule struct {
	Annotation any
	Name       string
	fn         Func
}

// Check runs the validator. A panicking validator rejects the value.
func (r Rule) Check(v any) bool {
	ok, _ := r.run(v)
	return ok
}

// run calls the validator and returns the recovered panic value, if any.
func (r Rule) run(v any) (ok bool, panicked any) {
	if r.fn == nil {
		return true, nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok, panicked = false, rec
		}
	}()
	return r.fn(r.Annotation, v), nil
}

// SiteRules is the bound constraint set of one site.
type SiteRules struct {
	Site     string
	Optional bool
	Rules    []Rule
}

// Empty reports whether checking this site can never produce a violation.
func (s SiteRules) Empty() bool {
	return s.Optional && len(s.Rules) == 0
}

// Check validates v and returns every violation. Rules are not short-circuited.
func (s SiteRules) Check(v any) []Violation {
	if IsAbsent(v) {
		if s.Optional {
			return nil
		}
		return []Violation{{Site: s.Site, Constraint: MandatoryConstraint, Message: "missing mandatory value"}}
	}

	var out []Violation
	for _, r := range s.Rules {
		ok, rec := r.run(v)
		if ok {
			continue
		}
		viol := Violation{Site: s.Site, Constraint: r.Name, Annotation: r.Annotation, Value: v}
		if rec != nil {
			viol.Message = "validator panicked: " + reflectString(rec)
		}
		out = append(out, viol)
	}
	return out
}

// Violation is a single failed check.
type Violation struct {
	Site       string
	Constraint string
	Annotation any
	Value      any
	Message    string
}

// String renders the violation for error messages.
func (v Violation) String() string {
	msg := v.Site + ": " + v.Constraint
	if v.Message != "" {
		return msg + " (" + v.Message + ")"
	}
	return msg + " rejected " + strconv.Quote(short(v.Value))
}

// short truncates long values on a rune boundary.
func short(v any) string {
	s := reflectString(v)
	if utf8.RuneCountInString(s) <= 64 {
		return s
	}
	return string([]rune(s)[:61]) + "..."
}

func reflectString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case interface{ String() string }:
		return x.String()
	case error:
		return x.Error()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 64)
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool())
	}
	return rv.Type().String()
}

// ViolationError carries every violation raised by one call or instantiation.
type ViolationError struct {
	Composite  string
	Method     string
	Violations []Violation
}

// Error implements the error interface.
func (e *ViolationError) Error() string {
	var b strings.Builder
	b.WriteString("constraint violation in ")
	b.WriteString(e.Composite)
	if e.Method != "" {
		b.WriteString(".")
		b.WriteString(e.Method)
	}
	b.WriteString(": ")
	for i, v := range e.Violations {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(v.String())
	}
	return b.String()
}

// Is matches ErrConstraintViolation.
func (e *ViolationError) Is(target error) bool { return target == ErrConstraintViolation }

// Collector aggregates violations across sites in check order.
type Collector struct {
	violations []Violation
}

// Add checks v against rules and records any violations.
func (c *Collector) Add(rules SiteRules, v any) {
	c.violations = append(c.violations, rules.Check(v)...)
}

// Append records already computed violations.
func (c *Collector) Append(vs ...Violation) {
	c.violations = append(c.violations, vs...)
}

// Len returns the number of recorded violations.
func (c *Collector) Len() int { return len(c.violations) }

// Err returns nil when nothing was recorded, otherwise a *ViolationError.
func (c *Collector) Err(composite, method string) error {
	if len(c.violations) == 0 {
		return nil
	}
	return &ViolationError{Composite: composite, Method: method, Violations: c.violations}
}
