package constraint

import (
	"errors"
	"reflect"
	"regexp"
	"strconv"
	"sync"
	"unicode/utf8"
)

// NotEmpty rejects empty strings, slices, maps, arrays and channels.
type NotEmpty struct{}

// MinLength rejects values shorter than N. Strings are measured in runes.
type MinLength struct{ N int }

// MaxLength rejects values longer than N. Strings are measured in runes.
type MaxLength struct{ N int }

// Range rejects numbers outside [Min, Max].
type Range struct{ Min, Max float64 }

// Matches rejects strings that do not match Pattern (regexp syntax, unanchored).
type Matches struct{ Pattern string }

// Validate reports an invalid pattern when the site is bound.
func (m Matches) Validate() error {
	_, err := compiled(m.Pattern)
	return err
}

// Validate rejects an empty range.
func (r Range) Validate() error {
	if r.Min > r.Max {
		return errors.New("constraint: Range min " + strconv.FormatFloat(r.Min, 'g', -1, 64) +
			" exceeds max " + strconv.FormatFloat(r.Max, 'g', -1, 64))
	}
	return nil
}

// OneOf rejects strings not listed in Values.
type OneOf struct{ Values []string }

// Default returns a registry with the builtin validators registered.
func Default() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// RegisterBuiltins adds the builtin validators to r.
func RegisterBuiltins(r *Registry) {
	Register(r, func(_ NotEmpty, s string) bool { return s != "" })
	Register(r, func(_ NotEmpty, v any) bool {
		n, ok := length(v)
		return !ok || n > 0
	})

	Register(r, func(a MinLength, s string) bool { return utf8.RuneCountInString(s) >= a.N })
	Register(r, func(a MinLength, v any) bool {
		n, ok := length(v)
		return ok && n >= a.N
	})
	Register(r, func(a MaxLength, s string) bool { return utf8.RuneCountInString(s) <= a.N })
	Register(r, func(a MaxLength, v any) bool {
		n, ok := length(v)
		return ok && n <= a.N
	})

	registerRange[int](r)
	registerRange[int32](r)
	registerRange[int64](r)
	registerRange[uint](r)
	registerRange[uint32](r)
	registerRange[uint64](r)
	registerRange[float32](r)
	registerRange[float64](r)

	Register(r, func(a Matches, s string) bool {
		re, err := compiled(a.Pattern)
		return err == nil && re.MatchString(s)
	})

	Register(r, func(a OneOf, s string) bool {
		for _, v := range a.Values {
			if v == s {
				return true
			}
		}
		return false
	})
}

type number interface {
	~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64 | ~float32 | ~float64
}

func registerRange[N number](r *Registry) {
	Register(r, func(a Range, n N) bool {
		f := float64(n)
		return f >= a.Min && f <= a.Max
	})
}

// length reports the length of collection-like values.
func length(v any) (int, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return utf8.RuneCountInString(rv.String()), true
	case reflect.Slice, reflect.Map, reflect.Array, reflect.Chan:
		return rv.Len(), true
	}
	return 0, false
}

var patterns sync.Map // string -> *regexp.Regexp

func compiled(pattern string) (*regexp.Regexp, error) {
	if re, ok := patterns.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patterns.Store(pattern, re)
	return re, nil
}
