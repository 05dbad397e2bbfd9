package structure

import (
	"strconv"
	"strings"
)

// Visibility scopes where a composite can be found from.
type Visibility int

const (
	// ModuleVisible composites are found from their own module only.
	ModuleVisible Visibility = iota
	// LayerVisible composites are found from any module of their layer.
	LayerVisible
	// ApplicationVisible composites are also found from every layer that
	// uses their layer, transitively.
	ApplicationVisible
)

// String implements fmt.Stringer.
func (v Visibility) String() string {
	switch v {
	case ModuleVisible:
		return "module"
	case LayerVisible:
		return "layer"
	case ApplicationVisible:
		return "application"
	}
	return "visibility(" + strconv.Itoa(int(v)) + ")"
}

// ParseVisibility reads "module", "layer" or "application", case-insensitive.
func ParseVisibility(s string) (Visibility, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "module":
		return ModuleVisible, true
	case "layer":
		return LayerVisible, true
	case "application":
		return ApplicationVisible, true
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler.
func (v Visibility) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Visibility) UnmarshalText(b []byte) error {
	p, ok := ParseVisibility(string(b))
	if !ok {
		return &VisibilityError{Value: string(b)}
	}
	*v = p
	return nil
}

// VisibilityError reports an unknown visibility name.
type VisibilityError struct{ Value string }

// Error implements the error interface.
func (e *VisibilityError) Error() string {
	return "structure: unknown visibility " + strconv.Quote(e.Value)
}
