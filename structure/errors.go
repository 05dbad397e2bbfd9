package structure

import (
	"errors"
	"reflect"
	"strconv"
	"strings"
)

var (
	// ErrAmbiguousType is matched by AmbiguousTypeError.
	ErrAmbiguousType = errors.New("structure: ambiguous type")

	// ErrNotFound is matched by NotFoundError.
	ErrNotFound = errors.New("structure: no visible composite")

	// ErrApplicationNotActive is returned when a service is used before the
	// application is activated.
	ErrApplicationNotActive = errors.New("structure: application not active")

	// ErrLayerCycle is matched by LayerCycleError.
	ErrLayerCycle = errors.New("structure: cyclic layer uses")

	// ErrServiceCycle is matched by ServiceCycleError.
	ErrServiceCycle = errors.New("structure: cyclic service dependencies")

	// ErrDuplicateName is matched by DuplicateNameError.
	ErrDuplicateName = errors.New("structure: duplicate name")

	// ErrForeignLayer is returned when a layer uses a layer of another assembler.
	ErrForeignLayer = errors.New("structure: layer belongs to another assembly")
)

// AmbiguousTypeError is returned by singular lookups that find more than one
// candidate at the same specificity.
type AmbiguousTypeError struct {
	Module     string
	Type       reflect.Type
	Candidates []string
}

// Error implements the error interface.
func (e *AmbiguousTypeError) Error() string {
	return "structure: " + typeName(e.Type) + " is ambiguous in module " + strconv.Quote(e.Module) +
		": " + strings.Join(e.Candidates, ", ")
}

// Is matches ErrAmbiguousType.
func (e *AmbiguousTypeError) Is(target error) bool { return target == ErrAmbiguousType }

// NotFoundError is returned when nothing visible matches a singular lookup.
type NotFoundError struct {
	Module string
	Type   reflect.Type
	Name   string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	s := "structure: no " + typeName(e.Type)
	if e.Name != "" {
		s += " named " + strconv.Quote(e.Name)
	}
	return s + " visible from module " + strconv.Quote(e.Module)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// LayerCycleError reports a cycle in layer uses. Path starts and ends with
// the same layer.
type LayerCycleError struct{ Path []string }

// Error implements the error interface.
func (e *LayerCycleError) Error() string {
	return "structure: cyclic layer uses: " + strings.Join(e.Path, " -> ")
}

// Is matches ErrLayerCycle.
func (e *LayerCycleError) Is(target error) bool { return target == ErrLayerCycle }

// ServiceCycleError reports services that depend on each other.
type ServiceCycleError struct{ Path []string }

// Error implements the error interface.
func (e *ServiceCycleError) Error() string {
	return "structure: cyclic service dependencies: " + strings.Join(e.Path, " -> ")
}

// Is matches ErrServiceCycle.
func (e *ServiceCycleError) Is(target error) bool { return target == ErrServiceCycle }

// DuplicateNameError reports two layers, modules or composites with one name
// in the same scope.
type DuplicateNameError struct {
	Scope string
	Name  string
}

// Error implements the error interface.
func (e *DuplicateNameError) Error() string {
	return "structure: duplicate name " + strconv.Quote(e.Name) + " in " + e.Scope
}

// Is matches ErrDuplicateName.
func (e *DuplicateNameError) Is(target error) bool { return target == ErrDuplicateName }

// ActivationError wraps the failure of one service during activation.
type ActivationError struct {
	Service string
	Err     error
}

// Error implements the error interface.
func (e *ActivationError) Error() string {
	return "structure: activating " + strconv.Quote(e.Service) + ": " + e.Err.Error()
}

// Unwrap returns the cause.
func (e *ActivationError) Unwrap() error { return e.Err }

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
