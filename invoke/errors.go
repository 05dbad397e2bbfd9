package invoke

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrUnknownMethod is matched by UnknownMethodError.
	ErrUnknownMethod = errors.New("invoke: unknown method")

	// ErrBadArguments is matched by ArgumentError.
	ErrBadArguments = errors.New("invoke: bad arguments")

	// ErrBadResult is matched by ResultError.
	ErrBadResult = errors.New("invoke: bad result")

	// ErrFragmentPanic is matched by FragmentPanicError.
	ErrFragmentPanic = errors.New("invoke: fragment panicked")

	// ErrNotInChain is returned when a concern-next handle is used for a
	// method whose chain does not contain the concern.
	ErrNotInChain = errors.New("invoke: concern is not part of the method chain")

	// ErrNoOutcome is returned by a side-effect result handle used outside a side effect run.
	ErrNoOutcome = errors.New("invoke: no outcome to replay")

	// ErrMissingValue is matched by MissingValueError.
	ErrMissingValue = errors.New("invoke: missing injected value")

	// ErrUnknownProperty is matched by PropertyError for undeclared names.
	ErrUnknownProperty = errors.New("invoke: unknown property")

	// ErrPropertyType is matched by PropertyError for mistyped values.
	ErrPropertyType = errors.New("invoke: wrong property type")

	// ErrReadOnlyState is returned by views that cannot be written.
	ErrReadOnlyState = errors.New("invoke: read-only state")
)

// UnknownMethodError reports a call to a method outside the composite's table.
type UnknownMethodError struct {
	Composite string
	Method    string
}

// Error implements the error interface.
func (e *UnknownMethodError) Error() string {
	return "invoke: " + strconv.Quote(e.Composite) + " has no method " + strconv.Quote(e.Method)
}

// Is matches ErrUnknownMethod.
func (e *UnknownMethodError) Is(target error) bool { return target == ErrUnknownMethod }

// ArgumentError reports a wrong argument count or type.
type ArgumentError struct {
	Composite string
	Method    string
	Index     int
	Reason    string
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	msg := "invoke: " + e.Composite + "." + e.Method
	if e.Index >= 0 {
		msg += " argument " + strconv.Itoa(e.Index)
	}
	return msg + ": " + e.Reason
}

// Is matches ErrBadArguments.
func (e *ArgumentError) Is(target error) bool { return target == ErrBadArguments }

// ResultError reports a generic fragment returning a value of the wrong type.
type ResultError struct {
	Composite string
	Method    string
	Fragment  string
	Got       string
	Want      string
}

// Error implements the error interface.
func (e *ResultError) Error() string {
	return "invoke: " + strconv.Quote(e.Fragment) + " returned " + e.Got + " from " +
		e.Composite + "." + e.Method + ", want " + e.Want
}

// Is matches ErrBadResult.
func (e *ResultError) Is(target error) bool { return target == ErrBadResult }

// FragmentPanicError wraps a panic raised inside a fragment.
type FragmentPanicError struct {
	Composite string
	Method    string
	Fragment  string
	Value     any
}

// Error implements the error interface.
func (e *FragmentPanicError) Error() string {
	return "invoke: fragment " + strconv.Quote(e.Fragment) + " panicked in " + e.Composite + "." + e.Method +
		": " + fmt.Sprint(e.Value)
}

// Is matches ErrFragmentPanic.
func (e *FragmentPanicError) Is(target error) bool { return target == ErrFragmentPanic }

// Unwrap returns the panic value when it is an error.
func (e *FragmentPanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// MissingValueError reports a mandatory injection point with nothing to bind.
type MissingValueError struct {
	Composite string
	Fragment  string
	Point     string
}

// Error implements the error interface.
func (e *MissingValueError) Error() string {
	return "invoke: nothing to inject into " + strconv.Quote(e.Fragment) + " (" + e.Point + ") of " +
		strconv.Quote(e.Composite)
}

// Is matches ErrMissingValue.
func (e *MissingValueError) Is(target error) bool { return target == ErrMissingValue }

// BindError wraps a failing injection.
type BindError struct {
	Composite string
	Fragment  string
	Point     string
	Err       error
}

// Error implements the error interface.
func (e *BindError) Error() string {
	return "invoke: cannot inject " + e.Point + " into " + strconv.Quote(e.Fragment) + ": " + e.Err.Error()
}

// Unwrap returns the cause.
func (e *BindError) Unwrap() error { return e.Err }

// PropertyError reports an invalid state write.
type PropertyError struct {
	Composite string
	Property  string
	Reason    string
	sentinel  error
}

// Error implements the error interface.
func (e *PropertyError) Error() string {
	return "invoke: property " + strconv.Quote(e.Property) + " of " + strconv.Quote(e.Composite) + ": " + e.Reason
}

// Is matches ErrUnknownProperty or ErrPropertyType.
func (e *PropertyError) Is(target error) bool { return target == e.sentinel }
