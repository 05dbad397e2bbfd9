package model

import (
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrInjection is matched by InjectionError.
	ErrInjection = errors.New("model: injection error")

	// ErrStructural is matched by StructuralError.
	ErrStructural = errors.New("model: structural error")

	// ErrInternal is matched by InternalError.
	ErrInternal = errors.New("model: internal error")

	// ErrInvalidModel is matched by InvalidModelError.
	ErrInvalidModel = errors.New("model: invalid composite model")

	// ErrInvalidCompositeModelType is matched by InvalidCompositeModelTypeError.
	ErrInvalidCompositeModelType = errors.New("model: invalid composite model type")

	// ErrCompositeInstantiation is matched by CompositeInstantiationError.
	ErrCompositeInstantiation = errors.New("model: composite instantiation failed")
)

// InjectionError reports a mandatory injection point that cannot be satisfied.
type InjectionError struct {
	Composite string
	Fragment  string
	Point     string
	Reason    string
}

// Error implements the error interface.
func (e *InjectionError) Error() string {
	// Example: model: injection in "Greeter" fragment "auditConcern" (service Store): not visible
	return "model: injection in " + strconv.Quote(e.Composite) + " fragment " + strconv.Quote(e.Fragment) +
		" (" + e.Point + "): " + e.Reason
}

// Is matches ErrInjection.
func (e *InjectionError) Is(target error) bool { return target == ErrInjection }

// StructuralError reports an invalid fragment composition.
type StructuralError struct {
	Composite string
	Fragment  string
	Method    string
	Reason    string
	Err       error
}

// Error implements the error interface.
func (e *StructuralError) Error() string {
	var b strings.Builder
	b.WriteString("model: structural error in ")
	b.WriteString(strconv.Quote(e.Composite))
	if e.Fragment != "" {
		b.WriteString(" fragment ")
		b.WriteString(strconv.Quote(e.Fragment))
	}
	if e.Method != "" {
		b.WriteString(" method ")
		b.WriteString(e.Method)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		if e.Reason != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches ErrStructural.
func (e *StructuralError) Is(target error) bool { return target == ErrStructural }

// Unwrap returns the underlying cause.
func (e *StructuralError) Unwrap() error { return e.Err }

// InternalError reports a violated framework invariant, such as two unrelated
// mixins claiming the same method.
type InternalError struct {
	Composite string
	Method    string
	Reason    string
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	msg := "model: internal error in " + strconv.Quote(e.Composite)
	if e.Method != "" {
		msg += " method " + e.Method
	}
	return msg + ": " + e.Reason
}

// Is matches ErrInternal.
func (e *InternalError) Is(target error) bool { return target == ErrInternal }

// ValidationResult partitions model build errors. All problems are collected.
type ValidationResult struct {
	Injection  []error
	Structural []error
	Internal   []error
}

// Valid reports whether every bucket is empty.
func (r ValidationResult) Valid() bool {
	return len(r.Injection) == 0 && len(r.Structural) == 0 && len(r.Internal) == 0
}

// Len returns the total number of errors.
func (r ValidationResult) Len() int {
	return len(r.Injection) + len(r.Structural) + len(r.Internal)
}

// All returns every error, bucket by bucket.
func (r ValidationResult) All() []error {
	out := make([]error, 0, r.Len())
	out = append(out, r.Injection...)
	out = append(out, r.Structural...)
	return append(out, r.Internal...)
}

// add files err into its bucket by type.
func (r *ValidationResult) add(err error) {
	switch {
	case errors.Is(err, ErrInjection):
		r.Injection = append(r.Injection, err)
	case errors.Is(err, ErrInternal):
		r.Internal = append(r.Internal, err)
	default:
		r.Structural = append(r.Structural, err)
	}
}

// InvalidModelError is returned when an invalid model is used.
type InvalidModelError struct {
	Composite string
	Result    ValidationResult
}

// Error implements the error interface.
func (e *InvalidModelError) Error() string {
	return "model: composite " + strconv.Quote(e.Composite) + " is invalid (" +
		strconv.Itoa(len(e.Result.Injection)) + " injection, " +
		strconv.Itoa(len(e.Result.Structural)) + " structural, " +
		strconv.Itoa(len(e.Result.Internal)) + " internal): " + errors.Join(e.Result.All()...).Error()
}

// Is matches ErrInvalidModel.
func (e *InvalidModelError) Is(target error) bool { return target == ErrInvalidModel }

// Unwrap exposes every collected error to errors.Is / errors.As.
func (e *InvalidModelError) Unwrap() []error { return e.Result.All() }

// InvalidCompositeModelTypeError is returned when a model of the wrong
// category is requested, e.g. a builder for a service.
type InvalidCompositeModelTypeError struct {
	Composite string
	Want      Category
	Got       Category
}

// Error implements the error interface.
func (e *InvalidCompositeModelTypeError) Error() string {
	return "model: " + strconv.Quote(e.Composite) + " is a " + e.Got.String() + " composite, want " + e.Want.String()
}

// Is matches ErrInvalidCompositeModelType.
func (e *InvalidCompositeModelTypeError) Is(target error) bool {
	return target == ErrInvalidCompositeModelType
}

// CompositeInstantiationError is returned when Instantiate aborts. No
// instance escapes.
type CompositeInstantiationError struct {
	Composite string
	Err       error
}

// Error implements the error interface.
func (e *CompositeInstantiationError) Error() string {
	return "model: cannot instantiate " + strconv.Quote(e.Composite) + ": " + e.Err.Error()
}

// Is matches ErrCompositeInstantiation.
func (e *CompositeInstantiationError) Is(target error) bool {
	return target == ErrCompositeInstantiation
}

// Unwrap returns the cause, e.g. a *constraint.ViolationError.
func (e *CompositeInstantiationError) Unwrap() error { return e.Err }
