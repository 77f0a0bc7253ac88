package quarry

import (
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors for common query-construction failures.
var (
	// ErrUnknownField is the sentinel matched by all FieldError values.
	ErrUnknownField = errors.New("quarry: unknown field or relation")

	// ErrUnsupportedLookup is the sentinel matched by all LookupError values.
	ErrUnsupportedLookup = errors.New("quarry: unsupported lookup")

	// ErrComposition is the sentinel matched by all CompositionError values.
	ErrComposition = errors.New("quarry: invalid composition")

	// ErrNoRows is returned by First when the set evaluates to no rows.
	ErrNoRows = errors.New("quarry: no rows in result set")
)

// FieldError is returned when a field name or a relationship-path segment
// cannot be resolved against the catalog. It is reported by the chain call
// that referenced the path, never deferred to evaluation time.
type FieldError struct {
	Type    string // record type the resolution started from
	Path    string // full dotted path as written by the caller
	Segment string // the segment that failed to resolve
}

// Error returns the error string.
func (e *FieldError) Error() string {
	if e.Segment != "" && e.Segment != e.Path {
		return fmt.Sprintf("quarry: cannot resolve %q on %s: unknown segment %q", e.Path, e.Type, e.Segment)
	}
	return fmt.Sprintf("quarry: cannot resolve %q on %s", e.Path, e.Type)
}

// Is reports whether the target error matches FieldError.
func (e *FieldError) Is(err error) bool {
	return err == ErrUnknownField
}

// NewFieldError returns a new FieldError for the given type and path.
func NewFieldError(typ, path, segment string) *FieldError {
	return &FieldError{Type: typ, Path: path, Segment: segment}
}

// IsFieldError returns true if the error is a FieldError.
func IsFieldError(err error) bool {
	if err == nil {
		return false
	}
	var e *FieldError
	return errors.As(err, &e) || errors.Is(err, ErrUnknownField)
}

// LookupError is returned when an operator is not registered for the
// resolved field's type family.
type LookupError struct {
	Op     string // operator name, e.g. "icontains"
	Field  string // resolved field, e.g. "author.name"
	Family string // the field's type family
}

// Error returns the error string.
func (e *LookupError) Error() string {
	return fmt.Sprintf("quarry: lookup %q is not supported for %s field %q", e.Op, e.Family, e.Field)
}

// Is reports whether the target error matches LookupError.
func (e *LookupError) Is(err error) bool {
	return err == ErrUnsupportedLookup
}

// NewLookupError returns a new LookupError.
func NewLookupError(op, field, family string) *LookupError {
	return &LookupError{Op: op, Field: field, Family: family}
}

// IsLookupError returns true if the error is a LookupError.
func IsLookupError(err error) bool {
	if err == nil {
		return false
	}
	var e *LookupError
	return errors.As(err, &e) || errors.Is(err, ErrUnsupportedLookup)
}

// AnnotationError is returned when an annotation name collides with an
// existing field or a previously added annotation.
type AnnotationError struct {
	Name string
	With string // "field" or "annotation"
}

// Error returns the error string.
func (e *AnnotationError) Error() string {
	return fmt.Sprintf("quarry: annotation %q collides with an existing %s", e.Name, e.With)
}

// NewAnnotationError returns a new AnnotationError.
func NewAnnotationError(name, with string) *AnnotationError {
	return &AnnotationError{Name: name, With: with}
}

// IsAnnotationError returns true if the error is an AnnotationError.
func IsAnnotationError(err error) bool {
	if err == nil {
		return false
	}
	var e *AnnotationError
	return errors.As(err, &e)
}

// CompositionError is returned when chain calls are combined in an order
// that has no well-defined meaning, such as filtering a sliced set.
type CompositionError struct {
	Op     string // the offending operation
	Reason string
}

// Error returns the error string.
func (e *CompositionError) Error() string {
	return fmt.Sprintf("quarry: cannot %s: %s", e.Op, e.Reason)
}

// Is reports whether the target error matches CompositionError.
func (e *CompositionError) Is(err error) bool {
	return err == ErrComposition
}

// NewCompositionError returns a new CompositionError.
func NewCompositionError(op, reason string) *CompositionError {
	return &CompositionError{Op: op, Reason: reason}
}

// IsCompositionError returns true if the error is a CompositionError.
func IsCompositionError(err error) bool {
	if err == nil {
		return false
	}
	var e *CompositionError
	return errors.As(err, &e) || errors.Is(err, ErrComposition)
}

// CapabilityError is returned at compile time when a query requires a
// feature the target backend does not declare. It always names the
// missing capability.
type CapabilityError struct {
	Dialect    string
	Capability string // e.g. "subquery", "limit/offset"
}

// Error returns the error string.
func (e *CapabilityError) Error() string {
	return fmt.Sprintf("quarry: dialect %s does not support %s", e.Dialect, e.Capability)
}

// NewCapabilityError returns a new CapabilityError.
func NewCapabilityError(dialect, capability string) *CapabilityError {
	return &CapabilityError{Dialect: dialect, Capability: capability}
}

// IsCapabilityError returns true if the error is a CapabilityError.
func IsCapabilityError(err error) bool {
	if err == nil {
		return false
	}
	var e *CapabilityError
	return errors.As(err, &e)
}

// AggregateError collects multiple build errors from a chain. The first
// error recorded wins for Unwrap, but all are reported.
type AggregateError struct {
	Errors []error
}

// Error returns the error string.
func (e *AggregateError) Error() string {
	if len(e.Errors) == 0 {
		return "quarry: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	var sb strings.Builder
	sb.WriteString("quarry: multiple errors:")
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "\n  [%d] %v", i+1, err)
	}
	return sb.String()
}

// Unwrap returns the first collected error.
func (e *AggregateError) Unwrap() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[0]
}

// NewAggregateError returns nil, the single error, or an AggregateError,
// depending on how many non-nil errors were passed.
func NewAggregateError(errs ...error) error {
	var filtered []error
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	switch len(filtered) {
	case 0:
		return nil
	case 1:
		return filtered[0]
	}
	return &AggregateError{Errors: filtered}
}
