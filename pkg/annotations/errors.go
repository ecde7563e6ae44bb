package annotations

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrAnnotationSyntax matches every annotation validation failure,
	// including constraint syntax errors.
	ErrAnnotationSyntax = errors.New("annotation syntax error")

	// ErrConstraintSyntax matches only constraint grammar failures.
	ErrConstraintSyntax = errors.New("constraint syntax error")
)

// AnnotationSyntaxError reports an unknown key or a value rejected by the
// key's validator.
type AnnotationSyntaxError struct {
	Key         string
	Value       string
	Description string
}

// Error implements the error interface.
func (e *AnnotationSyntaxError) Error() string {
	return fmt.Sprintf("error in annotation '%s=%s' (%s)", e.Key, e.Value, e.Description)
}

// Is reports whether target is ErrAnnotationSyntax.
func (e *AnnotationSyntaxError) Is(target error) bool {
	return target == ErrAnnotationSyntax
}

// ConstraintSyntaxError is an AnnotationSyntaxError raised by the constraint
// grammar. Constraint holds the offending clause or argument.
type ConstraintSyntaxError struct {
	AnnotationSyntaxError
	Constraint string
}

// Error implements the error interface.
func (e *ConstraintSyntaxError) Error() string {
	return fmt.Sprintf("syntax error in constraint '%s' (%s)", e.Constraint, e.Description)
}

// Is reports whether target is ErrConstraintSyntax or ErrAnnotationSyntax.
func (e *ConstraintSyntaxError) Is(target error) bool {
	return target == ErrConstraintSyntax || target == ErrAnnotationSyntax
}

// As lets errors.As match a ConstraintSyntaxError against
// *AnnotationSyntaxError targets.
func (e *ConstraintSyntaxError) As(target any) bool {
	if t, ok := target.(**AnnotationSyntaxError); ok {
		*t = &e.AnnotationSyntaxError
		return true
	}
	return false
}

func newConstraintError(constraint, description string) *ConstraintSyntaxError {
	return &ConstraintSyntaxError{
		AnnotationSyntaxError: AnnotationSyntaxError{
			Value:       constraint,
			Description: description,
		},
		Constraint: constraint,
	}
}
