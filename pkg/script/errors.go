package script

import (
	"errors"
	"fmt"

	"github.com/stokehq/stoke/pkg/models"
)

// HandlerError carries an error class chosen by the handler implementation.
// Unclassified handler errors are treated as logic errors by the engine.
type HandlerError struct {
	Type models.ErrorType
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Failf builds a classified handler error.
func Failf(errorType models.ErrorType, format string, args ...any) error {
	return &HandlerError{Type: errorType, Err: fmt.Errorf(format, args...)}
}

// Classify extracts the error class from a handler error, defaulting to
// logic for unclassified errors.
func Classify(err error) models.ErrorType {
	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) {
		return handlerErr.Type
	}

	return models.ErrorTypeLogic
}

// IndeterminateError marks a mutate outcome that cannot be known, e.g. a
// timeout after the request may have reached the provider.
type IndeterminateError struct {
	Err error
}

func (e *IndeterminateError) Error() string {
	return fmt.Sprintf("indeterminate mutation outcome: %v", e.Err)
}

func (e *IndeterminateError) Unwrap() error {
	return e.Err
}

// Indeterminate wraps an error as an unknown mutation outcome.
func Indeterminate(err error) error {
	return &IndeterminateError{Err: err}
}

// IsIndeterminate reports whether the error marks an unknown outcome.
func IsIndeterminate(err error) bool {
	var indeterminate *IndeterminateError

	return errors.As(err, &indeterminate)
}
