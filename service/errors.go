package service

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidModel         = errors.New("invalid model")
	ErrInvalidImage         = errors.New("invalid image")
	ErrResultVisualization  = errors.New("result visualization error")
	ErrUnknownStyle         = errors.New("unknown style")
	ErrInvalidBlend         = errors.New("blend weight must be within [0,1]")
	ErrClosed               = errors.New("engine closed")
	errMissingPrimaryStyle  = errors.Wrap(ErrUnknownStyle, "primary style is required")
	errSessionOutputMissing = errors.New("session returned no output")
)

// InternalError wraps a failure of the inference runtime.
type InternalError struct {
	Op    string
	Cause error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error during %s: %v", e.Op, e.Cause)
}

func (e *InternalError) Unwrap() error {
	return e.Cause
}

func internal(op string, err error) error {
	return &InternalError{Op: op, Cause: err}
}

// IsInternal reports whether err carries an *InternalError.
func IsInternal(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}
