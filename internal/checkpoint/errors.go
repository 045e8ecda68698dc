package checkpoint

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceNotFound indicates a restart source with no checkpoint holding
	// the requested iteration.
	ErrSourceNotFound = errors.New("checkpoint: restart source not found")

	// ErrPrecision indicates an unknown field precision name.
	ErrPrecision = errors.New("checkpoint: unknown precision")

	// ErrCloudType indicates an unknown particle cloud layout.
	ErrCloudType = errors.New("checkpoint: unknown particle cloud type")
)

// SourceNotFoundError describes an exhausted restart-source scan. Scanned is
// the number of checkpoint indices examined.
type SourceNotFoundError struct {
	Dir       string
	Simname   string
	Iteration int
	Scanned   int
	Cause     error
}

func (e *SourceNotFoundError) Error() string {
	msg := fmt.Sprintf("checkpoint: iteration %d of %s not found in %s (%d checkpoints scanned)",
		e.Iteration, e.Simname, e.Dir, e.Scanned)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SourceNotFoundError) Unwrap() error {
	return ErrSourceNotFound
}
