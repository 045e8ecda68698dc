package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is the root of every invariant violation.
	ErrConfiguration = errors.New("config: invalid configuration")

	// ErrUnknownParameter indicates a name that is not part of the parameter set.
	ErrUnknownParameter = errors.New("config: unknown parameter")

	// ErrType indicates a value whose kind does not match the parameter.
	ErrType = errors.New("config: parameter type mismatch")

	// ErrVariant indicates an extension merged into a variant that does not use it.
	ErrVariant = errors.New("config: extension not valid for variant")

	// ErrDuplicateGroup indicates an extension group merged twice.
	ErrDuplicateGroup = errors.New("config: parameter group already merged")
)

// ConfigurationError names the relation a parameter set violates.
type ConfigurationError struct {
	Relation string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: invariant violated: %s", e.Relation)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}
