package datafile

import "errors"

var (
	// ErrNotFound indicates a path with no entry.
	ErrNotFound = errors.New("datafile: no such entry")

	// ErrExists indicates a create on a path that is already taken.
	ErrExists = errors.New("datafile: entry already exists")

	// ErrKind indicates an entry used as something it is not, such as a
	// dataset read as a scalar.
	ErrKind = errors.New("datafile: entry kind mismatch")

	// ErrShape indicates data that does not fit the dataset shape.
	ErrShape = errors.New("datafile: shape mismatch")

	// ErrReadOnly indicates a write through a read-only handle.
	ErrReadOnly = errors.New("datafile: file opened read-only")

	// ErrLinkDepth indicates an external link chain that does not terminate.
	ErrLinkDepth = errors.New("datafile: external link chain too deep")
)
