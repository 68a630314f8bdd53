package token

import (
	"errors"
	"fmt"
)

var (
	// ErrUnableToClaim is returned when another owner holds an unexpired claim.
	ErrUnableToClaim = errors.New("token: unable to claim token")

	// ErrUnknownSegment is returned when a claim is extended or released for
	// a segment that has no entry.
	ErrUnknownSegment = errors.New("token: unknown segment")

	// ErrOwnershipMismatch is returned when a claim is released by an owner
	// that does not hold it.
	ErrOwnershipMismatch = errors.New("token: claim owned by another owner")

	// ErrAlreadyInitialized is returned by InitializeSegments when the
	// processor already has entries.
	ErrAlreadyInitialized = errors.New("token: segments already initialized")

	// ErrSerialization is returned when a marker can not be encoded or a
	// payload does not decode under its recorded type.
	ErrSerialization = errors.New("token: serialization failed")

	// ErrUnknownType is returned when no decoder is registered for a type tag.
	ErrUnknownType = fmt.Errorf("%w: unknown token type", ErrSerialization)

	ErrInvalidKey   = errors.New("token: invalid processor name or segment")
	ErrInvalidOwner = errors.New("token: owner can not be empty")
)

// Adapter level errors. The TokenStore translates them into the errors above.
var (
	ErrNoEntry         = errors.New("token: no entry")
	ErrConditionFailed = errors.New("token: condition failed")
)

// Error describes a failed TokenStore operation. Err is one of the
// sentinel errors of this package, so callers match with errors.Is.
type Error struct {
	Op    string
	Key   Key
	Owner string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s owner=%q: %v", e.Op, e.Key, e.Owner, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
