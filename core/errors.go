package core

import "errors"

// The request error taxonomy. Handlers map these to HTTP status codes,
// the transaction middleware rolls back on any of them.
var (
	// ErrUnauthorized is returned when a principal lacks the requested
	// permission for a single object. List scoping never returns it,
	// inaccessible rows are silently omitted from listings.
	ErrUnauthorized = errors.New("not authorized")

	// ErrEditConflict is returned when the submitted version does not
	// equal the stored version plus one, or when the version is missing
	// on an update.
	ErrEditConflict = errors.New("edit conflict (object has changed since last GET)")

	// ErrAlreadyExists is returned when a create names a primary key
	// that is already taken.
	ErrAlreadyExists = errors.New("object already exists (use PUT to update)")

	// ErrNotFound is returned when a lookup by key yields no row.
	ErrNotFound = errors.New("no such object")

	// ErrMultipleFound is returned when a lookup by key unexpectedly
	// yields more than one row. This indicates broken data and is
	// reported as a conflict, never resolved by picking one.
	ErrMultipleFound = errors.New("multiple objects found")

	// ErrInvalidFilter is returned when a filter references an unknown
	// field, an unknown operator, or traverses more than one
	// relationship.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrInvalidSort is returned when a sort field is not in the
	// resource's ordering whitelist.
	ErrInvalidSort = errors.New("invalid sort")
)
