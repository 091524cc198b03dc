package datastore

import "errors"

// Error kinds surfaced by the core, per the error taxonomy: everything
// except an ignored (version-losing) put is surfaced to the caller.
var (
	// ErrInvalidDocument covers caller-contract violations: a missing
	// _id, a missing _rev when increment_rev is false, or (wrapped) a
	// malformed _rev string.
	ErrInvalidDocument = errors.New("datastore: invalid document")

	// ErrMissingTable is returned by Acquire when a relational backend's
	// document table does not exist.
	ErrMissingTable = errors.New("datastore: missing table")

	// ErrMissingReservedColumn is returned by Acquire when a relational
	// backend's document table is missing one of _id/_rev/_seq/_deleted.
	ErrMissingReservedColumn = errors.New("datastore: missing reserved column")

	// ErrVersionMismatch is returned by a relational backend's
	// BumpSequence when the SQL engine rejects the RETURNING clause of the
	// sequence bump as a syntax error. Acquire does not check the engine
	// version, so an engine that is too old is first reported on the first
	// write, not at Acquire.
	ErrVersionMismatch = errors.New("datastore: backend version mismatch")
)
