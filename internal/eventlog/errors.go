package eventlog

import "errors"

var (
	// ErrSequenceConflict indicates an append attempted to use a
	// sequence number already taken for the aggregate. It is the only
	// core failure that propagates back to the producer, since it
	// points at a concurrency-control bug upstream.
	ErrSequenceConflict = errors.New("eventlog: sequence number conflict")

	// ErrNotFound indicates the requested envelope does not exist.
	ErrNotFound = errors.New("eventlog: event not found")
)
