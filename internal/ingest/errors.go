package ingest

import "errors"

// ErrPersistenceFailure wraps store errors during a flush. The affected
// snapshots remain buffered and are retried on the next tick.
var ErrPersistenceFailure = errors.New("ingest: persistence failure")
