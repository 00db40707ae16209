package store

import "errors"

// StoreError taxonomy: callers map these to the application's
// CMD/AGENT/INTERNAL errors at the API boundary rather than leaking store
// internals.
var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate")
	ErrIntegrity = errors.New("store: integrity violation")
	ErrBadVersion = errors.New("store: bad version")
)
