package storage

import "errors"

// ErrNotFound means no audit entry has the requested id.
var ErrNotFound = errors.New("storage: not found")
