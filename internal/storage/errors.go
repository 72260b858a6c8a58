package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrNoDueAction is returned by DueAction when no pending action is due.
var ErrNoDueAction = errors.New("storage: no due action")
