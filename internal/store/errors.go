package store

import "errors"

// ErrNotFound is returned when a requested resource does not exist in the database.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness/conflict constraint.
var ErrConflict = errors.New("conflict")

// ErrCycleRunning is returned when a cycle guard is already held by another
// caller (collection, upload, and sync cycles are each mutually exclusive).
var ErrCycleRunning = errors.New("cycle already running")
