// Package models defines the core data structures for the Ouros runtime:
// the Value union, the managed heap, type descriptors, and the Python
// exception hierarchy that crosses the sandbox boundary.
package models

import (
	"errors"
)

// Host-side sentinel errors. These never cross the sandbox boundary as
// Python exceptions; they report malformed driver usage (§7 "driver
// supplied malformed outcome -> synchronous host-side error, not a
// Python exception").
var (
	// ErrNotFound is returned when a requested session, variable, or
	// heap slot does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicate is returned when creating a session id that already exists.
	ErrDuplicate = errors.New("resource already exists")

	// ErrInvalidInput is returned when a driver call is malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrFrozen is returned when a write is attempted against a frozen heap entry.
	ErrFrozen = errors.New("object is frozen")

	// ErrAlreadyResumed is returned by a second resume of a suspension object.
	ErrAlreadyResumed = errors.New("suspension already resumed")

	// ErrDanglingHeapID is returned by the serializer when it observes a
	// HeapId with no live entry.
	ErrDanglingHeapID = errors.New("dangling heap id")

	// ErrDefaultSessionProtected is returned when attempting to delete the default session.
	ErrDefaultSessionProtected = errors.New("default session cannot be deleted")
)
