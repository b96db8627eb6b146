package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when modify exhausts its retry budget
	// against a revision that keeps moving out from under it.
	ErrConflict = errors.New("entity store: exhausted CAS retry budget")

	// ErrAlreadyExists is returned by Create when the key is already present.
	ErrAlreadyExists = errors.New("entity already exists")
)
