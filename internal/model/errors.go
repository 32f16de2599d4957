package model

import "errors"

var (
	// ErrNotFound is returned when a requested user or app does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique username or email is already taken.
	ErrConflict = errors.New("already exists")
	// ErrInvalidDatabase is returned when bytes offered as a database file do not open as one.
	ErrInvalidDatabase = errors.New("not a valid database file")
)
