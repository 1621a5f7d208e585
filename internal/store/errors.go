package store

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateUsername is returned when a username is already taken.
// The users table enforces uniqueness, so concurrent registrations with
// the same username cannot both succeed.
var ErrDuplicateUsername = errors.New("username already exists")
