package store

import "errors"

// Store error types.
var (
	ErrFileExists   = errors.New("file already exists")
	ErrFileNotFound = errors.New("file not found")
	ErrInvalidFile  = errors.New("invalid file identity")
)
