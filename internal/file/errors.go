package file

import "errors"

var (
	// ErrInvalidInput rejects an upload with no content.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound covers unknown, wrong and expired tokens alike.
	ErrNotFound = errors.New("file not found")
	// ErrStorageFailure signals that the blob medium or metadata store failed.
	ErrStorageFailure = errors.New("storage failure")
	// ErrConflict is returned by metadata stores when a token is already taken.
	ErrConflict = errors.New("token conflict")
)
