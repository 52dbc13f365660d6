package blob

import "errors"

var (
	// ErrNotFound signals that no blob exists under the identifier.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidIdentifier rejects identifiers that are not storage tokens.
	ErrInvalidIdentifier = errors.New("invalid blob identifier")
)
