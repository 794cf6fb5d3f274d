package files

import "errors"

var (
	// ErrNotFound indicates the requested upload does not exist.
	ErrNotFound = errors.New("file not found")
	// ErrTooLarge indicates the payload exceeds the configured max upload size.
	ErrTooLarge = errors.New("file too large")
	// ErrPathTraversal indicates a storage key attempted directory traversal.
	ErrPathTraversal = errors.New("path traversal is forbidden")
)
