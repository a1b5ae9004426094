package kvstore

import "errors"

var (
	// ErrNotFound indicates that the requested key is missing from an area.
	ErrNotFound = errors.New("kvstore: key not found")
	// ErrClosed indicates that the Node has been closed.
	ErrClosed = errors.New("kvstore: node is closed")
	// ErrTimeout indicates that the context deadline expired.
	ErrTimeout = errors.New("kvstore: operation timed out")
	// ErrCanceled indicates that the context was canceled.
	ErrCanceled = errors.New("kvstore: operation canceled")
	// ErrUnknownArea indicates an operation referenced an area the node
	// was not configured with.
	ErrUnknownArea = errors.New("kvstore: unknown area")
)
