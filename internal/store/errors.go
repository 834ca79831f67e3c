package store

import "errors"

var (
	// ErrNotFound indicates the requested document was not found.
	ErrNotFound = errors.New("document not found")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("backend closed")

	// ErrUnknownDomain indicates a domain name not present in the registry.
	ErrUnknownDomain = errors.New("unknown storage domain")

	// ErrUnknownPool indicates a pool name not present in the registry.
	ErrUnknownPool = errors.New("unknown storage pool")

	// ErrNoBackendAvailable indicates no candidate backend can serve the request.
	ErrNoBackendAvailable = errors.New("no storage backend available")
)
