// Package store provides the storage backend abstraction for archived
// documents: a pluggable backend SPI, a registry grouping backend
// instances into domains and pools, and a router that selects the
// best-available backend for each operation.
package store

import (
	"context"
	"io"
	"slices"
)

// Availability is the ordered readiness of a storage medium.
// Lower values are better; every selection algorithm compares by this order.
type Availability int

const (
	// Online means the medium is immediately readable and writable.
	Online Availability = iota
	// Nearline means content is on slower archival media and needs staging.
	Nearline
	// Unavailable means the medium exists but cannot currently serve I/O.
	Unavailable
	// Nonexistent means the medium is not present at all.
	Nonexistent
)

func (a Availability) String() string {
	switch a {
	case Online:
		return "online"
	case Nearline:
		return "nearline"
	case Unavailable:
		return "unavailable"
	default:
		return "nonexistent"
	}
}

// ParseAvailability converts a string to an Availability.
// Unknown values map to Nonexistent.
func ParseAvailability(s string) Availability {
	switch s {
	case "online":
		return Online
	case "nearline":
		return Nearline
	case "unavailable":
		return Unavailable
	default:
		return Nonexistent
	}
}

// Better reports whether a sorts strictly before other.
func (a Availability) Better(other Availability) bool {
	return a < other
}

// Document describes one stored binary object. The content hash is
// attached once, after the bytes are durably written, and never changes.
type Document struct {
	UID          string
	MimeType     string
	Size         int64
	Hash         string
	Availability Availability
	Backend      string
}

// BatchItem is one document of an all-or-nothing batch store.
type BatchItem struct {
	UID      string
	MimeType string
	Data     io.Reader
}

// Features is the capability tag set of a backend instance.
type Features []string

// Has reports whether every required tag is present.
func (f Features) Has(required ...string) bool {
	for _, tag := range required {
		if !slices.Contains(f, tag) {
			return false
		}
	}
	return true
}

// Backend is the storage SPI. Implementations must be safe for
// concurrent use. Store returns (nil, nil) when a document with the
// same uid and mime type already exists: duplicate submissions are
// idempotent no-ops, not failures.
type Backend interface {
	// Availability returns the current readiness of the medium.
	// Implementations cache the underlying check and refresh it on a
	// staleness interval so hot paths never storm the medium.
	Availability(ctx context.Context) Availability

	// Store writes one document. The returned Document carries the
	// content hash computed while writing. Returns (nil, nil) if a
	// document with identical uid and mime type already exists.
	Store(ctx context.Context, uid, mime string, r io.Reader) (*Document, error)

	// StoreBatch writes several documents atomically: on any failure,
	// every document already written in the batch is rolled back
	// before the error is returned.
	StoreBatch(ctx context.Context, items []BatchItem) ([]*Document, error)

	// Retrieve looks up a document. An empty mime returns the first
	// stored variant. Returns (nil, nil) when the document is absent.
	Retrieve(ctx context.Context, uid, mime string) (*Document, error)

	// Open returns a reader over a document's bytes.
	Open(ctx context.Context, uid, mime string) (io.ReadCloser, error)

	// Delete removes every variant of the uid. Reports whether
	// anything was actually deleted.
	Delete(ctx context.Context, uid string) (bool, error)

	// Commit marks a document durably committed, the storage-side half
	// of a commitment protocol with a remote party.
	Commit(ctx context.Context, uid string) error

	Close() error
}

// Notifier is implemented by backends that report availability flips.
// The callback runs outside any backend lock and only on actual change.
type Notifier interface {
	OnAvailabilityChange(fn func(old, new Availability))
}

// Instance couples a constructed Backend with its descriptor metadata.
type Instance struct {
	Name        string
	Type        string
	Description string
	Features    Features
	Backend     Backend
}
