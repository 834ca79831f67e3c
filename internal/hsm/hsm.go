// Package hsm defines the connector abstraction for moving content
// between online storage and near-line archival media: a common
// lifecycle (prepare, store, status query, fetch), a status model, and
// a pluggable connector registry.
package hsm

import (
	"context"
	"errors"
)

// Status is the archival state of a file on near-line media.
type Status int

const (
	// StatusAbsent means the near-line side holds no trace of the file.
	StatusAbsent Status = iota
	// StatusOnline means the file exists only on online storage.
	StatusOnline
	// StatusMigrating means a transfer is in flight or unconfirmed.
	StatusMigrating
	// StatusArchived means the near-line copy is confirmed durable.
	StatusArchived
	// StatusFailed means the transfer failed and needs intervention.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusOnline:
		return "online"
	case StatusMigrating:
		return "migrating"
	case StatusArchived:
		return "archived"
	default:
		return "failed"
	}
}

// ParseStatus converts a string to a Status. Unknown values map to
// StatusAbsent.
func ParseStatus(s string) Status {
	switch s {
	case "online":
		return StatusOnline
	case "migrating":
		return StatusMigrating
	case "archived":
		return StatusArchived
	case "failed":
		return StatusFailed
	default:
		return StatusAbsent
	}
}

// FileRef identifies one file within a filesystem known to the archive.
type FileRef struct {
	FilesystemID string
	Path         string
}

func (r FileRef) String() string {
	return r.FilesystemID + ":" + r.Path
}

var (
	// ErrMountUnavailable means the near-line medium is not mounted or
	// its health marker is missing. Operations fail fast on it rather
	// than writing into a dead mount point.
	ErrMountUnavailable = errors.New("hsm: near-line mount unavailable")

	// ErrUnknownFilesystem means no connector is configured for the
	// filesystem id.
	ErrUnknownFilesystem = errors.New("hsm: unknown filesystem id")
)

// Connector is the near-line media SPI. A transfer runs
// Prepare → Store; QueryStatus confirms archival later and
// Fetch/FetchFinished bring a copy back online. Failed cleans up
// partial remote state after an unconfirmed Store.
//
// All calls are synchronous; the caller bounds worst-case latency with
// the context deadline. A timed-out transfer's partial output is
// untrusted and must never be promoted to stored.
type Connector interface {
	// Prepare stages the file for transfer and returns the staging
	// location Store will read from.
	Prepare(ctx context.Context, ref FileRef) (staging string, err error)

	// Store transfers the staged bytes to near-line media and returns
	// the identifier assigned by the remote side. On success the
	// caller may drop the local online copy.
	Store(ctx context.Context, staging string, ref FileRef) (remoteID string, err error)

	// QueryStatus cheaply checks whether the near-line copy is
	// confirmed archived.
	QueryStatus(ctx context.Context, ref FileRef) (Status, error)

	// Fetch retrieves a copy back to local storage.
	Fetch(ctx context.Context, ref FileRef) (local string, err error)

	// FetchFinished cleans up temporary state left by Fetch.
	FetchFinished(ctx context.Context, ref FileRef, local string) error

	// Failed is called when Store could not be confirmed, allowing the
	// connector to remove partial remote state.
	Failed(ctx context.Context, ref FileRef) error

	Close() error
}
