// Package migrate orchestrates near-line migration: a driver runs the
// prepare and store halves of a transfer and enqueues a verification
// order; the verification executor polls the connector's status until
// the copy is confirmed archived or declared failed.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dverbeek/tierstore/internal/hsm"
	"github.com/dverbeek/tierstore/internal/order"
)

// DestinationVerify is the order destination for archive verification.
const DestinationVerify = "hsm.verify"

// VerifyPayload is the serialized body of a verification order.
type VerifyPayload struct {
	FilesystemID string `json:"filesystem_id"`
	Path         string `json:"path"`
	RemoteID     string `json:"remote_id"`
}

// Driver moves cold files to near-line media through a connector and
// hands confirmation off to the order scheduler, so a slow or flaky
// archive never blocks the migration path.
type Driver struct {
	connector hsm.Connector
	scheduler *order.Scheduler
}

// NewDriver creates a driver and registers the verification executor
// on the scheduler.
func NewDriver(connector hsm.Connector, scheduler *order.Scheduler) *Driver {
	d := &Driver{connector: connector, scheduler: scheduler}
	scheduler.Register(DestinationVerify, d.verify)
	return d
}

// Migrate transfers one file to near-line media and enqueues the
// verification order. The local online copy stays until verification
// confirms the archive.
func (d *Driver) Migrate(ctx context.Context, ref hsm.FileRef) (string, error) {
	staging, err := d.connector.Prepare(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("migrate: prepare %s: %w", ref, err)
	}

	remoteID, err := d.connector.Store(ctx, staging, ref)
	if err != nil {
		// Unconfirmed store: let the connector drop partial state.
		if cleanupErr := d.connector.Failed(ctx, ref); cleanupErr != nil {
			slog.WarnContext(ctx, "cleanup after failed store", "ref", ref.String(), "error", cleanupErr)
		}
		return "", fmt.Errorf("migrate: store %s: %w", ref, err)
	}

	payload, err := json.Marshal(VerifyPayload{
		FilesystemID: ref.FilesystemID,
		Path:         ref.Path,
		RemoteID:     remoteID,
	})
	if err != nil {
		return "", fmt.Errorf("migrate: marshal verify payload: %w", err)
	}
	if _, err := d.scheduler.Enqueue(ctx, DestinationVerify, payload); err != nil {
		return "", fmt.Errorf("migrate: enqueue verify: %w", err)
	}

	slog.InfoContext(ctx, "migration submitted", "ref", ref.String(), "remote_id", remoteID)
	return remoteID, nil
}

// verify is the executor for verification orders. An unconfirmed
// status is a transient failure so the retry table keeps polling; a
// failed archive is permanent and goes straight to the dead-letter
// sink after connector cleanup.
func (d *Driver) verify(ctx context.Context, o *order.Order) error {
	var p VerifyPayload
	if err := json.Unmarshal(o.Payload, &p); err != nil {
		return order.Permanent(fmt.Errorf("migrate: bad verify payload: %w", err))
	}
	ref := hsm.FileRef{FilesystemID: p.FilesystemID, Path: p.Path}

	status, err := d.connector.QueryStatus(ctx, ref)
	if err != nil {
		return fmt.Errorf("migrate: query status %s: %w", ref, err)
	}

	switch status {
	case hsm.StatusArchived:
		slog.InfoContext(ctx, "archive confirmed", "ref", ref.String(), "remote_id", p.RemoteID)
		return nil
	case hsm.StatusFailed:
		if cleanupErr := d.connector.Failed(ctx, ref); cleanupErr != nil {
			slog.WarnContext(ctx, "cleanup after failed archive", "ref", ref.String(), "error", cleanupErr)
		}
		return order.Permanent(fmt.Errorf("migrate: archive failed for %s", ref))
	default:
		return fmt.Errorf("migrate: %s not confirmed yet (status %s)", ref, status)
	}
}

// Recall fetches an archived file back to local storage, returning the
// local path. The caller signals completion through Release.
func (d *Driver) Recall(ctx context.Context, ref hsm.FileRef) (string, error) {
	local, err := d.connector.Fetch(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("migrate: fetch %s: %w", ref, err)
	}
	return local, nil
}

// Release cleans up the temporary state left by Recall.
func (d *Driver) Release(ctx context.Context, ref hsm.FileRef, local string) error {
	return d.connector.FetchFinished(ctx, ref, local)
}
