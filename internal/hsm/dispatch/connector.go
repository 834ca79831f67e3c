// Package dispatch provides a connector that fans out to other
// connectors by filesystem id, presenting heterogeneous near-line
// backends behind one interface.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dverbeek/tierstore/internal/hsm"
)

// Connector forwards every call to the connector registered for the
// file's filesystem id. The routing table is fixed at construction.
type Connector struct {
	routes map[string]hsm.Connector
}

// New builds a dispatch connector over an explicit routing table.
func New(routes map[string]hsm.Connector) *Connector {
	copied := make(map[string]hsm.Connector, len(routes))
	for fsID, c := range routes {
		copied[fsID] = c
	}
	return &Connector{routes: copied}
}

// FilesystemIDs returns the routed ids, sorted.
func (d *Connector) FilesystemIDs() []string {
	ids := make([]string, 0, len(d.routes))
	for id := range d.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Connector) route(ref hsm.FileRef) (hsm.Connector, error) {
	c, ok := d.routes[ref.FilesystemID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", hsm.ErrUnknownFilesystem, ref.FilesystemID)
	}
	return c, nil
}

func (d *Connector) Prepare(ctx context.Context, ref hsm.FileRef) (string, error) {
	c, err := d.route(ref)
	if err != nil {
		return "", err
	}
	return c.Prepare(ctx, ref)
}

func (d *Connector) Store(ctx context.Context, staging string, ref hsm.FileRef) (string, error) {
	c, err := d.route(ref)
	if err != nil {
		return "", err
	}
	return c.Store(ctx, staging, ref)
}

func (d *Connector) QueryStatus(ctx context.Context, ref hsm.FileRef) (hsm.Status, error) {
	c, err := d.route(ref)
	if err != nil {
		return hsm.StatusAbsent, err
	}
	return c.QueryStatus(ctx, ref)
}

func (d *Connector) Fetch(ctx context.Context, ref hsm.FileRef) (string, error) {
	c, err := d.route(ref)
	if err != nil {
		return "", err
	}
	return c.Fetch(ctx, ref)
}

func (d *Connector) FetchFinished(ctx context.Context, ref hsm.FileRef, local string) error {
	c, err := d.route(ref)
	if err != nil {
		return err
	}
	return c.FetchFinished(ctx, ref, local)
}

func (d *Connector) Failed(ctx context.Context, ref hsm.FileRef) error {
	c, err := d.route(ref)
	if err != nil {
		return err
	}
	return c.Failed(ctx, ref)
}

// Close closes every routed connector, joining their errors.
func (d *Connector) Close() error {
	var errs []error
	for fsID, c := range d.routes {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", fsID, err))
		}
	}
	return errors.Join(errs...)
}
