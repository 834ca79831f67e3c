// Package localfile provides a connector that archives to near-line
// storage mounted as a local filesystem, with a mount health check and
// retention-date stamping.
package localfile

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dverbeek/tierstore/internal/hsm"
	"github.com/dverbeek/tierstore/internal/storage"
)

const (
	KeyRoot                = "root"
	KeyMountCheck          = "mount_check"
	KeyRetention           = "retention"
	KeyTimesAfterReadonly  = "set_times_after_readonly"
	KeyArchivePermissions  = "archive_permissions"
	KeyReadonlyPermissions = "readonly_permissions"
)

func init() {
	hsm.Register("localfile", NewFactory, Defaults)
}

// Defaults returns the default configuration for the localfile connector.
func Defaults() map[string]string {
	return map[string]string{
		KeyTimesAfterReadonly:  "false",
		KeyArchivePermissions:  "0600",
		KeyReadonlyPermissions: "0440",
		hsm.KeyStatusDefault:   "migrating",
		hsm.KeyStatusOnMatch:   "archived",
	}
}

// NewFactory creates a localfile connector from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (hsm.Connector, error) {
	root := storage.GetString(config, KeyRoot, "")
	if root == "" {
		return nil, storage.NewConfigError("localfile", KeyRoot, "required")
	}
	root = storage.ExpandPath(root)

	var retention Retention
	if raw := storage.GetString(config, KeyRetention, ""); raw != "" {
		var err error
		retention, err = ParseRetention(raw)
		if err != nil {
			return nil, storage.NewConfigErrorWithCause("localfile", KeyRetention, "invalid retention", err)
		}
	}

	timesAfter, err := storage.GetBool(config, KeyTimesAfterReadonly, false)
	if err != nil {
		return nil, err
	}
	perm, err := storage.GetFileMode(config, KeyArchivePermissions, 0o600)
	if err != nil {
		return nil, err
	}
	roPerm, err := storage.GetFileMode(config, KeyReadonlyPermissions, 0o440)
	if err != nil {
		return nil, err
	}
	mapping, err := hsm.StatusMappingFromConfig(config)
	if err != nil {
		return nil, err
	}

	return &Connector{
		root:       root,
		mountCheck: storage.GetString(config, KeyMountCheck, ""),
		retention:  retention,
		timesAfter: timesAfter,
		perm:       perm,
		roPerm:     roPerm,
		mapping:    mapping,
	}, nil
}

// Retention is a calendar period content must survive before it may be
// deleted.
type Retention struct {
	Years  int
	Months int
	Days   int
}

// IsZero reports whether no retention is configured.
func (r Retention) IsZero() bool {
	return r.Years == 0 && r.Months == 0 && r.Days == 0
}

// Until computes the retention date relative to now.
func (r Retention) Until(now time.Time) time.Time {
	return now.AddDate(r.Years, r.Months, r.Days)
}

// ParseRetention parses periods like "2y", "6m", "2y6m10d".
func ParseRetention(s string) (Retention, error) {
	var r Retention
	rest := s
	for rest != "" {
		i := strings.IndexAny(rest, "ymd")
		if i <= 0 {
			return Retention{}, fmt.Errorf("localfile: malformed retention %q", s)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil || n < 0 {
			return Retention{}, fmt.Errorf("localfile: malformed retention %q", s)
		}
		switch rest[i] {
		case 'y':
			r.Years = n
		case 'm':
			r.Months = n
		case 'd':
			r.Days = n
		}
		rest = rest[i+1:]
	}
	if r.IsZero() {
		return Retention{}, fmt.Errorf("localfile: empty retention %q", s)
	}
	return r, nil
}

// Connector archives files under a destination root keyed by
// filesystem id. A configured mount-check marker is probed before
// every operation so a dead mount fails fast instead of being written
// into.
type Connector struct {
	root       string
	mountCheck string
	retention  Retention
	timesAfter bool
	perm       os.FileMode
	roPerm     os.FileMode
	mapping    hsm.StatusMapping
}

func (c *Connector) checkMount() error {
	if c.mountCheck == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Join(c.root, c.mountCheck)); err != nil {
		return fmt.Errorf("%w: marker %q: %v", hsm.ErrMountUnavailable, c.mountCheck, err)
	}
	return nil
}

func (c *Connector) archivePath(ref hsm.FileRef) string {
	return filepath.Join(c.root, ref.FilesystemID, filepath.Clean("/"+ref.Path))
}

// Prepare returns the file's own path as the staging location.
func (c *Connector) Prepare(_ context.Context, ref hsm.FileRef) (string, error) {
	return ref.Path, nil
}

// Store copies the staged file into the archive tree, then applies the
// retention date and read-only bit in the configured order.
func (c *Connector) Store(_ context.Context, staging string, ref hsm.FileRef) (string, error) {
	if err := c.checkMount(); err != nil {
		return "", err
	}

	dest := c.archivePath(ref)
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return "", fmt.Errorf("localfile: create archive dir: %w", err)
	}

	if err := copyFile(staging, dest, c.perm); err != nil {
		return "", err
	}

	if err := c.applyRetention(dest); err != nil {
		return "", err
	}
	return dest, nil
}

// applyRetention stamps the retention date into atime/mtime and marks
// the archive read-only, in the configured order.
func (c *Connector) applyRetention(dest string) error {
	setTimes := func() error {
		if c.retention.IsZero() {
			return nil
		}
		until := c.retention.Until(time.Now())
		if err := os.Chtimes(dest, until, until); err != nil {
			return fmt.Errorf("localfile: set retention times: %w", err)
		}
		return nil
	}
	setReadonly := func() error {
		if err := os.Chmod(dest, c.roPerm); err != nil {
			return fmt.Errorf("localfile: set read-only: %w", err)
		}
		return nil
	}

	first, second := setTimes, setReadonly
	if c.timesAfter {
		first, second = setReadonly, setTimes
	}
	if err := first(); err != nil {
		return err
	}
	return second()
}

// QueryStatus reports the archival state of the near-line copy.
func (c *Connector) QueryStatus(_ context.Context, ref hsm.FileRef) (hsm.Status, error) {
	if err := c.checkMount(); err != nil {
		return hsm.StatusAbsent, err
	}

	dest := c.archivePath(ref)
	if _, err := os.Stat(dest); err != nil {
		if os.IsNotExist(err) {
			return hsm.StatusAbsent, nil
		}
		return hsm.StatusAbsent, fmt.Errorf("localfile: stat archive: %w", err)
	}
	return c.mapping.Query(dest)
}

// Fetch copies the archived file back to a temporary local file.
func (c *Connector) Fetch(_ context.Context, ref hsm.FileRef) (string, error) {
	if err := c.checkMount(); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp("", "hsm-fetch-*")
	if err != nil {
		return "", fmt.Errorf("localfile: create fetch target: %w", err)
	}
	local := tmp.Name()
	_ = tmp.Close()

	if err := copyFile(c.archivePath(ref), local, 0o600); err != nil {
		_ = os.Remove(local)
		return "", err
	}
	return local, nil
}

// FetchFinished removes the temporary local copy.
func (c *Connector) FetchFinished(_ context.Context, _ hsm.FileRef, local string) error {
	if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localfile: remove fetched copy: %w", err)
	}
	return nil
}

// Failed removes a partially written archive copy.
func (c *Connector) Failed(_ context.Context, ref hsm.FileRef) error {
	dest := c.archivePath(ref)
	// The partial copy may already carry the read-only bit.
	_ = os.Chmod(dest, c.perm)
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localfile: remove partial archive: %w", err)
	}
	return nil
}

func (c *Connector) Close() error { return nil }

func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("localfile: open source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".copy-*")
	if err != nil {
		return fmt.Errorf("localfile: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return fmt.Errorf("localfile: copy: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("localfile: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("localfile: close: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("localfile: chmod: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("localfile: rename: %w", err)
	}
	return nil
}
