// Package command provides a connector that drives near-line media
// through external commands built from a configurable template.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/dverbeek/tierstore/internal/hsm"
	"github.com/dverbeek/tierstore/internal/storage"
)

const (
	KeyStoreCommand  = "store_command"
	KeyFetchCommand  = "fetch_command"
	KeyQueryCommand  = "query_command"
	KeyFailedCommand = "failed_command"
	KeyDestination   = "destination"
	KeyInfo          = "info"
	KeyTimeout       = "timeout"
	KeyRemoteIDRe    = "remote_id_pattern"
	KeyStatusRe      = "status_pattern"
)

const defaultTimeout = 5 * time.Minute

func init() {
	hsm.Register("command", NewFactory, Defaults)
}

// Defaults returns the default configuration for the command connector.
func Defaults() map[string]string {
	return map[string]string{
		KeyTimeout:           defaultTimeout.String(),
		hsm.KeyStatusDefault: "migrating",
		hsm.KeyStatusOnMatch: "archived",
	}
}

// NewFactory creates a command connector from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (hsm.Connector, error) {
	storeCmd := storage.GetString(config, KeyStoreCommand, "")
	if storeCmd == "" {
		return nil, storage.NewConfigError("command", KeyStoreCommand, "required")
	}

	timeout, err := storage.GetDuration(config, KeyTimeout, defaultTimeout)
	if err != nil {
		return nil, err
	}

	var remoteIDRe *regexp.Regexp
	if pat := storage.GetString(config, KeyRemoteIDRe, ""); pat != "" {
		remoteIDRe, err = regexp.Compile(pat)
		if err != nil {
			return nil, storage.NewConfigErrorWithCause("command", KeyRemoteIDRe, "invalid pattern", err)
		}
	}
	var statusRe *regexp.Regexp
	if pat := storage.GetString(config, KeyStatusRe, ""); pat != "" {
		statusRe, err = regexp.Compile(pat)
		if err != nil {
			return nil, storage.NewConfigErrorWithCause("command", KeyStatusRe, "invalid pattern", err)
		}
	}

	mapping, err := hsm.StatusMappingFromConfig(config)
	if err != nil {
		return nil, err
	}

	return &Connector{
		storeCmd:    storeCmd,
		fetchCmd:    storage.GetString(config, KeyFetchCommand, ""),
		queryCmd:    storage.GetString(config, KeyQueryCommand, ""),
		failedCmd:   storage.GetString(config, KeyFailedCommand, ""),
		destination: storage.GetString(config, KeyDestination, ""),
		info:        storage.GetString(config, KeyInfo, ""),
		timeout:     timeout,
		remoteIDRe:  remoteIDRe,
		statusRe:    statusRe,
		mapping:     mapping,
	}, nil
}

// Connector runs external commands built by substituting positional
// tokens into configured templates:
//
//	%s  source path
//	%d  destination path
//	%f  filesystem id
//	%i  file id
//	%o  free-form info string
type Connector struct {
	storeCmd    string
	fetchCmd    string
	queryCmd    string
	failedCmd   string
	destination string
	info        string
	timeout     time.Duration
	remoteIDRe  *regexp.Regexp
	statusRe    *regexp.Regexp
	mapping     hsm.StatusMapping
}

type tokens struct {
	source string
	dest   string
	ref    hsm.FileRef
	info   string
}

// Expand substitutes the positional tokens into a command template and
// splits the result into an argv using shell quoting rules.
func Expand(template string, source, dest, fsID, fileID, info string) ([]string, error) {
	expanded := strings.NewReplacer(
		"%s", source,
		"%d", dest,
		"%f", fsID,
		"%i", fileID,
		"%o", info,
	).Replace(template)

	argv, err := shellquote.Split(expanded)
	if err != nil {
		return nil, fmt.Errorf("command: split %q: %w", expanded, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("command: empty command after expansion of %q", template)
	}
	return argv, nil
}

func (c *Connector) run(ctx context.Context, template string, tk tokens) (string, error) {
	argv, err := Expand(template, tk.source, tk.dest, tk.ref.FilesystemID, filepath.Base(tk.ref.Path), tk.info)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("command: %s: %w (stderr: %s)",
			argv[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (c *Connector) destPath(ref hsm.FileRef) string {
	if c.destination == "" {
		return ref.Path
	}
	return filepath.Join(c.destination, ref.FilesystemID, ref.Path)
}

// Prepare returns the file's own path: the online copy is the staging
// location for command-driven transfers.
func (c *Connector) Prepare(_ context.Context, ref hsm.FileRef) (string, error) {
	return ref.Path, nil
}

// Store runs the store command. With a remote-id pattern configured,
// its first capture group over stdout becomes the remote identifier;
// otherwise the destination path is the identifier.
func (c *Connector) Store(ctx context.Context, staging string, ref hsm.FileRef) (string, error) {
	dest := c.destPath(ref)
	out, err := c.run(ctx, c.storeCmd, tokens{source: staging, dest: dest, ref: ref, info: c.info})
	if err != nil {
		return "", err
	}

	if c.remoteIDRe != nil {
		m := c.remoteIDRe.FindStringSubmatch(out)
		if m == nil {
			return "", fmt.Errorf("command: store output %q does not match remote id pattern", strings.TrimSpace(out))
		}
		if len(m) > 1 {
			return m[1], nil
		}
		return m[0], nil
	}
	return dest, nil
}

// QueryStatus runs the query command when one is configured, matching
// its output against the status pattern; otherwise it falls back to
// the sibling-file mapping against the destination path.
func (c *Connector) QueryStatus(ctx context.Context, ref hsm.FileRef) (hsm.Status, error) {
	if c.queryCmd == "" {
		return c.mapping.Query(c.destPath(ref))
	}

	out, err := c.run(ctx, c.queryCmd, tokens{source: ref.Path, dest: c.destPath(ref), ref: ref, info: c.info})
	if err != nil {
		return c.mapping.Default, err
	}
	if c.statusRe != nil {
		if c.statusRe.MatchString(out) {
			return c.mapping.OnMatch, nil
		}
		return c.mapping.Default, nil
	}
	return c.mapping.OnMatch, nil
}

// Fetch runs the fetch command, retrieving the archived copy into a
// temporary local file.
func (c *Connector) Fetch(ctx context.Context, ref hsm.FileRef) (string, error) {
	if c.fetchCmd == "" {
		return "", fmt.Errorf("command: no fetch command configured")
	}

	tmp, err := os.CreateTemp("", "hsm-fetch-*")
	if err != nil {
		return "", fmt.Errorf("command: create fetch target: %w", err)
	}
	local := tmp.Name()
	_ = tmp.Close()

	if _, err := c.run(ctx, c.fetchCmd, tokens{source: c.destPath(ref), dest: local, ref: ref, info: c.info}); err != nil {
		_ = os.Remove(local)
		return "", err
	}
	return local, nil
}

// FetchFinished removes the temporary local copy.
func (c *Connector) FetchFinished(_ context.Context, _ hsm.FileRef, local string) error {
	if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("command: remove fetched copy: %w", err)
	}
	return nil
}

// Failed runs the cleanup command when one is configured.
func (c *Connector) Failed(ctx context.Context, ref hsm.FileRef) error {
	if c.failedCmd == "" {
		return nil
	}
	_, err := c.run(ctx, c.failedCmd, tokens{source: ref.Path, dest: c.destPath(ref), ref: ref, info: c.info})
	return err
}

func (c *Connector) Close() error { return nil }
