// Package remote provides a connector that archives to near-line
// storage on a remote host, speaking either the sftp subsystem or
// plain secure-copy style shell commands depending on the URI scheme.
package remote

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/dverbeek/tierstore/internal/hsm"
	"github.com/dverbeek/tierstore/internal/hsm/localfile"
	"github.com/dverbeek/tierstore/internal/storage"
)

const (
	KeyURI                = "uri"
	KeyUser               = "user"
	KeyPassword           = "password"
	KeyKeyFile            = "key_file"
	KeyKnownHostsFile     = "known_hosts_file"
	KeyTimeout            = "timeout"
	KeyRetention          = "retention"
	KeyTimesAfterReadonly = "set_times_after_readonly"
)

const defaultTimeout = 30 * time.Second

func init() {
	hsm.Register("remote", NewFactory, Defaults)
}

// Defaults returns the default configuration for the remote connector.
func Defaults() map[string]string {
	return map[string]string{
		KeyTimeout:            defaultTimeout.String(),
		KeyTimesAfterReadonly: "false",
		hsm.KeyStatusDefault:  "migrating",
		hsm.KeyStatusOnMatch:  "archived",
	}
}

// NewFactory creates a remote connector from a configuration map. The
// URI selects the transport: sftp://user@host/base uses the sftp
// subsystem, scp://user@host/base drives plain shell commands.
func NewFactory(_ context.Context, config map[string]string) (hsm.Connector, error) {
	rawURI := storage.GetString(config, KeyURI, "")
	if rawURI == "" {
		return nil, storage.NewConfigError("remote", KeyURI, "required")
	}
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("remote", KeyURI, "invalid uri", err)
	}
	if u.Scheme != "sftp" && u.Scheme != "scp" {
		return nil, storage.NewConfigErrorWithValue("remote", KeyURI, rawURI,
			"unsupported scheme (want sftp:// or scp://)")
	}

	host := u.Host
	if u.Port() == "" {
		host = u.Hostname() + ":22"
	}

	user := storage.GetString(config, KeyUser, "")
	if user == "" && u.User != nil {
		user = u.User.Username()
	}
	if user == "" {
		return nil, storage.NewConfigError("remote", KeyUser, "required")
	}

	timeout, err := storage.GetDuration(config, KeyTimeout, defaultTimeout)
	if err != nil {
		return nil, err
	}

	var auth []ssh.AuthMethod
	if keyFile := storage.GetString(config, KeyKeyFile, ""); keyFile != "" {
		raw, err := os.ReadFile(storage.ExpandPath(keyFile))
		if err != nil {
			return nil, storage.NewConfigErrorWithCause("remote", KeyKeyFile, "read key", err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, storage.NewConfigErrorWithCause("remote", KeyKeyFile, "parse key", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if pw := storage.GetString(config, KeyPassword, ""); pw != "" {
		auth = append(auth, ssh.Password(pw))
	}
	if len(auth) == 0 {
		return nil, storage.NewConfigError("remote", KeyKeyFile, "either a key file or a password is required")
	}

	hostKeys := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in below
	if khFile := storage.GetString(config, KeyKnownHostsFile, ""); khFile != "" {
		hostKeys, err = knownhosts.New(storage.ExpandPath(khFile))
		if err != nil {
			return nil, storage.NewConfigErrorWithCause("remote", KeyKnownHostsFile, "load known hosts", err)
		}
	}

	var retention localfile.Retention
	if raw := storage.GetString(config, KeyRetention, ""); raw != "" {
		retention, err = localfile.ParseRetention(raw)
		if err != nil {
			return nil, storage.NewConfigErrorWithCause("remote", KeyRetention, "invalid retention", err)
		}
	}
	timesAfter, err := storage.GetBool(config, KeyTimesAfterReadonly, false)
	if err != nil {
		return nil, err
	}
	mapping, err := hsm.StatusMappingFromConfig(config)
	if err != nil {
		return nil, err
	}

	return &Connector{
		scheme: u.Scheme,
		host:   host,
		base:   u.Path,
		sshConfig: &ssh.ClientConfig{
			User:            user,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			Timeout:         timeout,
		},
		retention:  retention,
		timesAfter: timesAfter,
		mapping:    mapping,
	}, nil
}

// Connector archives files on a remote host reached over SSH. The
// connection is dialed lazily and reused until Close.
type Connector struct {
	scheme    string
	host      string
	base      string
	sshConfig *ssh.ClientConfig

	retention  localfile.Retention
	timesAfter bool
	mapping    hsm.StatusMapping

	mu        sync.Mutex
	client    *ssh.Client
	transport transport
}

// transport is the minimal remote filesystem surface both schemes provide.
type transport interface {
	put(local, remote string) error
	get(remote, local string) error
	exists(remote string) (bool, error)
	readFile(remote string) ([]byte, error)
	chmod(remote string, mode os.FileMode) error
	chtimes(remote string, atime, mtime time.Time) error
	remove(remote string) error
	mkdirAll(remote string) error
	close() error
}

func (c *Connector) connect() (transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil {
		return c.transport, nil
	}

	client, err := ssh.Dial("tcp", c.host, c.sshConfig)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", c.host, err)
	}

	var t transport
	switch c.scheme {
	case "sftp":
		t, err = newSFTPTransport(client)
	default:
		t = newSCPTransport(client)
	}
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	c.client = client
	c.transport = t
	return t, nil
}

func (c *Connector) archivePath(ref hsm.FileRef) string {
	return path.Join(c.base, ref.FilesystemID, path.Clean("/"+ref.Path))
}

// Prepare returns the file's own path as the staging location.
func (c *Connector) Prepare(_ context.Context, ref hsm.FileRef) (string, error) {
	return ref.Path, nil
}

// Store uploads the staged file, then applies the retention date and
// read-only bit remotely in the configured order.
func (c *Connector) Store(_ context.Context, staging string, ref hsm.FileRef) (string, error) {
	t, err := c.connect()
	if err != nil {
		return "", err
	}

	dest := c.archivePath(ref)
	if err := t.mkdirAll(path.Dir(dest)); err != nil {
		return "", fmt.Errorf("remote: mkdir %s: %w", path.Dir(dest), err)
	}
	if err := t.put(staging, dest); err != nil {
		return "", fmt.Errorf("remote: upload %s: %w", dest, err)
	}

	setTimes := func() error {
		if c.retention.IsZero() {
			return nil
		}
		until := c.retention.Until(time.Now())
		if err := t.chtimes(dest, until, until); err != nil {
			return fmt.Errorf("remote: set retention times: %w", err)
		}
		return nil
	}
	setReadonly := func() error {
		if err := t.chmod(dest, 0o440); err != nil {
			return fmt.Errorf("remote: set read-only: %w", err)
		}
		return nil
	}
	first, second := setTimes, setReadonly
	if c.timesAfter {
		first, second = setReadonly, setTimes
	}
	if err := first(); err != nil {
		return "", err
	}
	if err := second(); err != nil {
		return "", err
	}
	return c.scheme + "://" + c.host + dest, nil
}

// QueryStatus checks the remote copy, applying the sibling-file
// mapping when one is configured.
func (c *Connector) QueryStatus(_ context.Context, ref hsm.FileRef) (hsm.Status, error) {
	t, err := c.connect()
	if err != nil {
		return hsm.StatusAbsent, err
	}

	dest := c.archivePath(ref)
	ok, err := t.exists(dest)
	if err != nil {
		return hsm.StatusAbsent, fmt.Errorf("remote: stat %s: %w", dest, err)
	}
	if !ok {
		return hsm.StatusAbsent, nil
	}

	if c.mapping.Suffix == "" {
		return c.mapping.Default, nil
	}
	ok, err = t.exists(dest + c.mapping.Suffix)
	if err != nil {
		return c.mapping.Default, fmt.Errorf("remote: stat sibling: %w", err)
	}
	if !ok {
		return c.mapping.Default, nil
	}

	if c.mapping.Verify {
		want, err := t.readFile(dest + c.mapping.Suffix)
		if err != nil {
			return c.mapping.Default, fmt.Errorf("remote: read sibling: %w", err)
		}
		got, err := c.remoteDigest(t, dest)
		if err != nil {
			return c.mapping.Default, err
		}
		if strings.TrimSpace(string(want)) != got {
			return hsm.StatusFailed, nil
		}
	}
	return c.mapping.OnMatch, nil
}

// remoteDigest downloads the archive to a scratch file and computes
// its SHA-1, matching the digest recorded in the sibling.
func (c *Connector) remoteDigest(t transport, dest string) (string, error) {
	tmp, err := os.CreateTemp("", "hsm-verify-*")
	if err != nil {
		return "", fmt.Errorf("remote: create verify scratch: %w", err)
	}
	scratch := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(scratch)

	if err := t.get(dest, scratch); err != nil {
		return "", fmt.Errorf("remote: download for verify: %w", err)
	}

	f, err := os.Open(scratch)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("remote: digest: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Fetch downloads the archived file to a temporary local copy.
func (c *Connector) Fetch(_ context.Context, ref hsm.FileRef) (string, error) {
	t, err := c.connect()
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp("", "hsm-fetch-*")
	if err != nil {
		return "", fmt.Errorf("remote: create fetch target: %w", err)
	}
	local := tmp.Name()
	_ = tmp.Close()

	if err := t.get(c.archivePath(ref), local); err != nil {
		_ = os.Remove(local)
		return "", fmt.Errorf("remote: download: %w", err)
	}
	return local, nil
}

// FetchFinished removes the temporary local copy.
func (c *Connector) FetchFinished(_ context.Context, _ hsm.FileRef, local string) error {
	if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remote: remove fetched copy: %w", err)
	}
	return nil
}

// Failed removes a partially uploaded archive copy.
func (c *Connector) Failed(_ context.Context, ref hsm.FileRef) error {
	t, err := c.connect()
	if err != nil {
		return err
	}
	dest := c.archivePath(ref)
	_ = t.chmod(dest, 0o600)
	if err := t.remove(dest); err != nil {
		return fmt.Errorf("remote: remove partial archive: %w", err)
	}
	return nil
}

// Close tears down the SSH connection.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil {
		_ = c.transport.close()
		c.transport = nil
	}
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}
