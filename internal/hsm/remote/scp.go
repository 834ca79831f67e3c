package remote

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"
)

// scpTransport drives the remote side with plain shell commands over
// SSH sessions, for hosts without an sftp subsystem.
type scpTransport struct {
	conn *ssh.Client
}

func newSCPTransport(conn *ssh.Client) transport {
	return &scpTransport{conn: conn}
}

func (t *scpTransport) run(cmd string, stdin io.Reader) ([]byte, error) {
	session, err := t.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Run(cmd); err != nil {
		return nil, fmt.Errorf("%q: %w (stderr: %s)", cmd, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (t *scpTransport) put(local, remote string) error {
	in, err := os.Open(local)
	if err != nil {
		return err
	}
	defer in.Close()

	_, err = t.run("cat > "+shellquote.Join(remote), in)
	return err
}

func (t *scpTransport) get(remote, local string) error {
	out, err := t.run("cat "+shellquote.Join(remote), nil)
	if err != nil {
		return err
	}
	return os.WriteFile(local, out, 0o600)
}

func (t *scpTransport) exists(remote string) (bool, error) {
	out, err := t.run("test -e "+shellquote.Join(remote)+" && echo yes || echo no", nil)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) == "yes", nil
}

func (t *scpTransport) readFile(remote string) ([]byte, error) {
	return t.run("cat "+shellquote.Join(remote), nil)
}

func (t *scpTransport) chmod(remote string, mode os.FileMode) error {
	_, err := t.run(fmt.Sprintf("chmod %o %s", mode.Perm(), shellquote.Join(remote)), nil)
	return err
}

func (t *scpTransport) chtimes(remote string, _, mtime time.Time) error {
	// POSIX touch -t stamps both access and modification time.
	stamp := mtime.Format("200601021504.05")
	_, err := t.run("touch -a -m -t "+stamp+" "+shellquote.Join(remote), nil)
	return err
}

func (t *scpTransport) remove(remote string) error {
	_, err := t.run("rm -f "+shellquote.Join(remote), nil)
	return err
}

func (t *scpTransport) mkdirAll(remote string) error {
	_, err := t.run("mkdir -p "+shellquote.Join(remote), nil)
	return err
}

func (t *scpTransport) close() error { return nil }
