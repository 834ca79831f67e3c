package remote

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// sftpTransport drives the remote side through the sftp subsystem.
type sftpTransport struct {
	client *sftp.Client
}

func newSFTPTransport(conn *ssh.Client) (transport, error) {
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("remote: start sftp subsystem: %w", err)
	}
	return &sftpTransport{client: client}, nil
}

func (t *sftpTransport) put(local, remote string) error {
	in, err := os.Open(local)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := t.client.Create(remote)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (t *sftpTransport) get(remote, local string) error {
	in, err := t.client.Open(remote)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (t *sftpTransport) exists(remote string) (bool, error) {
	_, err := t.client.Stat(remote)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *sftpTransport) readFile(remote string) ([]byte, error) {
	in, err := t.client.Open(remote)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	return io.ReadAll(in)
}

func (t *sftpTransport) chmod(remote string, mode os.FileMode) error {
	return t.client.Chmod(remote, mode)
}

func (t *sftpTransport) chtimes(remote string, atime, mtime time.Time) error {
	return t.client.Chtimes(remote, atime, mtime)
}

func (t *sftpTransport) remove(remote string) error {
	return t.client.Remove(remote)
}

func (t *sftpTransport) mkdirAll(remote string) error {
	return t.client.MkdirAll(remote)
}

func (t *sftpTransport) close() error {
	return t.client.Close()
}
