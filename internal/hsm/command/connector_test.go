package command

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dverbeek/tierstore/internal/hsm"
)

func TestExpand(t *testing.T) {
	argv, err := Expand("archive-put --fs %f %s %d", "/stage/doc", "/tape/doc", "fs1", "doc", "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"archive-put", "--fs", "fs1", "/stage/doc", "/tape/doc"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv = %v, want %v", argv, want)
		}
	}
}

func TestExpandQuoting(t *testing.T) {
	// Quoted segments survive splitting as single arguments.
	argv, err := Expand(`sh -c "cp %s %d"`, "/a", "/b", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(argv) != 3 || argv[2] != "cp /a /b" {
		t.Fatalf("argv = %v", argv)
	}
}

func TestExpandEmpty(t *testing.T) {
	if _, err := Expand("%o", "", "", "", "", ""); err == nil {
		t.Fatal("expected error for command expanding to nothing")
	}
}

func newTestConnector(t *testing.T, config map[string]string) hsm.Connector {
	t.Helper()
	c, err := NewFactory(context.Background(), config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestStoreRunsCommand(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.WriteFile(src, []byte("payload"), 0o600); err != nil {
		t.Fatal(err)
	}

	c := newTestConnector(t, map[string]string{
		KeyStoreCommand: "cp %s %d",
		KeyDestination:  dir,
		KeyTimeout:      "10s",
	})

	ref := hsm.FileRef{FilesystemID: "fs1", Path: "src"}
	ctx := context.Background()

	staging, err := c.Prepare(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if staging != ref.Path {
		t.Fatalf("staging = %q, want the file's own path", staging)
	}

	remoteID, err := c.Store(ctx, src, ref)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	copied := filepath.Join(dir, "fs1", "src")
	if remoteID != copied {
		t.Fatalf("remoteID = %q, want %q", remoteID, copied)
	}
	data, err := os.ReadFile(copied)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Fatalf("copied = %q", data)
	}
}

func TestStoreRemoteIDPattern(t *testing.T) {
	c := newTestConnector(t, map[string]string{
		KeyStoreCommand: "echo assigned-id: tape-0042",
		KeyRemoteIDRe:   `assigned-id: (\S+)`,
	})

	remoteID, err := c.Store(context.Background(), "/dev/null", hsm.FileRef{FilesystemID: "fs1", Path: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if remoteID != "tape-0042" {
		t.Fatalf("remoteID = %q, want tape-0042", remoteID)
	}
}

func TestStoreNonZeroExit(t *testing.T) {
	c := newTestConnector(t, map[string]string{
		KeyStoreCommand: "false",
	})
	if _, err := c.Store(context.Background(), "/dev/null", hsm.FileRef{Path: "x"}); err == nil {
		t.Fatal("expected error on non-zero exit")
	}
}

func TestQueryStatusCommand(t *testing.T) {
	c := newTestConnector(t, map[string]string{
		KeyStoreCommand:      "true",
		KeyQueryCommand:      "echo state=ARCHIVED",
		KeyStatusRe:          "state=ARCHIVED",
		hsm.KeyStatusOnMatch: "archived",
		hsm.KeyStatusDefault: "migrating",
	})

	status, err := c.QueryStatus(context.Background(), hsm.FileRef{Path: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if status != hsm.StatusArchived {
		t.Fatalf("status = %v, want archived", status)
	}
}

func TestQueryStatusDefaultWithoutMapping(t *testing.T) {
	c := newTestConnector(t, map[string]string{
		KeyStoreCommand: "true",
	})
	// No query command, no suffix, no sibling: the configured default.
	status, err := c.QueryStatus(context.Background(), hsm.FileRef{Path: "nonexistent"})
	if err != nil {
		t.Fatal(err)
	}
	if status != hsm.StatusMigrating {
		t.Fatalf("status = %v, want the default", status)
	}
}
