package fs

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dverbeek/tierstore/internal/store"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(t.TempDir(), []int{347, 331}, 0, time.Minute, 0o700, 0o600, "application/octet-stream")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestStoreAndRetrieve(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	data := []byte("payload bytes")
	sum := sha1.Sum(data)

	doc, err := b.Store(ctx, "1.2.3", "application/dicom", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if doc == nil {
		t.Fatal("Store returned nil document")
	}
	if doc.Hash != hex.EncodeToString(sum[:]) {
		t.Errorf("hash = %s, want %s", doc.Hash, hex.EncodeToString(sum[:]))
	}
	if doc.Size != int64(len(data)) {
		t.Errorf("size = %d, want %d", doc.Size, len(data))
	}

	got, err := b.Retrieve(ctx, "1.2.3", "application/dicom")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got == nil || got.Hash != doc.Hash || got.Size != doc.Size {
		t.Fatalf("Retrieve = %+v, want %+v", got, doc)
	}
}

func TestStoreDuplicateIsNoOp(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	data := []byte("original")

	doc, err := b.Store(ctx, "1.2.3", "application/dicom", bytes.NewReader(data))
	if err != nil || doc == nil {
		t.Fatalf("first store: doc=%v err=%v", doc, err)
	}

	// Second store with different bytes: identity, not content, decides.
	dup, err := b.Store(ctx, "1.2.3", "application/dicom", bytes.NewReader([]byte("different")))
	if err != nil {
		t.Fatalf("duplicate store: %v", err)
	}
	if dup != nil {
		t.Fatalf("duplicate store returned %+v, want nil", dup)
	}

	// Original bytes untouched.
	rc, err := b.Open(ctx, "1.2.3", "application/dicom")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "original" {
		t.Fatalf("payload = %q, want %q", buf.String(), "original")
	}
}

func TestDocumentDirIsPure(t *testing.T) {
	b := newTestBackend(t)
	first := b.DocumentDir("1.2.840.113619.2")
	second := b.DocumentDir("1.2.840.113619.2")
	if first != second {
		t.Fatalf("path function not pure: %q vs %q", first, second)
	}
	if !strings.HasSuffix(first, "1.2.840.113619.2") {
		t.Fatalf("terminal dir should be the uid: %q", first)
	}
	// Two bucket levels plus the uid dir.
	rel, err := filepath.Rel(b.base, first)
	if err != nil {
		t.Fatal(err)
	}
	if parts := strings.Split(rel, string(filepath.Separator)); len(parts) != 3 {
		t.Fatalf("expected 3 path components, got %v", parts)
	}
}

func TestHashSidecarRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	data := []byte("check the sidecar")

	doc, err := b.Store(ctx, "9.9.9", "text/plain", bytes.NewReader(data))
	if err != nil || doc == nil {
		t.Fatalf("store: doc=%v err=%v", doc, err)
	}

	sidecar := filepath.Join(b.DocumentDir("9.9.9"), payloadName("text/plain")+hashSuffix)
	raw, err := os.ReadFile(sidecar)
	if err != nil {
		t.Fatalf("read hash sidecar: %v", err)
	}

	sum := sha1.Sum(data)
	if strings.TrimSpace(string(raw)) != hex.EncodeToString(sum[:]) {
		t.Fatalf("sidecar hash %q != recomputed %q", raw, hex.EncodeToString(sum[:]))
	}
}

func TestRetrieveWithoutMimeUsesSidecar(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if _, err := b.Store(ctx, "5.5.5", "application/dicom", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatal(err)
	}

	doc, err := b.Retrieve(ctx, "5.5.5", "")
	if err != nil {
		t.Fatal(err)
	}
	if doc == nil || doc.MimeType != "application/dicom" {
		t.Fatalf("Retrieve without mime = %+v, want application/dicom variant", doc)
	}
}

func TestRetrieveMissing(t *testing.T) {
	b := newTestBackend(t)
	doc, err := b.Retrieve(context.Background(), "nope", "")
	if err != nil {
		t.Fatal(err)
	}
	if doc != nil {
		t.Fatalf("expected nil for missing document, got %+v", doc)
	}
}

func TestDeletePrunesEmptyAncestors(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if _, err := b.Store(ctx, "4.4.4", "text/plain", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatal(err)
	}

	dir := b.DocumentDir("4.4.4")
	ok, err := b.Delete(ctx, "4.4.4")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Delete reported nothing removed")
	}

	// Every intermediate bucket directory should be gone.
	for d := dir; d != filepath.Clean(b.base); d = filepath.Dir(d) {
		if _, err := os.Stat(d); !os.IsNotExist(err) {
			t.Fatalf("directory %q still exists", d)
		}
	}
	// The base directory itself must survive.
	if _, err := os.Stat(b.base); err != nil {
		t.Fatalf("base directory removed: %v", err)
	}
}

func TestDeleteMissing(t *testing.T) {
	b := newTestBackend(t)
	ok, err := b.Delete(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Delete of missing uid reported true")
	}
}

func TestStoreBatchRollsBackOnFailure(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	items := []store.BatchItem{
		{UID: "b.1", MimeType: "text/plain", Data: bytes.NewReader([]byte("one"))},
		{UID: "b.2", MimeType: "text/plain", Data: bytes.NewReader([]byte("two"))},
		{UID: "b.3", MimeType: "text/plain", Data: &failingReader{}},
	}

	if _, err := b.StoreBatch(ctx, items); err == nil {
		t.Fatal("expected batch error")
	}

	for _, uid := range []string{"b.1", "b.2", "b.3"} {
		doc, err := b.Retrieve(ctx, uid, "text/plain")
		if err != nil {
			t.Fatal(err)
		}
		if doc != nil {
			t.Fatalf("document %q survived rollback", uid)
		}
	}
}

func TestStoreBatchRollbackSparesExistingVariants(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	// A variant stored before the batch must survive its rollback.
	if _, err := b.Store(ctx, "b.1", "text/plain", bytes.NewReader([]byte("kept"))); err != nil {
		t.Fatal(err)
	}

	items := []store.BatchItem{
		{UID: "b.1", MimeType: "application/json", Data: bytes.NewReader([]byte("{}"))},
		{UID: "b.2", MimeType: "text/plain", Data: &failingReader{}},
	}
	if _, err := b.StoreBatch(ctx, items); err == nil {
		t.Fatal("expected batch error")
	}

	kept, err := b.Retrieve(ctx, "b.1", "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	if kept == nil {
		t.Fatal("pre-existing variant deleted by batch rollback")
	}

	if doc, _ := b.Retrieve(ctx, "b.1", "application/json"); doc != nil {
		t.Fatalf("batch-written variant survived rollback: %+v", doc)
	}
	if doc, _ := b.Retrieve(ctx, "b.2", "text/plain"); doc != nil {
		t.Fatalf("batch-written document survived rollback: %+v", doc)
	}
}

func TestStoreRemovesPayloadOnSidecarFailure(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	// A directory squatting on the sidecar path makes its write fail
	// after the payload rename.
	dir := b.DocumentDir("s.1")
	if err := os.MkdirAll(filepath.Join(dir, "text_plain.sha1"), 0o700); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Store(ctx, "s.1", "text/plain", bytes.NewReader([]byte("x"))); err == nil {
		t.Fatal("expected sidecar write error")
	}

	// The payload must not survive hashless: it would shadow every
	// later store of the same uid and mime.
	if _, err := os.Stat(filepath.Join(dir, "text_plain")); !os.IsNotExist(err) {
		t.Fatalf("payload left behind after sidecar failure (stat err = %v)", err)
	}

	if err := os.RemoveAll(filepath.Join(dir, "text_plain.sha1")); err != nil {
		t.Fatal(err)
	}
	doc, err := b.Store(ctx, "s.1", "text/plain", bytes.NewReader([]byte("x")))
	if err != nil {
		t.Fatalf("Store after cleanup: %v", err)
	}
	if doc == nil {
		t.Fatal("Store after cleanup treated the uid as a duplicate")
	}
}

type failingReader struct{}

func (*failingReader) Read([]byte) (int, error) {
	return 0, os.ErrInvalid
}

func TestCommitWritesMarker(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if _, err := b.Store(ctx, "c.1", "text/plain", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatal(err)
	}
	if b.Committed("c.1") {
		t.Fatal("committed before Commit")
	}
	if err := b.Commit(ctx, "c.1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !b.Committed("c.1") {
		t.Fatal("Commit left no marker")
	}
}

func TestCommitMissing(t *testing.T) {
	b := newTestBackend(t)
	if err := b.Commit(context.Background(), "missing"); err == nil {
		t.Fatal("expected error committing missing uid")
	}
}

func TestAvailabilityCached(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if a := b.Availability(ctx); a != store.Online {
		t.Fatalf("availability = %v, want online", a)
	}

	// A huge minimum makes the medium unavailable, but the cached value
	// holds until the interval elapses.
	b.minFree = 1 << 60
	if a := b.Availability(ctx); a != store.Online {
		t.Fatalf("cached availability = %v, want online", a)
	}

	b.availMu.Lock()
	b.availChecked = time.Time{}
	b.availMu.Unlock()

	if a := b.Availability(ctx); a != store.Unavailable {
		t.Fatalf("refreshed availability = %v, want unavailable", a)
	}
}

func TestAvailabilityChangeNotification(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	var flips []store.Availability
	b.OnAvailabilityChange(func(_, now store.Availability) {
		flips = append(flips, now)
	})

	b.Availability(ctx) // prime cache: online

	b.minFree = 1 << 60
	b.availMu.Lock()
	b.availChecked = time.Time{}
	b.availMu.Unlock()
	b.Availability(ctx)

	// Re-deriving the same value must not notify again.
	b.availMu.Lock()
	b.availChecked = time.Time{}
	b.availMu.Unlock()
	b.Availability(ctx)

	if len(flips) != 1 || flips[0] != store.Unavailable {
		t.Fatalf("flips = %v, want exactly one flip to unavailable", flips)
	}
}

func TestSanitize(t *testing.T) {
	if got := sanitize("application/dicom"); got != "application_dicom" {
		t.Errorf("sanitize = %q", got)
	}
	if got := sanitize("1.2.840"); got != "1.2.840" {
		t.Errorf("sanitize = %q", got)
	}
}
