// Package fs provides the on-disk storage backend. Documents live in a
// sharded directory layout derived purely from the uid, with sidecar
// files next to each payload recording the mime type and content hash.
package fs

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	iofs "io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dverbeek/tierstore/internal/storage"
	"github.com/dverbeek/tierstore/internal/store"
)

const (
	KeyPath            = "path"
	KeyShardModuli     = "shard_moduli"
	KeyDefaultMime     = "default_mime"
	KeyMinFreeBytes    = "min_free_bytes"
	KeyAvailInterval   = "availability_interval"
	KeyDirPermissions  = "dir_permissions"
	KeyFilePermissions = "file_permissions"
)

const (
	mimeSidecar     = "mime"
	hashSuffix      = ".sha1"
	commitMarker    = ".committed"
	fallbackMime    = "application/octet-stream"
	defaultMinFree  = int64(64 << 20)
	defaultInterval = 30 * time.Second
)

func init() {
	store.Register("file", NewFactory, Defaults)
}

// Defaults returns the default configuration for the file backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyShardModuli:     "347,331",
		KeyDefaultMime:     fallbackMime,
		KeyMinFreeBytes:    strconv.FormatInt(defaultMinFree, 10),
		KeyAvailInterval:   "30s",
		KeyDirPermissions:  "0700",
		KeyFilePermissions: "0600",
	}
}

// NewFactory creates a file backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (store.Backend, error) {
	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("file", KeyPath, "required")
	}
	path = storage.ExpandPath(path)

	moduli, err := storage.GetInts(config, KeyShardModuli, []int{347, 331})
	if err != nil {
		return nil, err
	}
	for _, m := range moduli {
		if m <= 0 {
			return nil, storage.NewConfigErrorWithValue("file", KeyShardModuli, config[KeyShardModuli], "moduli must be positive")
		}
	}

	minFree, err := storage.GetInt64(config, KeyMinFreeBytes, defaultMinFree)
	if err != nil {
		return nil, err
	}

	interval, err := storage.GetDuration(config, KeyAvailInterval, defaultInterval)
	if err != nil {
		return nil, err
	}

	dirPerm, err := storage.GetFileMode(config, KeyDirPermissions, 0o700)
	if err != nil {
		return nil, err
	}
	filePerm, err := storage.GetFileMode(config, KeyFilePermissions, 0o600)
	if err != nil {
		return nil, err
	}

	return New(path, moduli, minFree, interval, dirPerm, filePerm,
		storage.GetString(config, KeyDefaultMime, fallbackMime))
}

// Backend stores documents under a base directory. The directory for a
// uid is a pure function of the uid and the shard modulus chain.
type Backend struct {
	base        string
	moduli      []int
	minFree     int64
	interval    time.Duration
	dirPerm     iofs.FileMode
	filePerm    iofs.FileMode
	defaultMime string
	closed      atomic.Bool

	availMu      sync.Mutex
	avail        store.Availability
	availChecked time.Time

	notifyMu sync.Mutex
	notify   []func(old, now store.Availability)
}

// New creates a file backend rooted at base.
func New(base string, moduli []int, minFree int64, interval time.Duration, dirPerm, filePerm iofs.FileMode, defaultMime string) (*Backend, error) {
	if err := os.MkdirAll(base, dirPerm); err != nil {
		return nil, fmt.Errorf("fs: create base dir: %w", err)
	}
	return &Backend{
		base:        base,
		moduli:      moduli,
		minFree:     minFree,
		interval:    interval,
		dirPerm:     dirPerm,
		filePerm:    filePerm,
		defaultMime: defaultMime,
		avail:       store.Online,
	}, nil
}

func (b *Backend) checkClosed() error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	return nil
}

// OnAvailabilityChange registers a callback invoked outside the
// availability lock whenever the cached availability actually flips.
func (b *Backend) OnAvailabilityChange(fn func(old, now store.Availability)) {
	b.notifyMu.Lock()
	b.notify = append(b.notify, fn)
	b.notifyMu.Unlock()
}

// Availability derives readiness from free bytes on the backing
// medium. The result is cached for the configured interval so hot
// retrieval paths do not turn into a storm of statfs calls.
func (b *Backend) Availability(_ context.Context) store.Availability {
	if b.closed.Load() {
		return store.Unavailable
	}

	b.availMu.Lock()
	if time.Since(b.availChecked) < b.interval {
		a := b.avail
		b.availMu.Unlock()
		return a
	}
	b.availMu.Unlock()

	now := b.deriveAvailability()

	b.availMu.Lock()
	old := b.avail
	b.avail = now
	b.availChecked = time.Now()
	b.availMu.Unlock()

	if old != now {
		slog.Info("backend availability changed", "path", b.base, "from", old.String(), "to", now.String())
		b.notifyMu.Lock()
		fns := make([]func(store.Availability, store.Availability), len(b.notify))
		copy(fns, b.notify)
		b.notifyMu.Unlock()
		for _, fn := range fns {
			fn(old, now)
		}
	}
	return now
}

func (b *Backend) deriveAvailability() store.Availability {
	var st unix.Statfs_t
	if err := unix.Statfs(b.base, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return store.Nonexistent
		}
		return store.Unavailable
	}
	free := int64(st.Bavail) * st.Bsize
	if free < b.minFree {
		return store.Unavailable
	}
	return store.Online
}

// Store writes one document, computing its SHA-1 while writing.
// Returns (nil, nil) when a document with the same uid and mime
// already exists; the existence check is on the target path only,
// identity rather than content equality is authoritative.
func (b *Backend) Store(_ context.Context, uid, mime string, r io.Reader) (*store.Document, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	if uid == "" {
		return nil, errors.New("fs: empty uid")
	}
	if mime == "" {
		mime = b.defaultMime
	}

	dir := b.DocumentDir(uid)
	target := filepath.Join(dir, payloadName(mime))

	if _, err := os.Stat(target); err == nil {
		return nil, nil
	}

	if err := os.MkdirAll(dir, b.dirPerm); err != nil {
		return nil, fmt.Errorf("fs: create document dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return nil, fmt.Errorf("fs: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	digest := sha1.New()
	n, err := io.Copy(io.MultiWriter(tmp, digest), r)
	if err != nil {
		return nil, fmt.Errorf("fs: write payload: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("fs: sync payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("fs: close payload: %w", err)
	}
	if err := os.Chmod(tmpPath, b.filePerm); err != nil {
		return nil, fmt.Errorf("fs: chmod payload: %w", err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		return nil, fmt.Errorf("fs: rename payload: %w", err)
	}

	sum := hex.EncodeToString(digest.Sum(nil))

	// Hash sidecar is attached once, after the bytes are durable. A
	// payload without its hash must not survive: it would trip the
	// duplicate check on every later store with no way to repair it.
	if err := os.WriteFile(target+hashSuffix, []byte(sum), b.filePerm); err != nil {
		_ = os.Remove(target)
		return nil, fmt.Errorf("fs: write hash sidecar: %w", err)
	}

	// Mime sidecar: first writer wins.
	b.recordMime(dir, mime)

	return &store.Document{
		UID:          uid,
		MimeType:     mime,
		Size:         n,
		Hash:         sum,
		Availability: store.Online,
	}, nil
}

func (b *Backend) recordMime(dir, mime string) {
	f, err := os.OpenFile(filepath.Join(dir, mimeSidecar), os.O_WRONLY|os.O_CREATE|os.O_EXCL, b.filePerm)
	if err != nil {
		return // already recorded
	}
	_, _ = f.WriteString(mime)
	_ = f.Close()
}

// StoreBatch writes several documents all-or-nothing: on any failure
// every variant written by this batch is rolled back before the error
// is surfaced. Variants that existed before the batch are untouched.
func (b *Backend) StoreBatch(ctx context.Context, items []store.BatchItem) ([]*store.Document, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	type variantRef struct {
		uid  string
		mime string
	}

	docs := make([]*store.Document, 0, len(items))
	written := make([]variantRef, 0, len(items))

	rollback := func() {
		for _, w := range written {
			b.removeVariant(w.uid, w.mime)
		}
	}

	for _, item := range items {
		doc, err := b.Store(ctx, item.UID, item.MimeType, item.Data)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("fs: batch store %q: %w", item.UID, err)
		}
		if doc != nil {
			written = append(written, variantRef{uid: doc.UID, mime: doc.MimeType})
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// removeVariant deletes one payload and its hash sidecar. When that
// leaves the document directory holding only the mime sidecar, the
// directory is removed and empty ancestors are pruned.
func (b *Backend) removeVariant(uid, mime string) {
	dir := b.DocumentDir(uid)
	target := filepath.Join(dir, payloadName(mime))

	_ = os.Remove(target + hashSuffix)
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		slog.Warn("batch rollback remove failed", "uid", uid, "mime", mime, "error", err)
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	if len(entries) == 1 && entries[0].Name() == mimeSidecar {
		_ = os.Remove(filepath.Join(dir, mimeSidecar))
		entries = nil
	}
	if len(entries) == 0 && os.Remove(dir) == nil {
		b.pruneEmpty(filepath.Dir(dir))
	}
}

// Retrieve looks up a document. An empty mime resolves through the
// mime sidecar, falling back to the configured default.
func (b *Backend) Retrieve(ctx context.Context, uid, mime string) (*store.Document, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	dir := b.DocumentDir(uid)
	if mime == "" {
		mime = b.storedMime(dir)
	}
	target := filepath.Join(dir, payloadName(mime))

	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fs: stat payload: %w", err)
	}

	var sum string
	if raw, err := os.ReadFile(target + hashSuffix); err == nil {
		sum = strings.TrimSpace(string(raw))
	}

	return &store.Document{
		UID:          uid,
		MimeType:     mime,
		Size:         info.Size(),
		Hash:         sum,
		Availability: b.Availability(ctx),
	}, nil
}

func (b *Backend) storedMime(dir string) string {
	raw, err := os.ReadFile(filepath.Join(dir, mimeSidecar))
	if err != nil {
		return b.defaultMime
	}
	mime := strings.TrimSpace(string(raw))
	if mime == "" {
		return b.defaultMime
	}
	return mime
}

// Open returns a reader over a document's payload.
func (b *Backend) Open(_ context.Context, uid, mime string) (io.ReadCloser, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	dir := b.DocumentDir(uid)
	if mime == "" {
		mime = b.storedMime(dir)
	}

	f, err := os.Open(filepath.Join(dir, payloadName(mime)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("fs: open payload: %w", err)
	}
	return f, nil
}

// Delete removes the uid's directory recursively, then walks upward
// removing ancestor directories that became empty, stopping at and
// excluding the base directory. Reports whether anything was removed.
func (b *Backend) Delete(_ context.Context, uid string) (bool, error) {
	if err := b.checkClosed(); err != nil {
		return false, err
	}

	dir := b.DocumentDir(uid)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("fs: stat document dir: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("fs: remove document dir: %w", err)
	}

	b.pruneEmpty(filepath.Dir(dir))
	return true, nil
}

func (b *Backend) pruneEmpty(dir string) {
	base := filepath.Clean(b.base)
	for dir != base && strings.HasPrefix(dir, base+string(filepath.Separator)) {
		// os.Remove refuses non-empty directories, which terminates the walk.
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Commit marks every variant of the uid durably committed by writing a
// commit marker and syncing the document directory.
func (b *Backend) Commit(_ context.Context, uid string) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	dir := b.DocumentDir(uid)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("fs: commit %q: %w", uid, store.ErrNotFound)
		}
		return fmt.Errorf("fs: stat document dir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, commitMarker), nil, b.filePerm); err != nil {
		return fmt.Errorf("fs: write commit marker: %w", err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("fs: open document dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fs: sync document dir: %w", err)
	}
	return nil
}

// Committed reports whether Commit has been recorded for the uid.
func (b *Backend) Committed(uid string) bool {
	_, err := os.Stat(filepath.Join(b.DocumentDir(uid), commitMarker))
	return err == nil
}

// Close marks the backend as closed.
func (b *Backend) Close() error {
	b.closed.Swap(true)
	return nil
}

// DocumentDir returns the directory for a uid: successive moduli over
// the uid hash produce nested bucket directories, terminating in a
// directory named after the uid itself. Pure function of the uid and
// the modulus chain.
func (b *Backend) DocumentDir(uid string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uid))
	v := h.Sum32()

	parts := make([]string, 0, len(b.moduli)+1)
	for _, m := range b.moduli {
		parts = append(parts, strconv.FormatUint(uint64(v%uint32(m)), 10))
		v /= uint32(m)
	}
	parts = append(parts, sanitize(uid))
	return filepath.Join(append([]string{b.base}, parts...)...)
}

// payloadName maps a mime type to a payload file name.
func payloadName(mime string) string {
	return sanitize(mime)
}

func sanitize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
