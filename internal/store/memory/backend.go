// Package memory provides an in-memory storage backend used in tests
// and as a selection fixture; availability is fixed by configuration.
package memory

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dverbeek/tierstore/internal/storage"
	"github.com/dverbeek/tierstore/internal/store"
)

const (
	KeyAvailability = "availability"
)

func init() {
	store.Register("memory", NewFactory, Defaults)
}

// Defaults returns the default configuration for the memory backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyAvailability: "online",
	}
}

// NewFactory creates a memory backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (store.Backend, error) {
	avail := storage.GetString(config, KeyAvailability, "online")
	return New(store.ParseAvailability(avail)), nil
}

type variant struct {
	data []byte
	hash string
}

type document struct {
	firstMime string
	variants  map[string]*variant
	committed bool
}

// Backend keeps documents in process memory.
type Backend struct {
	mu     sync.RWMutex
	docs   map[string]*document
	avail  atomic.Int32
	closed atomic.Bool

	notifyMu sync.Mutex
	notify   []func(old, now store.Availability)
}

// New creates a memory backend reporting the given availability.
func New(avail store.Availability) *Backend {
	b := &Backend{docs: make(map[string]*document)}
	b.avail.Store(int32(avail))
	return b
}

func (b *Backend) checkClosed() error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	return nil
}

// SetAvailability overrides the reported availability, firing change
// callbacks when the value flips.
func (b *Backend) SetAvailability(a store.Availability) {
	old := store.Availability(b.avail.Swap(int32(a)))
	if old == a {
		return
	}
	b.notifyMu.Lock()
	fns := make([]func(store.Availability, store.Availability), len(b.notify))
	copy(fns, b.notify)
	b.notifyMu.Unlock()
	for _, fn := range fns {
		fn(old, a)
	}
}

// OnAvailabilityChange registers a change callback.
func (b *Backend) OnAvailabilityChange(fn func(old, now store.Availability)) {
	b.notifyMu.Lock()
	b.notify = append(b.notify, fn)
	b.notifyMu.Unlock()
}

// Availability returns the configured availability.
func (b *Backend) Availability(_ context.Context) store.Availability {
	return store.Availability(b.avail.Load())
}

// Store keeps a copy of the payload. Duplicate uid+mime returns (nil, nil).
func (b *Backend) Store(_ context.Context, uid, mime string, r io.Reader) (*store.Document, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	if uid == "" {
		return nil, errors.New("memory: empty uid")
	}
	if mime == "" {
		mime = "application/octet-stream"
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("memory: read payload: %w", err)
	}
	sum := sha1.Sum(data)
	hash := hex.EncodeToString(sum[:])

	b.mu.Lock()
	defer b.mu.Unlock()

	doc, ok := b.docs[uid]
	if !ok {
		doc = &document{firstMime: mime, variants: make(map[string]*variant)}
		b.docs[uid] = doc
	}
	if _, dup := doc.variants[mime]; dup {
		return nil, nil
	}
	doc.variants[mime] = &variant{data: data, hash: hash}

	return &store.Document{
		UID:          uid,
		MimeType:     mime,
		Size:         int64(len(data)),
		Hash:         hash,
		Availability: store.Availability(b.avail.Load()),
	}, nil
}

// StoreBatch stores all items or none. Rollback removes only the
// variants this batch wrote; pre-existing variants stay.
func (b *Backend) StoreBatch(ctx context.Context, items []store.BatchItem) ([]*store.Document, error) {
	type variantRef struct {
		uid  string
		mime string
	}

	docs := make([]*store.Document, 0, len(items))
	var written []variantRef
	for _, item := range items {
		doc, err := b.Store(ctx, item.UID, item.MimeType, item.Data)
		if err != nil {
			for _, w := range written {
				b.removeVariant(w.uid, w.mime)
			}
			return nil, err
		}
		if doc != nil {
			written = append(written, variantRef{uid: doc.UID, mime: doc.MimeType})
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (b *Backend) removeVariant(uid, mime string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, ok := b.docs[uid]
	if !ok {
		return
	}
	delete(doc.variants, mime)
	if len(doc.variants) == 0 {
		delete(b.docs, uid)
	}
}

// Retrieve looks up a document; empty mime returns the first variant.
func (b *Backend) Retrieve(_ context.Context, uid, mime string) (*store.Document, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	doc, ok := b.docs[uid]
	if !ok {
		return nil, nil
	}
	if mime == "" {
		mime = doc.firstMime
	}
	v, ok := doc.variants[mime]
	if !ok {
		return nil, nil
	}
	return &store.Document{
		UID:          uid,
		MimeType:     mime,
		Size:         int64(len(v.data)),
		Hash:         v.hash,
		Availability: store.Availability(b.avail.Load()),
	}, nil
}

// Open returns a reader over a stored payload.
func (b *Backend) Open(_ context.Context, uid, mime string) (io.ReadCloser, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	doc, ok := b.docs[uid]
	if !ok {
		return nil, store.ErrNotFound
	}
	if mime == "" {
		mime = doc.firstMime
	}
	v, ok := doc.variants[mime]
	if !ok {
		return nil, store.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(v.data)), nil
}

// Delete removes every variant of the uid.
func (b *Backend) Delete(_ context.Context, uid string) (bool, error) {
	if err := b.checkClosed(); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.docs[uid]; !ok {
		return false, nil
	}
	delete(b.docs, uid)
	return true, nil
}

// Commit marks the document committed.
func (b *Backend) Commit(_ context.Context, uid string) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	doc, ok := b.docs[uid]
	if !ok {
		return fmt.Errorf("memory: commit %q: %w", uid, store.ErrNotFound)
	}
	doc.committed = true
	return nil
}

// Committed reports whether the uid has been committed.
func (b *Backend) Committed(uid string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	doc, ok := b.docs[uid]
	return ok && doc.committed
}

// Close marks the backend as closed.
func (b *Backend) Close() error {
	b.closed.Swap(true)
	return nil
}
