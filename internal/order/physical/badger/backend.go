// Package badger provides the default durable queue backend, keeping
// orders in a BadgerDB keyed by scheduled time so a prefix scan yields
// them in due order.
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/dverbeek/tierstore/internal/order"
	"github.com/dverbeek/tierstore/internal/order/physical"
	"github.com/dverbeek/tierstore/internal/storage"
)

const (
	queuePrefix = "order/"
	claimPrefix = "claim/"
	deadPrefix  = "dead/"
)

const (
	KeyPath       = "path"
	KeySyncWrites = "sync_writes"
	KeyInMemory   = "in_memory"
)

func init() {
	physical.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the BadgerDB queue.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:       "~/.tierstore/orders",
		KeySyncWrites: "true",
		KeyInMemory:   "false",
	}
}

// NewFactory creates a BadgerDB queue backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (order.Backend, error) {
	inMemory, err := storage.GetBool(config, KeyInMemory, false)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeyInMemory, config[KeyInMemory], err.Error())
	}
	if inMemory {
		opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
		db, err := badger.Open(opts)
		if err != nil {
			return nil, storage.NewConfigErrorWithCause("badger", KeyInMemory, "failed to open in-memory database", err)
		}
		slog.Info("badger order queue initialized (in-memory)")
		return NewWithDB(db), nil
	}

	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("badger", KeyPath, "cannot be empty")
	}
	path = storage.ExpandPath(path)

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("badger", KeyPath, "failed to create directory", err)
	}

	syncWrites, err := storage.GetBool(config, KeySyncWrites, true)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeySyncWrites, config[KeySyncWrites], err.Error())
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = syncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("badger", KeyPath, "failed to open database", err)
	}

	slog.Info("badger order queue initialized", "path", path, "sync_writes", syncWrites)
	return NewWithDB(db), nil
}

// Backend is a BadgerDB implementation of the queue SPI.
type Backend struct {
	db     *badger.DB
	closed atomic.Bool
}

// NewWithDB creates a backend over an existing BadgerDB instance.
func NewWithDB(db *badger.DB) *Backend {
	return &Backend{db: db}
}

// key layout: order/<scheduledAtNanos, zero padded>/<id>. Lexicographic
// order over the zero-padded timestamp equals time order. Claimed
// orders live under claim/<leaseExpiryNanos>/<id> until acked.
func queueKey(o *order.Order) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", queuePrefix, o.ScheduledAt.UnixNano(), o.ID))
}

func claimKey(id string, expiry time.Time) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", claimPrefix, expiry.UnixNano(), id))
}

func deadKey(o *order.Order) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", deadPrefix, time.Now().UnixNano(), o.ID))
}

func (b *Backend) Push(_ context.Context, o *order.Order) error {
	if b.closed.Load() {
		return fmt.Errorf("badger queue: closed")
	}

	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("badger queue: marshal order: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queueKey(o), data)
	})
	if err != nil {
		return fmt.Errorf("badger queue: push: %w", err)
	}
	return nil
}

func (b *Backend) Claim(_ context.Context, now time.Time, lease time.Duration) (*order.Order, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("badger queue: closed")
	}

	var o *order.Order
	err := b.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		// Expired claims first: their keys sort by lease expiry, so the
		// first claim key tells whether any lease has run out.
		it.Seek([]byte(claimPrefix))
		if it.ValidForPrefix([]byte(claimPrefix)) {
			item := it.Item()
			var claimed order.Order
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &claimed)
			}); err != nil {
				return fmt.Errorf("unmarshal order: %w", err)
			}
			if claimExpiry(item.Key()) <= now.UnixNano() {
				data, err := json.Marshal(&claimed)
				if err != nil {
					return fmt.Errorf("marshal order: %w", err)
				}
				if err := txn.Delete(item.KeyCopy(nil)); err != nil {
					return err
				}
				if err := txn.Set(claimKey(claimed.ID, now.Add(lease)), data); err != nil {
					return err
				}
				o = &claimed
				return nil
			}
		}

		it.Seek([]byte(queuePrefix))
		if !it.ValidForPrefix([]byte(queuePrefix)) {
			return order.ErrEmpty
		}
		item := it.Item()

		// First key is the earliest-scheduled order; if it is not due
		// yet, nothing is.
		var due order.Order
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &due)
		}); err != nil {
			return fmt.Errorf("unmarshal order: %w", err)
		}
		if due.ScheduledAt.After(now) {
			return order.ErrEmpty
		}
		data, err := json.Marshal(&due)
		if err != nil {
			return fmt.Errorf("marshal order: %w", err)
		}
		if err := txn.Delete(item.KeyCopy(nil)); err != nil {
			return err
		}
		if err := txn.Set(claimKey(due.ID, now.Add(lease)), data); err != nil {
			return err
		}
		o = &due
		return nil
	})
	if err != nil {
		if err == order.ErrEmpty {
			return nil, order.ErrEmpty
		}
		return nil, fmt.Errorf("badger queue: claim: %w", err)
	}
	return o, nil
}

// claimExpiry parses the zero-padded expiry out of a claim key.
func claimExpiry(key []byte) int64 {
	rest := key[len(claimPrefix):]
	i := 0
	for i < len(rest) && rest[i] != '/' {
		i++
	}
	n, err := strconv.ParseInt(string(rest[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (b *Backend) Ack(_ context.Context, id string) error {
	if b.closed.Load() {
		return fmt.Errorf("badger queue: closed")
	}

	suffix := "/" + id
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(claimPrefix)); it.ValidForPrefix([]byte(claimPrefix)); it.Next() {
			key := it.Item().KeyCopy(nil)
			if strings.HasSuffix(string(key), suffix) {
				return txn.Delete(key)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger queue: ack: %w", err)
	}
	return nil
}

func (b *Backend) DeadLetter(_ context.Context, o *order.Order) error {
	if b.closed.Load() {
		return fmt.Errorf("badger queue: closed")
	}

	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("badger queue: marshal order: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(deadKey(o), data)
	})
	if err != nil {
		return fmt.Errorf("badger queue: dead letter: %w", err)
	}
	return nil
}

func (b *Backend) DeadLetters(_ context.Context, limit int) ([]*order.Order, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("badger queue: closed")
	}

	var out []*order.Order
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek([]byte(deadPrefix)); it.ValidForPrefix([]byte(deadPrefix)); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var o order.Order
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &o)
			}); err != nil {
				return fmt.Errorf("unmarshal order: %w", err)
			}
			out = append(out, &o)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger queue: dead letters: %w", err)
	}
	return out, nil
}

func (b *Backend) Len(_ context.Context) (int, error) {
	if b.closed.Load() {
		return 0, fmt.Errorf("badger queue: closed")
	}

	var n int
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Claimed orders are still pending until acked.
		for _, prefix := range []string{queuePrefix, claimPrefix} {
			for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger queue: len: %w", err)
	}
	return n, nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
