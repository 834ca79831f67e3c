// Package redis provides a queue backend over a Redis sorted set
// scored by scheduled time, with dead letters in a list.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dverbeek/tierstore/internal/order"
	"github.com/dverbeek/tierstore/internal/order/physical"
	"github.com/dverbeek/tierstore/internal/storage"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyKeyPrefix    = "key_prefix"
)

func init() {
	physical.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis queue.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "1",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyKeyPrefix:    "tierstore:",
	}
}

// NewFactory creates a Redis queue backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (order.Backend, error) {
	addr := storage.GetString(config, KeyAddr, "")
	if addr == "" {
		return nil, storage.NewConfigError("redis", KeyAddr, "cannot be empty")
	}

	db, err := storage.GetInt(config, KeyDB, 1)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDB, config[KeyDB], err.Error())
	}
	dialTimeout, err := storage.GetDuration(config, KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	readTimeout, err := storage.GetDuration(config, KeyReadTimeout, 3*time.Second)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := storage.GetDuration(config, KeyWriteTimeout, 3*time.Second)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     storage.GetString(config, KeyPassword, ""),
		DB:           db,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storage.NewConfigErrorWithCause("redis", KeyAddr, "server not reachable", err)
	}

	prefix := storage.GetString(config, KeyKeyPrefix, "tierstore:")
	slog.Info("redis order queue initialized", "addr", addr, "db", db, "key_prefix", prefix)

	return &Backend{
		client:   client,
		queueKey: prefix + "orders",
		claimKey: prefix + "orders:claimed",
		deadKey:  prefix + "orders:dead",
	}, nil
}

// Backend keeps queued orders in a sorted set scored by scheduled
// time; members are the orders themselves serialized as JSON, unique
// through their ids. Claimed orders sit in a second sorted set scored
// by lease expiry until acked.
type Backend struct {
	client   *redis.Client
	queueKey string
	claimKey string
	deadKey  string
	closed   atomic.Bool
}

func (b *Backend) Push(ctx context.Context, o *order.Order) error {
	if b.closed.Load() {
		return fmt.Errorf("redis queue: closed")
	}

	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("redis queue: marshal order: %w", err)
	}
	err = b.client.ZAdd(ctx, b.queueKey, redis.Z{
		Score:  float64(o.ScheduledAt.UnixNano()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis queue: push: %w", err)
	}
	return nil
}

func (b *Backend) Claim(ctx context.Context, now time.Time, lease time.Duration) (*order.Order, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("redis queue: closed")
	}

	expiry := float64(now.Add(lease).UnixNano())

	// Expired claims come back first; then the due part of the queue.
	// A lost move race means another worker claimed the member and the
	// next candidate is tried.
	for _, source := range []string{b.claimKey, b.queueKey} {
		for {
			members, err := b.client.ZRangeByScore(ctx, source, &redis.ZRangeBy{
				Min:   "-inf",
				Max:   strconv.FormatInt(now.UnixNano(), 10),
				Count: 1,
			}).Result()
			if err != nil {
				return nil, fmt.Errorf("redis queue: range: %w", err)
			}
			if len(members) == 0 {
				break
			}

			o, err := b.lease(ctx, source, members[0], expiry)
			if err != nil {
				return nil, err
			}
			if o == nil {
				continue
			}
			return o, nil
		}
	}
	return nil, order.ErrEmpty
}

// lease moves a member from the queue set under the claim set keyed
// by lease expiry, in one MULTI/EXEC so the order is never in neither
// set. Reclaiming an expired claim only rewrites its score in place.
// Returns nil when another worker won the queue-set move; reclaim
// races hand the same order to both workers, which at-least-once
// delivery tolerates.
func (b *Backend) lease(ctx context.Context, source, member string, expiry float64) (*order.Order, error) {
	if source == b.claimKey {
		if err := b.client.ZAdd(ctx, b.claimKey, redis.Z{Score: expiry, Member: member}).Err(); err != nil {
			return nil, fmt.Errorf("redis queue: lease: %w", err)
		}
	} else {
		var removed *redis.IntCmd
		_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, b.claimKey, redis.Z{Score: expiry, Member: member})
			removed = pipe.ZRem(ctx, source, member)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("redis queue: lease: %w", err)
		}
		if removed.Val() == 0 {
			return nil, nil
		}
	}
	var o order.Order
	if err := json.Unmarshal([]byte(member), &o); err != nil {
		return nil, fmt.Errorf("redis queue: unmarshal order: %w", err)
	}
	return &o, nil
}

func (b *Backend) Ack(ctx context.Context, id string) error {
	if b.closed.Load() {
		return fmt.Errorf("redis queue: closed")
	}

	// Claims are bounded by the worker pool, so a scan stays cheap.
	members, err := b.client.ZRange(ctx, b.claimKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis queue: ack: %w", err)
	}
	for _, member := range members {
		var o order.Order
		if err := json.Unmarshal([]byte(member), &o); err != nil {
			continue
		}
		if o.ID != id {
			continue
		}
		if err := b.client.ZRem(ctx, b.claimKey, member).Err(); err != nil {
			return fmt.Errorf("redis queue: ack: %w", err)
		}
		return nil
	}
	return nil
}

func (b *Backend) DeadLetter(ctx context.Context, o *order.Order) error {
	if b.closed.Load() {
		return fmt.Errorf("redis queue: closed")
	}

	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("redis queue: marshal order: %w", err)
	}
	if err := b.client.RPush(ctx, b.deadKey, data).Err(); err != nil {
		return fmt.Errorf("redis queue: dead letter: %w", err)
	}
	return nil
}

func (b *Backend) DeadLetters(ctx context.Context, limit int) ([]*order.Order, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("redis queue: closed")
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := b.client.LRange(ctx, b.deadKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis queue: dead letters: %w", err)
	}

	out := make([]*order.Order, 0, len(raw))
	for _, item := range raw {
		var o order.Order
		if err := json.Unmarshal([]byte(item), &o); err != nil {
			return nil, fmt.Errorf("redis queue: unmarshal order: %w", err)
		}
		out = append(out, &o)
	}
	return out, nil
}

func (b *Backend) Len(ctx context.Context) (int, error) {
	if b.closed.Load() {
		return 0, fmt.Errorf("redis queue: closed")
	}

	queued, err := b.client.ZCard(ctx, b.queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue: len: %w", err)
	}
	claimed, err := b.client.ZCard(ctx, b.claimKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue: len: %w", err)
	}
	return int(queued + claimed), nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}
