// Package kvbus is the client for the Key-Value & Bus (KVB) external
// collaborator: TTL-bound key/value plus topic pub/sub. The lease and
// control-plane mechanics built on top of it live in internal/shell and
// internal/controlplane; this package only wraps the transport.
package kvbus

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kvbus: key not found")

// Message is one payload delivered on a subscribed topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus is the KVB contract the Shell and control-plane publisher consume.
// Any implementation satisfying these semantics is acceptable; RedisBus is
// the one this service ships.
type Bus interface {
	// Set writes value under key with the given TTL (zero means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value under key only if key does not already exist,
	// returning ok=false if another holder already owns it. This is the
	// "conditional set-if-not-exists" strengthening spec.md §9 invites for
	// the singleton lease.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (ok bool, err error)
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a channel of messages for topic and an unsubscribe
	// function. The channel is closed once Unsubscribe is called or ctx is
	// cancelled.
	Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error)
}

// RedisBus implements Bus over github.com/redis/go-redis/v9. The KVB client
// is shared process-wide; the underlying redis.Client is itself safe for
// concurrent use, and each Subscribe call opens its own dedicated
// subscriber connection so publishers are never blocked by slow readers.
type RedisBus struct {
	rdb *redis.Client
}

// New dials a Redis server at addr and returns a ready-to-use RedisBus.
func New(addr, password string, db int) *RedisBus {
	return &RedisBus{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewFromClient wraps an already-constructed redis.Client, used by tests
// that point at an in-process or miniature Redis instance.
func NewFromClient(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.rdb.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBus) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (b *RedisBus) Get(ctx context.Context, key string) (string, error) {
	v, err := b.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (b *RedisBus) Delete(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, key).Err()
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, topic, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error) {
	sub := b.rdb.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan Message)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-done:
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	unsubscribe := func() {
		close(done)
		if err := sub.Close(); err != nil {
			logrus.Warnf("kvbus: error closing subscription to %s: %v", topic, err)
		}
	}
	return out, unsubscribe, nil
}

// Close releases the underlying Redis connection pool.
func (b *RedisBus) Close() error { return b.rdb.Close() }
