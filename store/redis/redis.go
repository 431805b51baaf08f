// Package redis implements sluice.ContextStore on Redis. Context blobs
// are stored as JSON strings under a configurable key prefix, with an
// optional TTL so abandoned contexts expire on their own.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/sluicehq/sluice"
)

// Store implements sluice.ContextStore using Redis.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL sets the expiration for stored contexts. Zero, the default,
// keeps them until deleted.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithPrefix sets the key prefix for contexts.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

var _ sluice.ContextStore = (*Store)(nil)

// New creates a Store connected to the given address.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a Store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "sluice:context:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

func (s *Store) Get(ctx context.Context, id string) (map[string]string, bool, error) {
	val, err := s.client.Get(ctx, s.key(id)).Result()
	if err == backend.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: get context: %w", err)
	}
	var blob map[string]string
	if err := json.Unmarshal([]byte(val), &blob); err != nil {
		return nil, false, fmt.Errorf("redis: decode context %s: %w", id, err)
	}
	return blob, true, nil
}

func (s *Store) Set(ctx context.Context, id string, blob map[string]string) error {
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("redis: encode context: %w", err)
	}
	if err := s.client.Set(ctx, s.key(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set context: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis: delete context: %w", err)
	}
	return nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
