// Package redis keeps records as plain string keys in Redis.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"

	"sitesync/pkg/exception"
)

const defaultPrefix = "sitesync:"

// Option configures the client. TTL 0 keeps records forever.
type Option struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
	MaxBytes int
}

// Store is a Redis-backed storage.
type Store struct {
	opt Option
	rdb redis.UniversalClient
}

// New creates a client and pings the server.
func New(ctx context.Context, opt Option) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis").With("addr", opt.Addr)
	}
	return NewWithClient(rdb, opt), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb redis.UniversalClient, opt Option) *Store {
	if opt.Prefix == "" {
		opt.Prefix = defaultPrefix
	}
	return &Store{opt: opt, rdb: rdb}
}

func (s *Store) key(key string) string {
	return s.opt.Prefix + key
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if exception.Is(err, redis.Nil) {
		return nil, exception.ErrStorageNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get record").With("key", key)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if s.opt.MaxBytes > 0 && len(value) > s.opt.MaxBytes {
		return exception.ErrStorageQuotaExceeded
	}
	if err := s.rdb.Set(ctx, s.key(key), value, s.opt.TTL).Err(); err != nil {
		return errors.Wrap(err, "set record").With("key", key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return errors.Wrap(err, "delete record").With("key", key)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
