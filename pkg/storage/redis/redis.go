package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	goredis "github.com/redis/go-redis/v9"
)

// Connect parses a redis:// URL, opens a client and performs a Ping.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Storage adapts a redis client to fiber.Storage so middleware such as the
// rate limiter shares counters across instances. Keys are namespaced by prefix.
type Storage struct {
	client  goredis.UniversalClient
	prefix  string
	timeout time.Duration
}

var _ fiber.Storage = (*Storage)(nil)

func NewStorage(client goredis.UniversalClient, prefix string) *Storage {
	return &Storage{client: client, prefix: prefix, timeout: 2 * time.Second}
}

func (s *Storage) key(k string) string { return s.prefix + k }

func (s *Storage) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Get returns nil without error for a missing key, as fiber.Storage requires.
func (s *Storage) Get(key string) ([]byte, error) {
	if key == "" {
		return nil, nil
	}
	ctx, cancel := s.ctx()
	defer cancel()
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	return val, err
}

func (s *Storage) Set(key string, val []byte, exp time.Duration) error {
	if key == "" || len(val) == 0 {
		return nil
	}
	ctx, cancel := s.ctx()
	defer cancel()
	return s.client.Set(ctx, s.key(key), val, exp).Err()
}

func (s *Storage) Delete(key string) error {
	if key == "" {
		return nil
	}
	ctx, cancel := s.ctx()
	defer cancel()
	return s.client.Del(ctx, s.key(key)).Err()
}

// Reset removes every key under the prefix.
func (s *Storage) Reset() error {
	ctx, cancel := s.ctx()
	defer cancel()
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// Close is a no-op: the client is owned by whoever created it.
func (s *Storage) Close() error { return nil }
