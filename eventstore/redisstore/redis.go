// Package redisstore is an eventstore.Store backed by Redis Streams, so a
// session's replay log survives a restart of the stream consumer.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-sessiond/eventstore"
)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTS_KEY_PREFIX
	KeyPrefix string `env:"EVENTS_KEY_PREFIX,default=mcp:events:"`
	// MaxLen approximately caps each stream. ENV: EVENTS_MAX_LEN
	MaxLen int64 `env:"EVENTS_MAX_LEN,default=1024"`
	// TTL is refreshed on every append. ENV: EVENTS_TTL
	TTL time.Duration `env:"EVENTS_TTL,default=1h"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	ttl       time.Duration
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of cl
// unless Close is called.
func NewWithClient(cl *redis.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:events:"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 1024
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{client: cl, keyPrefix: prefix, maxLen: maxLen, ttl: ttl}
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis event store config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) streamKey(stream string) string { return s.keyPrefix + "stream:" + stream }

func (s *Store) Append(ctx context.Context, stream string, data []byte) (string, error) {
	key := s.streamKey(stream)
	pipe := s.client.TxPipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{"d": data},
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return add.Val(), nil
}

func (s *Store) After(ctx context.Context, stream, lastID string, fn func(eventstore.Event) error) error {
	start := "-"
	if lastID != "" {
		if !validStreamID(lastID) {
			return fmt.Errorf("%w: %q", eventstore.ErrInvalidEventID, lastID)
		}
		start = "(" + lastID
	}

	msgs, err := s.client.XRange(ctx, s.streamKey(stream), start, "+").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("xrange: %w", err)
	}
	for _, m := range msgs {
		if err := fn(eventstore.Event{ID: m.ID, Data: payload(m.Values["d"])}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, stream string) error {
	if err := s.client.Del(context.WithoutCancel(ctx), s.streamKey(stream)).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func payload(v interface{}) []byte {
	switch v := v.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}

// validStreamID accepts "<ms>-<seq>" as issued by XADD.
func validStreamID(id string) bool {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return false
	}
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return false
	}
	_, err := strconv.ParseUint(seq, 10, 64)
	return err == nil
}

var _ eventstore.Store = (*Store)(nil)
