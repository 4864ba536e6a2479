package ctxstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore backs the correlation context with a redis server.
//
// Per-message keys are stored under "ctx:<msgid>:<key>" with the message
// TTL; a companion set "ctxkeys:<msgid>" tracks them so Expire can find
// and drop every key of the message. Shared keys live under
// "shared:<key>" with their own TTL.
type RedisStore struct {
	client     *redis.Client
	messageTTL time.Duration
	sharedTTL  time.Duration
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	// Addr is the host:port of the redis server.
	Addr string

	// MessageTTL is the lifetime of per-message keys.
	MessageTTL time.Duration

	// SharedTTL is the lifetime of shared keys.
	SharedTTL time.Duration

	// DialTimeout bounds connection establishment. Default: 2s.
	DialTimeout time.Duration
}

// NewRedisStore creates a redis-backed context store.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		DialTimeout: cfg.DialTimeout,
	})
	return &RedisStore{
		client:     client,
		messageTTL: cfg.MessageTTL,
		sharedTTL:  cfg.SharedTTL,
	}
}

func msgKey(msgID, key string) string { return "ctx:" + msgID + ":" + key }
func msgKeySet(msgID string) string   { return "ctxkeys:" + msgID }
func sharedKey(key string) string     { return "shared:" + key }

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, msgID, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("ctxstore: encode %s: %w", key, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, msgKey(msgID, key), data, s.messageTTL)
	pipe.SAdd(ctx, msgKeySet(msgID), key)
	pipe.Expire(ctx, msgKeySet(msgID), s.messageTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedisErr("set", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, msgID, key string, dest any) error {
	data, err := s.client.Get(ctx, msgKey(msgID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return wrapRedisErr("get", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("ctxstore: decode %s: %w", key, err)
	}
	return nil
}

// SetShared implements Store.
func (s *RedisStore) SetShared(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("ctxstore: encode shared %s: %w", key, err)
	}
	if err := s.client.Set(ctx, sharedKey(key), data, s.sharedTTL).Err(); err != nil {
		return wrapRedisErr("set shared", err)
	}
	return nil
}

// GetShared implements Store.
func (s *RedisStore) GetShared(ctx context.Context, key string, dest any) error {
	data, err := s.client.Get(ctx, sharedKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return wrapRedisErr("get shared", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("ctxstore: decode shared %s: %w", key, err)
	}
	return nil
}

// IncrShared implements Store.
func (s *RedisStore) IncrShared(ctx context.Context, key string) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, sharedKey(key))
	pipe.Expire(ctx, sharedKey(key), s.sharedTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wrapRedisErr("incr shared", err)
	}
	return incr.Val(), nil
}

// Expire implements Store.
func (s *RedisStore) Expire(ctx context.Context, msgID string) error {
	keys, err := s.client.SMembers(ctx, msgKeySet(msgID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return wrapRedisErr("expire", err)
	}

	targets := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		targets = append(targets, msgKey(msgID, k))
	}
	targets = append(targets, msgKeySet(msgID))
	if err := s.client.Del(ctx, targets...).Err(); err != nil {
		return wrapRedisErr("expire", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// wrapRedisErr classifies backend failures. Timeouts and connection
// drops become *TimeoutError so the dispatcher re-enqueues the message.
func wrapRedisErr(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr):
		return &TimeoutError{Op: op, Err: err}
	}
	return fmt.Errorf("ctxstore: %s: %w", op, err)
}
