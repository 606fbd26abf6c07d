// Package store is the typed adapter over the redis cache that holds the
// materialized directory state. It exposes the small read/write/set surface
// the replicator and verifier need, plus an atomic batch used to commit one
// changelog entry's worth of mutations (and the change-number advance) as a
// single MULTI/EXEC transaction.
//
// The adapter owns all connection concerns: connect timeout, exponential
// reconnect with backoff, and low-level protocol logging when the
// REDIS_DEBUG environment variable is set. Callers only ever see *StoreError
// for transport failures.
package store

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Config configures the store connection.
type Config struct {
	// URL is a redis connection URL, e.g. redis://localhost:6379/0.
	URL string

	// ConnectTimeout bounds a single dial attempt (default 2s).
	ConnectTimeout time.Duration

	// RetryMin and RetryMax bound the reconnect backoff (defaults 1s, 60s).
	RetryMin time.Duration
	RetryMax time.Duration
}

// Store is the shared cache handle. It is safe for concurrent use: the
// replicator is the sole writer, verification reads run in parallel on the
// pooled client.
type Store struct {
	client *redis.Client
	log    *logrus.Entry
}

// Connect dials redis and verifies the connection, retrying with exponential
// backoff until the context is cancelled. The first few failed attempts log
// at warn; persistent failure escalates to error.
func Connect(ctx context.Context, cfg Config, log *logrus.Entry) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, wrapErr("parse-url", err)
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.RetryMin == 0 {
		cfg.RetryMin = time.Second
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 60 * time.Second
	}
	opts.DialTimeout = cfg.ConnectTimeout

	client := redis.NewClient(opts)
	if os.Getenv("REDIS_DEBUG") != "" {
		client.AddHook(&debugHook{log: log})
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.RetryMin
	policy.MaxInterval = cfg.RetryMax
	policy.MaxElapsedTime = 0 // retry until cancelled

	attempts := 0
	err = backoff.RetryNotify(
		func() error {
			return client.Ping(ctx).Err()
		},
		backoff.WithContext(policy, ctx),
		func(err error, next time.Duration) {
			attempts++
			entry := log.WithError(err).WithField("retryIn", next.String())
			if attempts <= 3 {
				entry.Warn("redis connection failed, retrying")
			} else {
				entry.Error("redis connection still failing, retrying")
			}
		},
	)
	if err != nil {
		_ = client.Close()
		return nil, wrapErr("connect", err)
	}

	log.WithField("url", cfg.URL).Info("connected to redis")
	return &Store{client: client, log: log}, nil
}

// New wraps an existing client. Used by tests against miniredis.
func New(client *redis.Client, log *logrus.Entry) *Store {
	return &Store{client: client, log: log}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Get returns the value at key and whether the key was present.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("get", err)
	}
	return v, true, nil
}

// Set writes value at key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return wrapErr("set", s.client.Set(ctx, key, value, 0).Err())
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return wrapErr("del", s.client.Del(ctx, keys...).Err())
}

// SetAdd adds member to the set at key.
func (s *Store) SetAdd(ctx context.Context, key, member string) error {
	return wrapErr("sadd", s.client.SAdd(ctx, key, member).Err())
}

// SetRemove removes member from the set at key.
func (s *Store) SetRemove(ctx context.Context, key, member string) error {
	return wrapErr("srem", s.client.SRem(ctx, key, member).Err())
}

// SetMembers returns all members of the set at key.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapErr("smembers", err)
	}
	return members, nil
}

// SetIsMember reports whether member is in the set at key.
func (s *Store) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, wrapErr("sismember", err)
	}
	return ok, nil
}

// SetCard returns the cardinality of the set at key.
func (s *Store) SetCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, wrapErr("scard", err)
	}
	return n, nil
}

// Flush clears the current database. For tests.
func (s *Store) Flush(ctx context.Context) error {
	return wrapErr("flushdb", s.client.FlushDB(ctx).Err())
}

// debugHook logs every command when REDIS_DEBUG is set.
type debugHook struct {
	log *logrus.Entry
}

func (h *debugHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		h.log.WithField("addr", addr).Debug("redis dial")
		return next(ctx, network, addr)
	}
}

func (h *debugHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		h.log.WithField("cmd", cmd.String()).Debug("redis command")
		return err
	}
}

func (h *debugHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		h.log.WithField("commands", len(cmds)).Debug("redis pipeline")
		return err
	}
}
