package rtdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/voltgrid/voltgrid/logging"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("rtdb: not found")

// Error wraps a bus failure that survived the retry budget.
type Error struct {
	Op    string
	Cause error
}

func (e *Error) Error() string { return fmt.Sprintf("rtdb: %s: %v", e.Op, e.Cause) }
func (e *Error) Unwrap() error { return e.Cause }

// =============================================================================
// PIPELINE OPS
// =============================================================================

// OpKind selects the operation a pipeline entry performs.
type OpKind int

const (
	OpHashSet OpKind = iota
	OpPublish
	OpListPush
	OpSetString
	OpDelete
)

// Op is one entry in an atomic pipeline batch. Pipelines couple hash writes
// with their change publishes so subscribers never observe an event whose
// value they cannot read back.
type Op struct {
	Kind    OpKind
	Key     string            // hash/list/string key, or pub/sub channel for OpPublish
	Fields  map[string]string // OpHashSet
	Payload string            // OpPublish / OpListPush / OpSetString
	TTL     time.Duration     // OpSetString, zero means no expiry
}

// =============================================================================
// CLIENT CONTRACT
// =============================================================================

// Client is the contract every service uses against the bus. Transport errors
// are retried internally with bounded exponential backoff; callers see an
// error only after the budget is exhausted.
type Client interface {
	Ping(ctx context.Context) error

	HashGet(ctx context.Context, key, field string) (string, error)
	HashSet(ctx context.Context, key string, fields map[string]string) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashDel(ctx context.Context, key string, fields ...string) error

	ListPush(ctx context.Context, key string, values ...string) (int64, error)
	ListPop(ctx context.Context, key string) (string, error)
	ListLen(ctx context.Context, key string) (int64, error)

	GetString(ctx context.Context, key string) (string, error)
	SetString(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// ScanMatch enumerates keys with cursor-based SCAN, never blocking KEYS.
	ScanMatch(ctx context.Context, pattern string) ([]string, error)

	Publish(ctx context.Context, channel, payload string) error

	// Subscribe returns a restartable stream. The subscription reconnects
	// and re-subscribes on connection loss; consumers receive a resubscribe
	// marker because messages may have been lost across the gap.
	Subscribe(ctx context.Context, channels ...string) (*Subscription, error)

	// Pipeline executes the ops as one atomic batch, in order.
	Pipeline(ctx context.Context, ops []Op) error

	// CallFunction invokes a registered server-side function.
	CallFunction(ctx context.Context, name string, keys []string, args []string) (any, error)

	Close() error
}

// =============================================================================
// REDIS IMPLEMENTATION
// =============================================================================

// RetryConfig bounds the client-side retry budget for transient bus errors.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig mirrors field-tested defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

type redisClient struct {
	rdb   *redis.Client
	retry RetryConfig
	log   logging.Logger
}

// Dial connects to the bus at url (redis://host:port/db) and verifies the
// connection with a ping.
func Dial(ctx context.Context, url string, retry RetryConfig, log logging.Logger) (Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, &Error{Op: "dial", Cause: err}
	}
	// Per-op deadlines are enforced by callers through ctx; keep the driver
	// timeouts as a backstop.
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	c := &redisClient{rdb: redis.NewClient(opts), retry: retry, log: log.Bind("component", "rtdb")}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

// withRetry runs op under the retry budget. Only transient errors are
// retried; redis.Nil and context cancellation pass straight through.
func (c *redisClient) withRetry(ctx context.Context, name string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.InitialDelay
	bo.MaxInterval = c.retry.MaxDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retry.MaxRetries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		c.log.Warn("rtdb_op_retry", "op", name, "attempt", attempt, "error", err.Error())
		return err
	}, policy)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return &Error{Op: name, Cause: err}
	}
	return nil
}

func (c *redisClient) Ping(ctx context.Context) error {
	return c.withRetry(ctx, "ping", func() error { return c.rdb.Ping(ctx).Err() })
}

func (c *redisClient) HashGet(ctx context.Context, key, field string) (string, error) {
	var out string
	err := c.withRetry(ctx, "hget", func() error {
		v, err := c.rdb.HGet(ctx, key, field).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *redisClient) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return c.withRetry(ctx, "hset", func() error { return c.rdb.HSet(ctx, key, args...).Err() })
}

func (c *redisClient) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := c.withRetry(ctx, "hgetall", func() error {
		v, err := c.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *redisClient) HashDel(ctx context.Context, key string, fields ...string) error {
	return c.withRetry(ctx, "hdel", func() error { return c.rdb.HDel(ctx, key, fields...).Err() })
}

func (c *redisClient) ListPush(ctx context.Context, key string, values ...string) (int64, error) {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	var n int64
	err := c.withRetry(ctx, "rpush", func() error {
		v, err := c.rdb.RPush(ctx, key, vals...).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

func (c *redisClient) ListPop(ctx context.Context, key string) (string, error) {
	var out string
	err := c.withRetry(ctx, "lpop", func() error {
		v, err := c.rdb.LPop(ctx, key).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *redisClient) ListLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.withRetry(ctx, "llen", func() error {
		v, err := c.rdb.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

func (c *redisClient) GetString(ctx context.Context, key string) (string, error) {
	var out string
	err := c.withRetry(ctx, "get", func() error {
		v, err := c.rdb.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *redisClient) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.withRetry(ctx, "set", func() error { return c.rdb.Set(ctx, key, value, ttl).Err() })
}

func (c *redisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.withRetry(ctx, "del", func() error { return c.rdb.Del(ctx, keys...).Err() })
}

func (c *redisClient) ScanMatch(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := c.withRetry(ctx, "scan", func() error {
		keys = keys[:0]
		var cursor uint64
		for {
			batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return err
			}
			keys = append(keys, batch...)
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	return keys, err
}

func (c *redisClient) Publish(ctx context.Context, channel, payload string) error {
	return c.withRetry(ctx, "publish", func() error { return c.rdb.Publish(ctx, channel, payload).Err() })
}

func (c *redisClient) Pipeline(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	return c.withRetry(ctx, "pipeline", func() error {
		pipe := c.rdb.TxPipeline()
		for _, op := range ops {
			switch op.Kind {
			case OpHashSet:
				args := make([]any, 0, len(op.Fields)*2)
				for f, v := range op.Fields {
					args = append(args, f, v)
				}
				pipe.HSet(ctx, op.Key, args...)
			case OpPublish:
				pipe.Publish(ctx, op.Key, op.Payload)
			case OpListPush:
				pipe.RPush(ctx, op.Key, op.Payload)
			case OpSetString:
				pipe.Set(ctx, op.Key, op.Payload, op.TTL)
			case OpDelete:
				pipe.Del(ctx, op.Key)
			}
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (c *redisClient) CallFunction(ctx context.Context, name string, keys []string, args []string) (any, error) {
	anyArgs := make([]any, len(args))
	for i, a := range args {
		anyArgs[i] = a
	}
	var out any
	err := c.withRetry(ctx, "fcall:"+name, func() error {
		v, err := c.rdb.FCall(ctx, name, keys, anyArgs...).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *redisClient) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	return newRedisSubscription(ctx, c.rdb, c.log, channels), nil
}

func (c *redisClient) Close() error {
	return c.rdb.Close()
}
