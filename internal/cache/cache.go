// Package cache wraps Redis for the three things the billing core needs
// from it: a general get/set cache (rate lookups, active-call sessions),
// a per-account concurrency set, and short-lived locks (idempotency keys).
package cache

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "github.com/go-redis/redis/v8"

    "github.com/telecom/billingcore/pkg/billingerr"
    "github.com/telecom/billingcore/pkg/logger"
)

type Config struct {
    Host         string
    Port         int
    Password     string
    DB           int
    PoolSize     int
    MinIdleConns int
    MaxRetries   int
    DialTimeout  time.Duration
    ReadTimeout  time.Duration
    WriteTimeout time.Duration
}

type Cache struct {
    client *redis.Client
    prefix string
}

func New(ctx context.Context, cfg Config, prefix string) (*Cache, error) {
    client := redis.NewClient(&redis.Options{
        Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
        Password:     cfg.Password,
        DB:           cfg.DB,
        PoolSize:     cfg.PoolSize,
        MinIdleConns: cfg.MinIdleConns,
        MaxRetries:   cfg.MaxRetries,
        DialTimeout:  cfg.DialTimeout,
        ReadTimeout:  cfg.ReadTimeout,
        WriteTimeout: cfg.WriteTimeout,
    })

    pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()

    if err := client.Ping(pingCtx).Err(); err != nil {
        return nil, billingerr.Wrap(err, billingerr.ErrRedis, "failed to connect to redis")
    }

    logger.Info("redis cache initialized")
    return &Cache{client: client, prefix: prefix}, nil
}

func (c *Cache) key(k string) string {
    if c.prefix != "" {
        return fmt.Sprintf("%s:%s", c.prefix, k)
    }
    return k
}

// Get unmarshals the cached value for key into dest. A cache miss or any
// Redis error leaves dest untouched and returns (false, nil): callers
// treat a cache failure the same as a miss and fall through to storage.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
    val, err := c.client.Get(ctx, c.key(key)).Result()
    if err == redis.Nil {
        return false, nil
    }
    if err != nil {
        logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache get failed")
        return false, nil
    }

    if err := json.Unmarshal([]byte(val), dest); err != nil {
        logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache unmarshal failed")
        return false, nil
    }

    return true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
    data, err := json.Marshal(value)
    if err != nil {
        logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache marshal failed")
        return
    }

    if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
        logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache set failed")
    }
}

func (c *Cache) Delete(ctx context.Context, keys ...string) {
    fullKeys := make([]string, len(keys))
    for i, k := range keys {
        fullKeys[i] = c.key(k)
    }

    if err := c.client.Del(ctx, fullKeys...).Err(); err != nil {
        logger.WithContext(ctx).WithError(err).Warn("cache delete failed")
    }
}

// Lock acquires a short-lived mutual-exclusion lock on key and returns an
// unlock function that releases it only if still held by this caller.
func (c *Cache) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
    lockKey := c.key(fmt.Sprintf("lock:%s", key))
    token := fmt.Sprintf("%d", time.Now().UnixNano())

    ok, err := c.client.SetNX(ctx, lockKey, token, ttl).Result()
    if err != nil {
        return nil, billingerr.Wrap(err, billingerr.ErrRedis, "failed to acquire lock")
    }
    if !ok {
        return nil, billingerr.New(billingerr.ErrConcurrentLimitExceeded, "lock already held").WithContext("key", key)
    }

    unlockScript := redis.NewScript(`
        if redis.call("get", KEYS[1]) == ARGV[1] then
            return redis.call("del", KEYS[1])
        else
            return 0
        end
    `)

    return func() {
        unlockScript.Run(context.Background(), c.client, []string{lockKey}, token)
    }, nil
}

// SetNX sets key to value with ttl only if it does not already exist,
// reporting whether this call won the race. Used for idempotency keys
// keyed on call_uuid.
func (c *Cache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
    ok, err := c.client.SetNX(ctx, c.key(key), value, ttl).Result()
    if err != nil {
        return false, billingerr.Wrap(err, billingerr.ErrRedis, "setnx failed")
    }
    return ok, nil
}

// AddActive adds callUUID to the per-account active-call set and reports
// the resulting cardinality.
func (c *Cache) AddActive(ctx context.Context, accountID int64, callUUID string) (int64, error) {
    setKey := c.key(fmt.Sprintf("active_reservations:%d", accountID))
    if err := c.client.SAdd(ctx, setKey, callUUID).Err(); err != nil {
        return 0, billingerr.Wrap(err, billingerr.ErrRedis, "sadd failed")
    }
    return c.client.SCard(ctx, setKey).Result()
}

// RemoveActive removes callUUID from the per-account active-call set.
func (c *Cache) RemoveActive(ctx context.Context, accountID int64, callUUID string) {
    setKey := c.key(fmt.Sprintf("active_reservations:%d", accountID))
    if err := c.client.SRem(ctx, setKey, callUUID).Err(); err != nil {
        logger.WithContext(ctx).WithError(err).Warn("srem failed")
    }
}

// ActiveCount returns the number of concurrently active calls tracked for
// an account.
func (c *Cache) ActiveCount(ctx context.Context, accountID int64) (int64, error) {
    setKey := c.key(fmt.Sprintf("active_reservations:%d", accountID))
    n, err := c.client.SCard(ctx, setKey).Result()
    if err != nil {
        return 0, billingerr.Wrap(err, billingerr.ErrRedis, "scard failed")
    }
    return n, nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
    return c.client.Close()
}
