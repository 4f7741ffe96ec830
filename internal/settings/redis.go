package settings

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the settings hash.
const DefaultRedisPrefix = "cloudkey:"

// DefaultRedisLockTTL bounds how long a crashed holder keeps the lock.
const DefaultRedisLockTTL = 2 * time.Minute

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string        // Redis server address
	Username string        // ACL user, empty for the default user
	Password string        // Redis password
	DB       int           // Redis database number
	Prefix   string        // Key prefix for namespacing
	LockTTL  time.Duration // Lock expiry, DefaultRedisLockTTL if zero
}

// RedisStore keeps settings as fields of one Redis hash.
type RedisStore struct {
	client  hashClient
	key     string
	lockKey string
	lockTTL time.Duration
}

// Compile-time check to ensure RedisStore implements Store and Locker
var (
	_ Store  = (*RedisStore)(nil)
	_ Locker = (*RedisStore)(nil)
)

// hashClient abstracts the Redis operations we actually use
type hashClient interface {
	hget(ctx context.Context, key, field string) (string, bool, error)
	hset(ctx context.Context, key string, values map[string]string) error
	setNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	release(ctx context.Context, key, value string) error
	ping(ctx context.Context) error
	close() error
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	store := newRedisStore(&redisClientWrapper{client: client}, cfg.Prefix)
	if cfg.LockTTL > 0 {
		store.lockTTL = cfg.LockTTL
	}

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.client.ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "connecting to redis at %s", cfg.Addr)
	}

	return store, nil
}

func newRedisStore(client hashClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client:  client,
		key:     prefix + "settings",
		lockKey: prefix + "lock",
		lockTTL: DefaultRedisLockTTL,
	}
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := r.client.hget(ctx, r.key, key)
	if err != nil {
		return "", false, errors.Wrapf(err, "reading setting %q", key)
	}
	return v, ok, nil
}

// Set implements Store. A single HSET updates all fields atomically.
func (r *RedisStore) Set(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	return errors.Wrap(r.client.hset(ctx, r.key, values), "writing settings")
}

// Lock implements Locker with a SET NX key carrying a random token. The key
// expires after the lock TTL so a crashed holder cannot block others forever.
func (r *RedisStore) Lock(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	for {
		ok, err := r.client.setNX(ctx, r.lockKey, token, r.lockTTL)
		if err != nil {
			return nil, errors.Wrap(err, "taking redis lock")
		}
		if ok {
			return onceFunc(func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				_ = r.client.release(releaseCtx, r.lockKey, token)
			}), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.client.close()
}

// redisClientWrapper wraps redis.Client to implement hashClient
type redisClientWrapper struct {
	client *redis.Client
}

func (w *redisClientWrapper) hget(ctx context.Context, key, field string) (string, bool, error) {
	val, err := w.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (w *redisClientWrapper) hset(ctx context.Context, key string, values map[string]string) error {
	args := make([]any, 0, len(values)*2)
	for field, value := range values {
		args = append(args, field, value)
	}
	return w.client.HSet(ctx, key, args...).Err()
}

func (w *redisClientWrapper) setNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return w.client.SetNX(ctx, key, value, ttl).Result()
}

func (w *redisClientWrapper) release(ctx context.Context, key, value string) error {
	return releaseScript.Run(ctx, w.client, []string{key}, value).Err()
}

func (w *redisClientWrapper) ping(ctx context.Context) error {
	return w.client.Ping(ctx).Err()
}

func (w *redisClientWrapper) close() error {
	return w.client.Close()
}
