package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig defines fields parsed from environment variables.
// An empty Addr selects the in-memory registry.
type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	TTL      time.Duration `env:"PRESENCE_TTL" envDefault:"10m"`
}

// upsertScript writes status and updated_at (unix microseconds) only when newer than the stored entry.
// KEYS[1] presence key, ARGV[1] status, ARGV[2] updated_at, ARGV[3] ttl in milliseconds.
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'updated_at')
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// Redis is a Registry shared by every process connected to the same Redis database.
// Entries expire after the configured TTL without updates.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to Redis and checks the connection with PING
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &Redis{client: client, ttl: cfg.TTL}, nil
}

func presenceKey(user int64) string {
	return fmt.Sprintf("presence:%d", user)
}

func (r *Redis) Upsert(ctx context.Context, e Entry) (bool, error) {
	stored, err := upsertScript.Run(ctx, r.client, []string{presenceKey(e.UserID)},
		e.Status, e.UpdatedAt.UnixMicro(), r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to upsert presence: %w", err)
	}
	return stored == 1, nil
}

func (r *Redis) Get(ctx context.Context, user int64) (Entry, bool, error) {
	fields, err := r.client.HGetAll(ctx, presenceKey(user)).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to get presence: %w", err)
	}
	if len(fields) == 0 {
		return Entry{}, false, nil
	}

	micros, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("bad updated_at for user %d: %w", user, err)
	}

	return Entry{
		UserID:    user,
		Status:    fields["status"],
		UpdatedAt: time.UnixMicro(micros),
	}, true, nil
}

// Close closes the underlying client
func (r *Redis) Close() error {
	return r.client.Close()
}
