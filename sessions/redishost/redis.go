package redishost

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/draftforge/handoff-go/sessions"
)

// Config for a Redis-backed Host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=handoff:sessions:"`
}

// Host implements sessions.Host on Redis.
type Host struct {
	client    *redis.Client
	keyPrefix string
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "handoff:sessions:"
	}
	return &Host{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("redishost: config: %w", err)
	}
	return New(cfg)
}

// NewWithClient wraps an existing Redis client (useful for tests and for
// sharing a connection pool).
func NewWithClient(client *redis.Client, keyPrefix string) *Host {
	if keyPrefix == "" {
		keyPrefix = "handoff:sessions:"
	}
	return &Host{client: client, keyPrefix: keyPrefix}
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) sessionKey(id string) string { return h.keyPrefix + id }

// putScript performs the conditional write. ARGV[1] is the expected
// version ("0" means the key must not exist), ARGV[2] the new version,
// ARGV[3] the payload and ARGV[4] the TTL in milliseconds. Returns 1 on
// success, -1 when a create collides, 0 when the key is missing and -2 on
// a version mismatch.
var putScript = redis.NewScript(`
local ver = redis.call('HGET', KEYS[1], 'version')
if ARGV[1] == '0' then
  if ver then return -1 end
else
  if not ver then return 0 end
  if ver ~= ARGV[1] then return -2 end
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'payload', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

func (h *Host) GetSession(ctx context.Context, id string) (sessions.Record, error) {
	vals, err := h.client.HMGet(ctx, h.sessionKey(id), "version", "payload").Result()
	if err != nil {
		return sessions.Record{}, fmt.Errorf("redis hmget: %w", err)
	}
	verStr, ok := vals[0].(string)
	if !ok {
		return sessions.Record{}, sessions.ErrSessionNotFound
	}
	version, err := strconv.ParseInt(verStr, 10, 64)
	if err != nil {
		return sessions.Record{}, fmt.Errorf("corrupt session version %q: %w", verStr, err)
	}
	payload, _ := vals[1].(string)
	return sessions.Record{Version: version, Payload: []byte(payload)}, nil
}

func (h *Host) PutSession(ctx context.Context, id string, payload []byte, expectVersion int64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = sessions.DefaultActiveTTL
	}
	res, err := putScript.Run(ctx, h.client,
		[]string{h.sessionKey(id)},
		strconv.FormatInt(expectVersion, 10),
		strconv.FormatInt(expectVersion+1, 10),
		payload,
		ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis put session: %w", err)
	}
	switch res {
	case 1:
		return nil
	case -1:
		return sessions.ErrSessionExists
	case 0:
		return sessions.ErrSessionNotFound
	case -2:
		return sessions.ErrVersionConflict
	default:
		return fmt.Errorf("redis put session: unexpected script result %d", res)
	}
}

func (h *Host) DeleteSession(ctx context.Context, id string) error {
	if err := h.client.Del(ctx, h.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (h *Host) SessionTTL(ctx context.Context, id string) (time.Duration, error) {
	d, err := h.client.PTTL(ctx, h.sessionKey(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis pttl: %w", err)
	}
	// PTTL returns -2 for a missing key and -1 for a key without expiry.
	if d == -2*time.Millisecond {
		return 0, sessions.ErrSessionNotFound
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

var _ sessions.Host = (*Host)(nil)
