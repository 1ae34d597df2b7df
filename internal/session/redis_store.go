package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "storefront:session:"
	defaultRedisTTL    = 30 * 24 * time.Hour
)

// RedisStoreConfig configures the redis-backed store.
type RedisStoreConfig struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

// RedisStore keeps one JSON entry key and one flag set per browser.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a redis-backed session store.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("session: redis client required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisStore{client: cfg.Client, prefix: prefix, ttl: ttl}, nil
}

func (r *RedisStore) entryKey(browserID string) string {
	return r.prefix + browserID + ":entry"
}

func (r *RedisStore) flagsKey(browserID string) string {
	return r.prefix + browserID + ":flags"
}

func (r *RedisStore) Load(ctx context.Context, browserID string) (Entry, bool, error) {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return Entry{}, false, err
	}
	raw, err := r.client.Get(ctx, r.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (r *RedisStore) Put(ctx context.Context, browserID string, entry Entry) error {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return err
	}
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.entryKey(key), data, r.ttl).Err()
}

func (r *RedisStore) Clear(ctx context.Context, browserID string) error {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return err
	}
	return r.client.Del(ctx, r.entryKey(key), r.flagsKey(key)).Err()
}

func (r *RedisStore) SetFlag(ctx context.Context, browserID string, flag Flag) error {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return err
	}
	if _, err := ParseFlag(string(flag)); err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.flagsKey(key), string(flag))
		pipe.Expire(ctx, r.flagsKey(key), r.ttl)
		return nil
	})
	return err
}

// TakeFlags reads and deletes the flag set in a single MULTI block.
func (r *RedisStore) TakeFlags(ctx context.Context, browserID string) (identity.PendingFlags, error) {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return identity.PendingFlags{}, err
	}
	var members *redis.StringSliceCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members = pipe.SMembers(ctx, r.flagsKey(key))
		pipe.Del(ctx, r.flagsKey(key))
		return nil
	})
	if err != nil {
		return identity.PendingFlags{}, err
	}
	var flags identity.PendingFlags
	for _, member := range members.Val() {
		applyFlag(&flags, Flag(member))
	}
	return flags, nil
}

func (r *RedisStore) ClearFlags(ctx context.Context, browserID string) error {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return err
	}
	return r.client.Del(ctx, r.flagsKey(key)).Err()
}

func encodeEntry(entry Entry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("session: failed to marshal entry: %w", err)
	}
	return data, nil
}

func decodeEntry(raw []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("session: failed to unmarshal entry: %w", err)
	}
	return entry, nil
}
