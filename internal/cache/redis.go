package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "response:"

// remoteEntry is the JSON shape stored in the remote tier.
type remoteEntry struct {
	Input      string  `json:"input"`
	Response   string  `json:"response"`
	Audio      []byte  `json:"audio,omitempty"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// RedisTier is a best-effort write-through exact-match tier. It lets
// multiple relay instances share generated responses; any Redis error
// silently degrades to the in-process tiers.
type RedisTier struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTier(client *redis.Client, ttl time.Duration) *RedisTier {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisTier{client: client, ttl: ttl}
}

func (t *RedisTier) Get(ctx context.Context, key string) (remoteEntry, bool) {
	val, err := t.client.Get(ctx, redisKeyPrefix+key).Result()
	if err == redis.Nil {
		return remoteEntry{}, false
	}
	if err != nil {
		log.Printf("cache: redis get failed: %v", err)
		return remoteEntry{}, false
	}

	var entry remoteEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		log.Printf("cache: redis entry corrupt: %v", err)
		return remoteEntry{}, false
	}
	return entry, true
}

func (t *RedisTier) Set(ctx context.Context, key string, entry remoteEntry) {
	val, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := t.client.Set(ctx, redisKeyPrefix+key, val, t.ttl).Err(); err != nil {
		log.Printf("cache: redis set failed: %v", err)
	}
}
