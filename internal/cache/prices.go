// Package cache keeps recently resolved USD prices in Redis so repeated runs
// within the TTL do not hit the price service again.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-adapters/internal/fetch"
	"github.com/yourorg/yield-adapters/internal/types"
)

const keyPrefix = "yield-adapters:price:"

// KV is the subset of the Redis client the cache uses
type KV interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// PriceCache decorates a PriceSource with a Redis read-through cache.
// Redis failures degrade to the wrapped source.
type PriceCache struct {
	kv   KV
	next fetch.PriceSource
	ttl  time.Duration
}

// NewPriceCache wraps next with a cache backed by kv
func NewPriceCache(kv KV, next fetch.PriceSource, ttl time.Duration) *PriceCache {
	return &PriceCache{kv: kv, next: next, ttl: ttl}
}

// Dial connects to Redis at redisURL and pings it
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Prices serves cached quotes and forwards the misses
func (c *PriceCache) Prices(ctx context.Context, chain types.SupportedChain, addresses []string) (map[string]fetch.Price, error) {
	addrs := make([]string, 0, len(addresses))
	seen := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		a = strings.ToLower(a)
		if _, ok := seen[a]; ok || a == "" {
			continue
		}
		seen[a] = struct{}{}
		addrs = append(addrs, a)
	}
	out := make(map[string]fetch.Price, len(addrs))
	if len(addrs) == 0 {
		return out, nil
	}

	keys := make([]string, len(addrs))
	for i, a := range addrs {
		keys[i] = cacheKey(chain, a)
	}

	misses := addrs
	vals, err := c.kv.MGet(ctx, keys...).Result()
	if err != nil {
		logrus.WithError(err).Warn("Price cache read failed, falling back to source")
	} else {
		misses = nil
		for i, v := range vals {
			p, ok := decode(v)
			if !ok {
				misses = append(misses, addrs[i])
				continue
			}
			out[addrs[i]] = p
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	fresh, err := c.next.Prices(ctx, chain, misses)
	if err != nil {
		return nil, err
	}
	for addr, p := range fresh {
		out[addr] = p
		raw, err := json.Marshal(p)
		if err != nil {
			continue
		}
		if err := c.kv.Set(ctx, cacheKey(chain, addr), raw, c.ttl).Err(); err != nil {
			logrus.WithError(err).Debug("Price cache write failed")
		}
	}
	logrus.WithFields(logrus.Fields{
		"chain":  chain,
		"hits":   len(addrs) - len(misses),
		"misses": len(misses),
	}).Debug("Price cache lookup")
	return out, nil
}

func cacheKey(chain types.SupportedChain, addr string) string {
	return keyPrefix + fetch.PriceKey(chain, addr)
}

func decode(v interface{}) (fetch.Price, bool) {
	s, ok := v.(string)
	if !ok {
		return fetch.Price{}, false
	}
	var p fetch.Price
	if err := json.Unmarshal([]byte(s), &p); err != nil || p.Price <= 0 {
		return fetch.Price{}, false
	}
	return p, true
}
