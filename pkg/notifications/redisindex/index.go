// Package redisindex implements notifications.SuppressionIndex on Redis so
// every dispatcher replica shares one view of recent emissions.
package redisindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

// DefaultPrefix namespaces suppression keys when no prefix is configured.
const DefaultPrefix = "notifykit:"

// acquireScript holds the entry as a hash {intent, at} where at is the
// emission time in milliseconds taken from the caller's clock. The key TTL
// only reclaims memory; liveness is decided against ARGV[2].
//
// KEYS[1] entry key
// ARGV[1] intent ID, ARGV[2] now (ms), ARGV[3] window (ms)
var acquireScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'intent')
local at = tonumber(redis.call('HGET', KEYS[1], 'at'))
local now = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
if owner and at and now - at < window then
	if owner == ARGV[1] then
		return 1
	end
	return 0
end
redis.call('HSET', KEYS[1], 'intent', ARGV[1], 'at', ARGV[2])
if window > 0 then
	redis.call('PEXPIRE', KEYS[1], window)
else
	redis.call('DEL', KEYS[1])
end
return 1
`)

// Index is a Redis-backed notifications.SuppressionIndex.
type Index struct {
	client redis.Scripter
	prefix string
}

var _ notifications.SuppressionIndex = (*Index)(nil)

// Option configures an Index.
type Option func(*Index)

// WithPrefix sets the key namespace, e.g. the service's redis.Config.KeyPrefix.
func WithPrefix(prefix string) Option {
	return func(i *Index) {
		if prefix != "" {
			i.prefix = prefix
		}
	}
}

// New creates an Index over client.
func New(client redis.Scripter, opts ...Option) *Index {
	i := &Index{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Index) Acquire(ctx context.Context, recipientID, key, intentID string, window time.Duration, now time.Time) (bool, error) {
	if recipientID == "" || key == "" {
		return false, errors.New("recipient and dedup key are required")
	}

	res, err := acquireScript.Run(ctx, i.client,
		[]string{i.Key(recipientID, key)},
		intentID,
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(window.Milliseconds(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("acquire suppression entry: %w", err)
	}
	return res == 1, nil
}

// Key is the Redis key holding the entry for (recipientID, dedupKey).
// Components are length-prefixed so ':' inside either cannot collide.
func (i *Index) Key(recipientID, dedupKey string) string {
	return i.prefix + "suppress:" + strconv.Itoa(len(recipientID)) + ":" + recipientID + ":" + dedupKey
}
