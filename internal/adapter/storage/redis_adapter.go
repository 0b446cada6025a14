package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/travel-planner/internal/port"
)

const (
	idempotencyKeyPrefix = "idempotency:"
	idempotencyKeyTTL    = 24 * time.Hour
	// inFlightClaimTTL bounds how long an uncompleted claim blocks replays
	// if the claiming process never completes or releases it.
	inFlightClaimTTL = 30 * time.Second
)

// claimScript sets the key to an empty value if absent. It returns {1, ""}
// for a fresh claim, otherwise {0, current value}.
var claimScript = redis.NewScript(`
local key = KEYS[1]
local ttl = tonumber(ARGV[1])

if redis.call('SET', key, '', 'NX', 'PX', ttl) then
	return {1, ''}
end

local current = redis.call('GET', key)
if not current then
	current = ''
end
return {0, current}
`)

type RedisAdapter struct {
	client   *redis.Client
	ttl      time.Duration
	claimTTL time.Duration
}

var _ port.CacheRepository = (*RedisAdapter)(nil)

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client, ttl: idempotencyKeyTTL, claimTTL: inFlightClaimTTL}
}

// WithTTL overrides how long completed request keys are remembered.
func (r *RedisAdapter) WithTTL(ttl time.Duration) *RedisAdapter {
	if ttl > 0 {
		r.ttl = ttl
	}
	return r
}

// WithClaimTTL overrides how long an in-flight claim lives before completion.
func (r *RedisAdapter) WithClaimTTL(ttl time.Duration) *RedisAdapter {
	if ttl > 0 {
		r.claimTTL = ttl
	}
	return r
}

func (r *RedisAdapter) ClaimRequest(ctx context.Context, key string) (string, bool, error) {
	res, err := claimScript.Run(ctx, r.client, []string{idempotencyKeyPrefix + key}, r.claimTTL.Milliseconds()).Slice()
	if err != nil {
		return "", false, err
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("claim script returned %d values", len(res))
	}

	claimed, _ := res[0].(int64)
	itemID, _ := res[1].(string)
	return itemID, claimed == 1, nil
}

// CompleteRequest stores the item ID and extends the key from the in-flight
// lease to the full retention period.
func (r *RedisAdapter) CompleteRequest(ctx context.Context, key, itemID string) error {
	return r.client.Set(ctx, idempotencyKeyPrefix+key, itemID, r.ttl).Err()
}

func (r *RedisAdapter) ReleaseRequest(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
