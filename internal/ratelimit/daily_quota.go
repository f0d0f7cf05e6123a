package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
)

// reserveScript increments the counter only while it is below the ceiling and
// pins the key's expiry to the end of its day.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
if used >= tonumber(ARGV[1]) then
  return 0
end
redis.call("INCR", KEYS[1])
redis.call("PEXPIREAT", KEYS[1], ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
if used > 0 then
  return redis.call("DECR", KEYS[1])
end
return 0
`)

// expiryGrace keeps a day's counter around a little past midnight for late readers.
const expiryGrace = time.Hour

// DailyQuota counts per-user uses in UTC day buckets with a hard ceiling.
// Redis errors are returned so callers fail closed.
type DailyQuota struct {
	client  *redis.Client
	prefix  string
	ceiling int
}

// NewDailyQuota creates a Redis-backed daily counter.
func NewDailyQuota(client *redis.Client, prefix string, ceiling int) (*DailyQuota, error) {
	if client == nil {
		return nil, errors.New("daily quota requires a redis client")
	}
	if ceiling <= 0 {
		return nil, errors.New("daily quota requires a positive ceiling")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "quota:daily"
	}
	return &DailyQuota{client: client, prefix: prefix, ceiling: ceiling}, nil
}

// Ceiling returns the per-day limit.
func (q *DailyQuota) Ceiling() int { return q.ceiling }

// Used returns the count recorded for userID on day.
func (q *DailyQuota) Used(ctx context.Context, userID, day string) (int, error) {
	n, err := q.client.Get(ctx, q.key(userID, day)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read daily quota: %w", err)
	}
	return n, nil
}

// Reserve atomically takes one unit. It returns false when the ceiling is reached.
func (q *DailyQuota) Reserve(ctx context.Context, userID, day string) (bool, error) {
	start, err := time.Parse(domain.DayLayout, day)
	if err != nil {
		return false, fmt.Errorf("invalid day bucket %q: %w", day, err)
	}
	expireAt := start.Add(24*time.Hour + expiryGrace).UnixMilli()
	res, err := reserveScript.Run(ctx, q.client, []string{q.key(userID, day)}, q.ceiling, expireAt).Int64()
	if err != nil {
		return false, fmt.Errorf("reserve daily quota: %w", err)
	}
	return res == 1, nil
}

// Release gives back a unit taken by Reserve. The counter never goes negative.
func (q *DailyQuota) Release(ctx context.Context, userID, day string) error {
	if err := releaseScript.Run(ctx, q.client, []string{q.key(userID, day)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release daily quota: %w", err)
	}
	return nil
}

func (q *DailyQuota) key(userID, day string) string {
	return fmt.Sprintf("%s:%s:%s", q.prefix, userID, day)
}
