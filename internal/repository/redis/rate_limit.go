package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/core/port"
	store "github.com/arklim/webapp-admission/internal/infra/redis"
)

// Numbers cross the Lua boundary as strings; %.0f keeps microsecond
// timestamps exact where Lua's default number formatting would round them.
const slidingWindowScript = `
local key = KEYS[1]
local seq_key = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = ARGV[4]

if now <= 0 then
  local t = redis.call("TIME")
  now = tonumber(t[1]) * 1000000 + tonumber(t[2])
end

local now_str = string.format("%.0f", now)
local window_start = string.format("%.0f", now - window)

redis.call("ZREMRANGEBYSCORE", key, "-inf", "(" .. window_start)
local count = redis.call("ZCARD", key)
local allowed = 0
if count < limit then
  local seq = redis.call("INCR", seq_key)
  redis.call("ZADD", key, now_str, now_str .. "-" .. seq)
  count = count + 1
  allowed = 1
end

redis.call("PEXPIRE", key, ttl)
redis.call("PEXPIRE", seq_key, ttl)

local oldest = ""
local head = redis.call("ZRANGE", key, 0, 0)
if head[1] then
  oldest = head[1]
end

return {allowed, count, oldest, now_str}
`

var slidingWindowLua = red.NewScript(slidingWindowScript)

const sequencePrefix = "seq:"

// SlidingWindowRepository keeps one sorted set of request timestamps per rate-limit key.
type SlidingWindowRepository struct {
	client *store.Client
}

// NewSlidingWindowRepository constructs a repository over the shared store client.
func NewSlidingWindowRepository(client *store.Client) *SlidingWindowRepository {
	return &SlidingWindowRepository{client: client}
}

// Record purges expired entries, admits the attempt when under limit and counts
// the window in a single script execution. A non-positive nowMicros uses the store clock.
func (r *SlidingWindowRepository) Record(ctx context.Context, key string, limit int, window time.Duration, nowMicros int64) (domain.WindowState, error) {
	if strings.TrimSpace(key) == "" {
		return domain.WindowState{}, errors.New("rate limit key must not be empty")
	}
	if window <= 0 {
		return domain.WindowState{}, errors.New("window must be positive")
	}
	if limit <= 0 {
		return domain.WindowState{}, errors.New("limit must be positive")
	}

	ctx, cancel := r.client.OperationContext(ctx)
	defer cancel()

	if nowMicros < 0 {
		nowMicros = 0
	}

	raw, err := slidingWindowLua.Run(ctx, r.client.Client(),
		[]string{key, sequencePrefix + key},
		strconv.FormatInt(nowMicros, 10),
		window.Microseconds(),
		limit,
		window.Milliseconds(),
	).Slice()
	if err != nil {
		return domain.WindowState{}, store.Unavailable("redis sliding window script", err)
	}

	state, err := parseWindowReply(raw)
	if err != nil {
		return domain.WindowState{}, store.Unavailable("redis sliding window reply", err)
	}
	return state, nil
}

// Peek counts the entries inside the window without inserting or purging anything.
func (r *SlidingWindowRepository) Peek(ctx context.Context, key string, window time.Duration, nowMicros int64) (domain.WindowState, error) {
	if window <= 0 {
		return domain.WindowState{}, errors.New("window must be positive")
	}

	ctx, cancel := r.client.OperationContext(ctx)
	defer cancel()

	if nowMicros <= 0 {
		now, err := r.client.Client().Time(ctx).Result()
		if err != nil {
			return domain.WindowState{}, store.Unavailable("redis time", err)
		}
		nowMicros = now.UnixMicro()
	}

	windowStart := strconv.FormatInt(nowMicros-window.Microseconds(), 10)

	pipe := r.client.Client().TxPipeline()
	countCmd := pipe.ZCount(ctx, key, windowStart, "+inf")
	oldestCmd := pipe.ZRangeByScore(ctx, key, &red.ZRangeBy{Min: windowStart, Max: "+inf", Offset: 0, Count: 1})
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, red.Nil) {
		return domain.WindowState{}, store.Unavailable("redis sliding window peek", err)
	}

	state := domain.WindowState{
		Count:     int(countCmd.Val()),
		Reference: nowMicros,
	}
	if members := oldestCmd.Val(); len(members) > 0 {
		oldest, err := memberMicros(members[0])
		if err != nil {
			return domain.WindowState{}, fmt.Errorf("parse window member: %w", err)
		}
		state.OldestAt = oldest
	}
	return state, nil
}

// Reset drops every recorded attempt for the key.
func (r *SlidingWindowRepository) Reset(ctx context.Context, key string) error {
	ctx, cancel := r.client.OperationContext(ctx)
	defer cancel()

	if err := r.client.Client().Del(ctx, key, sequencePrefix+key).Err(); err != nil {
		return store.Unavailable("redis del", err)
	}
	return nil
}

func parseWindowReply(raw []interface{}) (domain.WindowState, error) {
	if len(raw) != 4 {
		return domain.WindowState{}, fmt.Errorf("unexpected reply length %d", len(raw))
	}

	allowed, ok := raw[0].(int64)
	if !ok {
		return domain.WindowState{}, fmt.Errorf("unexpected allowed flag %T", raw[0])
	}
	count, ok := raw[1].(int64)
	if !ok {
		return domain.WindowState{}, fmt.Errorf("unexpected count %T", raw[1])
	}
	oldestMember, _ := raw[2].(string)
	nowStr, _ := raw[3].(string)

	now, err := strconv.ParseInt(nowStr, 10, 64)
	if err != nil {
		return domain.WindowState{}, fmt.Errorf("parse reference time: %w", err)
	}

	state := domain.WindowState{
		Allowed:   allowed == 1,
		Count:     int(count),
		Reference: now,
	}
	if oldestMember != "" {
		oldest, err := memberMicros(oldestMember)
		if err != nil {
			return domain.WindowState{}, err
		}
		state.OldestAt = oldest
	}
	return state, nil
}

// memberMicros extracts the timestamp from a "<micros>-<seq>" member.
func memberMicros(member string) (int64, error) {
	ts, _, _ := strings.Cut(member, "-")
	micros, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse member %q: %w", member, err)
	}
	return micros, nil
}

var _ port.SlidingWindowStore = (*SlidingWindowRepository)(nil)
