package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowpbx/callsurvey/internal/survey"
)

// Redis is a Queue shared by every process pointed at the same Redis.
//
// Requests live in two sorted sets. "pending" is scored by schedule time.
// "ready" is scored by inverted priority, and members are formatted so that
// equal scores sort lexically by schedule time, then sequence. Payloads are
// kept in a hash keyed by member. Each operation is a single Lua script.
type Redis struct {
	rdb     redis.UniversalClient
	prefix  string
	maxSize int
}

// NewRedis creates a Redis queue under the given key prefix.
func NewRedis(rdb redis.UniversalClient, prefix string, maxSize int) *Redis {
	if prefix == "" {
		prefix = "callsurvey:queue"
	}
	return &Redis{rdb: rdb, prefix: prefix, maxSize: maxSize}
}

var enqueueScript = redis.NewScript(`
local size = redis.call('ZCARD', KEYS[1]) + redis.call('ZCARD', KEYS[2])
if size >= tonumber(ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[3], ARGV[4])
return 1
`)

var dequeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, m in ipairs(due) do
  redis.call('ZADD', KEYS[2], tonumber(string.sub(m, 1, 2)), m)
  redis.call('ZREM', KEYS[1], m)
end
local top = redis.call('ZRANGE', KEYS[2], 0, 0)
if #top == 0 then
  return false
end
local m = top[1]
redis.call('ZREM', KEYS[2], m)
local payload = redis.call('HGET', KEYS[3], m)
redis.call('HDEL', KEYS[3], m)
return payload
`)

var removeCampaignScript = redis.NewScript(`
local suffix = '|' .. ARGV[1]
local n = 0
for _, key in ipairs({KEYS[1], KEYS[2]}) do
  for _, m in ipairs(redis.call('ZRANGE', key, 0, -1)) do
    if string.sub(m, -string.len(suffix)) == suffix then
      redis.call('ZREM', key, m)
      redis.call('HDEL', KEYS[3], m)
      n = n + 1
    end
  end
end
return n
`)

func (q *Redis) keys() []string {
	return []string{q.prefix + ":pending", q.prefix + ":ready", q.prefix + ":payload"}
}

// member encodes the dispatch order of req.
func member(req survey.CallRequest) string {
	return fmt.Sprintf("%02d|%020d|%020d|%s",
		survey.MaxPriority-req.Priority, req.ScheduledAt.UnixMilli(), req.Seq, req.CampaignID)
}

// Enqueue implements Queue.
func (q *Redis) Enqueue(ctx context.Context, req survey.CallRequest) error {
	seq, err := q.rdb.Incr(ctx, q.prefix+":seq").Uint64()
	if err != nil {
		return fmt.Errorf("allocating queue sequence: %w", err)
	}
	req.Seq = seq

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding call request: %w", err)
	}

	added, err := enqueueScript.Run(ctx, q.rdb, q.keys(),
		q.maxSize, req.ScheduledAt.UnixMilli(), member(req), payload).Int()
	if err != nil {
		return fmt.Errorf("enqueueing call request: %w", err)
	}
	if added == 0 {
		return survey.ErrQueueFull
	}
	return nil
}

// DequeueNext implements Queue.
func (q *Redis) DequeueNext(ctx context.Context, now time.Time) (survey.CallRequest, bool, error) {
	payload, err := dequeueScript.Run(ctx, q.rdb, q.keys(), now.UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return survey.CallRequest{}, false, nil
	}
	if err != nil {
		return survey.CallRequest{}, false, fmt.Errorf("dequeueing call request: %w", err)
	}

	var req survey.CallRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return survey.CallRequest{}, false, fmt.Errorf("decoding call request: %w", err)
	}
	return req, true, nil
}

// Size implements Queue.
func (q *Redis) Size(ctx context.Context) (int, error) {
	k := q.keys()
	pipe := q.rdb.Pipeline()
	pending := pipe.ZCard(ctx, k[0])
	ready := pipe.ZCard(ctx, k[1])
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("reading queue size: %w", err)
	}
	return int(pending.Val() + ready.Val()), nil
}

// RemoveCampaign implements Queue.
func (q *Redis) RemoveCampaign(ctx context.Context, campaignID string) (int, error) {
	n, err := removeCampaignScript.Run(ctx, q.rdb, q.keys(), campaignID).Int()
	if err != nil {
		return 0, fmt.Errorf("removing campaign %s from queue: %w", campaignID, err)
	}
	return n, nil
}
