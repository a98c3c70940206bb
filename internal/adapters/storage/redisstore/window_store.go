package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

// consumeScript checks every bucket and only then counts the request in all
// of them. Times are milliseconds taken from the caller, not the server clock.
//
// KEYS: one hash per bucket. ARGV: now, then limit and window per bucket.
// Returns {admitted, denied index, retry after}.
var consumeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local counts = {}
local starts = {}
for i = 1, #KEYS do
  local limit = tonumber(ARGV[2 * i])
  local window = tonumber(ARGV[2 * i + 1])
  local v = redis.call('HMGET', KEYS[i], 'count', 'start')
  local count = tonumber(v[1]) or 0
  local start = tonumber(v[2])
  local raw = v[2]
  if start == nil or now - start >= window then
    count = 0
    start = now
    raw = ARGV[1]
  end
  if count >= limit then
    return {0, i - 1, start + window - now}
  end
  counts[i] = count
  starts[i] = raw
end
for i = 1, #KEYS do
  local window = tonumber(ARGV[2 * i + 1])
  redis.call('HSET', KEYS[i], 'count', counts[i] + 1, 'start', starts[i])
  redis.call('PEXPIRE', KEYS[i], window * 2)
end
return {1, -1, 0}
`)

// WindowStore is a domain.RateWindowStore shared through Redis. Idle windows
// expire through key TTLs, so it needs no pruning.
type WindowStore struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ domain.RateWindowStore = (*WindowStore)(nil)

func NewWindowStore(rdb redis.UniversalClient, prefix string) *WindowStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &WindowStore{rdb: rdb, prefix: prefix}
}

func (s *WindowStore) key(b domain.RateBucket) string {
	return s.prefix + "window:" + b.Key
}

func (s *WindowStore) Consume(ctx context.Context, now time.Time, buckets []domain.RateBucket) (domain.RateVerdict, error) {
	if len(buckets) == 0 {
		return domain.RateVerdict{Admitted: true, Denied: -1}, nil
	}

	keys := make([]string, len(buckets))
	args := make([]any, 0, 1+2*len(buckets))
	args = append(args, now.UnixMilli())
	for i, b := range buckets {
		keys[i] = s.key(b)
		args = append(args, b.Limit, b.Window.Milliseconds())
	}

	res, err := consumeScript.Run(ctx, s.rdb, keys, args...).Int64Slice()
	if err != nil {
		return domain.RateVerdict{}, errors.Wrap(err, "redisstore: consume")
	}
	if len(res) != 3 {
		return domain.RateVerdict{}, errors.Errorf("redisstore: consume: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return domain.RateVerdict{Admitted: true, Denied: -1}, nil
	}
	return domain.RateVerdict{
		Denied:     int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

func (s *WindowStore) Peek(ctx context.Context, now time.Time, buckets []domain.RateBucket) ([]domain.WindowState, error) {
	cmds := make([]*redis.SliceCmd, len(buckets))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, b := range buckets {
			cmds[i] = p.HMGet(ctx, s.key(b), "count", "start")
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "redisstore: peek")
	}

	nowMs := now.UnixMilli()
	out := make([]domain.WindowState, len(buckets))
	for i, b := range buckets {
		vals := cmds[i].Val()
		if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
			continue
		}
		count, _ := strconv.Atoi(vals[0].(string))
		start, _ := strconv.ParseInt(vals[1].(string), 10, 64)
		window := b.Window.Milliseconds()
		if nowMs-start >= window {
			continue
		}
		out[i] = domain.WindowState{
			Count:   count,
			ResetIn: time.Duration(start+window-nowMs) * time.Millisecond,
		}
	}
	return out, nil
}
