// Package redisstore keeps conversations and rate windows in Redis so several
// relay instances can share them.
package redisstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

const (
	defaultPrefix = "relay:"
	// maxTxAttempts bounds retries of WATCH transactions that must not fail
	// just because another writer touched the same key.
	maxTxAttempts = 16
)

// SessionStore is a domain.ConversationStore on Redis.
//
// Per identity it keeps a hash (version, last activity, touched) and a list
// of JSON-encoded turns. A sorted set indexes identities holding history.
// Writes run as WATCH/MULTI transactions on the hash.
type SessionStore struct {
	rdb    redis.UniversalClient
	prefix string
	opts   domain.StoreOptions
	now    func() time.Time
}

var _ domain.ConversationStore = (*SessionStore)(nil)

func NewSessionStore(rdb redis.UniversalClient, prefix string, opts domain.StoreOptions) *SessionStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = domain.DefaultSessionTTL
	}
	return &SessionStore{rdb: rdb, prefix: prefix, opts: opts, now: time.Now}
}

func (s *SessionStore) sessionKey(id domain.Identity) string {
	return s.prefix + "session:" + string(id)
}

func (s *SessionStore) turnsKey(id domain.Identity) string {
	return s.prefix + "turns:" + string(id)
}

func (s *SessionStore) activeKey() string {
	return s.prefix + "active"
}

type storedTurn struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
	At      int64       `json:"at"`
}

func encodeTurns(turns []domain.Turn) ([]any, error) {
	out := make([]any, 0, len(turns))
	for _, t := range turns {
		raw, err := json.Marshal(storedTurn{Role: t.Role, Content: t.Content, At: nanos(t.At)})
		if err != nil {
			return nil, err
		}
		out = append(out, string(raw))
	}
	return out, nil
}

func decodeTurns(raw []string) ([]domain.Turn, error) {
	out := make([]domain.Turn, 0, len(raw))
	for _, r := range raw {
		var st storedTurn
		if err := json.Unmarshal([]byte(r), &st); err != nil {
			return nil, err
		}
		out = append(out, domain.Turn{Role: st.Role, Content: st.Content, At: fromNanos(st.At)})
	}
	return out, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func parseUint(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (s *SessionStore) Get(ctx context.Context, id domain.Identity) (*domain.Session, error) {
	var (
		meta  *redis.MapStringStringCmd
		turns *redis.StringSliceCmd
	)
	// MULTI keeps the hash and the list from the same moment.
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		meta = p.HGetAll(ctx, s.sessionKey(id))
		turns = p.LRange(ctx, s.turnsKey(id), 0, -1)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "redisstore: get")
	}
	return s.session(id, meta.Val(), turns.Val())
}

func (s *SessionStore) session(id domain.Identity, meta map[string]string, raw []string) (*domain.Session, error) {
	history, err := decodeTurns(raw)
	if err != nil {
		return nil, errors.Wrap(err, "redisstore: decode turns")
	}
	if len(history) == 0 {
		history = nil
	}
	return &domain.Session{
		Identity:       id,
		History:        history,
		LastActivityAt: fromNanos(parseInt(meta["last"])),
		Version:        parseUint(meta["version"]),
	}, nil
}

// watch runs fn in a WATCH transaction on the session hash, retrying when
// another writer got in between.
func (s *SessionStore) watch(ctx context.Context, id domain.Identity, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, fn, s.sessionKey(id))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return errors.Errorf("redisstore: too much contention on %s", id)
}

func (s *SessionStore) Append(
	ctx context.Context,
	id domain.Identity,
	expectedVersion uint64,
	turns ...domain.Turn,
) (*domain.Session, error) {
	encoded, err := encodeTurns(turns)
	if err != nil {
		return nil, errors.Wrap(err, "redisstore: encode turns")
	}

	sk, tk := s.sessionKey(id), s.turnsKey(id)
	var out *domain.Session

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		meta, err := tx.HGetAll(ctx, sk).Result()
		if err != nil {
			return err
		}
		if parseUint(meta["version"]) != expectedVersion {
			return domain.ErrVersionConflict
		}
		existing, err := tx.LRange(ctx, tk, 0, -1).Result()
		if err != nil {
			return err
		}
		if len(turns) == 0 {
			out, err = s.session(id, meta, existing)
			return err
		}

		now := s.now()
		next := domain.NextVersion(expectedVersion, now)
		last := turns[len(turns)-1].At
		limit := int64(s.opts.MaxHistory)

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, sk,
				"version", strconv.FormatUint(next, 10),
				"last", strconv.FormatInt(nanos(last), 10),
				"touched", strconv.FormatInt(now.UnixNano(), 10))
			p.Persist(ctx, sk)
			p.RPush(ctx, tk, encoded...)
			if limit > 0 {
				p.LTrim(ctx, tk, -limit, -1)
			}
			p.ZAdd(ctx, s.activeKey(), redis.Z{Score: float64(last.Unix()), Member: string(id)})
			return nil
		})
		if err != nil {
			return err
		}

		all := existing
		for _, e := range encoded {
			all = append(all, e.(string))
		}
		if limit > 0 && int64(len(all)) > limit {
			all = all[int64(len(all))-limit:]
		}
		meta["version"] = strconv.FormatUint(next, 10)
		meta["last"] = strconv.FormatInt(nanos(last), 10)
		out, err = s.session(id, meta, all)
		return err
	}, sk)

	switch {
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
		return nil, domain.ErrVersionConflict
	case err != nil:
		return nil, errors.Wrap(err, "redisstore: append")
	}
	return out, nil
}

func (s *SessionStore) Reset(ctx context.Context, id domain.Identity) (bool, error) {
	sk, tk := s.sessionKey(id), s.turnsKey(id)
	var had bool

	err := s.watch(ctx, id, func(tx *redis.Tx) error {
		version, err := tx.HGet(ctx, sk, "version").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		n, err := tx.LLen(ctx, tk).Result()
		if err != nil {
			return err
		}
		had = n > 0

		now := s.now()
		next := domain.NextVersion(parseUint(version), now)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			// The hash stays behind as a tombstone so stale versions keep
			// failing; it expires on its own once nobody can hold one.
			p.HSet(ctx, sk,
				"version", strconv.FormatUint(next, 10),
				"last", "0",
				"touched", strconv.FormatInt(now.UnixNano(), 10))
			p.PExpire(ctx, sk, s.opts.TTL)
			p.Del(ctx, tk)
			p.ZRem(ctx, s.activeKey(), string(id))
			return nil
		})
		return err
	})
	if err != nil {
		return false, errors.Wrap(err, "redisstore: reset")
	}
	return had, nil
}

// ResetAll resets every identity with a stored hash, tombstones included.
// Identities are reset one at a time.
func (s *SessionStore) ResetAll(ctx context.Context) (int, error) {
	prefix := s.prefix + "session:"
	cleared := 0

	iter := s.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := domain.Identity(iter.Val()[len(prefix):])
		had, err := s.Reset(ctx, id)
		if err != nil {
			return cleared, err
		}
		if had {
			cleared++
		}
	}
	if err := iter.Err(); err != nil {
		return cleared, errors.Wrap(err, "redisstore: scan sessions")
	}
	return cleared, nil
}

func (s *SessionStore) TimeUntilExpiry(ctx context.Context, id domain.Identity, now time.Time) (time.Duration, bool, error) {
	var (
		last *redis.StringCmd
		n    *redis.IntCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		last = p.HGet(ctx, s.sessionKey(id), "last")
		n = p.LLen(ctx, s.turnsKey(id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, false, errors.Wrap(err, "redisstore: time until expiry")
	}
	if n.Val() == 0 {
		return 0, false, nil
	}
	return domain.RemainingTTL(fromNanos(parseInt(last.Val())), now, s.opts.TTL), true, nil
}

// activity returns last activity for every identity holding history.
func (s *SessionStore) activity(ctx context.Context) (map[domain.Identity]time.Time, error) {
	ids, err := s.rdb.ZRange(ctx, s.activeKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redisstore: list active")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGet(ctx, s.sessionKey(domain.Identity(id)), "last")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "redisstore: read activity")
	}

	out := make(map[domain.Identity]time.Time, len(ids))
	for i, id := range ids {
		if last := parseInt(cmds[i].Val()); last != 0 {
			out[domain.Identity(id)] = fromNanos(last)
		}
	}
	return out, nil
}

func (s *SessionStore) Stats(ctx context.Context, now time.Time) (domain.StoreStats, error) {
	all, err := s.activity(ctx)
	if err != nil {
		return domain.StoreStats{}, err
	}

	stats := domain.StoreStats{Total: len(all)}
	for _, last := range all {
		if !domain.IsExpired(last, now, s.opts.TTL) {
			stats.Active++
		}
	}
	return stats, nil
}

// Sweep deletes expired sessions. Tombstones expire through Redis key TTLs.
func (s *SessionStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	// Scores are whole seconds, so fetch one second past the cutoff and
	// decide on the exact timestamp inside the transaction.
	cutoff := now.Add(-s.opts.TTL).Unix() + 1
	ids, err := s.rdb.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redisstore: sweep candidates")
	}

	removed := 0
	for _, raw := range ids {
		id := domain.Identity(raw)
		sk, tk := s.sessionKey(id), s.turnsKey(id)
		var gone bool

		err := s.watch(ctx, id, func(tx *redis.Tx) error {
			gone = false
			last, err := tx.HGet(ctx, sk, "last").Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if !domain.IsExpired(fromNanos(parseInt(last)), now, s.opts.TTL) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, sk, tk)
				p.ZRem(ctx, s.activeKey(), string(id))
				return nil
			})
			gone = err == nil
			return err
		})
		if err != nil {
			return removed, errors.Wrap(err, "redisstore: sweep")
		}
		if gone {
			removed++
		}
	}
	return removed, nil
}
