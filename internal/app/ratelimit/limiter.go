package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

const globalKey = "global"

// Rule is one fixed window: at most Limit requests per Window.
// A Limit of zero or less disables the tier.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) enabled() bool {
	return r.Limit > 0 && r.Window > 0
}

var (
	DefaultUserRule   = Rule{Limit: 5, Window: time.Minute}
	DefaultGlobalRule = Rule{Limit: 30, Window: time.Minute}
)

// Decision is the outcome of CheckAndConsume.
type Decision struct {
	Admitted   bool
	Scope      domain.LimitScope
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds the wait up to whole seconds for display.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// Err converts a rejection into the domain error, or nil when admitted.
func (d Decision) Err() error {
	if d.Admitted {
		return nil
	}
	return &domain.RateLimitedError{Scope: d.Scope, RetryAfter: d.RetryAfter}
}

// TierUsage is a read-only view of one tier for status reports.
type TierUsage struct {
	Enabled bool
	Used    int
	Limit   int
	Window  time.Duration
	ResetIn time.Duration
}

type Usage struct {
	User   TierUsage
	Global TierUsage
}

// Limiter enforces the per-user and global windows over a shared window store.
type Limiter struct {
	store  domain.RateWindowStore
	user   Rule
	global Rule
	now    func() time.Time
}

func NewLimiter(store domain.RateWindowStore, user, global Rule) *Limiter {
	return &Limiter{
		store:  store,
		user:   user,
		global: global,
		now:    time.Now,
	}
}

// WithClock replaces the limiter clock. Used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) Store() domain.RateWindowStore {
	return l.store
}

type tier struct {
	scope  domain.LimitScope
	rule   Rule
	bucket domain.RateBucket
}

// tiers lists the enabled windows in check order: user first, then global.
func (l *Limiter) tiers(id domain.Identity) []tier {
	var out []tier
	if l.user.enabled() {
		out = append(out, tier{
			scope:  domain.ScopeUser,
			rule:   l.user,
			bucket: domain.RateBucket{Key: "user:" + string(id), Limit: l.user.Limit, Window: l.user.Window},
		})
	}
	if l.global.enabled() {
		out = append(out, tier{
			scope:  domain.ScopeGlobal,
			rule:   l.global,
			bucket: domain.RateBucket{Key: globalKey, Limit: l.global.Limit, Window: l.global.Window},
		})
	}
	return out
}

func buckets(tiers []tier) []domain.RateBucket {
	out := make([]domain.RateBucket, len(tiers))
	for i, t := range tiers {
		out[i] = t.bucket
	}
	return out
}

// CheckAndConsume admits the request only if both windows have room, counting
// it in both. A rejected request consumes nothing.
func (l *Limiter) CheckAndConsume(ctx context.Context, id domain.Identity) (Decision, error) {
	tiers := l.tiers(id)
	if len(tiers) == 0 {
		return Decision{Admitted: true}, nil
	}

	verdict, err := l.store.Consume(ctx, l.now(), buckets(tiers))
	if err != nil {
		return Decision{}, fmt.Errorf("consume rate windows: %w", err)
	}
	if verdict.Admitted {
		return Decision{Admitted: true}, nil
	}
	if verdict.Denied < 0 || verdict.Denied >= len(tiers) {
		return Decision{}, fmt.Errorf("window store denied unknown bucket %d", verdict.Denied)
	}

	retry := verdict.RetryAfter
	if retry <= 0 {
		retry = time.Millisecond
	}
	return Decision{
		Scope:      tiers[verdict.Denied].scope,
		RetryAfter: retry,
	}, nil
}

// Peek reports current usage of both tiers without consuming quota.
func (l *Limiter) Peek(ctx context.Context, id domain.Identity) (Usage, error) {
	usage := Usage{
		User:   TierUsage{Limit: l.user.Limit, Window: l.user.Window},
		Global: TierUsage{Limit: l.global.Limit, Window: l.global.Window},
	}

	tiers := l.tiers(id)
	if len(tiers) == 0 {
		return usage, nil
	}

	states, err := l.store.Peek(ctx, l.now(), buckets(tiers))
	if err != nil {
		return Usage{}, fmt.Errorf("peek rate windows: %w", err)
	}
	for i, t := range tiers {
		tu := TierUsage{
			Enabled: true,
			Used:    states[i].Count,
			Limit:   t.rule.Limit,
			Window:  t.rule.Window,
			ResetIn: states[i].ResetIn,
		}
		if t.scope == domain.ScopeUser {
			usage.User = tu
		} else {
			usage.Global = tu
		}
	}
	return usage, nil
}

// Prune evicts idle windows when the store supports it.
func (l *Limiter) Prune(ctx context.Context) (int, error) {
	p, ok := l.store.(domain.WindowPruner)
	if !ok {
		return 0, nil
	}
	return p.Prune(ctx, l.now())
}
