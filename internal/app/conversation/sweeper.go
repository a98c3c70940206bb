package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/PabloGalante/intel-relay/internal/app/ratelimit"
	"github.com/PabloGalante/intel-relay/internal/domain"
	"github.com/PabloGalante/intel-relay/internal/observability"
)

// DefaultSweepInterval matches the daily conversation-age check.
const DefaultSweepInterval = 24 * time.Hour

// Sweeper periodically evicts stale sessions and idle rate-limit windows.
// Expiry is already enforced lazily on access; this only reclaims storage.
type Sweeper struct {
	store    domain.ConversationStore
	limiter  *ratelimit.Limiter
	interval time.Duration
	now      func() time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSweeper returns a sweeper; limiter may be nil.
func NewSweeper(store domain.ConversationStore, limiter *ratelimit.Limiter, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		limiter:  limiter,
		interval: interval,
		now:      time.Now,
	}
}

// Start begins sweeping in the background. It is a no-op when the interval
// is not positive or the sweeper is already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.interval <= 0 {
		return nil
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(sweepCtx)
	return nil
}

// Stop cancels the sweeper and waits for it to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		close(s.done)
		s.mu.Unlock()
	}()

	log := observability.WithFields("component", "conversation.sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx, log)
		}
	}
}

// SweepOnce runs a single pass and returns how many sessions were evicted.
func (s *Sweeper) SweepOnce(ctx context.Context, log *slog.Logger) int {
	if log == nil {
		log = observability.Logger()
	}
	start := time.Now()
	now := s.now()

	removed, err := s.store.Sweep(ctx, now)
	if err != nil {
		log.Error("session sweep failed", "error", err)
	} else if removed > 0 {
		log.Info("evicted expired sessions", "removed", removed, "duration", time.Since(start))
	}

	if s.limiter != nil {
		pruned, err := s.limiter.Prune(ctx)
		if err != nil {
			log.Error("rate window prune failed", "error", err)
		} else if pruned > 0 {
			log.Debug("pruned idle rate windows", "pruned", pruned)
		}
	}

	if stats, err := s.store.Stats(ctx, now); err == nil {
		log.Debug("session stats after sweep", "total", stats.Total, "active", stats.Active)
	}
	return removed
}
