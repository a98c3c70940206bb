package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

type window struct {
	mu       sync.Mutex
	count    int
	start    time.Time
	duration time.Duration
	pruned   bool
}

// expired reports whether the window must restart at now.
func (w *window) expired(now time.Time, d time.Duration) bool {
	return w.start.IsZero() || now.Sub(w.start) >= d
}

// WindowStore keeps fixed-window rate counters in memory.
type WindowStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

func NewWindowStore() *WindowStore {
	return &WindowStore{
		windows: make(map[string]*window),
	}
}

func (s *WindowStore) lookup(buckets []domain.RateBucket) []*window {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*window, len(buckets))
	for i, b := range buckets {
		w, ok := s.windows[b.Key]
		if !ok {
			w = &window{}
			s.windows[b.Key] = w
		}
		out[i] = w
	}
	return out
}

// lockAll locks windows in key order so concurrent callers never deadlock.
func lockAll(buckets []domain.RateBucket, windows []*window) func() {
	order := make([]int, len(buckets))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return buckets[order[a]].Key < buckets[order[b]].Key })
	for _, i := range order {
		windows[i].mu.Lock()
	}
	return func() {
		for _, i := range order {
			windows[i].mu.Unlock()
		}
	}
}

func anyPruned(windows []*window) bool {
	for _, w := range windows {
		if w.pruned {
			return true
		}
	}
	return false
}

func (s *WindowStore) Consume(_ context.Context, now time.Time, buckets []domain.RateBucket) (domain.RateVerdict, error) {
	if len(buckets) == 0 {
		return domain.RateVerdict{Admitted: true, Denied: -1}, nil
	}

	windows := s.lookup(buckets)
	unlock := lockAll(buckets, windows)
	for anyPruned(windows) {
		unlock()
		windows = s.lookup(buckets)
		unlock = lockAll(buckets, windows)
	}
	defer unlock()

	// Check every bucket first; the reset and the increment happen together below.
	for i, b := range buckets {
		w := windows[i]
		if w.expired(now, b.Window) {
			continue
		}
		if w.count >= b.Limit {
			return domain.RateVerdict{
				Denied:     i,
				RetryAfter: w.start.Add(b.Window).Sub(now),
			}, nil
		}
	}

	for i, b := range buckets {
		w := windows[i]
		if w.expired(now, b.Window) {
			w.count = 0
			w.start = now
		}
		w.count++
		w.duration = b.Window
	}
	return domain.RateVerdict{Admitted: true, Denied: -1}, nil
}

func (s *WindowStore) Peek(_ context.Context, now time.Time, buckets []domain.RateBucket) ([]domain.WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.WindowState, len(buckets))
	for i, b := range buckets {
		w, ok := s.windows[b.Key]
		if !ok {
			continue
		}
		w.mu.Lock()
		if !w.expired(now, b.Window) {
			out[i] = domain.WindowState{
				Count:   w.count,
				ResetIn: w.start.Add(b.Window).Sub(now),
			}
		}
		w.mu.Unlock()
	}
	return out, nil
}

// Prune forgets windows that have run out.
func (s *WindowStore) Prune(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		w.mu.Lock()
		if w.expired(now, w.duration) {
			w.pruned = true
			delete(s.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed, nil
}
