package domain

import (
	"context"
	"time"
)

// ModelClient defines how the core application interacts with a generative model.
type ModelClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompletionRequest is the assembled prompt: prior turns plus the new input.
type CompletionRequest struct {
	Prompt  string
	History []Turn
	Media   *Attachment
}

// StoreOptions are shared by every ConversationStore implementation.
type StoreOptions struct {
	// MaxHistory bounds the stored turns per identity, oldest dropped first. 0 = unbounded.
	MaxHistory int
	TTL        time.Duration
}

// StoreStats counts sessions holding history; Active excludes stale ones.
type StoreStats struct {
	Total  int
	Active int
}

// ConversationStore owns every Session. Implementations are safe for concurrent use.
type ConversationStore interface {
	// Get returns the stored session or an empty one. It never applies expiry.
	Get(ctx context.Context, id Identity) (*Session, error)
	// Append adds turns if the stored version still equals expectedVersion,
	// otherwise it returns ErrVersionConflict and writes nothing.
	Append(ctx context.Context, id Identity, expectedVersion uint64, turns ...Turn) (*Session, error)
	// Reset clears one identity's history and reports whether it had any.
	Reset(ctx context.Context, id Identity) (bool, error)
	// ResetAll clears every session and returns how many held history.
	ResetAll(ctx context.Context) (int, error)
	// TimeUntilExpiry reports the time left before the session goes stale;
	// false when there is no session.
	TimeUntilExpiry(ctx context.Context, id Identity, now time.Time) (time.Duration, bool, error)
	Stats(ctx context.Context, now time.Time) (StoreStats, error)
	// Sweep evicts expired sessions and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// RateBucket is one fixed window a request is counted against.
type RateBucket struct {
	Key    string
	Limit  int
	Window time.Duration
}

// RateVerdict is the outcome of RateWindowStore.Consume. Denied is the index
// of the first bucket without room, or -1 when admitted.
type RateVerdict struct {
	Admitted   bool
	Denied     int
	RetryAfter time.Duration
}

// WindowState is a read-only view of one bucket.
type WindowState struct {
	Count   int
	ResetIn time.Duration
}

// RateWindowStore keeps fixed-window counters.
type RateWindowStore interface {
	// Consume counts the request in every bucket only if all of them have
	// room; otherwise nothing is counted.
	Consume(ctx context.Context, now time.Time, buckets []RateBucket) (RateVerdict, error)
	// Peek reports bucket state without consuming quota.
	Peek(ctx context.Context, now time.Time, buckets []RateBucket) ([]WindowState, error)
}

// WindowPruner is implemented by window stores that need manual eviction of idle windows.
type WindowPruner interface {
	Prune(ctx context.Context, now time.Time) (int, error)
}

// SearchResult is one organic web search hit.
type SearchResult struct {
	Title     string `json:"title"`
	Link      string `json:"link"`
	Snippet   string `json:"snippet"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Searcher runs web searches. Failures are reported as *UpstreamError.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}
