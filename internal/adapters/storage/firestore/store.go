package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

const DefaultCollection = "conversations"

// Store keeps one document per identity. Every write is a transaction that
// re-reads the document, so the version check and the write are atomic.
type Store struct {
	client     *firestore.Client
	collection string
	opts       domain.StoreOptions
	now        func() time.Time
}

var _ domain.ConversationStore = (*Store)(nil)

// NewStore creates a Firestore store.
// Uses the project passed (RELAY_GCP_PROJECT).
func NewStore(ctx context.Context, projectID, collection string, opts domain.StoreOptions) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	return NewStoreWithClient(client, collection, opts), nil
}

func NewStoreWithClient(client *firestore.Client, collection string, opts domain.StoreOptions) *Store {
	if collection == "" {
		collection = DefaultCollection
	}
	if opts.TTL <= 0 {
		opts.TTL = domain.DefaultSessionTTL
	}
	return &Store{client: client, collection: collection, opts: opts, now: time.Now}
}

func (s *Store) Close() error {
	return s.client.Close()
}

// ─────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────

func (s *Store) conversationsCol() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *Store) conversationDoc(id domain.Identity) *firestore.DocumentRef {
	return s.conversationsCol().Doc(string(id))
}

// ─────────────────────────────────────────
// Firestore Types
// ─────────────────────────────────────────

// Times are unix nanoseconds; Firestore timestamps only keep microseconds.
type conversationDoc struct {
	Version      int64     `firestore:"version"`
	LastActivity int64     `firestore:"last_activity_at"`
	Touched      int64     `firestore:"touched_at"`
	HasHistory   bool      `firestore:"has_history"`
	Turns        []turnDoc `firestore:"turns"`
}

type turnDoc struct {
	Role    string `firestore:"role"`
	Content string `firestore:"content"`
	At      int64  `firestore:"at"`
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

func (d *conversationDoc) session(id domain.Identity) *domain.Session {
	sess := &domain.Session{
		Identity:       id,
		LastActivityAt: fromNanos(d.LastActivity),
		Version:        uint64(d.Version),
	}
	for _, t := range d.Turns {
		sess.History = append(sess.History, domain.Turn{
			Role:    domain.Role(t.Role),
			Content: t.Content,
			At:      fromNanos(t.At),
		})
	}
	return sess
}

// readDoc decodes a snapshot; a missing document reads as the zero doc.
func readDoc(snap *firestore.DocumentSnapshot, err error) (*conversationDoc, error) {
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return &conversationDoc{}, nil
		}
		return nil, err
	}

	var doc conversationDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode conversationDoc: %w", err)
	}
	return &doc, nil
}

// ─────────────────────────────────────────
// ConversationStore implementation
// ─────────────────────────────────────────

func (s *Store) Get(ctx context.Context, id domain.Identity) (*domain.Session, error) {
	doc, err := readDoc(s.conversationDoc(id).Get(ctx))
	if err != nil {
		return nil, fmt.Errorf("firestore Get: %w", err)
	}
	return doc.session(id), nil
}

func (s *Store) Append(
	ctx context.Context,
	id domain.Identity,
	expectedVersion uint64,
	turns ...domain.Turn,
) (*domain.Session, error) {
	ref := s.conversationDoc(id)
	var out *domain.Session

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := readDoc(tx.Get(ref))
		if err != nil {
			return err
		}
		if uint64(doc.Version) != expectedVersion {
			return domain.ErrVersionConflict
		}
		if len(turns) == 0 {
			out = doc.session(id)
			return nil
		}

		for _, t := range turns {
			doc.Turns = append(doc.Turns, turnDoc{Role: string(t.Role), Content: t.Content, At: nanos(t.At)})
		}
		if limit := s.opts.MaxHistory; limit > 0 && len(doc.Turns) > limit {
			doc.Turns = doc.Turns[len(doc.Turns)-limit:]
		}

		now := s.now()
		doc.Version = int64(domain.NextVersion(expectedVersion, now))
		doc.LastActivity = nanos(turns[len(turns)-1].At)
		doc.Touched = now.UnixNano()
		doc.HasHistory = true

		out = doc.session(id)
		return tx.Set(ref, doc)
	})
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("firestore Append: %w", err)
	}
	return out, nil
}

func (s *Store) Reset(ctx context.Context, id domain.Identity) (bool, error) {
	ref := s.conversationDoc(id)
	var had bool

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := readDoc(tx.Get(ref))
		if err != nil {
			return err
		}
		had = len(doc.Turns) > 0

		// The document stays as a tombstone carrying the bumped version.
		now := s.now()
		return tx.Set(ref, conversationDoc{
			Version: int64(domain.NextVersion(uint64(doc.Version), now)),
			Touched: now.UnixNano(),
		})
	})
	if err != nil {
		return false, fmt.Errorf("firestore Reset: %w", err)
	}
	return had, nil
}

// ResetAll resets every stored document one transaction at a time.
func (s *Store) ResetAll(ctx context.Context) (int, error) {
	iter := s.conversationsCol().DocumentRefs(ctx)
	cleared := 0
	for {
		ref, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return cleared, fmt.Errorf("firestore ResetAll: %w", err)
		}

		had, err := s.Reset(ctx, domain.Identity(ref.ID))
		if err != nil {
			return cleared, err
		}
		if had {
			cleared++
		}
	}
	return cleared, nil
}

func (s *Store) TimeUntilExpiry(ctx context.Context, id domain.Identity, now time.Time) (time.Duration, bool, error) {
	doc, err := readDoc(s.conversationDoc(id).Get(ctx))
	if err != nil {
		return 0, false, fmt.Errorf("firestore TimeUntilExpiry: %w", err)
	}
	if len(doc.Turns) == 0 {
		return 0, false, nil
	}
	return domain.RemainingTTL(fromNanos(doc.LastActivity), now, s.opts.TTL), true, nil
}

func (s *Store) Stats(ctx context.Context, now time.Time) (domain.StoreStats, error) {
	iter := s.conversationsCol().
		Where("has_history", "==", true).
		Select("last_activity_at").
		Documents(ctx)
	defer iter.Stop()

	var stats domain.StoreStats
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return stats, fmt.Errorf("firestore Stats: %w", err)
		}

		var doc conversationDoc
		if err := snap.DataTo(&doc); err != nil {
			return stats, fmt.Errorf("decode conversationDoc: %w", err)
		}
		stats.Total++
		if !domain.IsExpired(fromNanos(doc.LastActivity), now, s.opts.TTL) {
			stats.Active++
		}
	}
	return stats, nil
}

// Sweep deletes expired conversations and tombstones idle for longer than the TTL.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.opts.TTL).UnixNano()

	// Tombstones carry last_activity_at 0, so one range query finds both.
	iter := s.conversationsCol().
		Where("last_activity_at", "<", cutoff).
		Documents(ctx)
	defer iter.Stop()

	removed := 0
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return removed, fmt.Errorf("firestore Sweep: %w", err)
		}

		var expired bool
		err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			expired = false
			doc, err := readDoc(tx.Get(snap.Ref))
			if err != nil {
				return err
			}
			switch {
			case doc.HasHistory && domain.IsExpired(fromNanos(doc.LastActivity), now, s.opts.TTL):
				expired = true
			case !doc.HasHistory && doc.Touched < cutoff:
			default:
				return nil
			}
			return tx.Delete(snap.Ref)
		})
		if err != nil {
			return removed, fmt.Errorf("firestore Sweep: %w", err)
		}
		if expired {
			removed++
		}
	}
	return removed, nil
}
