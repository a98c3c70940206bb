// Package sqlstore keeps conversations in SQLite or Postgres.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// Store is a domain.ConversationStore on database/sql.
//
// conversation_sessions holds one row per identity with its version; the row
// survives a reset so stale versions keep failing. conversation_turns holds
// the history ordered by seq.
type Store struct {
	db      *sql.DB
	dialect Dialect
	opts    domain.StoreOptions
	now     func() time.Time
}

var _ domain.ConversationStore = (*Store)(nil)

// SQLiteDSNForFile returns a DSN for a WAL-mode database file whose
// transactions take the write lock up front.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlstore: empty sqlite path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path), nil
}

// OpenSQLite opens (and migrates) a SQLite database file.
func OpenSQLite(ctx context.Context, path string, opts domain.StoreOptions) (*Store, error) {
	dsn, err := SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(string(SQLite), dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: open sqlite")
	}
	// SQLite allows one writer; a single connection keeps writers queued in Go.
	db.SetMaxOpenConns(1)
	return New(ctx, db, SQLite, opts)
}

// OpenPostgres opens (and migrates) a Postgres database.
func OpenPostgres(ctx context.Context, dsn string, opts domain.StoreOptions) (*Store, error) {
	db, err := sql.Open(string(Postgres), dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlstore: ping postgres")
	}
	return New(ctx, db, Postgres, opts)
}

// New wraps an open database and creates the schema if needed.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts domain.StoreOptions) (*Store, error) {
	if opts.TTL <= 0 {
		opts.TTL = domain.DefaultSessionTTL
	}
	s := &Store{db: db, dialect: dialect, opts: opts, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_sessions (
			identity TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			last_activity_at BIGINT NOT NULL DEFAULT 0,
			touched_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			identity TEXT NOT NULL,
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (identity, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS conversation_sessions_by_activity ON conversation_sessions(last_activity_at)`,
	}
	for _, st := range stmts {
		if _, err := s.db.ExecContext(ctx, st); err != nil {
			return errors.Wrap(err, "sqlstore: migrate")
		}
	}
	return nil
}

// rebind turns ? placeholders into $n for Postgres.
func (s *Store) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
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

func (s *Store) Get(ctx context.Context, id domain.Identity) (*domain.Session, error) {
	sess, err := s.load(ctx, s.db, id)
	return sess, errors.Wrap(err, "sqlstore: get")
}

// load reads a session and its turns in one statement so the version and
// history come from the same snapshot.
func (s *Store) load(ctx context.Context, q querier, id domain.Identity) (*domain.Session, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT s.version, s.last_activity_at, t.role, t.content, t.created_at
		FROM conversation_sessions s
		LEFT JOIN conversation_turns t ON t.identity = s.identity
		WHERE s.identity = ?
		ORDER BY t.seq`), string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sess := &domain.Session{Identity: id}
	for rows.Next() {
		var (
			version int64
			last    int64
			role    sql.NullString
			content sql.NullString
			at      sql.NullInt64
		)
		if err := rows.Scan(&version, &last, &role, &content, &at); err != nil {
			return nil, err
		}
		sess.Version = uint64(version)
		sess.LastActivityAt = fromNanos(last)
		if role.Valid {
			sess.History = append(sess.History, domain.Turn{
				Role:    domain.Role(role.String),
				Content: content.String,
				At:      fromNanos(at.Int64),
			})
		}
	}
	return sess, rows.Err()
}

func (s *Store) Append(
	ctx context.Context,
	id domain.Identity,
	expectedVersion uint64,
	turns ...domain.Turn,
) (*domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: begin append")
	}
	defer func() { _ = tx.Rollback() }()

	if len(turns) == 0 {
		sess, err := s.load(ctx, tx, id)
		if err != nil {
			return nil, errors.Wrap(err, "sqlstore: append")
		}
		if sess.Version != expectedVersion {
			return nil, domain.ErrVersionConflict
		}
		return sess, nil
	}

	now := s.now()
	next := int64(domain.NextVersion(expectedVersion, now))
	last := nanos(turns[len(turns)-1].At)

	// The conditional write is the compare-and-swap; it also locks the row
	// for the rest of the transaction.
	var res sql.Result
	if expectedVersion == 0 {
		res, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO conversation_sessions (identity, version, last_activity_at, touched_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (identity) DO NOTHING`),
			string(id), next, last, now.UnixNano())
	} else {
		res, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE conversation_sessions
			SET version = ?, last_activity_at = ?, touched_at = ?
			WHERE identity = ? AND version = ?`),
			next, last, now.UnixNano(), string(id), int64(expectedVersion))
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: write session")
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, errors.Wrap(err, "sqlstore: write session")
	} else if n == 0 {
		return nil, domain.ErrVersionConflict
	}

	seq, err := s.maxSeq(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	for _, t := range turns {
		seq++
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO conversation_turns (identity, seq, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)`),
			string(id), seq, string(t.Role), t.Content, nanos(t.At)); err != nil {
			return nil, errors.Wrap(err, "sqlstore: insert turn")
		}
	}

	if limit := s.opts.MaxHistory; limit > 0 {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM conversation_turns WHERE identity = ? AND seq <= ?`),
			string(id), seq-int64(limit)); err != nil {
			return nil, errors.Wrap(err, "sqlstore: trim history")
		}
	}

	sess, err := s.load(ctx, tx, id)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: reload")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "sqlstore: commit append")
	}
	return sess, nil
}

func (s *Store) maxSeq(ctx context.Context, q querier, id domain.Identity) (int64, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT COALESCE(MAX(seq), 0) FROM conversation_turns WHERE identity = ?`), string(id))
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore: max seq")
	}
	defer rows.Close()

	var seq int64
	if rows.Next() {
		if err := rows.Scan(&seq); err != nil {
			return 0, errors.Wrap(err, "sqlstore: max seq")
		}
	}
	return seq, errors.Wrap(rows.Err(), "sqlstore: max seq")
}

// bumpVersion is NextVersion in SQL: max(version+1, now).
const bumpVersion = `CASE WHEN conversation_sessions.version + 1 > ? THEN conversation_sessions.version + 1 ELSE ? END`

func (s *Store) Reset(ctx context.Context, id domain.Identity) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "sqlstore: begin reset")
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixNano()
	// A missing identity gets a tombstone row so an empty read taken before
	// the reset can no longer be written back.
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO conversation_sessions (identity, version, last_activity_at, touched_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (identity) DO UPDATE
		SET version = `+bumpVersion+`, last_activity_at = 0, touched_at = ?`),
		string(id), now, now, now, now, now); err != nil {
		return false, errors.Wrap(err, "sqlstore: reset session")
	}

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM conversation_turns WHERE identity = ?`), string(id))
	if err != nil {
		return false, errors.Wrap(err, "sqlstore: reset turns")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "sqlstore: reset turns")
	}

	return n > 0, errors.Wrap(tx.Commit(), "sqlstore: commit reset")
}

func (s *Store) ResetAll(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore: begin reset all")
	}
	defer func() { _ = tx.Rollback() }()

	cleared, err := s.count(ctx, tx, `SELECT COUNT(DISTINCT identity) FROM conversation_turns`)
	if err != nil {
		return 0, err
	}

	now := s.now().UnixNano()
	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE conversation_sessions
		SET version = `+bumpVersion+`, last_activity_at = 0, touched_at = ?`),
		now, now, now); err != nil {
		return 0, errors.Wrap(err, "sqlstore: reset all sessions")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_turns`); err != nil {
		return 0, errors.Wrap(err, "sqlstore: reset all turns")
	}

	return cleared, errors.Wrap(tx.Commit(), "sqlstore: commit reset all")
}

func (s *Store) count(ctx context.Context, q querier, query string, args ...any) (int, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore: count")
	}
	defer rows.Close()

	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, errors.Wrap(err, "sqlstore: count")
		}
	}
	return n, errors.Wrap(rows.Err(), "sqlstore: count")
}

// activity returns last_activity_at for every session that holds history.
func (s *Store) activity(ctx context.Context, where string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT s.last_activity_at FROM conversation_sessions s
		WHERE EXISTS (SELECT 1 FROM conversation_turns t WHERE t.identity = s.identity)`+where), args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: activity")
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var last int64
		if err := rows.Scan(&last); err != nil {
			return nil, errors.Wrap(err, "sqlstore: activity")
		}
		out = append(out, last)
	}
	return out, errors.Wrap(rows.Err(), "sqlstore: activity")
}

func (s *Store) TimeUntilExpiry(ctx context.Context, id domain.Identity, now time.Time) (time.Duration, bool, error) {
	last, err := s.activity(ctx, ` AND s.identity = ?`, string(id))
	if err != nil {
		return 0, false, err
	}
	if len(last) == 0 {
		return 0, false, nil
	}
	return domain.RemainingTTL(fromNanos(last[0]), now, s.opts.TTL), true, nil
}

func (s *Store) Stats(ctx context.Context, now time.Time) (domain.StoreStats, error) {
	all, err := s.activity(ctx, "")
	if err != nil {
		return domain.StoreStats{}, err
	}

	stats := domain.StoreStats{Total: len(all)}
	for _, last := range all {
		if !domain.IsExpired(fromNanos(last), now, s.opts.TTL) {
			stats.Active++
		}
	}
	return stats, nil
}

// Sweep deletes expired sessions and tombstones idle for longer than the TTL.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore: begin sweep")
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := now.Add(-s.opts.TTL).UnixNano()

	res, err := tx.ExecContext(ctx, s.rebind(`
		DELETE FROM conversation_sessions
		WHERE last_activity_at <> 0 AND last_activity_at < ?`), cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore: sweep sessions")
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore: sweep sessions")
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		DELETE FROM conversation_sessions
		WHERE last_activity_at = 0 AND touched_at < ?
		AND NOT EXISTS (SELECT 1 FROM conversation_turns t WHERE t.identity = conversation_sessions.identity)`), cutoff); err != nil {
		return 0, errors.Wrap(err, "sqlstore: sweep tombstones")
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM conversation_turns
		WHERE identity NOT IN (SELECT identity FROM conversation_sessions)`); err != nil {
		return 0, errors.Wrap(err, "sqlstore: sweep turns")
	}

	return int(removed), errors.Wrap(tx.Commit(), "sqlstore: commit sweep")
}
