package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sandwichfarm/noq/internal/config"
)

var (
	// ErrNotFound is returned when no action matches the given id.
	ErrNotFound = errors.New("pending action not found")
	// ErrClosed is returned for writes against a closed store.
	ErrClosed = errors.New("queue store is closed")
)

// Store persists pending actions in a local SQLite database. All writes are
// serialized through a single mutex so watch subscribers observe snapshots
// in commit order.
type Store struct {
	db         *sqlx.DB
	path       string
	maxRetries int

	writeMu sync.Mutex
	closed  bool

	hub *watchHub
}

// Open opens (creating if necessary) the queue database at cfg.DBPath and
// runs pending schema migrations. Actions left in syncing by a previous
// crash are moved back to pending before the store is returned.
func Open(ctx context.Context, cfg *config.Queue) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("queue db_path is required")
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate queue database: %w", err)
	}

	s := &Store{
		db:         db,
		path:       cfg.DBPath,
		maxRetries: cfg.MaxRetries,
		hub:        newWatchHub(),
	}

	if _, err := s.ResetSyncing(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to recover syncing actions: %w", err)
	}

	return s, nil
}

// runMigrations applies the base schema and any versioned migrations that
// have not been recorded in schema_info yet.
func runMigrations(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_info (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_info table: %w", err)
	}

	var version int
	err := db.GetContext(ctx, &version, `SELECT value FROM schema_info WHERE key = 'version'`)
	if err == sql.ErrNoRows {
		version = 1
		if _, err := db.ExecContext(ctx,
			`INSERT INTO schema_info (key, value) VALUES ('version', ?)`, version); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range Migrations {
		if m.Version <= version {
			continue
		}
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		if _, err := db.ExecContext(ctx,
			`UPDATE schema_info SET value = ? WHERE key = 'version'`, m.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
		version = m.Version
	}

	return nil
}

const actionColumns = `id, action_type, target_id, user_pubkey, author_pubkey, addressable_id,
	target_kind, status, retry_count, max_retries, last_error, last_attempt_at,
	created_at, updated_at, result_event_id`

const upsertActionSQL = `
INSERT OR REPLACE INTO pending_actions
	(id, action_type, target_id, user_pubkey, author_pubkey, addressable_id, target_kind,
	 status, retry_count, max_retries, last_error, last_attempt_at, created_at, updated_at,
	 result_event_id)
VALUES
	(:id, :action_type, :target_id, :user_pubkey, :author_pubkey, :addressable_id, :target_kind,
	 :status, :retry_count, :max_retries, :last_error, :last_attempt_at, :created_at, :updated_at,
	 :result_event_id)`

// normalizeTimes converts timestamps to UTC so the stored text form stays
// lexicographically comparable across rows.
func normalizeTimes(a *PendingAction) {
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if a.LastAttemptAt != nil {
		utc := a.LastAttemptAt.UTC()
		a.LastAttemptAt = &utc
	}
}

// Upsert writes an action row as given, assigning an id, pending status and
// timestamps when missing. Most callers want Enqueue instead, which applies
// the conflict rules.
func (s *Store) Upsert(ctx context.Context, a *PendingAction) error {
	if err := a.Validate(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := time.Now().UTC()
	if a.ID == "" {
		id, err := generateActionID()
		if err != nil {
			return fmt.Errorf("failed to generate action id: %w", err)
		}
		a.ID = id
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	if a.MaxRetries == 0 {
		a.MaxRetries = s.maxRetries
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	normalizeTimes(a)

	if _, err := s.db.NamedExecContext(ctx, upsertActionSQL, a); err != nil {
		return fmt.Errorf("failed to upsert action: %w", err)
	}

	s.emit()
	return nil
}

// Get returns the action with the given id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*PendingAction, error) {
	var a PendingAction
	err := s.db.GetContext(ctx, &a,
		`SELECT `+actionColumns+` FROM pending_actions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return &a, nil
}

// ListByStatus returns all actions in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*PendingAction, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status: %q", status)
	}
	var actions []*PendingAction
	err := s.db.SelectContext(ctx, &actions,
		`SELECT `+actionColumns+` FROM pending_actions WHERE status = ? ORDER BY created_at, id`,
		status)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions by status: %w", err)
	}
	return actions, nil
}

// ListByUser returns all actions for a user regardless of status, oldest
// first. The reconcilers use this to overlay local intent onto relay state.
func (s *Store) ListByUser(ctx context.Context, userPubkey string) ([]*PendingAction, error) {
	var actions []*PendingAction
	err := s.db.SelectContext(ctx, &actions,
		`SELECT `+actionColumns+` FROM pending_actions WHERE user_pubkey = ? ORDER BY created_at, id`,
		userPubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions by user: %w", err)
	}
	return actions, nil
}

// ListPending returns the current pending set in commit order.
func (s *Store) ListPending(ctx context.Context) ([]*PendingAction, error) {
	return s.listPending(ctx)
}

func (s *Store) listPending(ctx context.Context) ([]*PendingAction, error) {
	actions := []*PendingAction{}
	err := s.db.SelectContext(ctx, &actions,
		`SELECT `+actionColumns+` FROM pending_actions WHERE status = ? ORDER BY created_at, id`,
		StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending actions: %w", err)
	}
	return actions, nil
}

// FindConflicting returns an outstanding action for the same user and target
// whose type is the opposite of actionType, or nil when there is none.
// Outstanding means any status other than completed.
func (s *Store) FindConflicting(ctx context.Context, userPubkey, targetID string, actionType ActionType) (*PendingAction, error) {
	return s.findConflicting(ctx, userPubkey, targetID, actionType)
}

func (s *Store) findConflicting(ctx context.Context, userPubkey, targetID string, actionType ActionType) (*PendingAction, error) {
	opposite := actionType.Opposite()
	if opposite == "" {
		return nil, fmt.Errorf("invalid action type: %q", actionType)
	}

	var a PendingAction
	err := s.db.GetContext(ctx, &a,
		`SELECT `+actionColumns+` FROM pending_actions
		 WHERE user_pubkey = ? AND target_id = ? AND action_type = ? AND status != ?
		 ORDER BY created_at DESC LIMIT 1`,
		userPubkey, targetID, opposite, StatusCompleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conflicting action: %w", err)
	}
	return &a, nil
}

// FindOutstanding returns an outstanding action of the same type for the
// same user and target, or nil when there is none.
func (s *Store) FindOutstanding(ctx context.Context, userPubkey, targetID string, actionType ActionType) (*PendingAction, error) {
	return s.findOutstanding(ctx, userPubkey, targetID, actionType)
}

func (s *Store) findOutstanding(ctx context.Context, userPubkey, targetID string, actionType ActionType) (*PendingAction, error) {
	if !actionType.Valid() {
		return nil, fmt.Errorf("invalid action type: %q", actionType)
	}

	var a PendingAction
	err := s.db.GetContext(ctx, &a,
		`SELECT `+actionColumns+` FROM pending_actions
		 WHERE user_pubkey = ? AND target_id = ? AND action_type = ? AND status != ?
		 ORDER BY created_at DESC LIMIT 1`,
		userPubkey, targetID, actionType, StatusCompleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find outstanding action: %w", err)
	}
	return &a, nil
}

// Transition moves an action to a new status. Moving to failed increments
// the retry count; moving to syncing records the attempt time. Returns
// ErrNotFound when the row no longer exists, which callers treat as the
// action having been cancelled underneath them.
func (s *Store) Transition(ctx context.Context, id string, to Status, lastError string) error {
	if !to.Valid() {
		return fmt.Errorf("invalid status: %q", to)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := time.Now().UTC()
	var (
		res sql.Result
		err error
	)
	switch to {
	case StatusSyncing:
		res, err = s.db.ExecContext(ctx,
			`UPDATE pending_actions SET status = ?, last_error = ?, last_attempt_at = ?, updated_at = ? WHERE id = ?`,
			to, lastError, now, now, id)
	case StatusFailed:
		res, err = s.db.ExecContext(ctx,
			`UPDATE pending_actions SET status = ?, last_error = ?, retry_count = retry_count + 1, last_attempt_at = ?, updated_at = ? WHERE id = ?`,
			to, lastError, now, now, id)
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE pending_actions SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			to, lastError, now, id)
	}
	if err != nil {
		return fmt.Errorf("failed to transition action: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.emit()
	return nil
}

// MarkCompleted transitions an action to completed and records the id of
// the Nostr event that was published for it.
func (s *Store) MarkCompleted(ctx context.Context, id, resultEventID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET status = ?, result_event_id = ?, last_error = '', updated_at = ? WHERE id = ?`,
		StatusCompleted, resultEventID, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark action completed: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check completion result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.emit()
	return nil
}

// Delete removes an action row. Returns ErrNotFound when no row matched.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete action: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.emit()
	return nil
}

// PruneCompleted removes all completed actions and returns how many were
// deleted.
func (s *Store) PruneCompleted(ctx context.Context) (int64, error) {
	return s.prune(ctx, `DELETE FROM pending_actions WHERE status = ?`, StatusCompleted)
}

// PruneCompletedBefore removes completed actions whose last update is older
// than cutoff.
func (s *Store) PruneCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.prune(ctx,
		`DELETE FROM pending_actions WHERE status = ? AND updated_at < ?`,
		StatusCompleted, cutoff.UTC())
}

func (s *Store) prune(ctx context.Context, query string, args ...interface{}) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune actions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check prune result: %w", err)
	}
	if n > 0 {
		s.emit()
	}
	return n, nil
}

// ResetSyncing moves all syncing actions back to pending. Open calls this
// so a crash mid-publish leaves the action eligible for the next drain.
func (s *Store) ResetSyncing(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET status = ?, updated_at = ? WHERE status = ?`,
		StatusPending, now, StatusSyncing)
	if err != nil {
		return 0, fmt.Errorf("failed to reset syncing actions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check reset result: %w", err)
	}
	if n > 0 {
		s.emit()
	}
	return n, nil
}

// CountByStatus returns row counts grouped by status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pending_actions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count actions: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan action count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// OldestPending returns the creation time of the oldest pending action. The
// bool is false when nothing is pending.
func (s *Store) OldestPending(ctx context.Context) (time.Time, bool, error) {
	var ts time.Time
	err := s.db.GetContext(ctx, &ts,
		`SELECT created_at FROM pending_actions WHERE status = ? ORDER BY created_at, id LIMIT 1`,
		StatusPending)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get oldest pending action: %w", err)
	}
	return ts, true, nil
}

// emit publishes the post-commit pending set to watch subscribers. Callers
// must hold writeMu so emissions follow commit order.
func (s *Store) emit() {
	if !s.hub.active() {
		return
	}
	snapshot, err := s.listPending(context.Background())
	if err != nil {
		return
	}
	s.hub.publish(snapshot)
}

// DB exposes the underlying handle for maintenance operations like backups.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes watch subscriptions and the database. Safe to call twice.
func (s *Store) Close() error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return nil
	}
	s.closed = true
	s.writeMu.Unlock()

	s.hub.close()
	return s.db.Close()
}
