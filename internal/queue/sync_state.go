package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncState is the backfill cursor for one relay and kind: the created_at of
// the newest event fetched from that relay for that kind.
type SyncState struct {
	Relay     string `db:"relay"`
	Kind      int    `db:"kind"`
	Since     int64  `db:"since"`
	UpdatedAt int64  `db:"updated_at"`
}

// GetSyncState returns the cursor for a relay and kind, or nil when no
// cursor has been recorded yet.
func (s *Store) GetSyncState(ctx context.Context, relay string, kind int) (*SyncState, error) {
	var st SyncState
	err := s.db.GetContext(ctx, &st,
		`SELECT relay, kind, since, updated_at FROM sync_state WHERE relay = ? AND kind = ?`,
		relay, kind)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	return &st, nil
}

// UpdateSyncCursor advances the cursor for a relay and kind. A since value
// older than the stored cursor is ignored so replayed batches never move
// cursors backwards.
func (s *Store) UpdateSyncCursor(ctx context.Context, relay string, kind int, since int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (relay, kind, since, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(relay, kind) DO UPDATE SET since = excluded.since, updated_at = excluded.updated_at
		 WHERE excluded.since > sync_state.since`,
		relay, kind, since, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to update sync cursor: %w", err)
	}
	return nil
}

// ListSyncStates returns all recorded cursors, ordered by relay then kind.
func (s *Store) ListSyncStates(ctx context.Context) ([]*SyncState, error) {
	var states []*SyncState
	err := s.db.SelectContext(ctx, &states,
		`SELECT relay, kind, since, updated_at FROM sync_state ORDER BY relay, kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync states: %w", err)
	}
	return states, nil
}
