package queue

import (
	"context"
	"database/sql"
	"fmt"
)

// RelayHealth records publish outcomes for one relay. Timestamps are unix
// seconds; a zero value means the event never happened.
type RelayHealth struct {
	Relay         string `db:"relay"`
	FailureStreak int    `db:"failure_streak"`
	LastSuccessAt int64  `db:"last_success_at"`
	LastFailureAt int64  `db:"last_failure_at"`
	LastError     string `db:"last_error"`
}

// GetRelayHealth returns the health row for a relay, or nil when the relay
// has never been tracked.
func (s *Store) GetRelayHealth(ctx context.Context, relay string) (*RelayHealth, error) {
	var h RelayHealth
	err := s.db.GetContext(ctx, &h,
		`SELECT relay, failure_streak, last_success_at, last_failure_at, last_error
		 FROM relay_health WHERE relay = ?`, relay)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relay health: %w", err)
	}
	return &h, nil
}

// SaveRelayHealth writes a health row, replacing any existing row for the
// same relay.
func (s *Store) SaveRelayHealth(ctx context.Context, h *RelayHealth) error {
	if h.Relay == "" {
		return fmt.Errorf("relay url is required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO relay_health
		 (relay, failure_streak, last_success_at, last_failure_at, last_error)
		 VALUES (?, ?, ?, ?, ?)`,
		h.Relay, h.FailureStreak, h.LastSuccessAt, h.LastFailureAt, h.LastError)
	if err != nil {
		return fmt.Errorf("failed to save relay health: %w", err)
	}
	return nil
}

// ListRelayHealth returns all tracked relays ordered by url.
func (s *Store) ListRelayHealth(ctx context.Context) ([]*RelayHealth, error) {
	var rows []*RelayHealth
	err := s.db.SelectContext(ctx, &rows,
		`SELECT relay, failure_streak, last_success_at, last_failure_at, last_error
		 FROM relay_health ORDER BY relay`)
	if err != nil {
		return nil, fmt.Errorf("failed to list relay health: %w", err)
	}
	return rows, nil
}
