package queue

// SchemaVersion is the current queue database schema version
const SchemaVersion = 3

const schema = `
-- Pending actions table
CREATE TABLE IF NOT EXISTS pending_actions (
    id TEXT PRIMARY KEY,
    action_type TEXT NOT NULL,
    target_id TEXT NOT NULL,
    user_pubkey TEXT NOT NULL,
    author_pubkey TEXT NOT NULL DEFAULT '',
    addressable_id TEXT NOT NULL DEFAULT '',
    target_kind INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    last_error TEXT NOT NULL DEFAULT '',
    last_attempt_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    result_event_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_pending_actions_status ON pending_actions(status, created_at);
CREATE INDEX IF NOT EXISTS idx_pending_actions_target ON pending_actions(user_pubkey, target_id);
`

// Migration represents a database schema migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

var Migrations = []Migration{
	// Version 1 is the initial schema - no migration needed
	{
		Version:     2,
		Description: "Add sync_state table for backfill cursors",
		SQL: `
CREATE TABLE IF NOT EXISTS sync_state (
    relay TEXT NOT NULL,
    kind INTEGER NOT NULL,
    since INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (relay, kind)
);
`,
	},
	{
		Version:     3,
		Description: "Add relay_health table for publish target selection",
		SQL: `
CREATE TABLE IF NOT EXISTS relay_health (
    relay TEXT PRIMARY KEY,
    failure_streak INTEGER NOT NULL DEFAULT 0,
    last_success_at INTEGER NOT NULL DEFAULT 0,
    last_failure_at INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT ''
);
`,
	},
}
