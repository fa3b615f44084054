package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only, additive schema step. Each step is
// idempotent: it checks for the column/table it would add before issuing DDL,
// so re-running the list against an already-migrated database is a no-op.
type migration struct {
	name string
	up   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{
		name: "001_create_core_tables",
		up: func(ctx context.Context, tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS agents (
					id TEXT PRIMARY KEY,
					tenant_id TEXT NOT NULL,
					display_name TEXT NOT NULL,
					role TEXT,
					capabilities TEXT NOT NULL DEFAULT '[]',
					workspace TEXT,
					last_seen TIMESTAMP NOT NULL,
					waiting_since TIMESTAMP,
					waiting_capabilities TEXT,
					waiting_workspace TEXT,
					eviction_requested INTEGER NOT NULL DEFAULT 0,
					eviction_reason TEXT,
					eviction_action TEXT,
					metadata TEXT,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents(tenant_id)`,
				`CREATE INDEX IF NOT EXISTS idx_agents_waiting ON agents(tenant_id, waiting_since)`,
				`CREATE TABLE IF NOT EXISTS tasks (
					id TEXT PRIMARY KEY,
					tenant_id TEXT NOT NULL,
					title TEXT,
					prompt TEXT NOT NULL,
					from_kind TEXT,
					from_id TEXT,
					to_agent_id TEXT,
					to_capabilities TEXT,
					to_workspace_id TEXT,
					priority TEXT NOT NULL,
					status TEXT NOT NULL,
					source TEXT,
					dependencies TEXT,
					assigned_to TEXT,
					reservation_agent_id TEXT,
					reservation_sent_at TIMESTAMP,
					response TEXT,
					context TEXT,
					images TEXT,
					retry_count INTEGER NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL,
					completed_at TIMESTAMP,
					last_activity_at TIMESTAMP NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_tasks_tenant_status ON tasks(tenant_id, status)`,
				`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
				`CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(tenant_id, assigned_to)`,
				`CREATE TABLE IF NOT EXISTS task_history (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					task_id TEXT NOT NULL,
					timestamp TIMESTAMP NOT NULL,
					status TEXT NOT NULL,
					agent_id TEXT,
					message TEXT
				)`,
				`CREATE INDEX IF NOT EXISTS idx_history_task ON task_history(task_id)`,
				`CREATE TABLE IF NOT EXISTS task_messages (
					id TEXT PRIMARY KEY,
					task_id TEXT NOT NULL,
					role TEXT NOT NULL,
					content TEXT NOT NULL,
					timestamp TIMESTAMP NOT NULL,
					is_read INTEGER NOT NULL DEFAULT 0,
					reply_to TEXT,
					message_type TEXT
				)`,
				`CREATE INDEX IF NOT EXISTS idx_messages_task ON task_messages(task_id)`,
				`CREATE TABLE IF NOT EXISTS activity_log (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					tenant_id TEXT NOT NULL,
					timestamp TIMESTAMP NOT NULL,
					kind TEXT NOT NULL,
					metadata TEXT
				)`,
				`CREATE INDEX IF NOT EXISTS idx_activity_tenant ON activity_log(tenant_id, timestamp)`,
				`CREATE TABLE IF NOT EXISTS security_events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					tenant_id TEXT NOT NULL,
					timestamp TIMESTAMP NOT NULL,
					kind TEXT NOT NULL,
					detail TEXT
				)`,
				`CREATE TABLE IF NOT EXISTS leader_epochs (
					resource_id TEXT PRIMARY KEY,
					epoch INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS idempotency_keys (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					expires_at TIMESTAMP NOT NULL
				)`,
			}
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration 001: %s: %w", stmt, err)
				}
			}
			return nil
		},
	},
}

// applyMigrations runs every migration step inside its own transaction, in
// order, checking a simple ledger table first so re-invocation is a no-op.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TIMESTAMP NOT NULL)`); err != nil {
		return err
	}
	for _, m := range migrations {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, m.name).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := m.up(ctx, tx); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name, applied_at) VALUES (?, datetime('now'))`, m.name); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
