package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// staleAgentThreshold mirrors the AGENT_OFFLINE_THRESHOLD_MS configuration option.
const staleAgentThreshold = 5 * time.Minute

// SQLiteStore is the single-writer embedded relational Store.
// All writes go through a connection pool capped at one open connection so
// the Store itself is the serialization point for concurrent mutations,
// matching the single-writer discipline the reservation
// primitive and the waiting-pool claim.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes multi-statement read-modify-write sequences
}

// Open creates/attaches to a SQLite database at path (":memory:" for tests),
// runs the forward-only migration list, then performs the crash-recovery
// sweep run at startup.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, err
	}

	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	s := &SQLiteStore{db: db}
	requeued, cleared, err := s.RecoverySweep(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("recovery sweep: %w", err)
	}
	log.Printf("store: recovery sweep requeued=%d waiters_cleared=%d", requeued, cleared)
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// RecoverySweep resets PENDING_ACK tasks to QUEUED and clears waiting claims.
// In-flight reservations and long-polls cannot survive a restart because the
// polling agent's HTTP connection cannot.
func (s *SQLiteStore) RecoverySweep(ctx context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE status = ?`, string(StatusPendingAck))
	if err != nil {
		return 0, 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	now := time.Now()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, reservation_agent_id = NULL, reservation_sent_at = NULL
			WHERE id = ?`, string(StatusQueued), id); err != nil {
			return 0, 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_history (task_id, timestamp, status, message) VALUES (?, ?, ?, ?)`,
			id, now, string(StatusQueued), "recovery sweep: reservation did not survive restart"); err != nil {
			return 0, 0, err
		}
	}

	res, err := tx.ExecContext(ctx, `UPDATE agents SET waiting_since = NULL, waiting_capabilities = NULL, waiting_workspace = NULL`)
	if err != nil {
		return 0, 0, err
	}
	cleared, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return len(ids), int(cleared), nil
}

// --- JSON helpers ---

func toJSON(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func fromJSON(s sql.NullString, v interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

// --- Agent operations ---

func (s *SQLiteStore) RegisterAgent(ctx context.Context, agent *Agent) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	// Look up an existing agent under the requested id.
	existing, err := s.getAgentLocked(ctx, agent.TenantID, agent.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		if existing.DisplayName == agent.DisplayName {
			// Same agent re-registering: refresh lastSeen and capabilities.
			agent.CreatedAt = existing.CreatedAt
		} else if existing.IsStale(now, staleAgentThreshold) {
			// Stale prior occupant of this id: overwrite outright.
			agent.CreatedAt = now
		} else {
			// A live, differently-named agent already holds this id: mint a
			// fresh suffixed id instead of colliding with it.
			agent.ID = agent.ID + "-" + uuid.NewString()[:8]
			agent.CreatedAt = now
		}
	} else {
		agent.CreatedAt = now
	}

	agent.LastSeen = now
	agent.UpdatedAt = now

	capsJSON, err := toJSON(agent.Capabilities)
	if err != nil {
		return nil, err
	}
	wsJSON, err := toJSON(agent.Workspace)
	if err != nil {
		return nil, err
	}
	metaJSON, err := toJSON(agent.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, tenant_id, display_name, role, capabilities, workspace, last_seen, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			role = excluded.role,
			capabilities = excluded.capabilities,
			workspace = excluded.workspace,
			last_seen = excluded.last_seen,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, agent.ID, agent.TenantID, agent.DisplayName, agent.Role, capsJSON, wsJSON, agent.LastSeen, metaJSON, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, tenantID, agentID string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAgentLocked(ctx, tenantID, agentID)
}

func (s *SQLiteStore) getAgentLocked(ctx context.Context, tenantID, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, display_name, role, capabilities, workspace, last_seen,
			waiting_since, waiting_capabilities, waiting_workspace,
			eviction_requested, eviction_reason, eviction_action, metadata, created_at, updated_at
		FROM agents WHERE id = ? AND tenant_id = ?`, agentID, tenantID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row scannable) (*Agent, error) {
	var a Agent
	var role, metaJSON, capsJSON, wsJSON, waitingCapsJSON, waitingWsJSON sql.NullString
	var waitingSince sql.NullTime
	var evictionRequested int
	var evictionReason, evictionAction sql.NullString

	if err := row.Scan(&a.ID, &a.TenantID, &a.DisplayName, &role, &capsJSON, &wsJSON, &a.LastSeen,
		&waitingSince, &waitingCapsJSON, &waitingWsJSON,
		&evictionRequested, &evictionReason, &evictionAction, &metaJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Role = role.String
	if err := fromJSON(capsJSON, &a.Capabilities); err != nil {
		return nil, err
	}
	if wsJSON.Valid {
		var ws Workspace
		if err := fromJSON(wsJSON, &ws); err != nil {
			return nil, err
		}
		a.Workspace = &ws
	}
	if waitingSince.Valid {
		t := waitingSince.Time
		a.WaitingSince = &t
	}
	if err := fromJSON(waitingCapsJSON, &a.WaitingCapabilities); err != nil {
		return nil, err
	}
	if waitingWsJSON.Valid {
		var ws Workspace
		if err := fromJSON(waitingWsJSON, &ws); err != nil {
			return nil, err
		}
		a.WaitingWorkspace = &ws
	}
	a.EvictionRequested = evictionRequested != 0
	a.EvictionReason = evictionReason.String
	a.EvictionAction = EvictionAction(evictionAction.String)
	if err := fromJSON(metaJSON, &a.Metadata); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context, tenantID string) ([]*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, display_name, role, capabilities, workspace, last_seen,
			waiting_since, waiting_capabilities, waiting_workspace,
			eviction_requested, eviction_reason, eviction_action, metadata, created_at, updated_at
		FROM agents WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetByCapability(ctx context.Context, tenantID string, caps []Capability) ([]*Agent, error) {
	all, err := s.ListAgents(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var out []*Agent
	for _, a := range all {
		if hasAllCapabilities(a.Capabilities, caps) {
			out = append(out, a)
		}
	}
	return out, nil
}

func hasAllCapabilities(have, want []Capability) bool {
	set := make(map[Capability]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range want {
		if !set[c] {
			return false
		}
	}
	return true
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, tenantID, agentID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`, t, t, agentID, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SetWaiting(ctx context.Context, tenantID, agentID string, waitingSince *time.Time, caps []Capability, ws *Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	capsJSON, err := toJSON(caps)
	if err != nil {
		return err
	}
	wsJSON, err := toJSON(ws)
	if err != nil {
		return err
	}

	var waitingSinceVal interface{}
	if waitingSince != nil {
		waitingSinceVal = *waitingSince
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET waiting_since = ?, waiting_capabilities = ?, waiting_workspace = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?`, waitingSinceVal, capsJSON, wsJSON, time.Now(), agentID, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListWaitingAgents(ctx context.Context, tenantID string) ([]*Agent, error) {
	all, err := s.ListAgents(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var out []*Agent
	for _, a := range all {
		if a.IsWaiting() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *SQLiteStore) QueueEviction(ctx context.Context, tenantID, agentID, reason string, action EvictionAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.getAgentLocked(ctx, tenantID, agentID)
	if err != nil {
		return err
	}
	// Escalation is monotonic: a pending SHUTDOWN is never downgraded to RESTART.
	finalAction := action
	if a.EvictionRequested && a.EvictionAction == EvictionShutdown {
		finalAction = EvictionShutdown
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE agents SET eviction_requested = 1, eviction_reason = ?, eviction_action = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?`, reason, string(finalAction), time.Now(), agentID, tenantID)
	return err
}

func (s *SQLiteStore) PopEviction(ctx context.Context, tenantID, agentID string) (string, EvictionAction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.getAgentLocked(ctx, tenantID, agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	if !a.EvictionRequested {
		return "", "", false, nil
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE agents SET eviction_requested = 0, eviction_reason = '', eviction_action = '' WHERE id = ? AND tenant_id = ?`,
		agentID, tenantID)
	if err != nil {
		return "", "", false, err
	}
	return a.EvictionReason, a.EvictionAction, true, nil
}

func (s *SQLiteStore) DeleteStaleAgents(ctx context.Context, tenantID string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM agents
		WHERE tenant_id = ? AND last_seen < ? AND waiting_since IS NULL AND eviction_requested = 0
		AND id NOT IN (SELECT DISTINCT assigned_to FROM tasks WHERE assigned_to IS NOT NULL AND tenant_id = ?)
		AND id NOT IN (SELECT DISTINCT reservation_agent_id FROM tasks WHERE reservation_agent_id IS NOT NULL AND tenant_id = ?)
	`, tenantID, cutoff, tenantID, tenantID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Task operations ---

func (s *SQLiteStore) InsertTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	capsJSON, err := toJSON(t.To.RequiredCapabilities)
	if err != nil {
		return err
	}
	depsJSON, err := toJSON(t.Dependencies)
	if err != nil {
		return err
	}
	ctxJSON, err := toJSON(t.Context)
	if err != nil {
		return err
	}
	imgJSON, err := toJSON(t.Images)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, tenant_id, title, prompt, from_kind, from_id, to_agent_id, to_capabilities, to_workspace_id,
			priority, status, source, dependencies, assigned_to, context, images, retry_count, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.TenantID, t.Title, t.Prompt, t.From.Kind, t.From.ID, t.To.AgentID, capsJSON, t.To.WorkspaceID,
		string(t.Priority), string(t.Status), t.Source, depsJSON, t.AssignedTo, ctxJSON, imgJSON, t.RetryCount, t.CreatedAt, t.LastActivityAt)
	if err != nil {
		return err
	}
	for _, h := range t.History {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO task_history (task_id, timestamp, status, agent_id, message) VALUES (?, ?, ?, ?, ?)`,
			t.ID, h.Timestamp, string(h.Status), h.AgentID, h.Message); err != nil {
			return err
		}
	}
	return nil
}

func scanTask(row scannable) (*Task, error) {
	var t Task
	var title, fromKind, fromID, toAgentID, toCapsJSON, toWorkspaceID sql.NullString
	var source, depsJSON, assignedTo sql.NullString
	var reservationAgentID sql.NullString
	var reservationSentAt sql.NullTime
	var responseJSON, contextJSON, imagesJSON sql.NullString
	var completedAt sql.NullTime

	if err := row.Scan(&t.ID, &t.TenantID, &title, &t.Prompt, &fromKind, &fromID, &toAgentID, &toCapsJSON, &toWorkspaceID,
		&t.Priority, &t.Status, &source, &depsJSON, &assignedTo, &reservationAgentID, &reservationSentAt,
		&responseJSON, &contextJSON, &imagesJSON, &t.RetryCount, &t.CreatedAt, &completedAt, &t.LastActivityAt); err != nil {
		return nil, err
	}
	t.Title = title.String
	t.From = Source{Kind: fromKind.String, ID: fromID.String}
	t.To.AgentID = toAgentID.String
	t.To.WorkspaceID = toWorkspaceID.String
	if err := fromJSON(toCapsJSON, &t.To.RequiredCapabilities); err != nil {
		return nil, err
	}
	t.Source = source.String
	if err := fromJSON(depsJSON, &t.Dependencies); err != nil {
		return nil, err
	}
	t.AssignedTo = assignedTo.String
	if reservationAgentID.Valid && reservationAgentID.String != "" {
		t.Reservation = &Reservation{AgentID: reservationAgentID.String, SentAt: reservationSentAt.Time}
	}
	if responseJSON.Valid {
		var r Response
		if err := fromJSON(responseJSON, &r); err != nil {
			return nil, err
		}
		t.Response = &r
	}
	if err := fromJSON(contextJSON, &t.Context); err != nil {
		return nil, err
	}
	if err := fromJSON(imagesJSON, &t.Images); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		ca := completedAt.Time
		t.CompletedAt = &ca
	}
	return &t, nil
}

const taskSelectColumns = `id, tenant_id, title, prompt, from_kind, from_id, to_agent_id, to_capabilities, to_workspace_id,
	priority, status, source, dependencies, assigned_to, reservation_agent_id, reservation_sent_at,
	response, context, images, retry_count, created_at, completed_at, last_activity_at`

func (s *SQLiteStore) GetTask(ctx context.Context, tenantID, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+taskSelectColumns+` FROM tasks WHERE id = ? AND tenant_id = ?`, taskID, tenantID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.History, err = s.getHistoryLocked(ctx, taskID)
	return t, err
}

func (s *SQLiteStore) GetTaskByID(ctx context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+taskSelectColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.History, err = s.getHistoryLocked(ctx, taskID)
	return t, err
}

func (s *SQLiteStore) ListByStatuses(ctx context.Context, tenantID string, statuses ...Status) ([]*Task, error) {
	return s.listByStatuses(ctx, &tenantID, statuses...)
}

func (s *SQLiteStore) ListAllByStatuses(ctx context.Context, statuses ...Status) ([]*Task, error) {
	return s.listByStatuses(ctx, nil, statuses...)
}

func (s *SQLiteStore) listByStatuses(ctx context.Context, tenantID *string, statuses ...Status) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := ""
	args := []interface{}{}
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	query := `SELECT ` + taskSelectColumns + ` FROM tasks WHERE status IN (` + placeholders + `)`
	if tenantID != nil {
		query += ` AND tenant_id = ?`
		args = append(args, *tenantID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetByAssigned(ctx context.Context, tenantID, agentID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskSelectColumns+` FROM tasks WHERE tenant_id = ? AND assigned_to = ?`, tenantID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) getHistoryLocked(ctx context.Context, taskID string) ([]TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT timestamp, status, agent_id, message FROM task_history WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TransitionRecord
	for rows.Next() {
		var r TransitionRecord
		var agentID, message sql.NullString
		if err := rows.Scan(&r.Timestamp, &r.Status, &agentID, &message); err != nil {
			return nil, err
		}
		r.AgentID = agentID.String
		r.Message = message.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetHistory(ctx context.Context, taskID string) ([]TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getHistoryLocked(ctx, taskID)
}

// UpdateStatus loads the task (without its History), lets mutate apply
// in-memory changes (including t.Status itself), inserts every history record
// mutate appended to t.History, and writes the whole row back inside a single
// transaction — this is the one
// choke point through which every task-state transition flows, which is what
// makes invariant 4 ("at most one agent reserved at any instant") hold under
// concurrent callers.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, taskID string, mutate func(t *Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskSelectColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if err := mutate(t); err != nil {
		return err
	}

	capsJSON, err := toJSON(t.To.RequiredCapabilities)
	if err != nil {
		return err
	}
	depsJSON, err := toJSON(t.Dependencies)
	if err != nil {
		return err
	}
	responseJSON, err := toJSON(t.Response)
	if err != nil {
		return err
	}
	ctxJSON, err := toJSON(t.Context)
	if err != nil {
		return err
	}
	imgJSON, err := toJSON(t.Images)
	if err != nil {
		return err
	}

	var reservationAgentID interface{}
	var reservationSentAt interface{}
	if t.Reservation != nil {
		reservationAgentID = t.Reservation.AgentID
		reservationSentAt = t.Reservation.SentAt
	}
	var completedAt interface{}
	if t.CompletedAt != nil {
		completedAt = *t.CompletedAt
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET title = ?, prompt = ?, to_agent_id = ?, to_capabilities = ?, to_workspace_id = ?,
			priority = ?, status = ?, dependencies = ?, assigned_to = ?, reservation_agent_id = ?, reservation_sent_at = ?,
			response = ?, context = ?, images = ?, retry_count = ?, completed_at = ?, last_activity_at = ?
		WHERE id = ?
	`, t.Title, t.Prompt, t.To.AgentID, capsJSON, t.To.WorkspaceID, string(t.Priority), string(t.Status), depsJSON,
		t.AssignedTo, reservationAgentID, reservationSentAt, responseJSON, ctxJSON, imgJSON, t.RetryCount, completedAt, t.LastActivityAt, taskID)
	if err != nil {
		return err
	}

	for _, rec := range t.History {
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_history (task_id, timestamp, status, agent_id, message) VALUES (?, ?, ?, ?, ?)`,
			taskID, rec.Timestamp, string(rec.Status), rec.AgentID, rec.Message); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// --- Task message operations ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *TaskMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_messages (id, task_id, role, content, timestamp, is_read, reply_to, message_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TaskID, string(m.Role), m.Content, m.Timestamp, boolToInt(m.IsRead), m.ReplyTo, m.MessageType)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanMessage(row scannable) (*TaskMessage, error) {
	var m TaskMessage
	var isRead int
	var replyTo, messageType sql.NullString
	if err := row.Scan(&m.ID, &m.TaskID, &m.Role, &m.Content, &m.Timestamp, &isRead, &replyTo, &messageType); err != nil {
		return nil, err
	}
	m.IsRead = isRead != 0
	m.ReplyTo = replyTo.String
	m.MessageType = messageType.String
	return &m, nil
}

func (s *SQLiteStore) GetUnread(ctx context.Context, taskID string) ([]*TaskMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, role, content, timestamp, is_read, reply_to, message_type
		FROM task_messages WHERE task_id = ? AND is_read = 0 AND role = ? ORDER BY timestamp ASC`, taskID, string(RoleUser))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TaskMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkRead(ctx context.Context, taskID string, messageIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range messageIDs {
		if _, err := s.db.ExecContext(ctx, `UPDATE task_messages SET is_read = 1 WHERE id = ? AND task_id = ?`, id, taskID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, taskID string) ([]*TaskMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, role, content, timestamp, is_read, reply_to, message_type
		FROM task_messages WHERE task_id = ? ORDER BY timestamp ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TaskMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Activity / security log ---

func (s *SQLiteStore) RecordActivity(ctx context.Context, e *ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	metaJSON, err := toJSON(e.Metadata)
	if err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO activity_log (tenant_id, timestamp, kind, metadata) VALUES (?, ?, ?, ?)`,
		e.TenantID, e.Timestamp, e.Kind, metaJSON)
	return err
}

func (s *SQLiteStore) ListActivity(ctx context.Context, tenantID string, limit int) ([]*ActivityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, timestamp, kind, metadata FROM activity_log
		WHERE tenant_id = ? ORDER BY id DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ActivityEvent
	for rows.Next() {
		var e ActivityEvent
		var metaJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Timestamp, &e.Kind, &metaJSON); err != nil {
			return nil, err
		}
		if err := fromJSON(metaJSON, &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordSecurityEvent(ctx context.Context, e *SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO security_events (tenant_id, timestamp, kind, detail) VALUES (?, ?, ?, ?)`,
		e.TenantID, e.Timestamp, e.Kind, e.Detail)
	return err
}

// --- Coordination / idempotency ---

func (s *SQLiteStore) IncrementEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO leader_epochs (resource_id, epoch) VALUES (?, 1) ON CONFLICT(resource_id) DO UPDATE SET epoch = epoch + 1`, resourceID); err != nil {
		return 0, err
	}
	var epoch int64
	if err := tx.QueryRowContext(ctx, `SELECT epoch FROM leader_epochs WHERE resource_id = ?`, resourceID).Scan(&epoch); err != nil {
		return 0, err
	}
	return epoch, tx.Commit()
}

func (s *SQLiteStore) GetEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var epoch int64
	err := s.db.QueryRowContext(ctx, `SELECT epoch FROM leader_epochs WHERE resource_id = ?`, resourceID).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return epoch, err
}

func (s *SQLiteStore) GetIdempotencyRecord(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM idempotency_keys WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if time.Now().After(expiresAt) {
		return "", false, nil
	}
	return value, true, nil
}

func (s *SQLiteStore) SetIdempotencyRecord(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, time.Now().Add(ttl))
	return err
}

var _ Store = (*SQLiteStore)(nil)
