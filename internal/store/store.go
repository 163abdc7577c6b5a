// Package store implements the Persistence Gateway: typed, transactional
// read/write access to chats, messages, registered lanes, sessions, the
// worker-run ledger, and the per-message idempotency set.
//
// Gateway is opened the same way the reference dbopen-based stores are
// opened (dbopen.Open + WithSchema), and its hot-reload seam
// (Gateway.Watch) wraps watch.Watcher. channels.Dispatcher does not use
// watch.Watcher; it runs its own PRAGMA data_version loop (channels/watcher.go).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/nanoclaw/internal/model"
	"github.com/hazyhaar/nanoclaw/watch"
)

// Gateway is the Persistence Gateway. All methods are safe for concurrent
// use — correctness relies on SQLite's own locking plus explicit
// transactions for every multi-row write.
type Gateway struct {
	db *sql.DB
}

// Open wraps an already-opened *sql.DB (via dbopen.Open(..., dbopen.WithSchema(store.Schema)))
// as a Gateway.
func Open(db *sql.DB) *Gateway {
	return &Gateway{db: db}
}

// DB exposes the underlying connection for callers that need it directly
// (e.g. wiring watch.Watcher or vtq.Q against the same database file).
func (g *Gateway) DB() *sql.DB { return g.db }

// Watch returns a watch.Watcher over the gateway's database for the lane
// registry's hot-reload (see internal/lanes.Registry). With the default
// detector (PRAGMA data_version) it reports a commit to any table from
// another connection, not only to registered_groups; opts.Detector
// replaces that detector.
func (g *Gateway) Watch(opts watch.Options) *watch.Watcher {
	return watch.New(g.db, opts)
}

// --- Messages -----------------------------------------------------------

// StoreMessage inserts msg, assigning IngestSeq via an autoincrement-style
// MAX+1 read inside the same statement's surrounding transaction is not
// needed here: ingest_seq is a global monotonic counter maintained via
// router_state so that get_new_messages can hand back a single watermark
// across all lanes.
func (g *Gateway) StoreMessage(ctx context.Context, msg model.Message) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextIngestSeq(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (chat_jid, id, sender, sender_name, content, timestamp, is_bot_message, ingest_seq)
			VALUES (?,?,?,?,?,?,?,?)
			ON CONFLICT(chat_jid, id) DO NOTHING`,
			msg.ChatJID, msg.ID, msg.Sender, msg.SenderName, msg.Content, msg.TimestampRFC, boolToInt(msg.IsBotMessage), seq)
		return err
	})
}

func nextIngestSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var cur int64
	err := tx.QueryRowContext(ctx, `SELECT value FROM router_state WHERE key = 'last_ingest_seq'`).Scan(&cur)
	if err == sql.ErrNoRows {
		cur = 0
	} else if err != nil {
		return 0, err
	}
	next := cur + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO router_state (key, value) VALUES ('last_ingest_seq', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprint(next))
	if err != nil {
		return 0, err
	}
	return next, nil
}

// GetMessagesSince returns messages for chat ordered by ingest_seq, after
// cursor, excluding the assistant's own outbound messages.
func (g *Gateway) GetMessagesSince(ctx context.Context, chatJID string, cursor int64, assistantName string) ([]model.Message, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT chat_jid, id, sender, sender_name, content, timestamp, is_bot_message, ingest_seq
		FROM messages
		WHERE chat_jid = ? AND ingest_seq > ? AND sender_name != ?
		ORDER BY ingest_seq ASC`, chatJID, cursor, assistantName)
	if err != nil {
		return nil, fmt.Errorf("store: get messages since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetNewMessages returns all messages across the given lanes newer than
// lastIngestSeq (excluding the assistant's own), plus the new maximum
// ingest_seq observed.
func (g *Gateway) GetNewMessages(ctx context.Context, lanes []model.Lane, lastIngestSeq int64, assistantName string) ([]model.Message, int64, error) {
	if len(lanes) == 0 {
		return nil, lastIngestSeq, nil
	}
	placeholders := make([]string, len(lanes))
	args := make([]any, 0, len(lanes)+2)
	for i, l := range lanes {
		placeholders[i] = "?"
		args = append(args, l.JID)
	}
	args = append(args, lastIngestSeq, assistantName)
	q := fmt.Sprintf(`
		SELECT chat_jid, id, sender, sender_name, content, timestamp, is_bot_message, ingest_seq
		FROM messages
		WHERE chat_jid IN (%s) AND ingest_seq > ? AND sender_name != ?
		ORDER BY ingest_seq ASC`, strings.Join(placeholders, ","))

	rows, err := g.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, lastIngestSeq, fmt.Errorf("store: get new messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, lastIngestSeq, err
	}
	newMax := lastIngestSeq
	for _, m := range msgs {
		if m.IngestSeq > newMax {
			newMax = m.IngestSeq
		}
	}
	return msgs, newMax, nil
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	var out []model.Message
	for rows.Next() {
		var m model.Message
		var isBot int
		if err := rows.Scan(&m.ChatJID, &m.ID, &m.Sender, &m.SenderName, &m.Content, &m.TimestampRFC, &isBot, &m.IngestSeq); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.IsBotMessage = isBot != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Router state / cursors ---------------------------------------------

// SetRouterState persists an arbitrary string value under key.
func (g *Gateway) SetRouterState(ctx context.Context, key, value string) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetRouterState reads a previously set value; ok is false if unset.
func (g *Gateway) GetRouterState(ctx context.Context, key string) (value string, ok bool, err error) {
	err = g.db.QueryRowContext(ctx, `SELECT value FROM router_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// CommittedCursorKey/InflightCursorKey build the router_state keys for a
// lane's durable and transient agent-timestamp cursors.
func CommittedCursorKey(chatJID string) string { return "committed_agent_ts:" + chatJID }
func InflightCursorKey(chatJID string) string  { return "inflight_agent_ts:" + chatJID }

// --- Registered lanes -----------------------------------------------------

// ListLanes returns every registered lane.
func (g *Gateway) ListLanes(ctx context.Context) ([]model.Lane, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT jid, folder, display_name, trigger_pattern, requires_trigger,
		       is_planner, is_worker, COALESCE(container_config, ''), updated_at
		FROM registered_groups`)
	if err != nil {
		return nil, fmt.Errorf("store: list lanes: %w", err)
	}
	defer rows.Close()

	var out []model.Lane
	for rows.Next() {
		var l model.Lane
		var requiresTrigger, isPlanner, isWorker int
		var cfg string
		if err := rows.Scan(&l.JID, &l.Folder, &l.DisplayName, &l.TriggerPattern,
			&requiresTrigger, &isPlanner, &isWorker, &cfg, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan lane: %w", err)
		}
		l.RequiresTrigger = requiresTrigger != 0
		l.IsPlanner = isPlanner != 0
		l.IsWorker = isWorker != 0
		if cfg != "" {
			l.ContainerConfig = json.RawMessage(cfg)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// RegisterLane upserts a lane row into registered_groups. The IPC watcher's
// register_group/refresh_groups handling does not call it; those envelopes
// are published to the task queue.
func (g *Gateway) RegisterLane(ctx context.Context, l model.Lane) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO registered_groups (jid, folder, display_name, trigger_pattern, requires_trigger, is_planner, is_worker, container_config, updated_at)
		VALUES (?,?,?,?,?,?,?,?,strftime('%s','now'))
		ON CONFLICT(jid) DO UPDATE SET
			folder=excluded.folder, display_name=excluded.display_name,
			trigger_pattern=excluded.trigger_pattern, requires_trigger=excluded.requires_trigger,
			is_planner=excluded.is_planner, is_worker=excluded.is_worker,
			container_config=excluded.container_config, updated_at=strftime('%s','now')`,
		l.JID, l.Folder, l.DisplayName, l.TriggerPattern, boolToInt(l.RequiresTrigger),
		boolToInt(l.IsPlanner), boolToInt(l.IsWorker), string(l.ContainerConfig))
	return err
}

// --- Sessions --------------------------------------------------------------

// GetSession returns the opaque agent-session identifier last recorded for a
// lane, so its next container run can resume instead of starting fresh.
func (g *Gateway) GetSession(ctx context.Context, groupFolder string) (sessionID string, ok bool, err error) {
	err = g.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE group_folder = ?`, groupFolder).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get session: %w", err)
	}
	return sessionID, sessionID != "", nil
}

// UpsertSession records the session identifier a lane's container most
// recently established or resumed.
func (g *Gateway) UpsertSession(ctx context.Context, groupFolder, sessionID string) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO sessions (group_folder, session_id, updated_at)
		VALUES (?, ?, strftime('%s','now'))
		ON CONFLICT(group_folder) DO UPDATE SET
			session_id = excluded.session_id, updated_at = strftime('%s','now')`,
		groupFolder, sessionID)
	return err
}

// --- Worker-run ledger ----------------------------------------------------

// InsertWorkerRunMetadata carries the fields known at intake time.
type InsertWorkerRunMetadata struct {
	DispatchRepo   string
	DispatchBranch string
	ContextIntent  model.ContextIntent
	ParentRunID    string
	DispatchSessionID string
}

// InsertWorkerRun implements the idempotent insert: new for a run_id never
// seen before; retry for a run_id whose existing row is terminally
// failed/failed_contract (resetting it to queued and clearing stale
// session/lease fields); duplicate otherwise.
func (g *Gateway) InsertWorkerRun(ctx context.Context, runID, groupFolder string, meta InsertWorkerRunMetadata) (model.InsertOutcome, error) {
	var outcome model.InsertOutcome
	err := g.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM worker_runs WHERE run_id = ?`, runID).Scan(&status)
		switch {
		case err == sql.ErrNoRows:
			now := time.Now().Unix()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO worker_runs (
					run_id, group_folder, status, phase, started_at, retry_count,
					dispatch_repo, dispatch_branch, context_intent, parent_run_id, dispatch_session_id
				) VALUES (?,?,?,?,?,0,?,?,?,?,?)`,
				runID, groupFolder, model.StatusQueued, model.PhaseQueued, now,
				meta.DispatchRepo, meta.DispatchBranch, string(meta.ContextIntent), meta.ParentRunID, meta.DispatchSessionID)
			if err != nil {
				return err
			}
			outcome = model.InsertNew
			return nil
		case err != nil:
			return err
		}

		if status == string(model.StatusFailed) || status == string(model.StatusFailedContract) {
			now := time.Now().Unix()
			_, err = tx.ExecContext(ctx, `
				UPDATE worker_runs SET
					status = ?, phase = ?, started_at = ?, completed_at = NULL,
					retry_count = retry_count + 1, error_details = NULL,
					dispatch_repo = ?, dispatch_branch = ?, context_intent = ?,
					parent_run_id = ?, dispatch_session_id = ?,
					selected_session_id = NULL, effective_session_id = NULL,
					active_container_name = NULL, no_container_since = NULL,
					session_resume_status = NULL, session_resume_error = NULL
				WHERE run_id = ?`,
				model.StatusQueued, model.PhaseQueued, now,
				meta.DispatchRepo, meta.DispatchBranch, string(meta.ContextIntent),
				meta.ParentRunID, meta.DispatchSessionID, runID)
			if err != nil {
				return err
			}
			outcome = model.InsertRetry
			return nil
		}

		outcome = model.InsertDuplicate
		return nil
	})
	return outcome, err
}

// UpdateWorkerRunLifecycle updates phase/lease/container/heartbeat fields
// on a single row, no transaction needed.
func (g *Gateway) UpdateWorkerRunLifecycle(ctx context.Context, runID string, phase model.RunPhase, activeContainer string, heartbeatAt, leaseExpiresAt int64, ownerID string) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE worker_runs SET
			phase = ?, active_container_name = ?, last_heartbeat_at = ?,
			lease_expires_at = ?, supervisor_owner = ?, no_container_since = NULL
		WHERE run_id = ?`,
		string(phase), activeContainer, heartbeatAt, leaseExpiresAt, ownerID, runID)
	return err
}

// UpdateWorkerRunStatus transitions status/phase for a non-terminal write
// (e.g. queued -> running on spawn ack).
func (g *Gateway) UpdateWorkerRunStatus(ctx context.Context, runID string, status model.RunStatus, phase model.RunPhase) error {
	_, err := g.db.ExecContext(ctx, `UPDATE worker_runs SET status = ?, phase = ? WHERE run_id = ?`,
		string(status), string(phase), runID)
	return err
}

// SetNoContainerSince records (or clears, when at=0) the watchdog's
// no-container timer.
func (g *Gateway) SetNoContainerSince(ctx context.Context, runID string, at int64) error {
	var val any
	if at != 0 {
		val = at
	}
	_, err := g.db.ExecContext(ctx, `UPDATE worker_runs SET no_container_since = ? WHERE run_id = ?`, val, runID)
	return err
}

// UpdateWorkerRunSessionSelection records which session a worker run was
// started against and how it was chosen (explicit envelope field, the
// latest reusable session for the same repo/branch, or a brand new one).
func (g *Gateway) UpdateWorkerRunSessionSelection(ctx context.Context, runID, selectedSessionID string, source model.SessionSelectionSource) error {
	_, err := g.db.ExecContext(ctx,
		`UPDATE worker_runs SET selected_session_id = ?, session_selection_source = ? WHERE run_id = ?`,
		selectedSessionID, string(source), runID)
	return err
}

// UpdateWorkerRunSessionResume records the outcome the container reported
// when it attempted to resume selected_session_id.
func (g *Gateway) UpdateWorkerRunSessionResume(ctx context.Context, runID, status, errDetail string) error {
	_, err := g.db.ExecContext(ctx,
		`UPDATE worker_runs SET session_resume_status = ?, session_resume_error = ? WHERE run_id = ?`,
		status, errDetail, runID)
	return err
}

// UpdateWorkerRunCompletion stores the final artifacts parsed from a valid
// completion contract, without yet marking the row terminal.
func (g *Gateway) UpdateWorkerRunCompletion(ctx context.Context, runID string, c model.CompletionContract, effectiveSessionID string) error {
	filesJSON, _ := json.Marshal(c.FilesChanged)
	_, err := g.db.ExecContext(ctx, `
		UPDATE worker_runs SET
			branch_name = ?, commit_sha = ?, files_changed = ?, test_summary = ?,
			risk_summary = ?, pr_url = ?, effective_session_id = ?
		WHERE run_id = ?`,
		c.Branch, c.CommitSHA, string(filesJSON), c.TestResult, c.Risk, c.PRUrl, effectiveSessionID, runID)
	return err
}

// CompleteWorkerRun atomically transitions a row to a terminal status.
func (g *Gateway) CompleteWorkerRun(ctx context.Context, runID string, terminal model.RunStatus, summary string, errorDetails string) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		_, err := tx.ExecContext(ctx, `
			UPDATE worker_runs SET
				status = ?, phase = ?, completed_at = ?, result_summary = ?, error_details = ?
			WHERE run_id = ?`,
			string(terminal), string(model.PhaseTerminal), now, summary, errorDetails, runID)
		return err
	})
}

// RecoverWorkerRunForCompletionAccept re-opens a terminal row only if its
// recorded terminal reason is in the recoverable whitelist, immediately
// before accepting a valid completion that arrived late.
var recoverableReasons = map[string]bool{
	"running_without_container":  true,
	"queued_stale_before_spawn":  true,
	"stale_worker_run_watchdog":  true,
}

func (g *Gateway) RecoverWorkerRunForCompletionAccept(ctx context.Context, runID, reason string) (bool, error) {
	var recovered bool
	err := g.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM worker_runs WHERE run_id = ?`, runID).Scan(&status); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		if !model.RunStatus(status).IsTerminal() {
			return nil
		}
		if !recoverableReasons[reason] {
			return nil
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE worker_runs SET
				status = ?, phase = ?, completed_at = NULL, recovered_from_reason = ?
			WHERE run_id = ?`, model.StatusRunning, model.PhaseFinalizing, reason, runID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		recovered = n > 0
		return nil
	})
	return recovered, err
}

// GetWorkerRun fetches a ledger row by run_id.
func (g *Gateway) GetWorkerRun(ctx context.Context, runID string) (*model.WorkerRun, error) {
	row := g.db.QueryRowContext(ctx, workerRunSelect+" WHERE run_id = ?", runID)
	return scanWorkerRun(row)
}

// FindWorkerRunByEffectiveSessionID finds the run (if any) currently owning
// a given effective session id — used to enforce the no-cross-worker-reuse
// invariant.
func (g *Gateway) FindWorkerRunByEffectiveSessionID(ctx context.Context, sessionID string) (*model.WorkerRun, error) {
	row := g.db.QueryRowContext(ctx, workerRunSelect+" WHERE effective_session_id = ? LIMIT 1", sessionID)
	return scanWorkerRun(row)
}

// GetLatestReusableWorkerSession returns the most recent run on
// (group_folder, repo, branch) with a non-empty effective_session_id, for
// context_intent=continue routing.
func (g *Gateway) GetLatestReusableWorkerSession(ctx context.Context, groupFolder, repo, branch string) (*model.WorkerRun, error) {
	row := g.db.QueryRowContext(ctx, workerRunSelect+`
		WHERE group_folder = ? AND dispatch_repo = ? AND dispatch_branch = ?
		AND effective_session_id IS NOT NULL AND effective_session_id != ''
		ORDER BY started_at DESC LIMIT 1`, groupFolder, repo, branch)
	return scanWorkerRun(row)
}

// ListRunningWorkerRuns returns every row whose phase is one of the live
// phases the watchdog must reconcile.
func (g *Gateway) ListRunningWorkerRuns(ctx context.Context) ([]model.WorkerRun, error) {
	rows, err := g.db.QueryContext(ctx, workerRunSelect+`
		WHERE phase IN (?,?,?,?,?)`,
		model.PhaseSpawning, model.PhaseActive, model.PhaseCompletionValidating,
		model.PhaseCompletionRepairPending, model.PhaseCompletionRepairActive)
	if err != nil {
		return nil, fmt.Errorf("store: list running: %w", err)
	}
	defer rows.Close()
	return scanWorkerRuns(rows)
}

// ListQueuedWorkerRuns returns every row still in phase=queued.
func (g *Gateway) ListQueuedWorkerRuns(ctx context.Context) ([]model.WorkerRun, error) {
	rows, err := g.db.QueryContext(ctx, workerRunSelect+` WHERE phase = ?`, model.PhaseQueued)
	if err != nil {
		return nil, fmt.Errorf("store: list queued: %w", err)
	}
	defer rows.Close()
	return scanWorkerRuns(rows)
}

const workerRunSelect = `
	SELECT run_id, group_folder, status, phase, started_at, completed_at, retry_count,
	       COALESCE(dispatch_repo,''), COALESCE(dispatch_branch,''), COALESCE(context_intent,''),
	       COALESCE(parent_run_id,''), COALESCE(dispatch_session_id,''), COALESCE(selected_session_id,''),
	       COALESCE(effective_session_id,''), COALESCE(session_selection_source,''),
	       COALESCE(session_resume_status,''), COALESCE(session_resume_error,''),
	       COALESCE(last_heartbeat_at,0), COALESCE(active_container_name,''), no_container_since,
	       expects_followup_container, COALESCE(supervisor_owner,''), COALESCE(lease_expires_at,0),
	       COALESCE(recovered_from_reason,''), COALESCE(result_summary,''), COALESCE(error_details,''),
	       COALESCE(branch_name,''), COALESCE(commit_sha,''), COALESCE(files_changed,''),
	       COALESCE(test_summary,''), COALESCE(risk_summary,''), COALESCE(pr_url,'')
	FROM worker_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkerRun(row rowScanner) (*model.WorkerRun, error) {
	var r model.WorkerRun
	var completedAt, noContainerSince sql.NullInt64
	var expectsFollowup int
	var filesJSON string
	err := row.Scan(
		&r.RunID, &r.GroupFolder, &r.Status, &r.Phase, &r.StartedAt, &completedAt, &r.RetryCount,
		&r.DispatchRepo, &r.DispatchBranch, &r.ContextIntent, &r.ParentRunID, &r.DispatchSessionID,
		&r.SelectedSessionID, &r.EffectiveSessionID, &r.SessionSource, &r.SessionResumeStatus,
		&r.SessionResumeError, &r.LastHeartbeatAt, &r.ActiveContainer, &noContainerSince,
		&expectsFollowup, &r.SupervisorOwner, &r.LeaseExpiresAt, &r.RecoveredFromReason,
		&r.ResultSummary, &r.ErrorDetails, &r.BranchName, &r.CommitSHA, &filesJSON,
		&r.TestSummary, &r.RiskSummary, &r.PRUrl,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan worker run: %w", err)
	}
	if completedAt.Valid {
		v := completedAt.Int64
		r.CompletedAt = &v
	}
	if noContainerSince.Valid {
		v := noContainerSince.Int64
		r.NoContainerSince = &v
	}
	r.ExpectsFollowupContainer = expectsFollowup != 0
	if filesJSON != "" {
		_ = json.Unmarshal([]byte(filesJSON), &r.FilesChanged)
	}
	return &r, nil
}

func scanWorkerRuns(rows *sql.Rows) ([]model.WorkerRun, error) {
	var out []model.WorkerRun
	for rows.Next() {
		r, err := scanWorkerRun(rows)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, rows.Err()
}

// --- Processed-message idempotency set ------------------------------------

// MarkMessagesProcessed records a batch of (chat_jid, message_id) pairs as
// consumed, in one transaction.
func (g *Gateway) MarkMessagesProcessed(ctx context.Context, chatJID string, messageIDs []string, runID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return g.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO processed_messages (chat_jid, message_id, run_id) VALUES (?,?,?)
			ON CONFLICT(chat_jid, message_id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range messageIDs {
			if _, err := stmt.ExecContext(ctx, chatJID, id, nullIfEmpty(runID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetProcessedMessageIDs returns the subset of ids already marked processed
// for chatJID.
func (g *Gateway) GetProcessedMessageIDs(ctx context.Context, chatJID string, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, chatJID)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	q := fmt.Sprintf(`SELECT message_id FROM processed_messages WHERE chat_jid = ? AND message_id IN (%s)`,
		strings.Join(placeholders, ","))
	rows, err := g.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get processed ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// --- helpers ---------------------------------------------------------------

func (g *Gateway) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
