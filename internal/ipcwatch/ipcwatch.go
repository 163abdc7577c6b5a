// Package ipcwatch implements the IPC Watcher and Authorization Gate: a
// poll-loop over a per-lane "inbox" directory tree, shaped like
// vtq.Q.Run's ticker-driven claim loop, generalized from "claim a queue
// row" to "claim a dropped file". File IO is the one correct seam for
// stdlib os — no library in the reference stack or the wider example
// pack owns "watch a directory of one-shot JSON drop files" (see
// DESIGN.md).
package ipcwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/hazyhaar/nanoclaw/audit"
	"github.com/hazyhaar/nanoclaw/internal/dispatch"
	"github.com/hazyhaar/nanoclaw/internal/model"
	"github.com/hazyhaar/nanoclaw/internal/store"
	"github.com/hazyhaar/nanoclaw/kit"
)

// Audit records dispatch-gate outcomes to the operation-level audit trail —
// satisfied by *audit.SQLiteLogger.
type Audit interface {
	LogAsync(e *audit.Entry)
}

var safeFolderShape = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// LaneResolver is the minimal lane-lookup surface the gate needs —
// satisfied by *lanes.Registry.
type LaneResolver interface {
	Get(jid string) (model.Lane, bool)
	GetByFolder(folder string) (model.Lane, bool)
	All() []model.Lane
}

// Store is the minimal storage dependency — satisfied by *store.Gateway.
type Store interface {
	StoreMessage(ctx context.Context, msg model.Message) error
	InsertWorkerRun(ctx context.Context, runID, groupFolder string, meta store.InsertWorkerRunMetadata) (model.InsertOutcome, error)
	RegisterLane(ctx context.Context, l model.Lane) error
}

// TaskQueue hands off authorized task envelopes to the out-of-scope Task
// Scheduler collaborator — satisfied by *vtq.Q.
type TaskQueue interface {
	Publish(ctx context.Context, id string, payload []byte) error
}

// Notifier delivers a guidance message back to a source lane through the
// Channel Adapter — satisfied by the orchestrator's lane-send plumbing.
type Notifier interface {
	Notify(ctx context.Context, targetJID, text string) error
}

// messageEnvelope is the on-disk shape of a messages/*.json drop file.
type messageEnvelope struct {
	TargetJID string `json:"targetJid"`
	Text      string `json:"text"`
}

// Watcher polls IPCRoot/<folder>/{messages,tasks}/*.json.
type Watcher struct {
	root     string
	lanes    LaneResolver
	store    Store
	lookup   dispatch.SessionLookup
	queue    TaskQueue
	notifier Notifier
	logger   *slog.Logger
	audit    Audit

	pollInterval time.Duration
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(w *Watcher) { w.logger = l } }

// WithAudit wires an audit trail for blocked/admitted dispatches. Without
// it, the gate's decisions are still logged through slog but not recorded
// to audit_log.
func WithAudit(a Audit) Option { return func(w *Watcher) { w.audit = a } }

// WithPollInterval overrides the default 500ms poll interval.
func WithPollInterval(d time.Duration) Option { return func(w *Watcher) { w.pollInterval = d } }

// New creates a Watcher rooted at ipcRoot (expected layout:
// ipcRoot/<lane-folder>/{messages,tasks,errors}/*.json).
func New(ipcRoot string, lanes LaneResolver, st Store, lookup dispatch.SessionLookup, queue TaskQueue, notifier Notifier, opts ...Option) *Watcher {
	w := &Watcher{
		root: ipcRoot, lanes: lanes, store: st, lookup: lookup, queue: queue, notifier: notifier,
		logger: slog.Default(), pollInterval: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run polls every pollInterval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.PollOnce(ctx)
		}
	}
}

// PollOnce scans every lane's messages/ and tasks/ directories once,
// handling and removing (or erroring) each file found.
func (w *Watcher) PollOnce(ctx context.Context) {
	for _, lane := range w.lanes.All() {
		w.pollDir(ctx, lane, "messages", w.handleMessageFile)
		w.pollDir(ctx, lane, "tasks", w.handleTaskFile)
	}
}

type fileHandler func(ctx context.Context, sourceLane model.Lane, path string, body []byte) error

func (w *Watcher) pollDir(ctx context.Context, sourceLane model.Lane, sub string, handle fileHandler) {
	dir := filepath.Join(w.root, sourceLane.Folder, sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return // lane has no inbox yet — not an error
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		body, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := handle(ctx, sourceLane, path, body); err != nil {
			w.moveToErrors(sourceLane, path, body, err)
		} else {
			_ = os.Remove(path)
		}
	}
}

func (w *Watcher) moveToErrors(sourceLane model.Lane, path string, body []byte, handleErr error) {
	errDir := filepath.Join(w.root, sourceLane.Folder, "errors")
	_ = os.MkdirAll(errDir, 0o755)
	dest := filepath.Join(errDir, sourceLane.Folder+"_"+filepath.Base(path))
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		w.logger.Error("ipcwatch: failed to archive rejected file", "path", path, "error", err)
	}
	_ = os.Remove(path)
	w.logger.Warn("ipcwatch: rejected envelope", "lane", sourceLane.Folder, "file", filepath.Base(path), "reason", handleErr)
}

// authorized applies the cross-lane dispatch authorization table.
func authorized(source model.Lane, target model.Lane) bool {
	if isMain(source) {
		return true
	}
	if source.JID == target.JID {
		return true
	}
	if source.IsPlanner && target.IsWorker {
		return true
	}
	return false
}

func isMain(l model.Lane) bool {
	return !l.RequiresTrigger && !l.IsPlanner && !l.IsWorker
}

type blockedError struct {
	reasonCode string
	reasonText string
	targetJID  string
	targetDir  string
	runID      string
	omitResend bool
}

func (e *blockedError) Error() string { return e.reasonCode + ": " + e.reasonText }

func (w *Watcher) block(ctx context.Context, source model.Lane, be *blockedError) error {
	ctx = kit.WithHandle(ctx, source.JID)
	if be.runID != "" {
		ctx = kit.WithRequestID(ctx, be.runID)
	}

	event := model.DispatchBlockEvent{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		SourceGroup: source.Folder, SourceJID: source.JID,
		TargetJID: be.targetJID, TargetFolder: be.targetDir,
		ReasonCode: be.reasonCode, ReasonText: be.reasonText, RunID: be.runID,
	}
	raw, _ := json.Marshal(event)
	w.logger.Warn("ipcwatch: dispatch blocked", "event", string(raw),
		"chat_jid", kit.GetHandle(ctx), "run_id", kit.GetRequestID(ctx))

	errDir := filepath.Join(w.root, source.Folder, "errors")
	_ = os.MkdirAll(errDir, 0o755)
	eventPath := filepath.Join(errDir, fmt.Sprintf("dispatch-block-%d.json", time.Now().UnixNano()))
	if err := os.WriteFile(eventPath, raw, 0o644); err != nil {
		w.logger.Error("ipcwatch: failed to write dispatch-block event", "lane", source.Folder, "error", err)
	}

	if w.audit != nil {
		w.audit.LogAsync(&audit.Entry{
			Action:    "dispatch." + be.reasonCode,
			RequestID: kit.GetRequestID(ctx),
			SessionID: kit.GetHandle(ctx),
			Transport: "internal",
			Status:    "error",
			Error:     be.reasonText,
		})
	}

	if w.notifier != nil && !be.omitResend {
		guidance := fmt.Sprintf("Dispatch refused (%s): %s", be.reasonCode, be.reasonText)
		if err := w.notifier.Notify(ctx, source.JID, guidance); err != nil {
			w.logger.Error("ipcwatch: failed to deliver guidance", "lane", source.Folder, "error", err)
		}
	}
	return be
}

func (w *Watcher) handleMessageFile(ctx context.Context, source model.Lane, path string, body []byte) error {
	var env messageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return w.block(ctx, source, &blockedError{
			reasonCode: model.ReasonInvalidDispatchPayload, reasonText: "malformed message envelope",
		})
	}

	target, ok := w.lanes.Get(env.TargetJID)
	if !ok || !authorized(source, target) {
		return w.block(ctx, source, &blockedError{
			reasonCode: model.ReasonUnauthorizedSourceLane, reasonText: "source lane not authorized for target",
			targetJID: env.TargetJID,
		})
	}

	if denv, ok := dispatch.ParseDispatchEnvelope(env.Text); ok {
		if err := w.authorizeAndAdmitDispatch(ctx, source, target, denv); err != nil {
			return err
		}
	}

	return w.store.StoreMessage(ctx, model.Message{
		ChatJID: target.JID, ID: newDropID(), Sender: source.Folder + "@nanoclaw",
		SenderName: source.Folder, Content: env.Text, TimestampRFC: time.Now().UTC().Format(time.RFC3339),
	})
}

// authorizeAndAdmitDispatch applies the dispatch-ownership rule and the
// insert_worker_run idempotency gate for a JSON dispatch payload found
// inside a message envelope's text.
func (w *Watcher) authorizeAndAdmitDispatch(ctx context.Context, source, target model.Lane, env *model.DispatchEnvelope) error {
	if target.IsWorker && !source.IsPlanner {
		return w.block(ctx, source, &blockedError{
			reasonCode: model.ReasonTargetAuthorizationFailed, reasonText: "only the planner may dispatch to a worker lane",
			targetJID: target.JID, targetDir: target.Folder, runID: env.RunID,
		})
	}
	if source.IsPlanner && target.IsPlanner {
		return w.block(ctx, source, &blockedError{
			reasonCode: model.ReasonTargetAuthorizationFailed, reasonText: "refusing dispatch echoed back into the planning lane",
			targetJID: target.JID, targetDir: target.Folder, runID: env.RunID,
		})
	}

	if r := dispatch.ValidateDispatchEnvelope(env); !r.Valid {
		return w.block(ctx, source, &blockedError{
			reasonCode: model.ReasonInvalidDispatchPayload, reasonText: fmt.Sprintf("invalid dispatch envelope: %v", r.Missing),
			targetJID: target.JID, targetDir: target.Folder, runID: env.RunID,
		})
	}
	if w.lookup != nil {
		if r := dispatch.ValidateSessionRouting(env, target.Folder, w.lookup); !r.Valid {
			return w.block(ctx, source, &blockedError{
				reasonCode: model.ReasonInvalidDispatchPayload, reasonText: fmt.Sprintf("session routing rejected: %v", r.Missing),
				targetJID: target.JID, targetDir: target.Folder, runID: env.RunID,
			})
		}
	}

	outcome, err := w.store.InsertWorkerRun(ctx, env.RunID, target.Folder, store.InsertWorkerRunMetadata{
		DispatchRepo: env.Repo, DispatchBranch: env.Branch, ContextIntent: env.ContextIntent,
		ParentRunID: env.ParentRunID, DispatchSessionID: env.SessionID,
	})
	if err != nil {
		return err
	}
	switch outcome {
	case model.InsertDuplicate:
		return w.block(ctx, source, &blockedError{
			reasonCode: model.ReasonDuplicateRunID, reasonText: "run_id already admitted",
			targetJID: target.JID, targetDir: target.Folder, runID: env.RunID, omitResend: true,
		})
	case model.InsertNew, model.InsertRetry:
		if w.audit != nil {
			ctx := kit.WithRequestID(kit.WithHandle(ctx, target.JID), env.RunID)
			w.audit.LogAsync(&audit.Entry{
				Action: "dispatch.admit", RequestID: kit.GetRequestID(ctx), SessionID: kit.GetHandle(ctx),
				Transport: "internal", Status: "success",
			})
		}
		return nil
	default:
		return fmt.Errorf("ipcwatch: unexpected insert_worker_run outcome %q", outcome)
	}
}

func (w *Watcher) handleTaskFile(ctx context.Context, source model.Lane, path string, body []byte) error {
	var env model.TaskEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return w.block(ctx, source, &blockedError{
			reasonCode: model.ReasonInvalidDispatchPayload, reasonText: "malformed task envelope",
		})
	}

	switch env.Type {
	case "refresh_groups", "register_group":
		if !isMain(source) {
			return w.block(ctx, source, &blockedError{
				reasonCode: model.ReasonUnauthorizedSourceLane, reasonText: env.Type + " is main-only",
			})
		}
		if env.Type == "register_group" && !safeFolderShape.MatchString(env.FolderName) {
			return w.block(ctx, source, &blockedError{
				reasonCode: model.ReasonInvalidDispatchPayload, reasonText: "register_group folder name fails safe-path shape",
			})
		}

	case "schedule_task", "pause_task", "resume_task", "cancel_task":
		target, ok := w.lanes.Get(env.TargetJID)
		if !ok || !authorized(source, target) {
			return w.block(ctx, source, &blockedError{
				reasonCode: model.ReasonUnauthorizedSourceLane, reasonText: "source lane not authorized for target task",
				targetJID: env.TargetJID,
			})
		}
		if env.Type == "schedule_task" && target.IsWorker && source.IsPlanner {
			denv, ok := dispatch.ParseDispatchEnvelope(env.Prompt)
			if !ok {
				return w.block(ctx, source, &blockedError{
					reasonCode: model.ReasonInvalidDispatchPayload, reasonText: "schedule_task prompt is not a dispatch envelope",
					targetJID: target.JID, targetDir: target.Folder,
				})
			}
			if err := w.authorizeAndAdmitDispatch(ctx, source, target, denv); err != nil {
				return err
			}
		}

	default:
		return w.block(ctx, source, &blockedError{
			reasonCode: model.ReasonInvalidDispatchPayload, reasonText: "unknown task type " + env.Type,
		})
	}

	payload, _ := json.Marshal(env)
	return w.queue.Publish(ctx, newDropID(), payload)
}

var dropSeq int64

func newDropID() string {
	dropSeq++
	return fmt.Sprintf("ipc-%d-%d", time.Now().UnixNano(), dropSeq)
}
