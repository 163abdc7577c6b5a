// Package orchestrator implements the Message Loop: the single
// cooperative poll loop that pulls new messages across every lane,
// routes them to a fast (pipe) or cold (fresh container) path, and
// drives the Worker-Run Supervisor's ledger through a dispatch's full
// lifecycle. Shaped like channels.Dispatcher.Watch's poll-tick loop,
// generalized from "reconcile the channels table" to "reconcile
// messages, lanes, and worker runs every tick".
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/nanoclaw/audit"
	"github.com/hazyhaar/nanoclaw/internal/container"
	"github.com/hazyhaar/nanoclaw/internal/dispatch"
	"github.com/hazyhaar/nanoclaw/internal/groupqueue"
	"github.com/hazyhaar/nanoclaw/internal/lanes"
	"github.com/hazyhaar/nanoclaw/internal/model"
	"github.com/hazyhaar/nanoclaw/internal/store"
	"github.com/hazyhaar/nanoclaw/internal/supervisor"
	"github.com/hazyhaar/nanoclaw/kit"
)

// Audit records dispatch-gate outcomes to the operation-level audit trail —
// satisfied by *audit.SQLiteLogger.
type Audit interface {
	LogAsync(e *audit.Entry)
}

// Sender delivers text to a lane through the Channel Adapter — satisfied
// by channels.Dispatcher's routing or a thin wrapper around it.
type Sender interface {
	Send(ctx context.Context, jid, text string) error
}

// Runner spawns a container for one dispatch — satisfied by a thin
// wrapper around container.Driver.Spawn; kept as its own seam so tests
// can drive ContainerOutput streams without a real subprocess.
type Runner interface {
	Spawn(ctx context.Context, req SpawnRequest) (*container.Process, error)
}

// SpawnRequest is everything a Runner needs to start one container run.
type SpawnRequest struct {
	GroupFolder   string
	ChatJID       string
	Prompt        string
	SessionID     string
	RunID         string
	ContainerName string
}

// Config bundles the loop's timing knobs.
type Config struct {
	PollInterval     time.Duration
	IdleTimeout      time.Duration
	AssistantName    string
	DefaultImage     string
	GreetingReplies  map[string]string
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.AssistantName == "" {
		c.AssistantName = "nanoclaw"
	}
	if c.GreetingReplies == nil {
		c.GreetingReplies = defaultGreetings
	}
}

var defaultGreetings = map[string]string{
	"hi": "Hey! What can I help with?", "hello": "Hello! What can I help with?",
	"hey": "Hey there!", "yo": "Yo!", "hola": "¡Hola!", "sup": "Not much, what's up?",
}

var internalBlock = regexp.MustCompile(`(?is)<internal>.*?</internal>`)

// Loop is the Message Loop / Orchestrator.
type Loop struct {
	store   *store.Gateway
	lanes   *lanes.Registry
	queue   *groupqueue.Queue
	super   *supervisor.Supervisor
	runner  Runner
	sender  Sender
	cfg     Config
	logger  *slog.Logger
	audit   Audit

	mu                 sync.Mutex
	lastIngestSeq      int64
	lastAgentTimestamp map[string]int64 // chat_jid -> unix seconds of last agent-visible message
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(lp *Loop) { lp.logger = l } }

// WithAudit wires an audit trail for dispatch-gate rejections. Without it,
// rejections are still logged through slog but not recorded to audit_log.
func WithAudit(a Audit) Option { return func(lp *Loop) { lp.audit = a } }

func (lp *Loop) logAudit(ctx context.Context, action string, err error) {
	if lp.audit == nil {
		return
	}
	status := "success"
	errText := ""
	if err != nil {
		status, errText = "error", err.Error()
	}
	lp.audit.LogAsync(&audit.Entry{
		Action:    action,
		RequestID: kit.GetRequestID(ctx),
		SessionID: kit.GetHandle(ctx),
		Transport: "internal",
		Status:    status,
		Error:     errText,
	})
}

// New creates a Loop and wires the Group Queue's process callback.
func New(gw *store.Gateway, reg *lanes.Registry, q *groupqueue.Queue, sup *supervisor.Supervisor, runner Runner, sender Sender, cfg Config, opts ...Option) *Loop {
	cfg.defaults()
	lp := &Loop{
		store: gw, lanes: reg, queue: q, super: sup, runner: runner, sender: sender, cfg: cfg,
		logger: slog.Default(), lastAgentTimestamp: make(map[string]int64),
	}
	for _, o := range opts {
		o(lp)
	}
	q.SetProcessMessagesFn(func(ctx context.Context, chatJID string) { lp.processGroupMessages(ctx, chatJID) })
	return lp
}

const orchestratorCursorKey = "orchestrator_last_ingest_seq"

// Run blocks, polling at cfg.PollInterval until ctx is cancelled.
func (lp *Loop) Run(ctx context.Context) {
	if v, ok, err := lp.store.GetRouterState(ctx, orchestratorCursorKey); err == nil && ok {
		fmt.Sscanf(v, "%d", &lp.lastIngestSeq)
	}
	ticker := time.NewTicker(lp.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lp.RunOnce(ctx); err != nil {
				lp.logger.Error("orchestrator: tick failed", "error", err)
			}
		}
	}
}

// RunOnce runs one iteration of the message loop: reconcile, pull new
// messages, advance the cursor, and route each lane's batch to the fast
// (pipe) or cold (enqueue) path.
func (lp *Loop) RunOnce(ctx context.Context) error {
	if lp.super != nil {
		if err := lp.super.Reconcile(ctx, lp.lastAgentTimestampFn); err != nil {
			lp.logger.Warn("orchestrator: reconcile failed", "error", err)
		}
	}

	activeLanes := lp.lanes.All()
	msgs, newSeq, err := lp.store.GetNewMessages(ctx, activeLanes, lp.lastIngestSeq, lp.cfg.AssistantName)
	if err != nil {
		return fmt.Errorf("orchestrator: get new messages: %w", err)
	}
	lp.lastIngestSeq = newSeq
	_ = lp.store.SetRouterState(ctx, orchestratorCursorKey, fmt.Sprint(newSeq))

	byLane := make(map[string][]model.Message)
	for _, m := range msgs {
		byLane[m.ChatJID] = append(byLane[m.ChatJID], m)
	}

	for chatJID, batch := range byLane {
		lane, ok := lp.lanes.Get(chatJID)
		if !ok {
			continue
		}
		lp.recordAgentTimestamp(chatJID, batch)

		if lane.RequiresTrigger && !batchHasTrigger(batch, lp.cfg.AssistantName) {
			continue
		}

		if !lane.IsWorker && lp.queue.HasLiveContainer(chatJID) {
			text := formatBatch(batch)
			if lp.queue.SendMessage(ctx, chatJID, text) {
				lp.setInflightCursor(ctx, chatJID, batch)
				continue
			}
		}

		lp.queue.EnqueueMessageCheck(ctx, chatJID)
	}
	return nil
}

func (lp *Loop) recordAgentTimestamp(chatJID string, batch []model.Message) {
	if len(batch) == 0 {
		return
	}
	last := batch[len(batch)-1]
	ts, err := time.Parse(time.RFC3339, last.TimestampRFC)
	if err != nil {
		return
	}
	lp.mu.Lock()
	lp.lastAgentTimestamp[chatJID] = ts.Unix()
	lp.mu.Unlock()
}

func (lp *Loop) lastAgentTimestampFn(groupFolder string) (int64, bool) {
	lane, ok := lp.lanes.GetByFolder(groupFolder)
	if !ok {
		return 0, false
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	ts, ok := lp.lastAgentTimestamp[lane.JID]
	return ts, ok
}

func batchHasTrigger(batch []model.Message, assistantName string) bool {
	prefix := "@" + assistantName
	for _, m := range batch {
		if strings.HasPrefix(strings.TrimSpace(m.Content), prefix) {
			return true
		}
	}
	return false
}

func formatBatch(batch []model.Message) string {
	var b strings.Builder
	for i, m := range batch {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.SenderName)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

func (lp *Loop) setInflightCursor(ctx context.Context, chatJID string, batch []model.Message) {
	if len(batch) == 0 {
		return
	}
	last := batch[len(batch)-1]
	_ = lp.store.SetRouterState(ctx, store.InflightCursorKey(chatJID), fmt.Sprint(last.IngestSeq))
}

func (lp *Loop) committedCursor(ctx context.Context, chatJID string) int64 {
	return lp.cursorValue(ctx, store.CommittedCursorKey(chatJID))
}

func (lp *Loop) inflightCursor(ctx context.Context, chatJID string) int64 {
	return lp.cursorValue(ctx, store.InflightCursorKey(chatJID))
}

func (lp *Loop) cursorValue(ctx context.Context, key string) int64 {
	v, ok, err := lp.store.GetRouterState(ctx, key)
	if err != nil || !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(v, "%d", &n)
	return n
}

func (lp *Loop) commitCursor(ctx context.Context, chatJID string, seq int64) {
	_ = lp.store.SetRouterState(ctx, store.CommittedCursorKey(chatJID), fmt.Sprint(seq))
	_ = lp.store.SetRouterState(ctx, store.InflightCursorKey(chatJID), fmt.Sprint(seq))
}

func (lp *Loop) clearInflightCursor(ctx context.Context, chatJID string) {
	committed := lp.committedCursor(ctx, chatJID)
	_ = lp.store.SetRouterState(ctx, store.InflightCursorKey(chatJID), fmt.Sprint(committed))
}

// processGroupMessages is the group queue's per-lane cold path.
func (lp *Loop) processGroupMessages(ctx context.Context, chatJID string) {
	ctx = kit.WithHandle(ctx, chatJID)

	lane, ok := lp.lanes.Get(chatJID)
	if !ok {
		return
	}

	effective := lp.committedCursor(ctx, chatJID)
	if inflight := lp.inflightCursor(ctx, chatJID); inflight > effective {
		effective = inflight
	}

	pending, err := lp.store.GetMessagesSince(ctx, chatJID, effective, lp.cfg.AssistantName)
	if err != nil {
		lp.logger.Error("orchestrator: get messages since failed", "chat_jid", kit.GetHandle(ctx), "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	ids := make([]string, len(pending))
	for i, m := range pending {
		ids[i] = m.ID
	}
	processed, err := lp.store.GetProcessedMessageIDs(ctx, chatJID, ids)
	if err != nil {
		lp.logger.Error("orchestrator: get processed ids failed", "chat_jid", kit.GetHandle(ctx), "error", err)
		return
	}
	var remaining []model.Message
	for _, m := range pending {
		if !processed[m.ID] {
			remaining = append(remaining, m)
		}
	}
	if len(remaining) == 0 {
		lp.commitCursor(ctx, chatJID, pending[len(pending)-1].IngestSeq)
		return
	}

	if lane.IsPlanner && len(remaining) == 1 && !looksLikeDispatch(remaining[0].Content) {
		if reply, ok := greetingReply(remaining[0].Content, lp.cfg.GreetingReplies); ok {
			_ = lp.sender.Send(ctx, chatJID, reply)
			lp.markProcessedAndCommit(ctx, chatJID, remaining)
			return
		}
	}

	if lane.IsWorker {
		lp.processWorkerDispatch(ctx, lane, chatJID, remaining)
		return
	}

	lp.runPlainConversation(ctx, lane, chatJID, remaining)
}

func looksLikeDispatch(content string) bool {
	_, ok := dispatch.ParseDispatchEnvelope(content)
	return ok
}

func greetingReply(content string, replies map[string]string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(content))
	reply, ok := replies[key]
	return reply, ok
}

func (lp *Loop) markProcessedAndCommit(ctx context.Context, chatJID string, batch []model.Message) {
	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	_ = lp.store.MarkMessagesProcessed(ctx, chatJID, ids, "")
	lp.commitCursor(ctx, chatJID, batch[len(batch)-1].IngestSeq)
}

// sessionLookupAdapter satisfies dispatch.SessionLookup over the ledger.
type sessionLookupAdapter struct {
	gw *store.Gateway
}

func (a sessionLookupAdapter) OwnerGroupFolder(sessionID string) (string, bool, error) {
	r, err := a.gw.FindWorkerRunByEffectiveSessionID(context.Background(), sessionID)
	if err != nil || r == nil {
		return "", false, err
	}
	return r.GroupFolder, true, nil
}

func (a sessionLookupAdapter) LatestReusableSession(groupFolder, repo, branch string) (string, bool, error) {
	r, err := a.gw.GetLatestReusableWorkerSession(context.Background(), groupFolder, repo, branch)
	if err != nil || r == nil {
		return "", false, err
	}
	return r.EffectiveSessionID, true, nil
}

// processWorkerDispatch handles a worker lane's pending batch: it looks for
// a dispatch envelope among the messages and drives the worker run through
// insertion, session routing, and agent execution. The cursor is still
// committed against the full batch, not just the envelope message, so any
// sibling message sorting after it is never stranded.
func (lp *Loop) processWorkerDispatch(ctx context.Context, lane model.Lane, chatJID string, remaining []model.Message) {
	var env *model.DispatchEnvelope
	for i := range remaining {
		if e, ok := dispatch.ParseDispatchEnvelope(remaining[i].Content); ok {
			env = e
			break
		}
	}
	if env == nil {
		lp.markProcessedAndCommit(ctx, chatJID, remaining)
		return
	}
	ctx = kit.WithRequestID(ctx, env.RunID)

	if r := dispatch.ValidateDispatchEnvelopeLogged(ctx, lp.logger, env); !r.Valid {
		err := fmt.Errorf("invalid dispatch envelope: missing %v", r.Missing)
		lp.logAudit(ctx, "dispatch.validate", err)
		lp.markProcessedAndCommit(ctx, chatJID, remaining)
		return
	}

	outcome, err := lp.store.InsertWorkerRun(ctx, env.RunID, lane.Folder, store.InsertWorkerRunMetadata{
		DispatchRepo: env.Repo, DispatchBranch: env.Branch, ContextIntent: env.ContextIntent,
		ParentRunID: env.ParentRunID, DispatchSessionID: env.SessionID,
	})
	if err != nil {
		lp.logger.Error("orchestrator: insert_worker_run failed", "run_id", kit.GetRequestID(ctx), "error", err)
		return
	}
	if outcome == model.InsertDuplicate {
		// The whole pending batch is committed here, not just the envelope:
		// committing only the envelope's IngestSeq would strand any sibling
		// message that sorts after it, since the cursor never advances past
		// it and the same envelope (now a duplicate insert every tick) would
		// be reparsed forever.
		lp.markProcessedAndCommit(ctx, chatJID, remaining)
		return
	}
	lp.logAudit(ctx, "dispatch.admit", nil)

	routing := dispatch.ValidateSessionRouting(env, lane.Folder, sessionLookupAdapter{gw: lp.store})
	sessionOverride := env.SessionID
	sessionSource := model.SessionExplicit
	if !routing.Valid {
		if env.ContextIntent == model.IntentContinue {
			_ = lp.store.CompleteWorkerRun(ctx, env.RunID, model.StatusFailedContract, "", `{"reason":"missing_reusable_session"}`)
			lp.markProcessedAndCommit(ctx, chatJID, remaining)
			return
		}
	} else if sessionOverride == "" && env.ContextIntent == model.IntentContinue {
		if sid, found, _ := sessionLookupAdapter{gw: lp.store}.LatestReusableSession(lane.Folder, env.Repo, env.Branch); found {
			sessionOverride = sid
			sessionSource = model.SessionAutoRepoBranch
		}
	}
	if sessionOverride == "" {
		sessionSource = model.SessionNew
	}
	_ = lp.store.UpdateWorkerRunSessionSelection(ctx, env.RunID, sessionOverride, sessionSource)

	lp.setInflightCursor(ctx, chatJID, remaining)
	prompt := buildDispatchPrompt(env)
	lp.runAgent(ctx, lane, chatJID, prompt, sessionOverride, env.RunID, remaining, env)
}

func buildDispatchPrompt(env *model.DispatchEnvelope) string {
	return fmt.Sprintf("run_id=%s task_type=%s repo=%s branch=%s\n%s",
		env.RunID, env.TaskType, env.Repo, env.Branch, env.Input)
}

// runPlainConversation handles main/planner non-dispatch batches: no
// ledger row, no completion contract, streamed output goes straight to
// the sender.
func (lp *Loop) runPlainConversation(ctx context.Context, lane model.Lane, chatJID string, batch []model.Message) {
	lp.setInflightCursor(ctx, chatJID, batch)
	prompt := formatBatch(batch)
	sessionID, _, _ := lp.store.GetSession(ctx, lane.Folder)
	lp.runAgent(ctx, lane, chatJID, prompt, sessionID, "", batch, nil)
}

// runAgent spawns a container, streams its output, and (for worker runs)
// drives completion validation and ledger finalization. env is nil for
// non-dispatch (plain conversation) runs.
func (lp *Loop) runAgent(ctx context.Context, lane model.Lane, chatJID, prompt, sessionID, runID string, batch []model.Message, env *model.DispatchEnvelope) {
	isWorker := runID != ""
	containerName := fmt.Sprintf("nanoclaw-%s-%d", lane.Folder, time.Now().UnixNano())

	proc, err := lp.runner.Spawn(ctx, SpawnRequest{
		GroupFolder: lane.Folder, ChatJID: chatJID, Prompt: prompt,
		SessionID: sessionID, RunID: runID, ContainerName: containerName,
	})
	if err != nil {
		if isWorker {
			_ = lp.store.CompleteWorkerRun(ctx, runID, model.StatusFailed, "", fmt.Sprintf(`{"reason":"container_spawn_failed_before_running","detail":%q}`, err.Error()))
		}
		lp.clearInflightCursor(ctx, chatJID)
		return
	}
	lp.queue.RegisterProcess(chatJID, proc, lane.Folder, lane.IsWorker)

	if isWorker {
		_ = lp.store.UpdateWorkerRunStatus(ctx, runID, model.StatusRunning, model.PhaseSpawning)
	}

	delivered, endedCleanly, buf, session := lp.streamOutput(ctx, lane, chatJID, runID, proc)
	lp.queue.NotifyIdle(chatJID)

	if session.newSessionID != "" {
		_ = lp.store.UpsertSession(ctx, lane.Folder, session.newSessionID)
	}
	if isWorker && (session.resumeStatus != "" || session.resumeError != "") {
		_ = lp.store.UpdateWorkerRunSessionResume(ctx, runID, session.resumeStatus, session.resumeError)
	}

	if !isWorker {
		if delivered {
			lp.markProcessedAndCommit(ctx, chatJID, batch)
		} else {
			lp.clearInflightCursor(ctx, chatJID)
		}
		return
	}

	completion, valid := lp.validateOrRepair(ctx, lane, chatJID, runID, sessionID, buf, endedCleanly, env)
	if valid {
		_, _ = lp.store.RecoverWorkerRunForCompletionAccept(ctx, runID, "")
		effectiveSession := completion.SessionID
		if effectiveSession == "" {
			effectiveSession = session.newSessionID
		}
		if effectiveSession == "" {
			effectiveSession = sessionID
		}
		_ = lp.store.UpdateWorkerRunCompletion(ctx, runID, *completion, effectiveSession)
		_ = lp.store.UpdateWorkerRunStatus(ctx, runID, model.StatusReviewRequested, model.PhaseTerminal)
		lp.markProcessedAndCommit(ctx, chatJID, batch)
		return
	}

	_ = lp.store.CompleteWorkerRun(ctx, runID, model.StatusFailedContract, "", fmt.Sprintf(`{"reason":"completion_contract_invalid","excerpt":%q}`, excerpt(buf, 500)))
	if delivered {
		lp.markProcessedAndCommit(ctx, chatJID, batch)
	} else {
		lp.clearInflightCursor(ctx, chatJID)
	}
}

// sessionSignal carries the Session entity fields a container may report
// alongside its output: the session id it started or resumed, and whether
// resuming the previously selected session succeeded.
type sessionSignal struct {
	newSessionID string
	resumeStatus string
	resumeError  string
}

// streamOutput consumes proc.Output until it closes or ctx is cancelled
// (which kills the process), forwarding sanitized results to the sender and
// recording heartbeats for worker runs. When the idle timeout elapses with
// no output, it closes the process's stdin and keeps reading.
func (lp *Loop) streamOutput(ctx context.Context, lane model.Lane, chatJID, runID string, proc *container.Process) (delivered, endedCleanly bool, buffer string, session sessionSignal) {
	idle := time.NewTimer(lp.cfg.IdleTimeout)
	defer idle.Stop()

	var buf strings.Builder
	for {
		select {
		case ev, ok := <-proc.Output:
			if !ok {
				return delivered, endedCleanly, buf.String(), session
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(lp.cfg.IdleTimeout)

			if ev.NewSessionID != "" {
				session.newSessionID = ev.NewSessionID
			}
			if ev.SessionResumeStatus != "" {
				session.resumeStatus = ev.SessionResumeStatus
			}
			if ev.SessionResumeError != "" {
				session.resumeError = ev.SessionResumeError
			}

			switch ev.Status {
			case "streaming":
				if ev.Result != "" {
					buf.WriteString(ev.Result)
					buf.WriteString("\n")
					text := sanitizeOutput(ev.Result, lane.IsPlanner)
					if text != "" {
						if err := lp.sender.Send(ctx, chatJID, text); err == nil {
							delivered = true
						}
					}
				}
				if runID != "" && lp.super != nil {
					lp.super.RecordHeartbeat(ctx, runID, model.PhaseActive, proc.ContainerName)
				}
			case "success":
				endedCleanly = true
			case "error":
				endedCleanly = false
			}
		case <-idle.C:
			_ = proc.Stdin.Close()
		case <-ctx.Done():
			_ = proc.Kill()
			return delivered, endedCleanly, buf.String(), session
		}
	}
}

func sanitizeOutput(result string, isPlanner bool) string {
	text := internalBlock.ReplaceAllString(result, "")
	text = strings.TrimSpace(text)
	if isPlanner {
		if env, ok := dispatch.ParseDispatchEnvelope(text); ok {
			return fmt.Sprintf("Dispatched %s to %s.", env.RunID, env.Branch)
		}
	}
	return text
}

// validateOrRepair parses the completion contract, attempting one repair
// run if the first parse is invalid and the container ended cleanly.
func (lp *Loop) validateOrRepair(ctx context.Context, lane model.Lane, chatJID, runID, sessionID, buf string, endedCleanly bool, env *model.DispatchEnvelope) (*model.CompletionContract, bool) {
	in := dispatch.CompletionValidationInput{ExpectedRunID: runID}
	if env != nil {
		in.ExpectedBranch = env.Branch
		in.ExpectedSessionID = sessionID
		in.RequiredFields = env.OutputContract.RequiredFields
		in.BrowserEvidenceRequired = env.OutputContract.BrowserEvidenceRequired
		in.AllowNoCodeChanges = env.OutputContract.AllowNoCodeChanges
	}
	if c, ok := dispatch.ParseCompletionContract(buf); ok {
		if r := dispatch.ValidateCompletionContract(c, in); r.Valid {
			return c, true
		}
	}
	if !endedCleanly {
		return nil, false
	}

	_ = lp.store.UpdateWorkerRunStatus(ctx, runID, model.StatusRunning, model.PhaseCompletionRepairPending)
	repairPrompt := fmt.Sprintf("Your previous completion was invalid or missing required fields. Re-emit a valid <completion> block. Previous output excerpt:\n%s", excerpt(buf, 1000))
	containerName := fmt.Sprintf("nanoclaw-%s-repair-%d", lane.Folder, time.Now().UnixNano())

	proc, err := lp.runner.Spawn(ctx, SpawnRequest{
		GroupFolder: lane.Folder, ChatJID: chatJID, Prompt: repairPrompt,
		SessionID: sessionID, RunID: runID, ContainerName: containerName,
	})
	if err != nil {
		return nil, false
	}
	_ = lp.store.UpdateWorkerRunStatus(ctx, runID, model.StatusRunning, model.PhaseCompletionRepairActive)
	_, _, repairBuf, repairSession := lp.streamOutput(ctx, lane, chatJID, runID, proc)
	if repairSession.newSessionID != "" {
		_ = lp.store.UpsertSession(ctx, lane.Folder, repairSession.newSessionID)
	}
	if repairSession.resumeStatus != "" || repairSession.resumeError != "" {
		_ = lp.store.UpdateWorkerRunSessionResume(ctx, runID, repairSession.resumeStatus, repairSession.resumeError)
	}

	if c, ok := dispatch.ParseCompletionContract(repairBuf); ok {
		if r := dispatch.ValidateCompletionContract(c, in); r.Valid {
			return c, true
		}
	}
	return nil, false
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
