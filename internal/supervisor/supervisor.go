// Package supervisor implements the worker-run supervisor: the state
// machine and watchdog for every run_id. Reconcile runs on a ticker +
// ctx.Done() loop that scans live worker-run rows for staleness.
package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/nanoclaw/internal/model"
	"github.com/hazyhaar/nanoclaw/kit"
)

// Store is the minimal storage dependency Supervisor needs.
type Store interface {
	ListRunningWorkerRuns(ctx context.Context) ([]model.WorkerRun, error)
	ListQueuedWorkerRuns(ctx context.Context) ([]model.WorkerRun, error)
	UpdateWorkerRunLifecycle(ctx context.Context, runID string, phase model.RunPhase, activeContainer string, heartbeatAt, leaseExpiresAt int64, ownerID string) error
	SetNoContainerSince(ctx context.Context, runID string, at int64) error
	CompleteWorkerRun(ctx context.Context, runID string, terminal model.RunStatus, summary string, errorDetails string) error
}

// ContainerChecker reports whether a container with the given name prefix
// is currently running — satisfied by container.Driver.
type ContainerChecker interface {
	HasRunningContainerWithPrefix(ctx context.Context, prefix string) (bool, error)
}

// EventRecorder mirrors observability.EventLogger's non-blocking
// LogEvent, kept as a minimal interface so Supervisor does not import
// observability directly.
type EventRecorder interface {
	LogEvent(ctx context.Context, event ObservedEvent)
}

// ObservedEvent is the subset of observability.BusinessEvent Supervisor
// needs to populate.
type ObservedEvent struct {
	EventType  string
	EntityType string
	EntityID   string
	Action     string
	Details    string
	Success    bool
}

// Config bundles every timing knob the watchdog pass uses.
type Config struct {
	HardTimeout               time.Duration
	NoContainerGrace          time.Duration
	QueuedCursorGrace         time.Duration
	RepairHandoffGrace        time.Duration
	LeaseTTL                  time.Duration
	ProcessStartAt            time.Time
	RestartSuppressionWindow  time.Duration
	OwnerID                   string
}

func (c *Config) defaults() {
	if c.HardTimeout <= 0 {
		c.HardTimeout = 30 * time.Minute
	}
	if c.NoContainerGrace <= 0 {
		c.NoContainerGrace = 2 * time.Minute
	}
	if c.QueuedCursorGrace <= 0 {
		c.QueuedCursorGrace = 5 * time.Minute
	}
	if c.RepairHandoffGrace <= 0 {
		c.RepairHandoffGrace = 3 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 90 * time.Second
	}
	if c.ProcessStartAt.IsZero() {
		c.ProcessStartAt = time.Now()
	}
	if c.RestartSuppressionWindow <= 0 {
		c.RestartSuppressionWindow = 60 * time.Second
	}
	if c.OwnerID == "" {
		c.OwnerID = "supervisor-default"
	}
}

// Watchdog failure reason codes.
const (
	ReasonStaleWatchdog           = "stale_worker_run_watchdog"
	ReasonQueuedStaleBeforeSpawn  = "queued_stale_before_spawn"
	ReasonRunningWithoutContainer = "running_without_container"
	ReasonActiveWithCompletedAt   = "active_status_with_completed_at"
)

// ContainerPrefix returns the expected container-name prefix for a
// group_folder.
func ContainerPrefix(groupFolder string) string { return "nanoclaw-" + groupFolder + "-" }

// Supervisor owns reconcile (the watchdog pass).
type Supervisor struct {
	store    Store
	checker  ContainerChecker
	events   EventRecorder
	cfg      Config
	logger   *slog.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// WithEventRecorder attaches an EventRecorder for transition auditing.
func WithEventRecorder(r EventRecorder) Option { return func(s *Supervisor) { s.events = r } }

// New creates a Supervisor.
func New(store Store, checker ContainerChecker, cfg Config, opts ...Option) *Supervisor {
	cfg.defaults()
	s := &Supervisor{store: store, checker: checker, cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RecordHeartbeat extends a run's lease and refreshes last_heartbeat_at —
// the contract every streamed container result triggers.
func (s *Supervisor) RecordHeartbeat(ctx context.Context, runID string, phase model.RunPhase, activeContainer string) error {
	now := time.Now()
	return s.store.UpdateWorkerRunLifecycle(ctx, runID, phase, activeContainer,
		now.Unix(), now.Add(s.cfg.LeaseTTL).Unix(), s.cfg.OwnerID)
}

// LastAgentTimestampFn looks up the last agent-activity timestamp for a
// group folder — supplied by the orchestrator, which owns the cursor maps.
type LastAgentTimestampFn func(groupFolder string) (ts int64, ok bool)

// Reconcile runs one watchdog pass over every queued and running row.
// lastAgentTS supplies the orchestrator's per-lane agent-cursor lookup for
// the queued_stale_before_spawn rule.
func (s *Supervisor) Reconcile(ctx context.Context, lastAgentTS LastAgentTimestampFn) error {
	now := time.Now()

	queued, err := s.store.ListQueuedWorkerRuns(ctx)
	if err != nil {
		return err
	}
	for _, r := range queued {
		s.reconcileQueued(ctx, r, now, lastAgentTS)
	}

	running, err := s.store.ListRunningWorkerRuns(ctx)
	if err != nil {
		return err
	}
	for _, r := range running {
		s.reconcileRunning(ctx, r, now)
	}
	return nil
}

func (s *Supervisor) reconcileQueued(ctx context.Context, r model.WorkerRun, now time.Time, lastAgentTS LastAgentTimestampFn) {
	startedAt := time.Unix(r.StartedAt, 0)

	if now.Sub(startedAt) > s.cfg.HardTimeout {
		s.fail(ctx, r.RunID, ReasonStaleWatchdog)
		return
	}

	withinSuppressionWindow := startedAt.After(s.cfg.ProcessStartAt) &&
		startedAt.Before(s.cfg.ProcessStartAt.Add(s.cfg.RestartSuppressionWindow))
	pastSuppression := now.After(s.cfg.ProcessStartAt.Add(s.cfg.RestartSuppressionWindow))

	if lastAgentTS != nil && !withinSuppressionWindow && pastSuppression {
		if ts, ok := lastAgentTS(r.GroupFolder); ok && ts >= r.StartedAt {
			s.fail(ctx, r.RunID, ReasonQueuedStaleBeforeSpawn)
		}
	}
}

func (s *Supervisor) reconcileRunning(ctx context.Context, r model.WorkerRun, now time.Time) {
	startedAt := time.Unix(r.StartedAt, 0)
	if now.Sub(startedAt) > s.cfg.HardTimeout {
		s.fail(ctx, r.RunID, ReasonStaleWatchdog)
		return
	}
	if r.Status != model.StatusRunning && r.CompletedAt != nil {
		// status consistency guard; normally unreachable given ledger
		// discipline but checked explicitly anyway.
	}
	if r.Status == model.StatusRunning && r.CompletedAt != nil {
		s.fail(ctx, r.RunID, ReasonActiveWithCompletedAt)
		return
	}

	switch r.Phase {
	case model.PhaseSpawning, model.PhaseActive, model.PhaseCompletionValidating,
		model.PhaseCompletionRepairPending, model.PhaseCompletionRepairActive:
	default:
		return
	}

	ctx = kit.WithRequestID(ctx, r.RunID)
	prefix := ContainerPrefix(r.GroupFolder)
	running, err := s.checker.HasRunningContainerWithPrefix(ctx, prefix)
	if err != nil {
		s.logger.Warn("supervisor: container check failed", "run_id", kit.GetRequestID(ctx), "error", err)
		return
	}

	if running {
		_ = s.store.SetNoContainerSince(ctx, r.RunID, 0)
		if r.Phase == model.PhaseCompletionRepairPending {
			_ = s.store.UpdateWorkerRunLifecycle(ctx, r.RunID, model.PhaseCompletionRepairActive,
				r.ActiveContainer, r.LastHeartbeatAt, r.LeaseExpiresAt, s.cfg.OwnerID)
		}
		return
	}

	grace := s.cfg.NoContainerGrace
	if r.Phase == model.PhaseCompletionRepairPending || r.Phase == model.PhaseCompletionRepairActive {
		grace = s.cfg.RepairHandoffGrace
	}

	noContainerSince := r.NoContainerSince
	if noContainerSince == nil {
		nowUnix := now.Unix()
		noContainerSince = &nowUnix
		_ = s.store.SetNoContainerSince(ctx, r.RunID, nowUnix)
		return
	}

	elapsed := now.Sub(time.Unix(*noContainerSince, 0))
	leaseExpired := r.LeaseExpiresAt > 0 && now.Unix() > r.LeaseExpiresAt
	heartbeatStale := r.LastHeartbeatAt > 0 && now.Sub(time.Unix(r.LastHeartbeatAt, 0)) > s.cfg.LeaseTTL

	if elapsed > grace && leaseExpired && heartbeatStale {
		s.fail(ctx, r.RunID, ReasonRunningWithoutContainer)
	}
}

func (s *Supervisor) fail(ctx context.Context, runID, reason string) {
	ctx = kit.WithRequestID(ctx, runID)
	details, _ := json.Marshal(map[string]string{"reason": reason})
	var terminal model.RunStatus
	if strings.Contains(reason, "contract") {
		terminal = model.StatusFailedContract
	} else {
		terminal = model.StatusFailed
	}
	if err := s.store.CompleteWorkerRun(ctx, runID, terminal, "", string(details)); err != nil {
		s.logger.Error("supervisor: watchdog fail transition failed", "run_id", kit.GetRequestID(ctx), "reason", reason, "error", err)
		return
	}
	s.logger.Warn("supervisor: watchdog terminated run", "run_id", kit.GetRequestID(ctx), "reason", reason)
	if s.events != nil {
		s.events.LogEvent(ctx, ObservedEvent{
			EventType: "worker_run_transition", EntityType: "worker_run", EntityID: runID,
			Action: "watchdog_fail", Details: string(details), Success: false,
		})
	}
}

// Run starts the periodic reconcile loop, blocking until ctx is
// cancelled. interval is typically the supervisor's own reconcile tick;
// the orchestrator additionally calls Reconcile synchronously at the top
// of every message-loop iteration.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration, lastAgentTS LastAgentTimestampFn) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reconcile(ctx, lastAgentTS); err != nil {
				s.logger.Error("supervisor: reconcile failed", "error", err)
			}
		}
	}
}
