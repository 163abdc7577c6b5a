package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/nanoclaw/internal/model"
)

type fakeStore struct {
	rows map[string]model.WorkerRun

	completedReason string
	completedStatus model.RunStatus
}

func newFakeStore() *fakeStore { return &fakeStore{rows: make(map[string]model.WorkerRun)} }

func (f *fakeStore) ListRunningWorkerRuns(ctx context.Context) ([]model.WorkerRun, error) {
	var out []model.WorkerRun
	for _, r := range f.rows {
		switch r.Phase {
		case model.PhaseSpawning, model.PhaseActive, model.PhaseCompletionValidating,
			model.PhaseCompletionRepairPending, model.PhaseCompletionRepairActive:
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ListQueuedWorkerRuns(ctx context.Context) ([]model.WorkerRun, error) {
	var out []model.WorkerRun
	for _, r := range f.rows {
		if r.Phase == model.PhaseQueued {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateWorkerRunLifecycle(ctx context.Context, runID string, phase model.RunPhase, activeContainer string, heartbeatAt, leaseExpiresAt int64, ownerID string) error {
	r := f.rows[runID]
	r.Phase = phase
	r.ActiveContainer = activeContainer
	r.LastHeartbeatAt = heartbeatAt
	r.LeaseExpiresAt = leaseExpiresAt
	r.SupervisorOwner = ownerID
	f.rows[runID] = r
	return nil
}

func (f *fakeStore) SetNoContainerSince(ctx context.Context, runID string, at int64) error {
	r := f.rows[runID]
	if at == 0 {
		r.NoContainerSince = nil
	} else {
		v := at
		r.NoContainerSince = &v
	}
	f.rows[runID] = r
	return nil
}

func (f *fakeStore) CompleteWorkerRun(ctx context.Context, runID string, terminal model.RunStatus, summary string, errorDetails string) error {
	r := f.rows[runID]
	r.Status = terminal
	r.Phase = model.PhaseTerminal
	now := time.Now().Unix()
	r.CompletedAt = &now
	f.rows[runID] = r
	f.completedStatus = terminal
	f.completedReason = errorDetails
	return nil
}

type fakeChecker struct{ running map[string]bool }

func (c *fakeChecker) HasRunningContainerWithPrefix(ctx context.Context, prefix string) (bool, error) {
	return c.running[prefix], nil
}

func TestReconcile_StaleRunningWithoutContainerFails(t *testing.T) {
	store := newFakeStore()
	noContainerSince := time.Now().Add(-10 * time.Minute).Unix()
	store.rows["run1"] = model.WorkerRun{
		RunID: "run1", GroupFolder: "jarvis-worker-1",
		Status: model.StatusRunning, Phase: model.PhaseActive,
		StartedAt: time.Now().Add(-5 * time.Minute).Unix(),
		LastHeartbeatAt: time.Now().Add(-10 * time.Minute).Unix(),
		LeaseExpiresAt: time.Now().Add(-9 * time.Minute).Unix(),
		NoContainerSince: &noContainerSince,
	}
	checker := &fakeChecker{running: map[string]bool{}}
	sup := New(store, checker, Config{NoContainerGrace: time.Second, LeaseTTL: time.Second})

	if err := sup.Reconcile(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	r := store.rows["run1"]
	if r.Status != model.StatusFailed {
		t.Fatalf("expected run to fail, got status=%s", r.Status)
	}
}

func TestReconcile_RunningWithContainerClearsNoContainerSince(t *testing.T) {
	store := newFakeStore()
	since := time.Now().Unix()
	store.rows["run1"] = model.WorkerRun{
		RunID: "run1", GroupFolder: "jarvis-worker-1",
		Status: model.StatusRunning, Phase: model.PhaseActive,
		StartedAt: time.Now().Add(-time.Minute).Unix(),
		NoContainerSince: &since,
	}
	checker := &fakeChecker{running: map[string]bool{ContainerPrefix("jarvis-worker-1"): true}}
	sup := New(store, checker, Config{})

	if err := sup.Reconcile(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	r := store.rows["run1"]
	if r.NoContainerSince != nil {
		t.Fatal("expected no_container_since to be cleared")
	}
	if r.Status == model.StatusFailed {
		t.Fatal("run should not have failed while container is running")
	}
}

func TestReconcile_HardTimeoutFailsRunningAndQueued(t *testing.T) {
	store := newFakeStore()
	store.rows["run1"] = model.WorkerRun{
		RunID: "run1", GroupFolder: "jarvis-worker-1",
		Status: model.StatusRunning, Phase: model.PhaseActive,
		StartedAt: time.Now().Add(-time.Hour).Unix(),
	}
	store.rows["run2"] = model.WorkerRun{
		RunID: "run2", GroupFolder: "jarvis-worker-2",
		Status: model.StatusQueued, Phase: model.PhaseQueued,
		StartedAt: time.Now().Add(-time.Hour).Unix(),
	}
	checker := &fakeChecker{running: map[string]bool{}}
	sup := New(store, checker, Config{HardTimeout: time.Minute})

	if err := sup.Reconcile(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if store.rows["run1"].Status != model.StatusFailed {
		t.Fatal("expected running row to fail on hard timeout")
	}
	if store.rows["run2"].Status != model.StatusFailed {
		t.Fatal("expected queued row to fail on hard timeout")
	}
}

func TestReconcile_ActiveWithCompletedAtGuard(t *testing.T) {
	store := newFakeStore()
	completed := time.Now().Unix()
	store.rows["run1"] = model.WorkerRun{
		RunID: "run1", GroupFolder: "jarvis-worker-1",
		Status: model.StatusRunning, Phase: model.PhaseActive,
		StartedAt:   time.Now().Add(-time.Minute).Unix(),
		CompletedAt: &completed,
	}
	checker := &fakeChecker{running: map[string]bool{}}
	sup := New(store, checker, Config{})

	if err := sup.Reconcile(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if store.completedReason == "" {
		t.Fatal("expected the consistency guard to fire a watchdog failure")
	}
}

func TestReconcile_QueuedStaleBeforeSpawn(t *testing.T) {
	store := newFakeStore()
	processStart := time.Now().Add(-time.Hour)
	store.rows["run1"] = model.WorkerRun{
		RunID: "run1", GroupFolder: "jarvis-worker-1",
		Status: model.StatusQueued, Phase: model.PhaseQueued,
		StartedAt: time.Now().Add(-30 * time.Minute).Unix(),
	}
	checker := &fakeChecker{running: map[string]bool{}}
	sup := New(store, checker, Config{
		ProcessStartAt:           processStart,
		RestartSuppressionWindow: time.Minute,
		HardTimeout:              2 * time.Hour,
	})

	lastAgentTS := func(groupFolder string) (int64, bool) {
		return time.Now().Add(-20 * time.Minute).Unix(), true
	}

	if err := sup.Reconcile(context.Background(), lastAgentTS); err != nil {
		t.Fatal(err)
	}
	if store.rows["run1"].Status != model.StatusFailed {
		t.Fatal("expected stale queued row (agent already replied) to fail")
	}
}

func TestRecordHeartbeat_UpdatesLifecycle(t *testing.T) {
	store := newFakeStore()
	store.rows["run1"] = model.WorkerRun{RunID: "run1", GroupFolder: "f", Phase: model.PhaseActive}
	checker := &fakeChecker{running: map[string]bool{}}
	sup := New(store, checker, Config{LeaseTTL: time.Minute, OwnerID: "owner-a"})

	if err := sup.RecordHeartbeat(context.Background(), "run1", model.PhaseActive, "container-1"); err != nil {
		t.Fatal(err)
	}
	r := store.rows["run1"]
	if r.ActiveContainer != "container-1" || r.SupervisorOwner != "owner-a" || r.LastHeartbeatAt == 0 {
		t.Fatalf("expected lifecycle fields to be updated, got %+v", r)
	}
}
