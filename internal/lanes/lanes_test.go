package lanes

import (
	"context"
	"testing"

	"github.com/hazyhaar/nanoclaw/internal/model"
)

type fakeStore struct {
	lanes []model.Lane
}

func (f *fakeStore) ListLanes(ctx context.Context) ([]model.Lane, error) {
	return f.lanes, nil
}

func TestReload_AddRemoveRestart(t *testing.T) {
	store := &fakeStore{lanes: []model.Lane{
		{JID: "main@g", Folder: "main"},
		{JID: "worker1@g", Folder: "jarvis-worker-1", IsWorker: true},
	}}

	var added, removed []string
	reg := New(store,
		WithOnAdd(func(l model.Lane) { added = append(added, l.JID) }),
		WithOnRemove(func(l model.Lane) { removed = append(removed, l.JID) }),
	)

	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(reg.All()) != 2 {
		t.Fatalf("expected 2 lanes, got %d", len(reg.All()))
	}
	if len(added) != 2 {
		t.Fatalf("expected 2 onAdd calls, got %d", len(added))
	}

	// Remove one lane, change the other's trigger pattern.
	store.lanes = []model.Lane{
		{JID: "worker1@g", Folder: "jarvis-worker-1", IsWorker: true, TriggerPattern: "@bot"},
	}
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(reg.All()) != 1 {
		t.Fatalf("expected 1 lane after reload, got %d", len(reg.All()))
	}
	if len(removed) != 2 { // main removed, worker1 removed-and-restarted
		t.Fatalf("expected 2 onRemove calls, got %d", len(removed))
	}
	if len(added) != 3 { // 2 initial + 1 restart
		t.Fatalf("expected 3 onAdd calls total, got %d", len(added))
	}

	if _, ok := reg.Get("main@g"); ok {
		t.Fatal("main@g should have been removed")
	}
	l, ok := reg.Get("worker1@g")
	if !ok || l.TriggerPattern != "@bot" {
		t.Fatalf("worker1@g should be present with updated trigger pattern, got %+v ok=%v", l, ok)
	}
}

func TestPlannerAndMainLookup(t *testing.T) {
	store := &fakeStore{lanes: []model.Lane{
		{JID: "main@g", Folder: "main", RequiresTrigger: false},
		{JID: "planner@g", Folder: "andy-developer", IsPlanner: true, RequiresTrigger: true},
		{JID: "worker1@g", Folder: "jarvis-worker-1", IsWorker: true, RequiresTrigger: true},
	}}
	reg := New(store)
	reg.Reload(context.Background())

	if _, ok := reg.Main(); !ok {
		t.Fatal("expected to find main lane")
	}
	if p, ok := reg.Planner(); !ok || p.Folder != "andy-developer" {
		t.Fatal("expected to find planner lane")
	}
}
