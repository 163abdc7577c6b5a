package ipcwatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/nanoclaw/internal/model"
	"github.com/hazyhaar/nanoclaw/internal/store"
)

type fakeLanes struct{ lanes map[string]model.Lane } // by JID

func (f *fakeLanes) Get(jid string) (model.Lane, bool) { l, ok := f.lanes[jid]; return l, ok }
func (f *fakeLanes) GetByFolder(folder string) (model.Lane, bool) {
	for _, l := range f.lanes {
		if l.Folder == folder {
			return l, true
		}
	}
	return model.Lane{}, false
}
func (f *fakeLanes) All() []model.Lane {
	out := make([]model.Lane, 0, len(f.lanes))
	for _, l := range f.lanes {
		out = append(out, l)
	}
	return out
}

type fakeStore struct {
	stored   []model.Message
	insertFn func(runID, groupFolder string) (model.InsertOutcome, error)
}

func (f *fakeStore) StoreMessage(ctx context.Context, msg model.Message) error {
	f.stored = append(f.stored, msg)
	return nil
}
func (f *fakeStore) InsertWorkerRun(ctx context.Context, runID, groupFolder string, meta store.InsertWorkerRunMetadata) (model.InsertOutcome, error) {
	if f.insertFn != nil {
		return f.insertFn(runID, groupFolder)
	}
	return model.InsertNew, nil
}
func (f *fakeStore) RegisterLane(ctx context.Context, l model.Lane) error { return nil }

type fakeQueue struct{ published [][]byte }

func (f *fakeQueue) Publish(ctx context.Context, id string, payload []byte) error {
	f.published = append(f.published, payload)
	return nil
}

type fakeNotifier struct{ notified []string }

func (f *fakeNotifier) Notify(ctx context.Context, targetJID, text string) error {
	f.notified = append(f.notified, targetJID+": "+text)
	return nil
}

type fakeLookup struct{}

func (fakeLookup) OwnerGroupFolder(sessionID string) (string, bool, error) { return "", false, nil }
func (fakeLookup) LatestReusableSession(groupFolder, repo, branch string) (string, bool, error) {
	return "", false, nil
}

func laneSet() map[string]model.Lane {
	return map[string]model.Lane{
		"main@g":    {JID: "main@g", Folder: "main"},
		"planner@g": {JID: "planner@g", Folder: "andy-developer", IsPlanner: true},
		"worker@g":  {JID: "worker@g", Folder: "jarvis-worker-1", IsWorker: true},
	}
}

func writeDrop(t *testing.T, root, folder, sub, name string, v any) {
	t.Helper()
	dir := filepath.Join(root, folder, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), body, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMessageFile_MainMayAddressAnyTarget(t *testing.T) {
	root := t.TempDir()
	lanes := &fakeLanes{lanes: laneSet()}
	st := &fakeStore{}
	q := &fakeQueue{}
	notif := &fakeNotifier{}
	w := New(root, lanes, st, fakeLookup{}, q, notif)

	writeDrop(t, root, "main", "messages", "1.json", messageEnvelope{TargetJID: "worker@g", Text: "hello worker"})

	w.PollOnce(context.Background())

	if len(st.stored) != 1 || st.stored[0].Content != "hello worker" {
		t.Fatalf("expected message forwarded to worker, got %+v", st.stored)
	}
	if _, err := os.Stat(filepath.Join(root, "main", "messages", "1.json")); !os.IsNotExist(err) {
		t.Fatal("expected drop file to be consumed")
	}
}

func TestMessageFile_WorkerCannotAddressPlanner(t *testing.T) {
	root := t.TempDir()
	lanes := &fakeLanes{lanes: laneSet()}
	st := &fakeStore{}
	w := New(root, lanes, st, fakeLookup{}, &fakeQueue{}, &fakeNotifier{})

	writeDrop(t, root, "jarvis-worker-1", "messages", "1.json", messageEnvelope{TargetJID: "planner@g", Text: "hi"})

	w.PollOnce(context.Background())

	if len(st.stored) != 0 {
		t.Fatal("expected message to be refused, not forwarded")
	}
	errPath := filepath.Join(root, "jarvis-worker-1", "errors", "jarvis-worker-1_1.json")
	if _, err := os.Stat(errPath); err != nil {
		t.Fatalf("expected rejected file archived to errors/, got %v", err)
	}
}

func TestMessageFile_DispatchToWorkerRequiresPlannerSource(t *testing.T) {
	root := t.TempDir()
	lanes := &fakeLanes{lanes: laneSet()}
	st := &fakeStore{}
	notif := &fakeNotifier{}
	w := New(root, lanes, st, fakeLookup{}, &fakeQueue{}, notif)

	dispatchJSON := `{"run_id":"run-1","task_type":"fix","context_intent":"fresh","input":"do it","repo":"o/r","branch":"jarvis-foo","acceptance_tests":["t"],"output_contract":{"required_fields":["run_id","branch","commit_sha","files_changed","test_result","risk","pr_url"]}}`
	writeDrop(t, root, "main", "messages", "1.json", messageEnvelope{TargetJID: "worker@g", Text: dispatchJSON})

	w.PollOnce(context.Background())

	if len(st.stored) != 0 {
		t.Fatal("main is not the planner; dispatch to a worker must be refused")
	}
	if len(notif.notified) != 1 {
		t.Fatal("expected guidance notice sent back to source lane")
	}
}

func TestMessageFile_DuplicateRunIDOmitsResendTemplate(t *testing.T) {
	root := t.TempDir()
	lanes := &fakeLanes{lanes: laneSet()}
	st := &fakeStore{insertFn: func(runID, groupFolder string) (model.InsertOutcome, error) {
		return model.InsertDuplicate, nil
	}}
	notif := &fakeNotifier{}
	w := New(root, lanes, st, fakeLookup{}, &fakeQueue{}, notif)

	dispatchJSON := `{"run_id":"run-1","task_type":"fix","context_intent":"fresh","input":"do it","repo":"o/r","branch":"jarvis-foo","acceptance_tests":["t"],"output_contract":{"required_fields":["run_id","branch","commit_sha","files_changed","test_result","risk","pr_url"]}}`
	writeDrop(t, root, "andy-developer", "messages", "1.json", messageEnvelope{TargetJID: "worker@g", Text: dispatchJSON})

	w.PollOnce(context.Background())

	if len(st.stored) != 0 {
		t.Fatal("duplicate run_id must be refused")
	}
	if len(notif.notified) != 0 {
		t.Fatal("duplicate_run_id must omit the resend guidance template")
	}
}

func TestTaskFile_RegisterGroupRejectsUnsafeFolderName(t *testing.T) {
	root := t.TempDir()
	lanes := &fakeLanes{lanes: laneSet()}
	q := &fakeQueue{}
	w := New(root, lanes, &fakeStore{}, fakeLookup{}, q, &fakeNotifier{})

	writeDrop(t, root, "main", "tasks", "1.json", model.TaskEnvelope{Type: "register_group", FolderName: "../etc"})

	w.PollOnce(context.Background())

	if len(q.published) != 0 {
		t.Fatal("expected unsafe folder name task to be refused, not published")
	}
}

func TestTaskFile_RegisterGroupMainOnly(t *testing.T) {
	root := t.TempDir()
	lanes := &fakeLanes{lanes: laneSet()}
	q := &fakeQueue{}
	w := New(root, lanes, &fakeStore{}, fakeLookup{}, q, &fakeNotifier{})

	writeDrop(t, root, "andy-developer", "tasks", "1.json", model.TaskEnvelope{Type: "register_group", FolderName: "fresh-lane"})

	w.PollOnce(context.Background())

	if len(q.published) != 0 {
		t.Fatal("planner lane must not be able to register_group")
	}
}

func TestTaskFile_ScheduleTaskPublishesAfterAuthorization(t *testing.T) {
	root := t.TempDir()
	lanes := &fakeLanes{lanes: laneSet()}
	q := &fakeQueue{}
	w := New(root, lanes, &fakeStore{}, fakeLookup{}, q, &fakeNotifier{})

	writeDrop(t, root, "main", "tasks", "1.json", model.TaskEnvelope{Type: "schedule_task", TargetJID: "worker@g", Prompt: "not json"})

	w.PollOnce(context.Background())

	if len(q.published) != 1 {
		t.Fatalf("expected schedule_task from main to publish without dispatch-envelope validation, got %d", len(q.published))
	}
}
