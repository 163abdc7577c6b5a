package store

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/nanoclaw/dbopen"
	"github.com/hazyhaar/nanoclaw/internal/model"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return Open(db)
}

func TestInsertWorkerRun_NewRetryDuplicate(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	outcome, err := g.InsertWorkerRun(ctx, "task-001", "jarvis-worker-1", InsertWorkerRunMetadata{
		DispatchRepo: "o/r", DispatchBranch: "jarvis-x", ContextIntent: model.IntentFresh,
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != model.InsertNew {
		t.Fatalf("first insert: got %q, want new", outcome)
	}

	outcome, err = g.InsertWorkerRun(ctx, "task-001", "jarvis-worker-1", InsertWorkerRunMetadata{})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != model.InsertDuplicate {
		t.Fatalf("second insert while queued: got %q, want duplicate", outcome)
	}

	if err := g.CompleteWorkerRun(ctx, "task-001", model.StatusFailed, "", `{"reason":"stale_worker_run_watchdog"}`); err != nil {
		t.Fatal(err)
	}

	outcome, err = g.InsertWorkerRun(ctx, "task-001", "jarvis-worker-1", InsertWorkerRunMetadata{})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != model.InsertRetry {
		t.Fatalf("insert after terminal failure: got %q, want retry", outcome)
	}

	run, err := g.GetWorkerRun(ctx, "task-001")
	if err != nil {
		t.Fatal(err)
	}
	if run.RetryCount != 1 {
		t.Fatalf("retry_count: got %d, want 1", run.RetryCount)
	}
	if run.Status != model.StatusQueued {
		t.Fatalf("status after retry: got %q, want queued", run.Status)
	}
}

func TestInsertWorkerRun_NoSecondNewEver(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	seen := map[model.InsertOutcome]int{}
	for i := 0; i < 5; i++ {
		outcome, err := g.InsertWorkerRun(ctx, "task-idem", "jarvis-worker-1", InsertWorkerRunMetadata{})
		if err != nil {
			t.Fatal(err)
		}
		seen[outcome]++
	}
	if seen[model.InsertNew] != 1 {
		t.Fatalf("expected exactly one 'new' outcome, got %d", seen[model.InsertNew])
	}
}

func TestCompleteWorkerRun_SetsTerminalInvariants(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	g.InsertWorkerRun(ctx, "task-002", "jarvis-worker-1", InsertWorkerRunMetadata{})
	if err := g.CompleteWorkerRun(ctx, "task-002", model.StatusDone, "ok", ""); err != nil {
		t.Fatal(err)
	}

	run, err := g.GetWorkerRun(ctx, "task-002")
	if err != nil {
		t.Fatal(err)
	}
	if run.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if run.Phase != model.PhaseTerminal {
		t.Fatalf("phase: got %q, want terminal", run.Phase)
	}
}

func TestMarkMessagesProcessed_Idempotent(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	if err := g.MarkMessagesProcessed(ctx, "chat1", []string{"m1", "m2"}, "task-003"); err != nil {
		t.Fatal(err)
	}
	if err := g.MarkMessagesProcessed(ctx, "chat1", []string{"m1", "m2", "m3"}, "task-003"); err != nil {
		t.Fatal(err)
	}

	processed, err := g.GetProcessedMessageIDs(ctx, "chat1", []string{"m1", "m2", "m3", "m4"})
	if err != nil {
		t.Fatal(err)
	}
	if len(processed) != 3 {
		t.Fatalf("processed count: got %d, want 3", len(processed))
	}
	if processed["m4"] {
		t.Fatal("m4 should not be marked processed")
	}
}

func TestGetNewMessages_ExcludesBotMessagesAndOrdersBySeq(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	lane := model.Lane{JID: "chat1", Folder: "main"}
	g.RegisterLane(ctx, lane)

	g.StoreMessage(ctx, model.Message{ChatJID: "chat1", ID: "m1", SenderName: "alice", Content: "hi", TimestampRFC: "t1"})
	g.StoreMessage(ctx, model.Message{ChatJID: "chat1", ID: "m2", SenderName: "nanoclaw", Content: "reply", TimestampRFC: "t2", IsBotMessage: true})
	g.StoreMessage(ctx, model.Message{ChatJID: "chat1", ID: "m3", SenderName: "bob", Content: "yo", TimestampRFC: "t3"})

	msgs, newMax, err := g.GetNewMessages(ctx, []model.Lane{lane}, 0, "nanoclaw")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages: got %d, want 2 (bot message excluded)", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m3" {
		t.Fatalf("order: got %v", msgs)
	}
	if newMax != msgs[1].IngestSeq {
		t.Fatalf("newMax: got %d, want %d", newMax, msgs[1].IngestSeq)
	}
}

func TestRecoverWorkerRunForCompletionAccept_OnlyWhitelistedReasons(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	g.InsertWorkerRun(ctx, "task-004", "jarvis-worker-1", InsertWorkerRunMetadata{})
	g.CompleteWorkerRun(ctx, "task-004", model.StatusFailed, "", `{"reason":"running_without_container"}`)

	recovered, err := g.RecoverWorkerRunForCompletionAccept(ctx, "task-004", "not_a_whitelisted_reason")
	if err != nil {
		t.Fatal(err)
	}
	if recovered {
		t.Fatal("should not recover for a non-whitelisted reason")
	}

	recovered, err = g.RecoverWorkerRunForCompletionAccept(ctx, "task-004", "running_without_container")
	if err != nil {
		t.Fatal(err)
	}
	if !recovered {
		t.Fatal("should recover for a whitelisted reason")
	}

	run, _ := g.GetWorkerRun(ctx, "task-004")
	if run.CompletedAt != nil {
		t.Fatal("completed_at should be cleared after recovery")
	}
}
