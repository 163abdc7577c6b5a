package channels

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/nanoclaw/dbopen"
	"github.com/hazyhaar/nanoclaw/internal/model"
	"github.com/hazyhaar/nanoclaw/internal/store"
)

func newSyntheticGateway(t *testing.T) *store.Gateway {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	return store.Open(db)
}

func TestSyntheticFactory_RequiresGroupFolder(t *testing.T) {
	gw := newSyntheticGateway(t)
	factory := NewSyntheticFactory(gw)
	if _, err := factory("planner@nanoclaw", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected an error when group_folder is missing")
	}
}

func TestSyntheticChannel_SendStoresMessageFromLaneAddress(t *testing.T) {
	gw := newSyntheticGateway(t)
	factory := NewSyntheticFactory(gw)
	ch, err := factory("planner@nanoclaw", json.RawMessage(`{"group_folder":"andy-developer"}`))
	if err != nil {
		t.Fatal(err)
	}

	if err := ch.Send(context.Background(), Message{RecipientID: "worker@g", Text: "dispatching now"}); err != nil {
		t.Fatal(err)
	}

	lane := model.Lane{JID: "worker@g", Folder: "jarvis-worker-1"}
	msgs, _, err := gw.GetNewMessages(context.Background(), []model.Lane{lane}, 0, "nanoclaw")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one stored message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.Sender != "andy-developer@nanoclaw" {
		t.Fatalf("expected sender 'andy-developer@nanoclaw', got %q", got.Sender)
	}
	if got.SenderName != "andy-developer" {
		t.Fatalf("expected sender name 'andy-developer', got %q", got.SenderName)
	}
	if got.Content != "dispatching now" {
		t.Fatalf("expected content 'dispatching now', got %q", got.Content)
	}
	if !got.IsBotMessage {
		t.Fatal("expected synthetic send to be marked as a bot message")
	}
}

func TestSyntheticChannel_DeliverFeedsListen(t *testing.T) {
	gw := newSyntheticGateway(t)
	factory := NewSyntheticFactory(gw)
	chIface, err := factory("worker@nanoclaw", json.RawMessage(`{"group_folder":"jarvis-worker-1"}`))
	if err != nil {
		t.Fatal(err)
	}
	ch := chIface.(*syntheticChannel)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	inbound := ch.Listen(ctx)

	ch.Deliver(Message{SenderID: "andy-developer@nanoclaw", Text: "go"})

	select {
	case msg := <-inbound:
		if msg.Text != "go" {
			t.Fatalf("expected delivered text 'go', got %q", msg.Text)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for delivered message")
	}
}

func TestSyntheticChannel_SendAfterCloseFails(t *testing.T) {
	gw := newSyntheticGateway(t)
	factory := NewSyntheticFactory(gw)
	ch, err := factory("planner@nanoclaw", json.RawMessage(`{"group_folder":"andy-developer"}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(context.Background(), Message{RecipientID: "worker@g", Text: "too late"}); err == nil {
		t.Fatal("expected Send after Close to fail")
	}
}
