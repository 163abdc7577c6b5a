package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/nanoclaw/idgen"
	"github.com/hazyhaar/nanoclaw/internal/model"
	"github.com/hazyhaar/nanoclaw/internal/store"
)

// SyntheticConfig is the per-channel JSON config for the internal lane-to-lane
// channel: just the lane folder that owns the "from" address on outbound
// writes (messages sent as <folder>@nanoclaw).
type SyntheticConfig struct {
	GroupFolder string `json:"group_folder"`
}

// NewSyntheticFactory returns a ChannelFactory for the "*@nanoclaw" synthetic
// platform: the internal channel the planner and worker lanes use to reach
// each other without going through WhatsApp/Telegram/Discord. Outbound
// messages (Send) are written straight to gw; inbound delivery (Listen) is
// fed by the orchestrator's message loop calling Deliver, the way a real
// Channel's event handler would feed its own Listen channel.
func NewSyntheticFactory(gw *store.Gateway) ChannelFactory {
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg SyntheticConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("synthetic: parse config: %w", err)
			}
		}
		if cfg.GroupFolder == "" {
			return nil, fmt.Errorf("synthetic: group_folder is required")
		}
		return newSyntheticChannel(name, cfg, gw), nil
	}
}

// syntheticChannel implements Channel for the internal lane-to-lane
// messaging surface, with a status/closeCh shape, a real Send (no external transport to stub out) and an inbound queue
// any in-process caller can push onto via Deliver.
type syntheticChannel struct {
	name        string
	groupFolder string
	gw          *store.Gateway

	mu      sync.Mutex
	closed  bool
	status  ChannelStatus
	closeCh chan struct{}
	inbound chan Message
}

func newSyntheticChannel(name string, cfg SyntheticConfig, gw *store.Gateway) *syntheticChannel {
	return &syntheticChannel{
		name:        name,
		groupFolder: cfg.GroupFolder,
		gw:          gw,
		status: ChannelStatus{
			Connected: true,
			Platform:  "synthetic",
			AuthState: "token_valid",
		},
		closeCh: make(chan struct{}),
		inbound: make(chan Message, 64),
	}
}

// sourceAddress is the sender identity this channel writes outbound
// messages under, following the "<folder>@nanoclaw" lane-address convention.
func (c *syntheticChannel) sourceAddress() string {
	return c.groupFolder + "@nanoclaw"
}

func (c *syntheticChannel) Listen(ctx context.Context) <-chan Message {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closeCh:
				return
			case msg, ok := <-c.inbound:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				case <-c.closeCh:
					return
				}
			}
		}
	}()
	return out
}

// Deliver queues msg for this channel's Listen consumer — the orchestrator's
// hand-off point for a message routed to this lane from another lane.
func (c *syntheticChannel) Deliver(msg Message) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.inbound <- msg:
	case <-c.closeCh:
	}
}

// Send stores msg directly in the persistence gateway as a message from
// this lane's synthetic address, skipping any external transport — the
// orchestrator's own poll loop picks it up on its next pass exactly like a
// message that arrived over WhatsApp.
func (c *syntheticChannel) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ErrSendFailed{Channel: c.name, Platform: "synthetic", Cause: fmt.Errorf("channel closed")}
	}
	c.mu.Unlock()

	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return nil
	}

	err := c.gw.StoreMessage(ctx, model.Message{
		ChatJID:      msg.RecipientID,
		ID:           idgen.New(),
		Sender:       c.sourceAddress(),
		SenderName:   c.groupFolder,
		Content:      content,
		TimestampRFC: time.Now().UTC().Format(time.RFC3339),
		IsBotMessage: true,
	})
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "synthetic", Cause: err}
	}

	c.mu.Lock()
	c.status.LastMessage = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *syntheticChannel) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *syntheticChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)
	c.status.Connected = false
	c.status.AuthState = "disconnected"
	return nil
}
