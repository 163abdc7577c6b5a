// Package groupqueue implements the Group Queue: one FIFO of pending-work
// tokens per lane JID, at most one active container registration per lane,
// and a pipe-to-live-container fast path — generalizing
// channels.Dispatcher's channelEntry map + per-entry shutdown discipline
// from "one entry per channel name, holding a Channel" to "one entry per
// lane JID, holding a container process handle".
package groupqueue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hazyhaar/nanoclaw/internal/container"
)

// ProcessFn is invoked when a lane reaches the head of its FIFO — the
// orchestrator's processGroupMessages(chatJID).
type ProcessFn func(ctx context.Context, chatJID string)

// laneEntry tracks a lane's live process registration and pending queue.
type laneEntry struct {
	mu          sync.Mutex
	proc        *container.Process
	groupFolder string
	isWorker    bool
	pending     bool // a process-check has been enqueued but not yet run
	processing  bool // processGroupMessages is currently running for this lane
}

// Queue is the Group Queue.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*laneEntry // chat_jid -> entry

	sem       chan struct{} // MAX_CONCURRENT_CONTAINERS
	processFn ProcessFn
	logger    *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxConcurrentContainers bounds how many lanes may have a container
// running at once. Zero or negative means unlimited.
func WithMaxConcurrentContainers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.sem = make(chan struct{}, n)
		}
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// New creates a Queue. Call SetProcessMessagesFn before EnqueueMessageCheck.
func New(opts ...Option) *Queue {
	q := &Queue{
		entries: make(map[string]*laneEntry),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// SetProcessMessagesFn registers the callback invoked when a lane becomes
// the head of its FIFO.
func (q *Queue) SetProcessMessagesFn(fn ProcessFn) { q.processFn = fn }

func (q *Queue) entry(chatJID string) *laneEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[chatJID]
	if !ok {
		e = &laneEntry{}
		q.entries[chatJID] = e
	}
	return e
}

// EnqueueMessageCheck asks to schedule a new container run for chatJID.
// Repeated enqueues before the pass runs coalesce into a single pass.
func (q *Queue) EnqueueMessageCheck(ctx context.Context, chatJID string) {
	e := q.entry(chatJID)

	e.mu.Lock()
	if e.pending || e.processing {
		e.pending = e.pending || true
		e.mu.Unlock()
		return
	}
	e.pending = true
	e.mu.Unlock()

	q.wg.Add(1)
	go q.runOnce(ctx, chatJID, e)
}

func (q *Queue) runOnce(ctx context.Context, chatJID string, e *laneEntry) {
	defer q.wg.Done()

	if q.sem != nil {
		select {
		case q.sem <- struct{}{}:
			defer func() { <-q.sem }()
		case <-ctx.Done():
			return
		}
	}

	e.mu.Lock()
	e.pending = false
	e.processing = true
	e.mu.Unlock()

	if q.processFn != nil {
		q.processFn(ctx, chatJID)
	}

	e.mu.Lock()
	wantsMore := e.pending
	e.pending = false
	e.processing = false
	e.mu.Unlock()

	if wantsMore {
		q.EnqueueMessageCheck(ctx, chatJID)
	}
}

// SendMessage pipes text into chatJID's live container stdin if one is
// registered, returning true. Worker lanes never pipe: this unconditionally
// returns false for a lane registered with isWorker, forcing the cold path
// (a fresh container per dispatch).
func (q *Queue) SendMessage(ctx context.Context, chatJID, text string) bool {
	e := q.entry(chatJID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isWorker || e.proc == nil {
		return false
	}
	if _, err := e.proc.Stdin.Write([]byte(text + "\n")); err != nil {
		q.logger.Error("groupqueue: pipe write failed", "chat_jid", chatJID, "error", err)
		return false
	}
	return true
}

// RegisterProcess associates a freshly spawned process with chatJID.
func (q *Queue) RegisterProcess(chatJID string, proc *container.Process, groupFolder string, isWorker bool) {
	e := q.entry(chatJID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proc = proc
	e.groupFolder = groupFolder
	e.isWorker = isWorker
}

// CloseStdin cooperatively ends the lane's live container's input stream.
func (q *Queue) CloseStdin(chatJID string) {
	e := q.entry(chatJID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != nil {
		e.proc.Stdin.Close()
	}
}

// NotifyIdle is triggered by a status=success event from the container,
// clearing its registration so SendMessage falls back to the cold path.
func (q *Queue) NotifyIdle(chatJID string) {
	e := q.entry(chatJID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proc = nil
}

// HasLiveContainer reports whether chatJID currently has a registered,
// not-yet-idled container process.
func (q *Queue) HasLiveContainer(chatJID string) bool {
	e := q.entry(chatJID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proc != nil
}

// Shutdown closes every lane's stdin, waits up to the caller's ctx
// deadline, then returns — it does not forcibly kill processes; that is
// the supervisor's responsibility via the container Driver.
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	entries := make([]*laneEntry, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	q.mu.Unlock()
	for _, e := range entries {
		e.mu.Lock()
		if e.proc != nil {
			e.proc.Stdin.Close()
		}
		e.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.logger.Warn("groupqueue: shutdown timed out waiting for pending passes")
	}
}
