// Package audit provides an operation-level audit trail backed by SQLite.
// Every entry records who did what, through which transport, and whether
// it succeeded — independent of whatever domain-level ledger the caller
// also maintains.
package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/nanoclaw/idgen"
	"github.com/hazyhaar/nanoclaw/kit"
)

// batchThreshold is the number of buffered async entries that triggers an
// immediate flush instead of waiting for the next tick.
const batchThreshold = 32

// flushInterval is the maximum time an async entry waits before being
// flushed, even if the batch threshold hasn't been reached.
const flushInterval = 20 * time.Millisecond

// Entry is a single operation record in the audit trail.
type Entry struct {
	EntryID   string
	Timestamp int64

	Action    string
	UserID    string
	SessionID string
	RequestID string
	Transport string

	Parameters string // JSON
	Status     string // "success" or "error"
	Error      string
}

// fillDefaults applies generator/clock/status defaults.
func (l *SQLiteLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	if e.Transport == "" {
		e.Transport = "http"
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
}

// SQLiteLogger writes Entry records to the audit_log table, synchronously
// or batched through an async buffer.
type SQLiteLogger struct {
	db    *sql.DB
	newID idgen.Generator

	mu      sync.Mutex
	buf     []*Entry
	flushCh chan struct{}
	closeCh chan struct{}
	doneCh  chan struct{}
}

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

// WithIDGenerator overrides the default entry-ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *SQLiteLogger) { l.newID = gen }
}

// NewSQLiteLogger creates a logger backed by db. Call Init once before
// logging, and Close on shutdown to flush any buffered async entries.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:      db,
		newID:   idgen.Prefixed("aud_", idgen.Default),
		flushCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.loop()
	return l
}

// Init creates the audit_log table if it does not already exist.
func (l *SQLiteLogger) Init() error {
	_, err := l.db.Exec(`
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    action TEXT NOT NULL,
    user_id TEXT,
    session_id TEXT,
    request_id TEXT,
    transport TEXT NOT NULL DEFAULT 'http',
    parameters TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL,
    error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
`)
	return err
}

// Log synchronously writes entry, filling in any unset defaults
// (EntryID, Timestamp, Transport, Status) on the passed-in Entry so the
// caller can inspect them afterward.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	return l.insert(ctx, e)
}

// LogAsync buffers entry for batched background flush. Defaults are filled
// immediately so the caller-visible Entry is consistent even before the
// write lands.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	l.mu.Lock()
	l.buf = append(l.buf, e)
	shouldFlush := len(l.buf) >= batchThreshold
	l.mu.Unlock()
	if shouldFlush {
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close stops the background flush loop and flushes any remaining
// buffered entries synchronously.
func (l *SQLiteLogger) Close() error {
	close(l.closeCh)
	<-l.doneCh
	return nil
}

func (l *SQLiteLogger) loop() {
	defer close(l.doneCh)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.closeCh:
			l.flush()
			return
		case <-ticker.C:
			l.flush()
		case <-l.flushCh:
			l.flush()
		}
	}
}

func (l *SQLiteLogger) flush() {
	l.mu.Lock()
	pending := l.buf
	l.buf = nil
	l.mu.Unlock()

	for _, e := range pending {
		if err := l.insert(context.Background(), e); err != nil {
			slog.Error("audit: async flush failed", "error", err, "action", e.Action)
		}
	}
}

func (l *SQLiteLogger) insert(ctx context.Context, e *Entry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			entry_id, timestamp, action, user_id, session_id,
			request_id, transport, parameters, status, error_message
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp, e.Action, e.UserID, e.SessionID,
		e.RequestID, e.Transport, e.Parameters, e.Status, e.Error)
	return err
}

// Middleware returns a kit.Middleware that audits every call through the
// wrapped Endpoint as operation opName. Caller-scoped values (user ID,
// transport, request ID) are read from context via the kit helpers.
func Middleware(logger *SQLiteLogger, opName string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			resp, err := next(ctx, req)

			e := &Entry{
				Action:    opName,
				UserID:    kit.GetUserID(ctx),
				RequestID: kit.GetRequestID(ctx),
				Transport: kit.GetTransport(ctx),
			}
			if err != nil {
				e.Error = err.Error()
			}
			logger.LogAsync(e)

			return resp, err
		}
	}
}
