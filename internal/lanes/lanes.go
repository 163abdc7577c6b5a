// Package lanes implements the Registry: a hot-reloadable in-memory mirror
// of the registered_groups table, generalizing channels.Dispatcher's
// channel reconciliation (fingerprint-diff, start/stop, lifecycle context)
// from "one entry per channel name" to "one entry per lane JID".
package lanes

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hazyhaar/nanoclaw/internal/model"
)

// Store is the minimal storage dependency the Registry needs — satisfied
// by *store.Gateway.
type Store interface {
	ListLanes(ctx context.Context) ([]model.Lane, error)
}

// laneEntry tracks a registered lane and the fingerprint it was loaded
// with, mirroring channels.channelEntry.
type laneEntry struct {
	lane        model.Lane
	fingerprint string
}

// Registry holds the currently active set of lanes, reconciled against
// Store on each Reload call.
type Registry struct {
	mu     sync.RWMutex
	lanes  map[string]*laneEntry // keyed by JID
	store  Store
	logger *slog.Logger

	// onAdd/onRemove let callers (the group queue, the IPC watcher) react
	// to lane lifecycle changes without the registry knowing about them.
	onAdd    func(model.Lane)
	onRemove func(model.Lane)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithOnAdd registers a callback invoked when a lane is added or its
// config changes (the old entry is torn down first, matching
// channels.Dispatcher's restart-on-fingerprint-change behaviour).
func WithOnAdd(fn func(model.Lane)) Option { return func(r *Registry) { r.onAdd = fn } }

// WithOnRemove registers a callback invoked when a lane is removed or
// about to be restarted.
func WithOnRemove(fn func(model.Lane)) Option { return func(r *Registry) { r.onRemove = fn } }

// New creates a Registry backed by store. Call Reload once before use,
// then Watch (or repeated Reload) to keep it current.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		lanes:  make(map[string]*laneEntry),
		store:  store,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reload reads every registered lane and reconciles the in-memory set,
// exactly mirroring channels.Dispatcher.Reload's diff algorithm.
func (r *Registry) Reload(ctx context.Context) error {
	desired, err := r.store.ListLanes(ctx)
	if err != nil {
		return err
	}
	desiredByJID := make(map[string]model.Lane, len(desired))
	for _, l := range desired {
		desiredByJID[l.JID] = l
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for jid, entry := range r.lanes {
		l, exists := desiredByJID[jid]
		if !exists {
			r.removeLocked(jid, entry)
			continue
		}
		if l.Fingerprint() != entry.fingerprint {
			r.removeLocked(jid, entry)
		}
	}

	for jid, l := range desiredByJID {
		if _, active := r.lanes[jid]; active {
			continue
		}
		entry := &laneEntry{lane: l, fingerprint: l.Fingerprint()}
		r.lanes[jid] = entry
		if r.onAdd != nil {
			r.onAdd(l)
		}
		r.logger.Info("lane registered", "jid", jid, "folder", l.Folder)
	}

	r.logger.Info("lanes reloaded", "active", len(r.lanes), "configured", len(desiredByJID))
	return nil
}

func (r *Registry) removeLocked(jid string, entry *laneEntry) {
	if r.onRemove != nil {
		r.onRemove(entry.lane)
	}
	delete(r.lanes, jid)
	r.logger.Info("lane removed", "jid", jid)
}

// Get returns the lane registered under jid, if any.
func (r *Registry) Get(jid string) (model.Lane, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.lanes[jid]
	if !ok {
		return model.Lane{}, false
	}
	return entry.lane, true
}

// GetByFolder returns the lane registered under folder, if any.
func (r *Registry) GetByFolder(folder string) (model.Lane, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.lanes {
		if e.lane.Folder == folder {
			return e.lane, true
		}
	}
	return model.Lane{}, false
}

// All returns every currently registered lane.
func (r *Registry) All() []model.Lane {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Lane, 0, len(r.lanes))
	for _, e := range r.lanes {
		out = append(out, e.lane)
	}
	return out
}

// Planner returns the single planner lane, if registered.
func (r *Registry) Planner() (model.Lane, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.lanes {
		if e.lane.IsPlanner {
			return e.lane, true
		}
	}
	return model.Lane{}, false
}

// Main returns the main (requires_trigger=false, non-planner, non-worker)
// lane, if registered.
func (r *Registry) Main() (model.Lane, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.lanes {
		if !e.lane.RequiresTrigger && !e.lane.IsPlanner && !e.lane.IsWorker {
			return e.lane, true
		}
	}
	return model.Lane{}, false
}
