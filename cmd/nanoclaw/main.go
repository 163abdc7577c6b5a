// Entry point for nanoclaw: chi admin router, lane registry, group queue,
// worker-run supervisor, IPC watcher and the message-loop orchestrator,
// all wired against one SQLite database.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/nanoclaw/audit"
	"github.com/hazyhaar/nanoclaw/channels"
	"github.com/hazyhaar/nanoclaw/connectivity"
	"github.com/hazyhaar/nanoclaw/dbopen"
	"github.com/hazyhaar/nanoclaw/internal/container"
	"github.com/hazyhaar/nanoclaw/internal/dispatch"
	"github.com/hazyhaar/nanoclaw/internal/groupqueue"
	"github.com/hazyhaar/nanoclaw/internal/ipcwatch"
	"github.com/hazyhaar/nanoclaw/internal/lanes"
	"github.com/hazyhaar/nanoclaw/internal/model"
	"github.com/hazyhaar/nanoclaw/internal/orchestrator"
	"github.com/hazyhaar/nanoclaw/internal/store"
	"github.com/hazyhaar/nanoclaw/internal/supervisor"
	"github.com/hazyhaar/nanoclaw/observability"
	"github.com/hazyhaar/nanoclaw/shield"
	"github.com/hazyhaar/nanoclaw/trace"
	"github.com/hazyhaar/nanoclaw/vtq"
	"github.com/hazyhaar/nanoclaw/watch"
)

func main() {
	port := env("PORT", "8087")
	dbPath := env("DB_PATH", "db/nanoclaw.db")
	ipcRoot := env("IPC_ROOT", "ipc")
	defaultImage := env("DEFAULT_CONTAINER_IMAGE", "nanoclaw-agent:latest")
	assistantName := env("ASSISTANT_NAME", "nanoclaw")
	logLevel := env("LOG_LEVEL", "info")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(logLevel)}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	openOpts := []dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithBusyTimeout(5000),
		dbopen.WithSchema(store.Schema),
		dbopen.WithSchema(channels.Schema),
		dbopen.WithSchema(observability.Schema),
		dbopen.WithSchema(connectivity.Schema),
	}
	debugTrace := logLevel == "debug"
	if debugTrace {
		openOpts = append(openOpts, dbopen.WithTrace())
	}

	db, err := dbopen.Open(dbPath, openOpts...)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if debugTrace {
		// A second, raw-"sqlite" connection records traces of every query run
		// against db above, which was opened with the "sqlite-trace" driver.
		traceDB, err := sql.Open("sqlite", dbPath)
		if err != nil {
			slog.Warn("trace store open", "error", err)
		} else {
			traceStore := trace.NewStore(traceDB)
			if err := traceStore.Init(); err != nil {
				slog.Warn("trace store init", "error", err)
			} else {
				trace.SetStore(traceStore)
			}
			defer traceStore.Close()
		}
	}

	gw := store.Open(db)

	auditLogger := audit.NewSQLiteLogger(db)
	if err := auditLogger.Init(); err != nil {
		slog.Error("audit init", "error", err)
		os.Exit(1)
	}
	defer auditLogger.Close()

	events := observability.NewEventLogger(db)
	metrics := observability.NewMetricsManager(db, 256, 5*time.Second)
	defer metrics.Close()

	driver := container.NewProcessDriver()
	if err := driver.EnsureRuntimeRunning(ctx); err != nil {
		slog.Warn("container runtime not ready", "error", err)
	}

	channelDB := db
	dispatcher := channels.NewDispatcher(inboundHandler(gw), channels.WithLogger(logger))
	dispatcher.RegisterPlatform("synthetic", channels.NewSyntheticFactory(gw))

	reg := lanes.New(gw,
		lanes.WithLogger(logger),
		lanes.WithOnAdd(func(l model.Lane) { upsertSyntheticChannelRow(channelDB, l) }),
		lanes.WithOnRemove(func(l model.Lane) { disableChannelRow(channelDB, l.JID) }),
	)
	if err := reg.Reload(ctx); err != nil {
		slog.Error("initial lane reload", "error", err)
		os.Exit(1)
	}
	if err := dispatcher.Reload(ctx, channelDB); err != nil {
		slog.Error("initial channel reload", "error", err)
	}

	lanesWatcher := gw.Watch(watch.Options{Interval: time.Second, Logger: logger})
	go lanesWatcher.OnChange(ctx, func() error { return reg.Reload(ctx) })

	go dispatcher.Watch(ctx, channelDB, 500*time.Millisecond)

	queue := groupqueue.New(groupqueue.WithLogger(logger), groupqueue.WithMaxConcurrentContainers(4))

	sup := supervisor.New(gw, driver, supervisor.Config{}, supervisor.WithLogger(logger),
		supervisor.WithEventRecorder(eventRecorder{events}))

	lookup := sessionLookup{gw: gw}

	taskQueue := vtq.New(db, vtq.Options{})
	if err := taskQueue.EnsureTable(ctx); err != nil {
		slog.Error("task queue init", "error", err)
		os.Exit(1)
	}

	sender := dispatcherSender{dispatcher: dispatcher}

	// Outbound lane notifications go through the smart router rather than
	// straight to dispatcherSender: the "lane-notify" service is local by
	// default, but an operator can flip its routes row to "http" at runtime
	// to relay notifications through an external collaborator without a
	// restart. RegisterTransport("http", ...) makes that strategy available
	// the moment someone writes the row.
	router := connectivity.New(connectivity.WithLogger(logger))
	notifyLocal := laneNotifyHandler(sender)
	// If an operator flips lane-notify's route to "http", a failed remote
	// delivery falls back to the same local dispatch path rather than
	// losing the notification outright.
	router.RegisterTransport("http", fallbackHTTPFactory(notifyLocal, metrics, logger))
	notifyBreaker := connectivity.NewCircuitBreaker(
		connectivity.WithBreakerThreshold(5),
		connectivity.WithBreakerResetTimeout(30*time.Second),
	)
	router.RegisterLocal("lane-notify", connectivity.Chain(
		connectivity.WithCallLogging(logger, "lane-notify"),
		connectivity.WithObservability(metrics, "lane-notify", "local"),
		connectivity.WithCircuitBreaker(notifyBreaker, "lane-notify"),
	)(notifyLocal))
	go router.Watch(ctx, db, time.Second)

	routeAdmin := connectivity.NewAdmin(db)
	channelAdmin := channels.NewAdmin(channelDB)

	watcher := ipcwatch.New(ipcRoot, reg, gw, lookup, taskQueue, notifier{router},
		ipcwatch.WithLogger(logger), ipcwatch.WithAudit(auditLogger))
	go watcher.Run(ctx)

	go taskQueue.RunBatch(ctx, 8, 4, func(ctx context.Context, job *vtq.Job) error {
		slog.Info("ipcwatch: task envelope handed off", "job_id", job.ID)
		return nil
	})

	runner := containerRunner{driver: driver, lanes: reg, defaultImage: defaultImage}

	loop := orchestrator.New(gw, reg, queue, sup, runner, sender, orchestrator.Config{
		AssistantName: assistantName,
		DefaultImage:  defaultImage,
	}, orchestrator.WithLogger(logger), orchestrator.WithAudit(auditLogger))

	go loop.Run(ctx)

	r := chi.NewRouter()
	for _, mw := range shield.DefaultBOStack() {
		r.Use(mw)
	}
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/status/lanes", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, reg.All())
	})
	r.Get("/status/worker-runs", func(w http.ResponseWriter, r *http.Request) {
		running, err := gw.ListRunningWorkerRuns(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		queued, err := gw.ListQueuedWorkerRuns(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, map[string]any{"running": running, "queued": queued})
	})
	r.Get("/status/queue/{chatJID}", func(w http.ResponseWriter, r *http.Request) {
		chatJID := chi.URLParam(r, "chatJID")
		writeJSON(w, 200, map[string]bool{"live_container": queue.HasLiveContainer(chatJID)})
	})
	r.Get("/admin/routes", func(w http.ResponseWriter, r *http.Request) {
		routes, err := routeAdmin.ListRoutes(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, routes)
	})
	r.Get("/admin/routes/services", func(w http.ResponseWriter, _ *http.Request) {
		services := make([]connectivity.ServiceInfo, 0)
		for info := range router.ListServices() {
			services = append(services, info)
		}
		writeJSON(w, 200, services)
	})
	r.Put("/admin/routes/{service}/strategy", func(w http.ResponseWriter, r *http.Request) {
		service := chi.URLParam(r, "service")
		var body struct {
			Strategy string `json:"strategy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, 400, err)
			return
		}
		if err := routeAdmin.SetStrategy(r.Context(), service, body.Strategy); err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/admin/channels", func(w http.ResponseWriter, r *http.Request) {
		rows, err := channelAdmin.ListChannels(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, rows)
	})
	r.Get("/admin/channels/status", func(w http.ResponseWriter, _ *http.Request) {
		active := make([]channels.ChannelInfo, 0)
		for info := range dispatcher.ListChannels() {
			active = append(active, info)
		}
		writeJSON(w, 200, active)
	})
	r.Put("/admin/channels/{name}/enabled", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, 400, err)
			return
		}
		if err := channelAdmin.SetEnabled(r.Context(), name, body.Enabled); err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("admin surface starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	queue.Shutdown(shutdownCtx)
	_ = dispatcher.Close()
	slog.Info("shutdown complete")
}

// --- orchestrator.Runner adapter ---

// containerRunner adapts container.Driver into orchestrator.Runner,
// resolving the image/mounts/env a lane's ContainerConfig describes before
// handing the spawn request to the driver.
type containerRunner struct {
	driver       container.Driver
	lanes        *lanes.Registry
	defaultImage string
}

type containerConfig struct {
	Image string            `json:"image"`
	Mounts map[string]string `json:"mounts"`
	Env    map[string]string `json:"env"`
}

func (r containerRunner) Spawn(ctx context.Context, req orchestrator.SpawnRequest) (*container.Process, error) {
	cfg := containerConfig{Image: r.defaultImage}
	if lane, ok := r.lanes.GetByFolder(req.GroupFolder); ok && len(lane.ContainerConfig) > 0 {
		var parsed containerConfig
		if err := json.Unmarshal(lane.ContainerConfig, &parsed); err == nil {
			if parsed.Image != "" {
				cfg.Image = parsed.Image
			}
			cfg.Mounts = parsed.Mounts
			cfg.Env = parsed.Env
		}
	}
	env := map[string]string{}
	for k, v := range cfg.Env {
		env[k] = v
	}
	env["NANOCLAW_SESSION_ID"] = req.SessionID
	env["NANOCLAW_RUN_ID"] = req.RunID
	env["NANOCLAW_GROUP_FOLDER"] = req.GroupFolder
	return r.driver.Spawn(ctx, cfg.Image, cfg.Mounts, env, []string{req.Prompt}, req.ContainerName)
}

// --- orchestrator.Sender / ipcwatch.Notifier adapters ---

// dispatcherSender routes an outbound reply through the channel registered
// under the target lane's own JID — the internal synthetic channel here,
// or whatever external platform driver a deployment registers in its place.
type dispatcherSender struct {
	dispatcher *channels.Dispatcher
}

func (s dispatcherSender) Send(ctx context.Context, jid, text string) error {
	return s.dispatcher.Send(ctx, channels.Message{
		ChannelName: jid,
		RecipientID: jid,
		Text:        text,
		Direction:   channels.Outbound,
		Timestamp:   time.Now(),
	})
}

// notifier drives ipcwatch's targeted notifications through the
// connectivity router under the "lane-notify" service name, so the local
// vs. remote decision (and the breaker/retry wrapping around it) lives in
// one place shared with every other caller of that service.
type notifier struct{ router *connectivity.Router }

type laneNotifyRequest struct {
	TargetJID string `json:"target_jid"`
	Text      string `json:"text"`
}

func (n notifier) Notify(ctx context.Context, targetJID, text string) error {
	payload, err := json.Marshal(laneNotifyRequest{TargetJID: targetJID, Text: text})
	if err != nil {
		return err
	}
	_, err = n.router.Call(ctx, "lane-notify", payload)
	return err
}

// laneNotifyHandler is the local connectivity.Handler backing the
// "lane-notify" service: decode the request and hand it to the dispatcher
// the same way orchestrator.Sender would.
func laneNotifyHandler(sender dispatcherSender) connectivity.Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req laneNotifyRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("lane-notify: decode request: %w", err)
		}
		return nil, sender.Send(ctx, req.TargetJID, req.Text)
	}
}

// fallbackHTTPFactory wraps connectivity.HTTPFactory with retry and a
// fallback to local dispatching, so flipping a route to "http" at runtime
// degrades gracefully instead of dropping notifications when the remote
// collaborator is unreachable.
func fallbackHTTPFactory(local connectivity.Handler, metrics *observability.MetricsManager, logger *slog.Logger) connectivity.TransportFactory {
	httpFactory := connectivity.HTTPFactory()
	return func(endpoint string, config json.RawMessage) (connectivity.Handler, func(), error) {
		remote, closeFn, err := httpFactory(endpoint, config)
		if err != nil {
			return nil, nil, err
		}
		wrapped := connectivity.Chain(
			connectivity.WithCallLogging(logger, "lane-notify"),
			connectivity.WithObservability(metrics, "lane-notify", "http"),
			connectivity.WithRetry(2, 200*time.Millisecond, logger),
			connectivity.WithFallback(local, "lane-notify", logger),
		)(remote)
		return wrapped, closeFn, nil
	}
}

// --- dispatch.SessionLookup adapter ---

type sessionLookup struct{ gw *store.Gateway }

func (s sessionLookup) OwnerGroupFolder(sessionID string) (string, bool, error) {
	run, err := s.gw.FindWorkerRunByEffectiveSessionID(context.Background(), sessionID)
	if err != nil {
		return "", false, err
	}
	if run == nil {
		return "", false, nil
	}
	return run.GroupFolder, true, nil
}

func (s sessionLookup) LatestReusableSession(groupFolder, repo, branch string) (string, bool, error) {
	run, err := s.gw.GetLatestReusableWorkerSession(context.Background(), groupFolder, repo, branch)
	if err != nil {
		return "", false, err
	}
	if run == nil {
		return "", false, nil
	}
	return run.EffectiveSessionID, true, nil
}

var _ dispatch.SessionLookup = sessionLookup{}

// --- supervisor.EventRecorder adapter ---

type eventRecorder struct{ events *observability.EventLogger }

func (r eventRecorder) LogEvent(ctx context.Context, ev supervisor.ObservedEvent) {
	r.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:  ev.EventType,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Action:     ev.Action,
		Details:    ev.Details,
		Success:    ev.Success,
	})
}

// --- channel <-> lane wiring ---

// upsertSyntheticChannelRow registers lane.JID as a synthetic channel so
// dispatcherSender can reach it through channels.Dispatcher.Send, the way
// an external platform channel would be registered. The Dispatcher's own
// Watch loop picks up the row on its next poll.
func upsertSyntheticChannelRow(db *sql.DB, l model.Lane) {
	cfg, _ := json.Marshal(channels.SyntheticConfig{GroupFolder: l.Folder})
	_, err := db.Exec(
		`INSERT INTO channels (name, platform, enabled, config) VALUES (?, 'synthetic', 1, ?)
		 ON CONFLICT(name) DO UPDATE SET config = excluded.config, enabled = 1`,
		l.JID, string(cfg))
	if err != nil {
		slog.Error("register synthetic channel", "lane", l.Folder, "error", err)
	}
}

// disableChannelRow marks a removed lane's channel row disabled rather
// than deleting it, mirroring the channels table's own enabled=0 noop
// pattern.
func disableChannelRow(db *sql.DB, jid string) {
	if _, err := db.Exec(`UPDATE channels SET enabled = 0 WHERE name = ?`, jid); err != nil {
		slog.Error("disable channel", "jid", jid, "error", err)
	}
}

func inboundHandler(gw *store.Gateway) channels.InboundHandler {
	return func(ctx context.Context, msg channels.Message) ([]channels.Message, error) {
		if msg.Platform == "synthetic" {
			// Synthetic sends already write directly to the gateway; avoid
			// double-storing a message that arrives back through Listen.
			return nil, nil
		}
		err := gw.StoreMessage(ctx, model.Message{
			ChatJID:      msg.RecipientID,
			ID:           msg.ID,
			Sender:       msg.SenderID,
			SenderName:   msg.SenderID,
			Content:      msg.Text,
			TimestampRFC: msg.Timestamp.UTC().Format(time.RFC3339),
		})
		return nil, err
	}
}

// --- helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
