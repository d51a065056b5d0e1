// Command coordd runs the coordination daemon: the message broker, job
// board, voting engine, agent registry, and their supporting rate
// limiter, circuit breaker, and maintenance loop, behind a status/health
// HTTP and WebSocket surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/basket/coordd/internal/audit"
	"github.com/basket/coordd/internal/breaker"
	"github.com/basket/coordd/internal/broker"
	"github.com/basket/coordd/internal/bus"
	"github.com/basket/coordd/internal/config"
	"github.com/basket/coordd/internal/jobs"
	"github.com/basket/coordd/internal/maintenance"
	"github.com/basket/coordd/internal/otelmetrics"
	"github.com/basket/coordd/internal/ratelimit"
	"github.com/basket/coordd/internal/registry"
	"github.com/basket/coordd/internal/shared"
	"github.com/basket/coordd/internal/statusws"
	"github.com/basket/coordd/internal/store"
	"github.com/basket/coordd/internal/telemetry"
	"github.com/basket/coordd/internal/voting"
)

func main() {
	homeDir := flag.String("home", "./coordd-home", "directory holding config.yaml, data/, and logs/")
	logLevel := flag.String("log-level", "", "overrides config.yaml's log_level")
	flag.Parse()

	if err := run(*homeDir, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "coordd:", err)
		os.Exit(1)
	}
}

func run(homeDir, logLevelOverride string) error {
	cfg, err := config.Load(filepath.Join(homeDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := cfg.LogLevel
	if logLevelOverride != "" {
		level = logLevelOverride
	}

	logger, logCloser, err := telemetry.NewLogger(homeDir, level, false)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataDir := cfg.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(homeDir, dataDir)
	}

	st, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	auditLog, err := audit.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	events := bus.NewWithLogger(logger)
	limiter := ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond)
	cb := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.OpenFor)

	metrics, err := otelmetrics.New(ctx, os.Stdout)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer metrics.Shutdown(context.Background())

	br := broker.New(st, limiter, cb, auditLog, events)
	br.SetMetrics(metrics)
	board := jobs.New(st, auditLog, events)
	votes := voting.New(st, auditLog, events, br)
	votes.SetMetrics(metrics)
	reg := registry.New(st, auditLog, events)

	mcfg := maintenance.Config{
		Interval:               cfg.Maintenance.Interval,
		PriorityAgingEnabled:   cfg.Maintenance.PriorityAgingEnabled,
		PriorityAgingThreshold: cfg.Maintenance.PriorityAgingThreshold,
		RecurringVotesEnabled:  cfg.Maintenance.RecurringVotesEnabled,
	}
	sweep := maintenance.New(st, board, votes, auditLog, events, mcfg, logger)
	sweep.Start(ctx)
	defer sweep.Stop()

	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				reloadConfig(homeDir, ev.Path, logger, limiter, cb, sweep)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler(st, logger))
	mux.HandleFunc("/status/agents/", agentHealthHandler(reg))
	mux.HandleFunc("/status/audit", auditHandler(st))
	mux.Handle("/status/stream", statusws.New(events, logger))

	httpServer := &http.Server{Addr: cfg.StatusAddr, Handler: withTraceID(mux)}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("coordd listening", "addr", cfg.StatusAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		return fmt.Errorf("status server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// reloadConfig re-reads config.yaml after a watcher event and pushes the
// rate limiter, breaker, and maintenance thresholds it controls into the
// already-running components. DataDir, LogLevel, and StatusAddr are fixed
// at process start (the store, logger, and HTTP listener are already
// bound to their original values) and still require a restart to change.
func reloadConfig(homeDir, path string, logger *slog.Logger, limiter *ratelimit.Limiter, cb *breaker.Breaker, sweep *maintenance.Loop) {
	logger.Info("config changed, reloading", "path", path)
	cfg, err := config.Load(filepath.Join(homeDir, "config.yaml"))
	if err != nil {
		logger.Warn("config reload failed, keeping previous values", "error", err)
		return
	}

	limiter.SetLimits(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond)
	cb.SetThresholds(cfg.Breaker.FailureThreshold, cfg.Breaker.OpenFor)
	sweep.SetConfig(maintenance.Config{
		Interval:               cfg.Maintenance.Interval,
		PriorityAgingEnabled:   cfg.Maintenance.PriorityAgingEnabled,
		PriorityAgingThreshold: cfg.Maintenance.PriorityAgingThreshold,
		RecurringVotesEnabled:  cfg.Maintenance.RecurringVotesEnabled,
	})
	logger.Info("config reload applied", "rate_limit_capacity", cfg.RateLimit.Capacity,
		"breaker_threshold", cfg.Breaker.FailureThreshold, "maintenance_interval", cfg.Maintenance.Interval)
}

// healthResponse is the /healthz payload: daemon liveness plus a shallow
// store check (a running SELECT), distinct from per-agent liveness which
// lives under the registry's own Health call.
type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

func healthHandler(st *store.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Store: "ok"}
		if err := st.DB().PingContext(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Store = err.Error()
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		logger.Debug("healthz", "trace_id", shared.TraceID(r.Context()), "status", resp.Status)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// auditHandler serves /status/audit?limit=N, the read side of the audit
// log's dual-write: the sidecar file is for operator tailing, this is for
// a status dashboard.
func auditHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if q := r.URL.Query().Get("limit"); q != "" {
			if n, err := strconv.Atoi(q); err == nil {
				limit = n
			}
		}
		events, err := audit.Recent(r.Context(), st.DB(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(events)
	}
}

// withTraceID assigns every request a trace_id (reusing an inbound
// X-Trace-Id header if the caller already has one), threading it through
// the request context the way internal/shared's helpers expect, and
// echoes it back for correlation with the JSONL logs.
func withTraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(shared.WithTraceID(r.Context(), traceID)))
	})
}

// agentHealthHandler serves /status/agents/{agent_id}, reporting the
// registry's own liveness classification for one agent.
func agentHealthHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := r.URL.Path[len("/status/agents/"):]
		if agentID == "" {
			http.Error(w, "agent_id required", http.StatusBadRequest)
			return
		}
		status, err := reg.Health(r.Context(), agentID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	}
}

