package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/jab3/conveyor/pkg/auth"
	"github.com/jab3/conveyor/pkg/config"
	"github.com/jab3/conveyor/pkg/metrics"
	"github.com/jab3/conveyor/pkg/notify"
	"github.com/jab3/conveyor/pkg/pipeline"
	"github.com/jab3/conveyor/pkg/promote"
	"github.com/jab3/conveyor/pkg/queue"
	"github.com/jab3/conveyor/pkg/stage"
	"github.com/jab3/conveyor/pkg/store"
	"github.com/jab3/conveyor/pkg/telemetry"
)

type server struct {
	cfg      config.PipelineConfig
	memStore *store.MemStore
	pgStore  *store.PostgresStore
	queue    *queue.Queue
	orch     *pipeline.Orchestrator
	logger   *slog.Logger
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.LoadPipeline()
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, "conveyor-pipeline")
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	def, err := pipeline.LoadDefinition(cfg.PipelineFile)
	if err != nil {
		logger.Error("load pipeline definition failed", "error", err)
		os.Exit(1)
	}

	srv := &server{cfg: cfg, memStore: store.NewMemStore(), logger: logger}

	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		pg, err := store.NewPostgresStore(dsn)
		if err != nil {
			logger.Error("postgres init failed", "error", err)
			os.Exit(1)
		}
		srv.pgStore = pg
		defer func() {
			if err := pg.Close(); err != nil {
				logger.Error("postgres close error", "error", err)
			}
		}()
	}

	runner := stage.NewRunner(cfg.CheckoutDir, srv.memStore)
	orch := pipeline.NewOrchestrator(def, runner, srv.memStore, logger)
	if srv.pgStore != nil {
		orch.Archive = srv.pgStore
	}

	if base := strings.TrimSpace(cfg.StatusBaseURL); base != "" {
		notifier := notify.New(base, cfg.StatusToken)
		defer notifier.Close()
		orch.Notifier = notifier
	}

	if target, err := config.LoadRemoteTarget(); err != nil {
		logger.Info("promotion disabled", "reason", err)
	} else {
		orch.Promoter = promote.NewPromoter(target, cfg.CredentialDir, logger)
	}
	srv.orch = orch

	if redisURL := strings.TrimSpace(cfg.RedisURL); redisURL != "" {
		q, err := queue.NewQueue(redisURL)
		if err != nil {
			logger.Error("queue init failed", "error", err)
			os.Exit(1)
		}
		srv.queue = q
		defer func() {
			if err := q.Close(); err != nil {
				logger.Error("queue close error", "error", err)
			}
		}()
		go srv.runWorker(ctx)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/hooks/push", srv.handleTrigger(pipeline.TriggerPush))
		r.Post("/hooks/pull-request", srv.handleTrigger(pipeline.TriggerPullRequest))
		r.Post("/dispatch", srv.handleDispatch)
		r.Get("/runs", srv.handleListRuns)
		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", srv.handleGetRun)
			r.Get("/logs", srv.handleStreamLogs)
		})
	})

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("pipeline service listening", "addr", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("pipeline service failed", "error", err)
		os.Exit(1)
	}
}

// runWorker drains the trigger queue, executing one run at a time.
func (s *server) runWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		event, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("dequeue trigger failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if event == nil {
			continue
		}
		run, err := s.memStore.Get(event.RunID)
		if err != nil {
			s.logger.Error("queued run not found", "run", event.RunID)
			continue
		}
		s.orch.Execute(ctx, run)
	}
}

type triggerRequest struct {
	Ref string `json:"ref"`
}

func (s *server) handleTrigger(kind pipeline.TriggerKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload triggerRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if strings.TrimSpace(payload.Ref) == "" {
			respondError(w, http.StatusBadRequest, "ref is required")
			return
		}
		s.startRun(w, r, kind, payload.Ref)
	}
}

// handleDispatch is the only trigger that can lead to promotion, and it
// requires the dispatch token.
func (s *server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.cfg.DispatchToken) == "" {
		respondError(w, http.StatusServiceUnavailable, "manual dispatch is not configured")
		return
	}
	token, err := auth.ExtractToken(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if !auth.TokenEqual(token, s.cfg.DispatchToken) {
		respondError(w, http.StatusForbidden, "invalid dispatch token")
		return
	}

	var payload triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(payload.Ref) == "" {
		respondError(w, http.StatusBadRequest, "ref is required")
		return
	}
	s.startRun(w, r, pipeline.TriggerDispatch, payload.Ref)
}

func (s *server) startRun(w http.ResponseWriter, r *http.Request, kind pipeline.TriggerKind, ref string) {
	now := time.Now().UTC()
	run := pipeline.Run{
		ID:        uuid.NewString(),
		Ref:       ref,
		Trigger:   kind,
		Status:    pipeline.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.memStore.Create(run)
	if s.pgStore != nil {
		if err := s.pgStore.Upsert(run); err != nil {
			s.logger.Error("persist run failed", "run", run.ID, "error", err)
		}
	}

	if s.queue != nil {
		event := pipeline.TriggerEvent{RunID: run.ID, Ref: ref, Trigger: kind, RequestedAt: now.Unix()}
		if err := s.queue.Enqueue(r.Context(), event); err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("enqueue trigger: %v", err))
			return
		}
	} else {
		go s.orch.Execute(context.Background(), run)
	}

	respondJSON(w, map[string]any{"run": run}, http.StatusAccepted)
}

func (s *server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	if s.pgStore != nil {
		runs, err := s.pgStore.List()
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, map[string]any{"runs": runs}, http.StatusOK)
		return
	}
	respondJSON(w, map[string]any{"runs": s.memStore.List()}, http.StatusOK)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	run, err := s.memStore.Get(id)
	if err != nil && s.pgStore != nil {
		run, err = s.pgStore.Get(id)
	}
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, map[string]any{"run": run}, http.StatusOK)
}

func (s *server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	ch, err := s.memStore.Subscribe(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				fmt.Fprintf(w, "data: %s\n\n", "[stream closed]")
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
