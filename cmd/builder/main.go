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

	"github.com/jab3/conveyor/pkg/artifact"
	"github.com/jab3/conveyor/pkg/config"
	"github.com/jab3/conveyor/pkg/image"
)

type server struct {
	cfg       config.BuilderConfig
	store     *image.MemStore
	builder   *image.Builder
	artifacts *artifact.Store
	logger    *slog.Logger
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.LoadBuilder()
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}

	srv := &server{cfg: cfg, store: image.NewMemStore(), logger: logger}
	srv.builder = image.NewBuilder(srv.store)

	if strings.TrimSpace(cfg.ArtifactEndpoint) != "" {
		store, err := artifact.NewStore(artifact.Config{
			Endpoint:  cfg.ArtifactEndpoint,
			AccessKey: cfg.ArtifactAccessKey,
			SecretKey: cfg.ArtifactSecretKey,
			Bucket:    cfg.ArtifactBucket,
			Region:    cfg.ArtifactRegion,
			UseSSL:    cfg.ArtifactUseSSL,
		})
		if err != nil {
			logger.Error("artifact store init failed", "error", err)
			os.Exit(1)
		}
		if err := store.EnsureBucket(context.Background()); err != nil {
			logger.Error("artifact bucket init failed", "error", err)
			os.Exit(1)
		}
		srv.artifacts = store
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/images", srv.handleCreateBuild)
		r.Get("/images", srv.handleListBuilds)
		r.Route("/images/{buildID}", func(r chi.Router) {
			r.Get("/", srv.handleGetBuild)
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

	logger.Info("image builder listening", "addr", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("image builder failed", "error", err)
		os.Exit(1)
	}
}

type createBuildRequest struct {
	Revision   string `json:"revision"`
	Tag        string `json:"tag,omitempty"`
	ContextDir string `json:"context_dir,omitempty"`
	Archive    bool   `json:"archive,omitempty"`
}

func (s *server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var payload createBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(payload.Revision) == "" {
		respondError(w, http.StatusBadRequest, "revision is required")
		return
	}

	tag := payload.Tag
	if tag == "" {
		tag = fmt.Sprintf("%s:%s", s.cfg.ImageRepository, payload.Revision)
	}
	contextDir := payload.ContextDir
	if contextDir == "" {
		contextDir = s.cfg.ContextDir
	}

	now := time.Now().UTC()
	build := image.Build{
		ID:        uuid.NewString(),
		Revision:  payload.Revision,
		Tag:       tag,
		Status:    image.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.store.Create(build)
	respondJSON(w, map[string]any{"build": build}, http.StatusAccepted)

	go s.runBuild(build, contextDir, payload.Archive)
}

func (s *server) runBuild(build image.Build, contextDir string, archive bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	defer s.store.CloseSubscribers(build.ID)

	recipe := image.DefaultRecipe()
	s.setStatus(build.ID, image.StatusRunning, "")
	s.store.AppendLog(build.ID, fmt.Sprintf("building %s from revision %s", build.Tag, build.Revision))

	if err := s.builder.Build(ctx, build.ID, contextDir, build.Tag, recipe); err != nil {
		s.fail(build.ID, err)
		return
	}

	if err := s.builder.VerifyRuntime(ctx, build.Tag, recipe); err != nil {
		s.fail(build.ID, fmt.Errorf("runtime image verification: %w", err))
		return
	}
	s.store.AppendLog(build.ID, "runtime image verified: entrypoint runs the compiled binary")

	if archive && s.artifacts != nil {
		binary, err := s.builder.ExportBinary(ctx, build.Tag, recipe)
		if err != nil {
			s.fail(build.ID, fmt.Errorf("export binary: %w", err))
			return
		}
		key := fmt.Sprintf("%s/%s/%s", recipe.BinaryName, build.Revision, recipe.BinaryName)
		if err := s.artifacts.Put(ctx, key, binary); err != nil {
			s.fail(build.ID, err)
			return
		}
		s.store.SetArtifactKey(build.ID, key)
		s.store.AppendLog(build.ID, "artifact archived: "+key)
	}

	s.setStatus(build.ID, image.StatusSucceeded, "")
	s.store.AppendLog(build.ID, "build completed successfully")
}

func (s *server) fail(id string, err error) {
	s.logger.Error("image build failed", "build", id, "error", err)
	s.store.AppendLog(id, err.Error())
	s.setStatus(id, image.StatusFailed, err.Error())
}

func (s *server) setStatus(id string, status image.Status, errMsg string) {
	if _, err := s.store.SetStatus(id, status, errMsg); err != nil {
		s.logger.Error("status update failed", "build", id, "error", err)
	}
}

func (s *server) handleListBuilds(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, map[string]any{"builds": s.store.List()}, http.StatusOK)
}

func (s *server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	build, err := s.store.Get(chi.URLParam(r, "buildID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, map[string]any{"build": build}, http.StatusOK)
}

func (s *server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	ch, err := s.store.Subscribe(chi.URLParam(r, "buildID"))
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
