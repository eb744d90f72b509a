package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/jab3/conveyor/pkg/config"
	"github.com/jab3/conveyor/pkg/promote"
)

// promote is the manual dispatch surface outside the HTTP service: it
// runs one promotion for an already-verified revision ref against the
// configured remote target.
func main() {
	ref := flag.String("ref", "", "revision ref to promote (required)")
	credDir := flag.String("credential-dir", "", "base directory for the ephemeral credential bundle (default: system temp)")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if *ref == "" {
		logger.Error("missing required -ref flag")
		flag.Usage()
		os.Exit(2)
	}

	target, err := config.LoadRemoteTarget()
	if err != nil {
		logger.Error("remote target config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promoter := promote.NewPromoter(target, *credDir, logger)
	runID := uuid.NewString()

	result, err := promoter.Promote(ctx, runID, *ref)
	for _, step := range result.Steps {
		if step.Error != "" {
			logger.Error("step failed", "step", step.Name, "error", step.Error)
		} else {
			logger.Info("step ok", "step", step.Name)
		}
	}
	logger.Info("promotion finished", "run", runID, "state", string(result.State), "credentials_cleaned", result.CleanedUp)

	if err != nil {
		logger.Error("promotion failed", "run", runID, "error", err)
		os.Exit(1)
	}
}
