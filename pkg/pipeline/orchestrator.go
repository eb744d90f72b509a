package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jab3/conveyor/pkg/metrics"
	"github.com/jab3/conveyor/pkg/promote"
)

// StageRunner syncs the checkout to a revision and executes verification
// stage commands against it.
type StageRunner interface {
	Checkout(ctx context.Context, runID, ref string) error
	Run(ctx context.Context, runID, name, command string) error
}

// RunPromoter performs the gated remote update for a verified revision.
type RunPromoter interface {
	Promote(ctx context.Context, runID, ref string) (*promote.Result, error)
}

// RunStore is the hot store the orchestrator writes progress into.
type RunStore interface {
	Update(run Run) error
	AppendLog(runID, line string)
	CloseSubscribers(runID string)
}

// ArchiveStore mirrors run snapshots and logs into durable storage.
type ArchiveStore interface {
	Upsert(run Run) error
	AppendLog(runID, line string) error
}

// StatusNotifier reports stage and run outcomes back to the git host.
type StatusNotifier interface {
	PublishStatus(ctx context.Context, ref, statusContext, state, description string) error
}

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Orchestrator runs the declared verification stages concurrently against
// one revision and fires the promotion stage only when the trigger is a
// manual dispatch and every verification stage succeeded.
type Orchestrator struct {
	def    Definition
	stages StageRunner
	store  RunStore
	logger Logger
	tracer trace.Tracer

	// Runs share one checkout directory, so they execute one at a time.
	runMu sync.Mutex

	// Optional collaborators, nil when not configured.
	Promoter RunPromoter
	Archive  ArchiveStore
	Notifier StatusNotifier
}

func NewOrchestrator(def Definition, stages StageRunner, store RunStore, logger Logger) *Orchestrator {
	return &Orchestrator{
		def:    def,
		stages: stages,
		store:  store,
		logger: logger,
		tracer: otel.Tracer("conveyor/pipeline"),
	}
}

// Execute drives one pipeline run to completion and returns the final run
// snapshot. Verification stages share no mutable state and run in
// parallel; their results are collected order-insensitively.
func (o *Orchestrator) Execute(ctx context.Context, run Run) Run {
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.ref", run.Ref),
		attribute.String("run.trigger", string(run.Trigger)),
	))
	defer span.End()
	defer o.store.CloseSubscribers(run.ID)

	o.runMu.Lock()
	defer o.runMu.Unlock()

	run.Status = StatusRunning
	run.Stages = make([]StageResult, len(o.def.Stages))
	for i, stage := range o.def.Stages {
		run.Stages[i] = StageResult{Name: stage.Name, Status: StagePending}
	}
	o.persist(run)

	if err := o.stages.Checkout(ctx, run.ID, run.Ref); err != nil {
		for i := range run.Stages {
			run.Stages[i].Status = StageSkipped
		}
		o.appendLog(run.ID, fmt.Sprintf("checkout %s failed: %v", run.Ref, err))
		return o.finish(ctx, run, StatusFailed, fmt.Sprintf("checkout %s: %v", run.Ref, err))
	}
	o.appendLog(run.ID, "checked out revision "+run.Ref)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed bool
	)
	for i, stage := range o.def.Stages {
		wg.Add(1)
		go func(i int, stage StageSpec) {
			defer wg.Done()
			result := o.runStage(ctx, run.ID, stage)

			mu.Lock()
			run.Stages[i] = result
			if result.Status == StageFailed {
				failed = true
			}
			// Sibling goroutines keep writing their own index, so the
			// snapshot needs its own backing array.
			snapshot := run
			snapshot.Stages = append([]StageResult(nil), run.Stages...)
			mu.Unlock()

			o.persist(snapshot)
			o.publishStageStatus(ctx, run.Ref, stage.Name, result)
		}(i, stage)
	}
	wg.Wait()

	if failed {
		return o.finish(ctx, run, StatusFailed, "verification failed")
	}

	if run.Trigger != TriggerDispatch {
		o.appendLog(run.ID, "all verification stages passed; promotion requires manual dispatch")
		return o.finish(ctx, run, StatusSucceeded, "")
	}

	return o.promoteRun(ctx, run)
}

func (o *Orchestrator) runStage(ctx context.Context, runID string, stage StageSpec) StageResult {
	ctx, span := o.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("stage.name", stage.Name),
	))
	defer span.End()

	result := StageResult{Name: stage.Name, Status: StageRunning, StartedAt: time.Now().UTC()}
	o.appendLog(runID, fmt.Sprintf("[%s] $ %s", stage.Name, stage.Command))

	err := o.stages.Run(ctx, runID, stage.Name, stage.Command)
	result.FinishedAt = time.Now().UTC()
	if err != nil {
		result.Status = StageFailed
		result.Error = err.Error()
		o.appendLog(runID, fmt.Sprintf("[%s] failed: %v", stage.Name, err))
		o.logger.Error("stage failed", "run", runID, "stage", stage.Name, "error", err)
	} else {
		result.Status = StageSucceeded
		o.appendLog(runID, fmt.Sprintf("[%s] passed", stage.Name))
	}
	metrics.StageFinished(stage.Name, result.Status == StageSucceeded)
	return result
}

func (o *Orchestrator) promoteRun(ctx context.Context, run Run) Run {
	ctx, span := o.tracer.Start(ctx, "pipeline.promotion")
	defer span.End()

	promotion := &StageResult{Name: "promotion", Status: StageRunning, StartedAt: time.Now().UTC()}
	run.Promotion = promotion
	o.persist(run)
	o.appendLog(run.ID, "verification passed, starting promotion")

	if o.Promoter == nil {
		promotion.Status = StageFailed
		promotion.Error = "promotion target not configured"
		promotion.FinishedAt = time.Now().UTC()
		metrics.PromotionFinished(false)
		return o.finish(ctx, run, StatusFailed, promotion.Error)
	}

	result, err := o.Promoter.Promote(ctx, run.ID, run.Ref)
	promotion.FinishedAt = time.Now().UTC()
	if result == nil {
		result = &promote.Result{}
	}
	for _, step := range result.Steps {
		if step.Error != "" {
			o.appendLog(run.ID, fmt.Sprintf("[promotion] %s failed: %s", step.Name, step.Error))
		} else {
			o.appendLog(run.ID, fmt.Sprintf("[promotion] %s ok", step.Name))
		}
	}
	if err != nil {
		promotion.Status = StageFailed
		promotion.Error = err.Error()
		metrics.PromotionFinished(false)
		return o.finish(ctx, run, StatusFailed, fmt.Sprintf("promotion: %v", err))
	}

	promotion.Status = StageSucceeded
	o.appendLog(run.ID, fmt.Sprintf("promotion reached state %s", result.State))
	metrics.PromotionFinished(true)
	return o.finish(ctx, run, StatusSucceeded, "")
}

func (o *Orchestrator) finish(ctx context.Context, run Run, status RunStatus, errMsg string) Run {
	run.Status = status
	run.Error = errMsg
	run.FinishedAt = time.Now().UTC()
	o.persist(run)
	metrics.RunFinished(string(run.Trigger), string(status))

	state := "success"
	description := "pipeline passed"
	if status == StatusFailed {
		state = "failure"
		description = errMsg
		o.logger.Error("run failed", "run", run.ID, "ref", run.Ref, "error", errMsg)
	} else {
		o.logger.Info("run finished", "run", run.ID, "ref", run.Ref, "status", status)
	}
	if o.Notifier != nil {
		if err := o.Notifier.PublishStatus(ctx, run.Ref, "conveyor/pipeline", state, description); err != nil {
			o.logger.Error("publish run status", "run", run.ID, "error", err)
		}
	}
	return run
}

func (o *Orchestrator) publishStageStatus(ctx context.Context, ref, name string, result StageResult) {
	if o.Notifier == nil {
		return
	}
	state := "success"
	description := "stage passed"
	if result.Status == StageFailed {
		state = "failure"
		description = result.Error
	}
	if err := o.Notifier.PublishStatus(ctx, ref, "conveyor/"+name, state, description); err != nil {
		o.logger.Error("publish stage status", "stage", name, "error", err)
	}
}

func (o *Orchestrator) persist(run Run) {
	if err := o.store.Update(run); err != nil {
		o.logger.Error("store update", "run", run.ID, "error", err)
	}
	if o.Archive != nil {
		if err := o.Archive.Upsert(run); err != nil {
			o.logger.Error("archive run", "run", run.ID, "error", err)
		}
	}
}

func (o *Orchestrator) appendLog(runID, line string) {
	o.store.AppendLog(runID, line)
	if o.Archive != nil {
		if err := o.Archive.AppendLog(runID, line); err != nil {
			o.logger.Error("archive log", "run", runID, "error", err)
		}
	}
}
