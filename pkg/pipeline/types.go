package pipeline

import "time"

// TriggerKind identifies the event that started a pipeline run.
type TriggerKind string

const (
	TriggerPush        TriggerKind = "push"
	TriggerPullRequest TriggerKind = "pull_request"
	TriggerDispatch    TriggerKind = "dispatch"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
)

// StageStatus represents the state of a single verification stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// StageResult records the outcome of one verification stage or the promotion.
type StageResult struct {
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	StartedAt  time.Time   `json:"started_at,omitempty"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Run is one invocation of the verification+promotion pipeline for a
// triggering event. All stages run against the same revision ref.
type Run struct {
	ID         string        `json:"id"`
	Ref        string        `json:"ref"`
	Trigger    TriggerKind   `json:"trigger"`
	Status     RunStatus     `json:"status"`
	Stages     []StageResult `json:"stages"`
	Promotion  *StageResult  `json:"promotion,omitempty"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

// TriggerEvent is the queue payload that asks a worker to execute a run.
type TriggerEvent struct {
	RunID       string      `json:"run_id"`
	Ref         string      `json:"ref"`
	Trigger     TriggerKind `json:"trigger"`
	RequestedAt int64       `json:"requested_at"`
}
