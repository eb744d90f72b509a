package promote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"
)

// State is the promotion state machine position. Every run ends with the
// credential bundle removed, whichever state it failed in.
type State string

const (
	StateIdle                 State = "idle"
	StateCredentialsInstalled State = "credentials_installed"
	StateRemoteSynced         State = "remote_synced"
	StateRemoteRebuilt        State = "remote_rebuilt"
	StateServiceRestarted     State = "service_restarted"
	StateCredentialsCleaned   State = "credentials_cleaned"
)

// ErrPromotionInFlight is returned when a promotion is requested while
// another one still holds the target.
var ErrPromotionInFlight = errors.New("promotion already in flight")

// Target identifies the machine and service being promoted. It is
// immutable once the promoter is constructed; steps never consult the
// environment.
type Target struct {
	Host         string
	Port         int
	User         string
	PrivateKey   string
	WorkDir      string
	BuildCommand string
	ServiceUnit  string
}

func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

func (t Target) Validate() error {
	var missing []string
	if strings.TrimSpace(t.Host) == "" {
		missing = append(missing, "host")
	}
	if strings.TrimSpace(t.User) == "" {
		missing = append(missing, "user")
	}
	if strings.TrimSpace(t.PrivateKey) == "" {
		missing = append(missing, "private key")
	}
	if strings.TrimSpace(t.WorkDir) == "" {
		missing = append(missing, "workdir")
	}
	if strings.TrimSpace(t.BuildCommand) == "" {
		missing = append(missing, "build command")
	}
	if strings.TrimSpace(t.ServiceUnit) == "" {
		missing = append(missing, "service unit")
	}
	if len(missing) > 0 {
		return fmt.Errorf("remote target missing %s", strings.Join(missing, ", "))
	}
	return nil
}

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// StepResult records one remote command of the promotion sequence.
type StepResult struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result reports how far a promotion progressed. State is the furthest
// state reached before cleanup; CleanedUp is true once the credential
// bundle has been removed.
type Result struct {
	State     State        `json:"state"`
	Steps     []StepResult `json:"steps"`
	CleanedUp bool         `json:"cleaned_up"`
}

// Promoter drives the remote update sequence: checkout, pull, rebuild,
// service restart. Steps run strictly in order over one SSH connection,
// one remote command per step, so a partial failure is reported per step
// rather than collapsed into a single exit code.
type Promoter struct {
	target  Target
	credDir string
	logger  Logger

	mu   sync.Mutex
	scan func(addr string, timeout time.Duration) (string, error)
	dial DialFunc
}

func NewPromoter(target Target, credDir string, logger Logger) *Promoter {
	return &Promoter{
		target:  target,
		credDir: credDir,
		logger:  logger,
		scan:    ScanHostKey,
		dial:    dialSSH,
	}
}

type releaseManifest struct {
	Revision   string `json:"revision"`
	RunID      string `json:"run_id"`
	PromotedAt string `json:"promoted_at"`
}

// Promote updates the remote working directory to ref, rebuilds the
// service, and restarts its unit. The credential bundle is removed on
// every exit path. There is no retry and no rollback: a failure after a
// successful pull leaves the remote tree at the new revision without a
// restarted service.
func (p *Promoter) Promote(ctx context.Context, runID, ref string) (res *Result, err error) {
	if !p.mu.TryLock() {
		return &Result{State: StateIdle}, ErrPromotionInFlight
	}
	defer p.mu.Unlock()

	res = &Result{State: StateIdle}

	hostLine, err := p.scan(p.target.Addr(), 10*time.Second)
	if err != nil {
		return res, fmt.Errorf("scan host key: %w", err)
	}

	bundle, err := InstallCredentials(p.credDir, p.target.PrivateKey, hostLine+"\n")
	if err != nil {
		return res, fmt.Errorf("install credentials: %w", err)
	}
	res.State = StateCredentialsInstalled
	defer func() {
		if removeErr := bundle.Remove(); removeErr != nil {
			p.logger.Error("remove credentials", "run", runID, "error", removeErr)
			return
		}
		res.CleanedUp = true
		// A failed run keeps the state it reached; only a fully
		// successful one terminates in the cleaned state.
		if err == nil {
			res.State = StateCredentialsCleaned
		}
	}()

	runner, err := p.dial(p.target, bundle)
	if err != nil {
		return res, fmt.Errorf("connect to target: %w", err)
	}
	defer runner.Close()

	sudo := ""
	if p.target.User != "root" {
		sudo = "sudo "
	}

	steps := []struct {
		name    string
		command string
		state   State
	}{
		{"checkout", fmt.Sprintf("cd %s && git checkout -f %s", p.target.WorkDir, ref), ""},
		{"pull", fmt.Sprintf("cd %s && git pull", p.target.WorkDir), StateRemoteSynced},
		{"build", fmt.Sprintf("cd %s && %s", p.target.WorkDir, p.target.BuildCommand), StateRemoteRebuilt},
		{"restart", sudo + "systemctl restart " + p.target.ServiceUnit, StateServiceRestarted},
	}

	for _, step := range steps {
		p.logger.Info("promotion step", "run", runID, "step", step.name)
		output, runErr := runner.Run(ctx, step.command)
		record := StepResult{Name: step.name, Command: step.command, Output: output}
		if runErr != nil {
			record.Error = runErr.Error()
			res.Steps = append(res.Steps, record)
			return res, fmt.Errorf("%s: %w", step.name, runErr)
		}
		res.Steps = append(res.Steps, record)
		if step.state != "" {
			res.State = step.state
		}
	}

	status, err := runner.Run(ctx, sudo+"systemctl is-active "+p.target.ServiceUnit)
	if err != nil {
		return res, fmt.Errorf("service status check: %w", err)
	}
	if !strings.Contains(status, "active") {
		return res, fmt.Errorf("service %s inactive after restart: %s", p.target.ServiceUnit, status)
	}

	manifest, err := json.Marshal(releaseManifest{
		Revision:   ref,
		RunID:      runID,
		PromotedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err == nil {
		manifestPath := path.Join(p.target.WorkDir, ".conveyor-release.json")
		if uploadErr := runner.Upload(manifestPath, manifest, 0o644); uploadErr != nil {
			// The service is already restarted; a missing manifest is
			// not worth failing the promotion over.
			p.logger.Error("upload release manifest", "run", runID, "error", uploadErr)
		}
	}

	p.logger.Info("promotion complete", "run", runID, "ref", ref)
	return res, nil
}
