package promote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeRemote struct {
	mu       sync.Mutex
	commands []string
	failOn   string
	uploads  map[string][]byte
	closed   bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{uploads: make(map[string][]byte)}
}

func (f *fakeRemote) Run(_ context.Context, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	if f.failOn != "" && strings.Contains(command, f.failOn) {
		return "", errors.New("exit status 1")
	}
	if strings.Contains(command, "is-active") {
		return "active", nil
	}
	return "", nil
}

func (f *fakeRemote) Upload(remotePath string, data []byte, _ os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[remotePath] = data
	return nil
}

func (f *fakeRemote) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testTarget() Target {
	return Target{
		Host:         "deploy.example.com",
		Port:         22,
		User:         "deploy",
		PrivateKey:   "not-a-real-key",
		WorkDir:      "/srv/jab3",
		BuildCommand: "cargo build --release",
		ServiceUnit:  "jab3",
	}
}

func testPromoter(t *testing.T, remote RemoteRunner, credBase string) *Promoter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPromoter(testTarget(), credBase, logger)
	p.scan = func(string, time.Duration) (string, error) {
		return "deploy.example.com ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIFakeKeyForTests", nil
	}
	p.dial = func(_ Target, bundle *CredentialBundle) (RemoteRunner, error) {
		if _, err := os.Stat(bundle.KeyPath()); err != nil {
			t.Errorf("private key missing at dial time: %v", err)
		}
		if _, err := os.Stat(bundle.KnownHostsPath()); err != nil {
			t.Errorf("known_hosts missing at dial time: %v", err)
		}
		return remote, nil
	}
	return p
}

func assertCredentialsGone(t *testing.T, credBase string) {
	t.Helper()
	entries, err := os.ReadDir(credBase)
	if err != nil {
		t.Fatalf("read credential base dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("credential material survived the run: %v", entries)
	}
}

func TestPromoteRunsStepsInOrder(t *testing.T) {
	remote := newFakeRemote()
	credBase := t.TempDir()
	p := testPromoter(t, remote, credBase)

	result, err := p.Promote(context.Background(), "run-1", "deadbeef")
	if err != nil {
		t.Fatalf("promote returned error: %v", err)
	}
	if result.State != StateCredentialsCleaned {
		t.Fatalf("unexpected terminal state: %s", result.State)
	}
	if !result.CleanedUp {
		t.Fatal("credentials were not cleaned up")
	}
	assertCredentialsGone(t, credBase)

	want := []string{
		"git checkout -f deadbeef",
		"git pull",
		"cargo build --release",
		"systemctl restart jab3",
	}
	if len(remote.commands) < len(want) {
		t.Fatalf("expected at least %d remote commands, got %v", len(want), remote.commands)
	}
	for i, fragment := range want {
		if !strings.Contains(remote.commands[i], fragment) {
			t.Fatalf("command %d = %q, want fragment %q", i, remote.commands[i], fragment)
		}
	}
	if !strings.Contains(remote.commands[len(remote.commands)-1], "is-active") {
		t.Fatalf("expected post-restart status probe, got %q", remote.commands[len(remote.commands)-1])
	}
	if _, ok := remote.uploads["/srv/jab3/.conveyor-release.json"]; !ok {
		t.Fatalf("release manifest not uploaded: %v", remote.uploads)
	}
	if !remote.closed {
		t.Fatal("remote session not closed")
	}
}

func TestPromoteStopsAtFailedStep(t *testing.T) {
	cases := []struct {
		name      string
		failOn    string
		wantState State
		forbidden []string
	}{
		{"checkout fails", "git checkout", StateCredentialsInstalled, []string{"git pull", "cargo build", "systemctl restart"}},
		{"pull fails", "git pull", StateCredentialsInstalled, []string{"cargo build", "systemctl restart"}},
		{"build fails", "cargo build", StateRemoteSynced, []string{"systemctl restart"}},
		{"restart fails", "systemctl restart", StateRemoteRebuilt, []string{"is-active"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			remote := newFakeRemote()
			remote.failOn = tc.failOn
			credBase := t.TempDir()
			p := testPromoter(t, remote, credBase)

			result, err := p.Promote(context.Background(), "run-1", "deadbeef")
			if err == nil {
				t.Fatal("expected promote to fail")
			}
			if result.State != tc.wantState {
				t.Fatalf("state = %s, want %s", result.State, tc.wantState)
			}
			if !result.CleanedUp {
				t.Fatal("credentials were not cleaned up after failure")
			}
			assertCredentialsGone(t, credBase)
			for _, fragment := range tc.forbidden {
				for _, cmd := range remote.commands {
					if strings.Contains(cmd, fragment) {
						t.Fatalf("step after failure still ran: %q", cmd)
					}
				}
			}
			if len(remote.uploads) != 0 {
				t.Fatalf("manifest uploaded on failed promotion: %v", remote.uploads)
			}
		})
	}
}

func TestPromoteScanFailureWritesNothing(t *testing.T) {
	credBase := t.TempDir()
	p := testPromoter(t, newFakeRemote(), credBase)
	p.scan = func(string, time.Duration) (string, error) {
		return "", errors.New("connection refused")
	}
	p.dial = func(Target, *CredentialBundle) (RemoteRunner, error) {
		t.Fatal("dial must not run when the host key scan fails")
		return nil, nil
	}

	result, err := p.Promote(context.Background(), "run-1", "deadbeef")
	if err == nil {
		t.Fatal("expected promote to fail")
	}
	if result.State != StateIdle {
		t.Fatalf("state = %s, want %s", result.State, StateIdle)
	}
	assertCredentialsGone(t, credBase)
}

func TestPromoteDialFailureStillCleansUp(t *testing.T) {
	credBase := t.TempDir()
	p := testPromoter(t, newFakeRemote(), credBase)
	p.dial = func(Target, *CredentialBundle) (RemoteRunner, error) {
		return nil, errors.New("no route to host")
	}

	result, err := p.Promote(context.Background(), "run-1", "deadbeef")
	if err == nil {
		t.Fatal("expected promote to fail")
	}
	if result.State != StateCredentialsInstalled {
		t.Fatalf("state = %s, want %s", result.State, StateCredentialsInstalled)
	}
	if !result.CleanedUp {
		t.Fatal("credentials were not cleaned up")
	}
	assertCredentialsGone(t, credBase)
}

func TestPromoteRejectsOverlappingRuns(t *testing.T) {
	p := testPromoter(t, newFakeRemote(), t.TempDir())
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.Promote(context.Background(), "run-2", "deadbeef")
	if !errors.Is(err, ErrPromotionInFlight) {
		t.Fatalf("expected ErrPromotionInFlight, got %v", err)
	}
}

func TestTargetValidate(t *testing.T) {
	if err := testTarget().Validate(); err != nil {
		t.Fatalf("valid target rejected: %v", err)
	}

	incomplete := testTarget()
	incomplete.Host = ""
	incomplete.PrivateKey = " "
	err := incomplete.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "host") || !strings.Contains(err.Error(), "private key") {
		t.Fatalf("error should name missing fields, got %v", err)
	}
}

func TestTargetAddrDefaultsPort(t *testing.T) {
	target := testTarget()
	target.Port = 0
	if target.Addr() != "deploy.example.com:22" {
		t.Fatalf("unexpected addr: %s", target.Addr())
	}
}
