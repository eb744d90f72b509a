package store

import (
	"sync"
	"testing"
	"time"

	"github.com/jab3/conveyor/pkg/pipeline"
)

func newRun(id string) pipeline.Run {
	now := time.Now().UTC()
	return pipeline.Run{
		ID:        id,
		Ref:       "deadbeef",
		Trigger:   pipeline.TriggerPush,
		Status:    pipeline.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemStoreCreateGetUpdate(t *testing.T) {
	s := NewMemStore()
	s.Create(newRun("run-1"))

	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != pipeline.StatusQueued {
		t.Fatalf("unexpected status: %s", got.Status)
	}

	got.Status = pipeline.StatusRunning
	if err := s.Update(got); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	updated, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("get after update failed: %v", err)
	}
	if updated.Status != pipeline.StatusRunning {
		t.Fatalf("update not applied: %s", updated.Status)
	}

	if err := s.Update(newRun("missing")); err == nil {
		t.Fatal("expected error updating unknown run")
	}
	if _, err := s.Get("missing"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestMemStoreList(t *testing.T) {
	s := NewMemStore()
	s.Create(newRun("run-1"))
	s.Create(newRun("run-2"))

	if got := len(s.List()); got != 2 {
		t.Fatalf("list length = %d, want 2", got)
	}
}

func TestMemStoreSnapshotsAreIndependent(t *testing.T) {
	s := NewMemStore()
	run := newRun("run-1")
	run.Stages = []pipeline.StageResult{{Name: "compile", Status: pipeline.StageRunning}}
	s.Create(run)

	// Writes through the caller's slice must not reach the stored snapshot.
	run.Stages[0].Status = pipeline.StageFailed
	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Stages[0].Status != pipeline.StageRunning {
		t.Fatalf("caller write leaked into store: %s", got.Stages[0].Status)
	}

	// And writes through a returned snapshot must not reach the store.
	got.Stages[0].Status = pipeline.StageFailed
	again, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if again.Stages[0].Status != pipeline.StageRunning {
		t.Fatalf("reader write leaked into store: %s", again.Stages[0].Status)
	}

	promo := pipeline.StageResult{Name: "promotion", Status: pipeline.StageRunning}
	run.Promotion = &promo
	if err := s.Update(run); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	promo.Status = pipeline.StageSucceeded
	stored, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Promotion.Status != pipeline.StageRunning {
		t.Fatalf("promotion pointer shared with caller: %s", stored.Promotion.Status)
	}
}

func TestMemStoreLogsAndSubscribe(t *testing.T) {
	s := NewMemStore()
	s.Create(newRun("run-1"))

	s.AppendLog("run-1", "[compile] checking")
	s.AppendLog("missing", "dropped silently")

	if logs := s.Logs("run-1"); len(logs) != 1 || logs[0] != "[compile] checking" {
		t.Fatalf("unexpected logs: %v", logs)
	}

	ch, err := s.Subscribe("run-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	// Backlog is replayed on subscribe.
	if line := <-ch; line != "[compile] checking" {
		t.Fatalf("unexpected backlog line: %q", line)
	}

	s.AppendLog("run-1", "[compile] done")
	if line := <-ch; line != "[compile] done" {
		t.Fatalf("unexpected live line: %q", line)
	}

	s.CloseSubscribers("run-1")
	if _, open := <-ch; open {
		t.Fatal("channel should be closed")
	}

	if _, err := s.Subscribe("missing"); err == nil {
		t.Fatal("expected error subscribing to unknown run")
	}
}

func TestMemStoreCloseDuringBroadcast(t *testing.T) {
	s := NewMemStore()
	s.Create(newRun("run-1"))
	if _, err := s.Subscribe("run-1"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.AppendLog("run-1", "line")
		}
	}()
	go func() {
		defer wg.Done()
		s.CloseSubscribers("run-1")
	}()
	wg.Wait()
}
