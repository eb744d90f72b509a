package store

import (
	"errors"
	"sync"
	"time"

	"github.com/jab3/conveyor/pkg/pipeline"
)

type subscriber chan string

type runRecord struct {
	run         pipeline.Run
	logs        []string
	subscribers []subscriber
}

// MemStore keeps pipeline runs in memory and supports log subscriptions
// for live streaming.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*runRecord
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*runRecord)}
}

// cloneRun detaches the stored snapshot from the caller's slice and
// promotion pointer, so neither side observes the other's writes.
func cloneRun(run pipeline.Run) pipeline.Run {
	run.Stages = append([]pipeline.StageResult(nil), run.Stages...)
	if run.Promotion != nil {
		promotion := *run.Promotion
		run.Promotion = &promotion
	}
	return run
}

func (s *MemStore) Create(run pipeline.Run) pipeline.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &runRecord{run: cloneRun(run)}
	s.items[run.ID] = rec
	return rec.run
}

// Update replaces the stored run snapshot, refreshing UpdatedAt.
func (s *MemStore) Update(run pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[run.ID]
	if !ok {
		return errors.New("run not found")
	}
	run = cloneRun(run)
	run.UpdatedAt = time.Now().UTC()
	rec.run = run
	return nil
}

func (s *MemStore) Get(id string) (pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return pipeline.Run{}, errors.New("run not found")
	}
	return cloneRun(rec.run), nil
}

func (s *MemStore) List() []pipeline.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]pipeline.Run, 0, len(s.items))
	for _, rec := range s.items {
		result = append(result, cloneRun(rec.run))
	}
	return result
}

func (s *MemStore) AppendLog(id string, line string) {
	s.mu.Lock()
	rec, ok := s.items[id]
	if ok {
		rec.logs = append(rec.logs, line)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.Broadcast(id, line)
}

func (s *MemStore) Logs(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return nil
	}
	return append([]string(nil), rec.logs...)
}

func (s *MemStore) Subscribe(id string) (<-chan string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, errors.New("run not found")
	}

	ch := make(subscriber, 64)
	rec.subscribers = append(rec.subscribers, ch)
	for _, line := range rec.logs {
		select {
		case ch <- line:
		default:
		}
	}
	return ch, nil
}

// Broadcast fans a message out to current subscribers. Sends are
// non-blocking, so the read lock is held for the whole loop; that keeps
// CloseSubscribers from closing a channel mid-send.
func (s *MemStore) Broadcast(id string, message string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return
	}
	for _, sub := range rec.subscribers {
		select {
		case sub <- message:
		default:
		}
	}
}

func (s *MemStore) CloseSubscribers(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return
	}
	for _, sub := range rec.subscribers {
		close(sub)
	}
	rec.subscribers = nil
}
