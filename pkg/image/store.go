package image

import (
	"errors"
	"sync"
	"time"
)

// Status represents the lifecycle state of an image build.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Build describes one image build tracked by the builder service.
type Build struct {
	ID          string    `json:"id"`
	Revision    string    `json:"revision"`
	Tag         string    `json:"tag"`
	ArtifactKey string    `json:"artifact_key,omitempty"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

type subscriber chan string

type buildRecord struct {
	build       Build
	logs        []string
	subscribers []subscriber
}

// MemStore keeps image build records in memory with live log fan-out.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*buildRecord
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*buildRecord)}
}

func (s *MemStore) Create(build Build) Build {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &buildRecord{build: build}
	s.items[build.ID] = rec
	return rec.build
}

func (s *MemStore) SetStatus(id string, status Status, errMsg string) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, errors.New("build not found")
	}
	rec.build.Status = status
	rec.build.Error = errMsg
	rec.build.UpdatedAt = time.Now().UTC()
	if status == StatusSucceeded || status == StatusFailed {
		rec.build.FinishedAt = rec.build.UpdatedAt
	}
	return rec.build, nil
}

func (s *MemStore) SetArtifactKey(id, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.items[id]; ok {
		rec.build.ArtifactKey = key
		rec.build.UpdatedAt = time.Now().UTC()
	}
}

func (s *MemStore) Get(id string) (Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, errors.New("build not found")
	}
	return rec.build, nil
}

func (s *MemStore) List() []Build {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Build, 0, len(s.items))
	for _, rec := range s.items {
		result = append(result, rec.build)
	}
	return result
}

func (s *MemStore) AppendLog(id string, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return
	}
	rec.logs = append(rec.logs, line)
	// Non-blocking sends under the lock; CloseSubscribers cannot close a
	// channel mid-send.
	for _, sub := range rec.subscribers {
		select {
		case sub <- line:
		default:
		}
	}
}

func (s *MemStore) Subscribe(id string) (<-chan string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, errors.New("build not found")
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
