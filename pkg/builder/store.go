package builder

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a build id is unknown.
	ErrNotFound = errors.New("build not found")
	// ErrNotRunning is returned by BeginFinish when another completion
	// already owns the build or it has finished.
	ErrNotRunning = errors.New("build is not running")
)

type subscriber chan string

type buildRecord struct {
	build       Build
	subscribers []subscriber
	logs        []string
}

// MemStore keeps build records in memory and supports console subscriptions.
type MemStore struct {
	mu      sync.RWMutex
	items   map[string]*buildRecord
	numbers map[string]int
}

func NewMemStore() *MemStore {
	return &MemStore{
		items:   make(map[string]*buildRecord),
		numbers: make(map[string]int),
	}
}

// Create stores a new build. A missing id or number is assigned; numbers are
// sequential per job.
func (s *MemStore) Create(build Build) Build {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if build.ID == "" {
		build.ID = uuid.NewString()
	}
	if build.Number == 0 {
		build.Number = s.numbers[build.Job] + 1
	}
	if build.Number > s.numbers[build.Job] {
		s.numbers[build.Job] = build.Number
	}
	if build.Status == "" {
		build.Status = StatusRunning
	}
	if build.CreatedAt.IsZero() {
		build.CreatedAt = now
	}
	build.UpdatedAt = now

	rec := &buildRecord{build: build}
	s.items[build.ID] = rec
	return rec.build
}

// BeginFinish moves a running build to finishing. Only one caller wins; the
// rest get ErrNotRunning. The winner must call Finish or AbortFinish.
func (s *MemStore) BeginFinish(id string) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	if rec.build.Status != StatusRunning {
		return rec.build, ErrNotRunning
	}
	rec.build.Status = StatusFinishing
	rec.build.UpdatedAt = time.Now().UTC()
	return rec.build, nil
}

// AbortFinish hands a finishing build back to running so the completion can
// be retried.
func (s *MemStore) AbortFinish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.items[id]; ok && rec.build.Status == StatusFinishing {
		rec.build.Status = StatusRunning
		rec.build.UpdatedAt = time.Now().UTC()
	}
}

// Finish records the terminal result of a build.
func (s *MemStore) Finish(id string, result Result, errMsg string) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	now := time.Now().UTC()
	rec.build.Status = StatusFinished
	rec.build.Result = result
	rec.build.UpdatedAt = now
	rec.build.FinishedAt = now
	rec.build.Error = errMsg
	return rec.build, nil
}

func (s *MemStore) SetURL(id, url string) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	rec.build.URL = url
	rec.build.UpdatedAt = time.Now().UTC()
	return rec.build, nil
}

func (s *MemStore) AppendLog(id string, line string) {
	s.mu.Lock()
	rec, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec.logs = append(rec.logs, line)
	s.mu.Unlock()

	s.Broadcast(id, line)
}

func (s *MemStore) Get(id string) (Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	return rec.build, nil
}

// Logs returns a copy of the console lines recorded so far.
func (s *MemStore) Logs(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), rec.logs...), nil
}

// List returns the builds of a job, newest number first.
func (s *MemStore) List(job string) []Build {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Build, 0, len(s.items))
	for _, rec := range s.items {
		if job == "" || rec.build.Job == job {
			result = append(result, rec.build)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number > result[j].Number })
	return result
}

// Subscribe returns a channel that replays the existing console and then
// receives new lines until CloseSubscribers is called.
func (s *MemStore) Subscribe(id string) (<-chan string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}

	ch := make(subscriber, len(rec.logs)+32)
	for _, line := range rec.logs {
		ch <- line
	}
	if rec.build.Status == StatusFinished {
		close(ch)
		return ch, nil
	}
	rec.subscribers = append(rec.subscribers, ch)
	return ch, nil
}

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
