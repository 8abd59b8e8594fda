package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Store keeps build history in memory and, when path is set, mirrors it to a
// JSON file after every change.
type Store struct {
	path string
	mu   sync.Mutex
	jobs map[string]*BuildHistory
}

type persistContainer struct {
	Jobs []BuildHistory `json:"jobs"`
}

// NewStore loads the history file at path. An empty path keeps history in
// memory only.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path: path,
		jobs: make(map[string]*BuildHistory),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var container persistContainer
	if err := json.Unmarshal(data, &container); err != nil {
		return fmt.Errorf("parse history store: %w", err)
	}
	for _, h := range container.Jobs {
		if h.Job == "" {
			continue
		}
		copied := h.Clone()
		s.jobs[h.Job] = &copied
	}
	return nil
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	container := persistContainer{Jobs: make([]BuildHistory, 0, len(s.jobs))}
	for _, h := range s.jobs {
		container.Jobs = append(container.Jobs, h.Clone())
	}
	sort.Slice(container.Jobs, func(i, j int) bool { return container.Jobs[i].Job < container.Jobs[j].Job })

	payload, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) Load(_ context.Context, job string) (BuildHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.jobs[job]
	if !ok {
		return New(job), nil
	}
	return h.Clone(), nil
}

func (s *Store) Record(_ context.Context, job string, rec BuildRecord) (BuildHistory, error) {
	if err := validate(job, rec); err != nil {
		return BuildHistory{}, err
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.jobs[job]
	if !ok {
		fresh := New(job)
		h = &fresh
	}
	next := h.Clone()
	next.Apply(rec)

	prev := s.jobs[job]
	s.jobs[job] = &next
	if err := s.save(); err != nil {
		if prev == nil {
			delete(s.jobs, job)
		} else {
			s.jobs[job] = prev
		}
		return BuildHistory{}, fmt.Errorf("save history: %w", err)
	}
	return next.Clone(), nil
}
