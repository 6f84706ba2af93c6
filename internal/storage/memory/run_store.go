package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
)

// RunStore keeps run metadata in memory for the ops API.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]crawler.Run
	now  func() time.Time
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]crawler.Run),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run crawler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("run already exists")
	}
	run.Sites = append([]string(nil), run.Sites...)
	s.runs[run.ID] = run
	return nil
}

// UpdateRun sets the status and counters, stamping start and finish times.
func (s *RunStore) UpdateRun(
	_ context.Context,
	runID string,
	status crawler.RunStatus,
	errText string,
	counters crawler.RunCounters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.ErrRunNotFound
	}
	run.Status = status
	run.ErrorText = errText
	run.Counters = counters
	now := s.now()
	if status == crawler.RunStatusRunning && run.Started == nil {
		run.Started = &now
	}
	if status.Terminal() && run.Finished == nil {
		run.Finished = &now
	}
	s.runs[runID] = run
	return nil
}

// SetOutput records where the run's workbook was written.
func (s *RunStore) SetOutput(_ context.Context, runID string, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.ErrRunNotFound
	}
	run.OutputURI = uri
	s.runs[runID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.Run{}, crawler.ErrRunNotFound
	}
	return run, nil
}

// ListRuns returns every run, newest first.
func (s *RunStore) ListRuns(_ context.Context) ([]crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].ID > out[j].ID
		}
		return out[i].Submitted.After(out[j].Submitted)
	})
	return out, nil
}
