package primary

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ruteri/coaching-backup/interfaces"
)

// MemoryStore is an in-process PrimaryStore for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	tests   map[string]interfaces.Test
	results map[string][]interfaces.Result
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tests:   make(map[string]interfaces.Test),
		results: make(map[string][]interfaces.Result),
	}
}

func (s *MemoryStore) ListTests(ctx context.Context) ([]interfaces.Test, error) {
	return s.list(func(interfaces.Test) bool { return true }), nil
}

func (s *MemoryStore) ListPublishedTests(ctx context.Context) ([]interfaces.Test, error) {
	return s.list(func(t interfaces.Test) bool { return t.Published }), nil
}

func (s *MemoryStore) list(keep func(interfaces.Test) bool) []interfaces.Test {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []interfaces.Test{}
	for _, t := range s.tests {
		if keep(t) {
			out = append(out, cloneTest(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) GetTest(ctx context.Context, id string) (*interfaces.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tests[id]
	if !ok {
		return nil, fmt.Errorf("%w: test %s", interfaces.ErrNotFound, id)
	}
	c := cloneTest(t)
	return &c, nil
}

func (s *MemoryStore) UpsertTest(ctx context.Context, test *interfaces.Test) error {
	if err := test.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tests[test.ID]; ok {
		test.CreatedAt = existing.CreatedAt
	}
	s.tests[test.ID] = cloneTest(*test)
	return nil
}

func (s *MemoryStore) InsertResult(ctx context.Context, result *interfaces.Result) error {
	if err := result.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tests[result.TestID]; !ok {
		return fmt.Errorf("%w: test %s", interfaces.ErrNotFound, result.TestID)
	}
	for _, r := range s.results[result.TestID] {
		if r.ID == result.ID {
			return fmt.Errorf("%w: result %s", interfaces.ErrAlreadyExists, result.ID)
		}
	}
	s.results[result.TestID] = append(s.results[result.TestID], *result)
	return nil
}

func (s *MemoryStore) ListResults(ctx context.Context, testID string) ([]interfaces.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tests[testID]; !ok {
		return nil, fmt.Errorf("%w: test %s", interfaces.ErrNotFound, testID)
	}
	return append([]interfaces.Result{}, s.results[testID]...), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// cloneTest deep-copies a test so callers cannot mutate stored state.
func cloneTest(t interfaces.Test) interfaces.Test {
	raw, err := json.Marshal(t)
	if err != nil {
		return t
	}
	var c interfaces.Test
	if err := json.Unmarshal(raw, &c); err != nil {
		return t
	}
	return c
}
