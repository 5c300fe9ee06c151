package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// State is the persisted snapshot of a workflow run. It is written after
// every task so an interrupted run can be resumed.
type State struct {
	PlanID           string                 `json:"plan_id"`
	OriginalRequest  string                 `json:"original_request"`
	CurrentTaskIndex int                    `json:"current_task_index"`
	CompletedTasks   []string               `json:"completed_tasks"`
	FailedTasks      []string               `json:"failed_tasks"`
	Context          map[string]interface{} `json:"context"`
	Timestamp        time.Time              `json:"timestamp"`
}

// Store persists workflow state as one JSON file per plan.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// path returns the state file for a plan.
func (s *Store) path(planID string) string {
	return filepath.Join(s.dir, planID+".json")
}

// Save writes the state for its plan. Only JSON-serializable context
// survives; callers must not put live runtime objects in Context.
func (s *Store) Save(state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.Timestamp = time.Now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.WriteFile(s.path(state.PlanID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// Load reads the state for a plan.
func (s *Store) Load(planID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(planID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no saved state for plan %s", planID)
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	return &state, nil
}

// List returns all persisted states, newest first.
func (s *Store) List() ([]*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}

	var states []*State
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var state State
		if err := json.Unmarshal(data, &state); err != nil {
			continue
		}
		states = append(states, &state)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].Timestamp.After(states[j].Timestamp)
	})
	return states, nil
}

// Delete removes the state for a plan. Deleting a missing state is not
// an error.
func (s *Store) Delete(planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(planID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}
