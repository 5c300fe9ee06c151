// Package trace persists run traces to disk so finished runs can be
// inspected and replayed.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Metadata describes one run.
type Metadata struct {
	RunID     string    `json:"run_id"`
	Request   string    `json:"request"`
	Model     string    `json:"model,omitempty"`
	Status    string    `json:"status"` // running, finished, failed
	Calls     int       `json:"calls"`
	Answer    string    `json:"answer,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Step is one recorded event within a run.
type Step struct {
	Index  int       `json:"index"`
	Kind   string    `json:"kind"` // decision, tool, override, finish
	Tool   string    `json:"tool,omitempty"`
	Input  string    `json:"input,omitempty"`
	Output string    `json:"output,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// RunTrace is a fully loaded run.
type RunTrace struct {
	Metadata Metadata `json:"metadata"`
	Steps    []Step   `json:"steps"`
}

// Store manages the runs directory. Each run gets its own subdirectory
// holding metadata.json, one JSON file per step, and a final trace.json.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore creates a trace store rooted at dir. The directory gets a
// .gitignore so traces never end up committed from a workspace.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runs directory: %w", err)
	}
	ignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write .gitignore: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

// NewRunID builds a sortable run identifier.
func NewRunID() string {
	return time.Now().Format("20060102-150405") + "_" + uuid.NewString()[:8]
}

// StartRun creates the run directory and initial metadata.
func (s *Store) StartRun(request, model string) (*Recorder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := Metadata{
		RunID:     NewRunID(),
		Request:   request,
		Model:     model,
		Status:    "running",
		StartedAt: time.Now(),
	}
	runDir := filepath.Join(s.dir, meta.RunID)
	if err := os.MkdirAll(filepath.Join(runDir, "steps"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	rec := &Recorder{dir: runDir, meta: meta}
	if err := rec.writeMetadata(); err != nil {
		return nil, err
	}
	return rec, nil
}

// LoadRun reads a complete run back.
func (s *Store) LoadRun(runID string) (*RunTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runDir := filepath.Join(s.dir, runID)

	// A finished run has a consolidated trace.json.
	if data, err := os.ReadFile(filepath.Join(runDir, "trace.json")); err == nil {
		var rt RunTrace
		if err := json.Unmarshal(data, &rt); err != nil {
			return nil, fmt.Errorf("failed to parse trace: %w", err)
		}
		return &rt, nil
	}

	// Otherwise reassemble from metadata and the step files.
	data, err := os.ReadFile(filepath.Join(runDir, "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("run %s not found: %w", runID, err)
	}
	var rt RunTrace
	if err := json.Unmarshal(data, &rt.Metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	entries, err := os.ReadDir(filepath.Join(runDir, "steps"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read steps: %w", err)
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(runDir, "steps", entry.Name()))
		if err != nil {
			continue
		}
		var step Step
		if err := json.Unmarshal(data, &step); err != nil {
			continue
		}
		rt.Steps = append(rt.Steps, step)
	}
	sort.Slice(rt.Steps, func(i, j int) bool { return rt.Steps[i].Index < rt.Steps[j].Index })
	return &rt, nil
}

// ListRuns returns run metadata, newest first.
func (s *Store) ListRuns() ([]Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var runs []Metadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name(), "metadata.json"))
		if err != nil {
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		runs = append(runs, meta)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// CleanupOld deletes all but the newest keep runs.
func (s *Store) CleanupOld(keep int) error {
	runs, err := s.ListRuns()
	if err != nil {
		return err
	}
	if keep < 0 {
		keep = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := keep; i < len(runs); i++ {
		if err := os.RemoveAll(filepath.Join(s.dir, runs[i].RunID)); err != nil {
			return fmt.Errorf("failed to remove run %s: %w", runs[i].RunID, err)
		}
	}
	return nil
}

// Recorder appends steps for one run. It is safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	dir   string
	meta  Metadata
	steps []Step
}

// RunID returns the run's identifier.
func (r *Recorder) RunID() string { return r.meta.RunID }

// RecordStep persists one step immediately so a crash loses at most the
// step in flight.
func (r *Recorder) RecordStep(step Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	step.Index = len(r.steps)
	if step.At.IsZero() {
		step.At = time.Now()
	}
	r.steps = append(r.steps, step)

	data, err := json.MarshalIndent(step, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}
	path := filepath.Join(r.dir, "steps", fmt.Sprintf("step_%03d.json", step.Index))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write step: %w", err)
	}
	return nil
}

// Finish stamps the final status and writes the consolidated trace.json.
func (r *Recorder) Finish(status, answer string, calls int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.meta.Status = status
	r.meta.Answer = answer
	r.meta.Calls = calls
	r.meta.EndedAt = time.Now()

	if err := r.writeMetadata(); err != nil {
		return err
	}

	rt := RunTrace{Metadata: r.meta, Steps: r.steps}
	data, err := json.MarshalIndent(rt, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, "trace.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}
	return nil
}

func (r *Recorder) writeMetadata() error {
	data, err := json.MarshalIndent(r.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, "metadata.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// Summary renders a short one-line description of a run for listings.
func Summary(meta Metadata) string {
	request := meta.Request
	if len(request) > 48 {
		request = request[:45] + "..."
	}
	return fmt.Sprintf("%s  %-8s  %2d calls  %s",
		meta.RunID, meta.Status, meta.Calls, request)
}
