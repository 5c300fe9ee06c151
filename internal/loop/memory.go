package loop

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// defaultMemorySize is the ring buffer capacity.
const defaultMemorySize = 20

// Entry is one recorded tool interaction.
type Entry struct {
	Input  string
	Output string
	Tool   string
	At     time.Time
}

// ShortTermMemory is a bounded ring of recent tool interactions. It backs
// the loop's progress checks: has this input been tried, how often, and
// did it produce essentially the same output.
type ShortTermMemory struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	now      func() time.Time
}

// NewShortTermMemory creates a memory with the given capacity
// (default 20 when zero or negative).
func NewShortTermMemory(capacity int) *ShortTermMemory {
	if capacity <= 0 {
		capacity = defaultMemorySize
	}
	return &ShortTermMemory{capacity: capacity, now: time.Now}
}

// Add records an interaction, evicting the oldest entry when full.
func (m *ShortTermMemory) Add(input, output, tool string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{
		Input:  input,
		Output: output,
		Tool:   tool,
		At:     m.now(),
	})
	if len(m.entries) > m.capacity {
		m.entries = m.entries[len(m.entries)-m.capacity:]
	}
}

// Len returns the number of stored entries.
func (m *ShortTermMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Entries returns a copy of the stored entries, oldest first.
func (m *ShortTermMemory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// InputFrequency returns how many stored entries used the given input.
// Callers that consult it before Add (as the execution step does) therefore
// get the count of PRIOR attempts, excluding the call being considered.
func (m *ShortTermMemory) InputFrequency(input string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Input == input {
			n++
		}
	}
	return n
}

// HasSeen reports whether any stored entry used the given input.
func (m *ShortTermMemory) HasSeen(input string) bool {
	return m.InputFrequency(input) > 0
}

// LastOutput returns the most recent output recorded for the tool, or
// the empty string when the tool has not run yet.
func (m *ShortTermMemory) LastOutput(tool string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Tool == tool {
			return m.entries[i].Output
		}
	}
	return ""
}

// SimilarResults returns stored entries whose output is at least
// threshold-similar to the given output.
func (m *ShortTermMemory) SimilarResults(output string, threshold float64) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if Similarity(e.Output, output) >= threshold {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears the memory. Safe to call repeatedly.
func (m *ShortTermMemory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
}

// Summary renders the most recent entries for a best-effort answer when
// the loop has to stop early.
func (m *ShortTermMemory) Summary(n int) string {
	entries := m.Entries()
	if len(entries) == 0 {
		return ""
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	var b strings.Builder
	for _, e := range entries {
		out := e.Output
		if len(out) > 200 {
			out = out[:200] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", e.Tool, out)
	}
	return strings.TrimSpace(b.String())
}

// Similarity computes the Jaccard index over lowercase word bags. Two empty
// strings are identical (1.0); an empty string against a non-empty one
// shares nothing (0.0).
func Similarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}
	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}
