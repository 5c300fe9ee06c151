package loop

import (
	"sync"
	"time"
)

// Verdict is the outcome of recording a tool call with the tracker.
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictTotalLimit
	VerdictConsecutiveLimit
	VerdictRepetition
	VerdictBurst
)

// String returns a log-friendly verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictTotalLimit:
		return "total_limit"
	case VerdictConsecutiveLimit:
		return "consecutive_limit"
	case VerdictRepetition:
		return "repetition"
	case VerdictBurst:
		return "burst"
	default:
		return "ok"
	}
}

// TrackerConfig holds the loop guard ceilings.
type TrackerConfig struct {
	MaxConsecutive      int           // same tool back to back
	MaxTotal            int           // all tools, per run
	Window              int           // W; the detector scans the last 2*W records
	RepetitionThreshold int           // identical (tool,input) pairs that flag a loop
	BurstCalls          int           // same-tool calls within BurstWindow that flag a loop
	BurstWindow         time.Duration
}

// DefaultTrackerConfig returns the standard ceilings.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxConsecutive:      3,
		MaxTotal:            15,
		Window:              5,
		RepetitionThreshold: 3,
		BurstCalls:          3,
		BurstWindow:         time.Second,
	}
}

type callRecord struct {
	tool  string
	input string
	at    time.Time
}

// CallTracker guards the control loop against runaway tool usage.
type CallTracker struct {
	mu  sync.Mutex
	cfg TrackerConfig
	now func() time.Time

	lastTool    string
	consecutive int
	total       int
	records     []callRecord
}

// NewCallTracker creates a tracker with the given ceilings. Zero values
// fall back to the defaults.
func NewCallTracker(cfg TrackerConfig) *CallTracker {
	def := DefaultTrackerConfig()
	if cfg.MaxConsecutive <= 0 {
		cfg.MaxConsecutive = def.MaxConsecutive
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = def.MaxTotal
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.RepetitionThreshold <= 0 {
		cfg.RepetitionThreshold = def.RepetitionThreshold
	}
	if cfg.BurstCalls <= 0 {
		cfg.BurstCalls = def.BurstCalls
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = def.BurstWindow
	}
	return &CallTracker{cfg: cfg, now: time.Now}
}

// SetClock overrides the clock, for tests.
func (t *CallTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Record registers an intended tool call and returns the verdict. Verdict
// precedence: total limit, consecutive limit, windowed repetition, burst.
// The call counts against the ceilings even when flagged.
func (t *CallTracker) Record(tool, input string) Verdict {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	if tool == t.lastTool {
		t.consecutive++
	} else {
		t.lastTool = tool
		t.consecutive = 1
	}
	t.total++

	t.records = append(t.records, callRecord{tool: tool, input: input, at: now})
	if max := 2 * t.cfg.Window; len(t.records) > max {
		t.records = t.records[len(t.records)-max:]
	}

	if t.total > t.cfg.MaxTotal {
		return VerdictTotalLimit
	}
	if t.consecutive > t.cfg.MaxConsecutive {
		return VerdictConsecutiveLimit
	}

	// Exact cyclic repetition: the most recent W (tool,input) pairs equal
	// the W pairs immediately before them. This catches cycles of any
	// length up to W even when every pair in the cycle is distinct.
	if w := t.cfg.Window; len(t.records) >= 2*w {
		cycle := true
		n := len(t.records)
		for i := 0; i < w; i++ {
			a, b := t.records[n-w+i], t.records[n-2*w+i]
			if a.tool != b.tool || a.input != b.input {
				cycle = false
				break
			}
		}
		if cycle {
			return VerdictRepetition
		}
	}

	// Identical-pair count over the last 2*W records, a faster-tripping
	// signal for a model stuck on one call. The boundary is inclusive: the
	// threshold-th identical pair flags, so with the default threshold of 3
	// the third identical call is already refused.
	identical := 0
	for _, r := range t.records {
		if r.tool == tool && r.input == input {
			identical++
		}
	}
	if identical >= t.cfg.RepetitionThreshold {
		return VerdictRepetition
	}

	// Burst: too many calls of the same tool inside the wall-clock window.
	recent := 0
	for _, r := range t.records {
		if r.tool == tool && now.Sub(r.at) <= t.cfg.BurstWindow {
			recent++
		}
	}
	if recent >= t.cfg.BurstCalls {
		return VerdictBurst
	}

	return VerdictOK
}

// TotalCalls returns the number of recorded calls this run.
func (t *CallTracker) TotalCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// ConsecutiveCalls returns the current same-tool streak length.
func (t *CallTracker) ConsecutiveCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutive
}

// Reset clears all counters. Safe to call repeatedly.
func (t *CallTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastTool = ""
	t.consecutive = 0
	t.total = 0
	t.records = nil
}
