package loop

import (
	"fmt"
	"testing"
	"time"
)

// fakeClock advances a fixed amount per call so burst detection stays quiet
// unless a test wants it.
func fakeClock(step time.Duration) func() time.Time {
	t := time.Unix(0, 0)
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

func TestConsecutiveLimit(t *testing.T) {
	tr := NewCallTracker(TrackerConfig{})
	tr.SetClock(fakeClock(10 * time.Second))

	for i := 0; i < 3; i++ {
		input := fmt.Sprintf(`{"n":%d}`, i)
		if v := tr.Record("read_file", input); v != VerdictOK {
			t.Fatalf("call %d verdict = %v, want OK", i+1, v)
		}
	}
	if v := tr.Record("read_file", `{"n":3}`); v != VerdictConsecutiveLimit {
		t.Errorf("4th consecutive call verdict = %v, want consecutive limit", v)
	}
}

func TestConsecutiveResetsOnDifferentTool(t *testing.T) {
	tr := NewCallTracker(TrackerConfig{})
	tr.SetClock(fakeClock(10 * time.Second))

	tr.Record("read_file", `{"n":1}`)
	tr.Record("read_file", `{"n":2}`)
	tr.Record("git_status", `{}`)
	if v := tr.Record("read_file", `{"n":3}`); v != VerdictOK {
		t.Errorf("streak should reset after a different tool, got %v", v)
	}
	if got := tr.ConsecutiveCalls(); got != 1 {
		t.Errorf("ConsecutiveCalls() = %d, want 1", got)
	}
}

func TestTotalLimit(t *testing.T) {
	tr := NewCallTracker(TrackerConfig{})
	tr.SetClock(fakeClock(10 * time.Second))

	// Alternate tools and vary inputs so only the total ceiling can trip.
	tools := []string{"read_file", "git_status", "list_dir"}
	for i := 0; i < 15; i++ {
		input := fmt.Sprintf(`{"n":%d}`, i)
		if v := tr.Record(tools[i%3], input); v != VerdictOK {
			t.Fatalf("call %d verdict = %v, want OK", i+1, v)
		}
	}
	if v := tr.Record("read_file", `{"n":99}`); v != VerdictTotalLimit {
		t.Errorf("16th call verdict = %v, want total limit", v)
	}
}

// The repetition boundary is inclusive: with threshold 3, the third
// identical (tool,input) pair inside the 2*W window is flagged.
func TestRepetitionBoundary(t *testing.T) {
	tr := NewCallTracker(TrackerConfig{MaxConsecutive: 100})
	tr.SetClock(fakeClock(10 * time.Second))

	if v := tr.Record("git_status", `{}`); v != VerdictOK {
		t.Fatalf("1st identical call = %v, want OK", v)
	}
	if v := tr.Record("git_status", `{}`); v != VerdictOK {
		t.Fatalf("2nd identical call = %v, want OK", v)
	}
	if v := tr.Record("git_status", `{}`); v != VerdictRepetition {
		t.Errorf("3rd identical call = %v, want repetition", v)
	}
}

// A model stuck on one call must be flagged well before the 10th attempt.
func TestLoopSoundnessByTenthCall(t *testing.T) {
	tr := NewCallTracker(TrackerConfig{MaxConsecutive: 100, MaxTotal: 100})
	tr.SetClock(fakeClock(10 * time.Second))

	flagged := -1
	for i := 1; i <= 10; i++ {
		if v := tr.Record("git_status", `{}`); v == VerdictRepetition {
			flagged = i
			break
		}
	}
	if flagged < 0 || flagged > 10 {
		t.Errorf("identical call stream not flagged by 10th call (flagged at %d)", flagged)
	}
}

// A cycle of distinct calls repeated across the window boundary must be
// flagged even though no single pair repeats often enough to trip the
// identical-pair threshold.
func TestExactCycleDetected(t *testing.T) {
	tr := NewCallTracker(TrackerConfig{MaxConsecutive: 100, MaxTotal: 100})
	tr.SetClock(fakeClock(10 * time.Second))

	tools := []string{"read_file", "list_dir", "git_status", "git_diff", "run_tests"}
	for i := 0; i < 9; i++ {
		if v := tr.Record(tools[i%5], `{}`); v != VerdictOK {
			t.Fatalf("call %d verdict = %v, want OK", i+1, v)
		}
	}
	if v := tr.Record(tools[9%5], `{}`); v != VerdictRepetition {
		t.Errorf("10th call completing the repeated 5-cycle = %v, want repetition", v)
	}
}

func TestNoCycleWhenWindowDiffers(t *testing.T) {
	tr := NewCallTracker(TrackerConfig{MaxConsecutive: 100, MaxTotal: 100})
	tr.SetClock(fakeClock(10 * time.Second))

	tools := []string{"read_file", "list_dir", "git_status", "git_diff", "run_tests"}
	for i := 0; i < 9; i++ {
		tr.Record(tools[i%5], fmt.Sprintf(`{"n":%d}`, i))
	}
	// Same tool order, but the inputs differ, so the windows are not equal.
	if v := tr.Record(tools[9%5], `{"n":9}`); v != VerdictOK {
		t.Errorf("distinct inputs should not read as a cycle, got %v", v)
	}
}

func TestRepetitionWindowSlides(t *testing.T) {
	tr := NewCallTracker(TrackerConfig{MaxConsecutive: 100, MaxTotal: 100})
	tr.SetClock(fakeClock(10 * time.Second))

	// Two identical calls, then enough distinct traffic to push them out of
	// the 2*W=10 record window.
	tr.Record("git_status", `{}`)
	tr.Record("git_status", `{}`)
	for i := 0; i < 10; i++ {
		tr.Record("list_dir", fmt.Sprintf(`{"n":%d}`, i))
	}
	if v := tr.Record("git_status", `{}`); v != VerdictOK {
		t.Errorf("old repetitions outside the window should not count, got %v", v)
	}
}

func TestBurstDetection(t *testing.T) {
	tr := NewCallTracker(TrackerConfig{MaxConsecutive: 100})
	tr.SetClock(fakeClock(100 * time.Millisecond))

	tr.Record("read_file", `{"n":1}`)
	tr.Record("read_file", `{"n":2}`)
	if v := tr.Record("read_file", `{"n":3}`); v != VerdictBurst {
		t.Errorf("3 same-tool calls in under a second = %v, want burst", v)
	}
}

func TestNoBurstWhenSpacedOut(t *testing.T) {
	tr := NewCallTracker(TrackerConfig{MaxConsecutive: 100})
	tr.SetClock(fakeClock(600 * time.Millisecond))

	tr.Record("read_file", `{"n":1}`)
	tr.Record("read_file", `{"n":2}`)
	if v := tr.Record("read_file", `{"n":3}`); v != VerdictOK {
		t.Errorf("spaced-out calls should not trip burst, got %v", v)
	}
}

func TestResetIdempotent(t *testing.T) {
	tr := NewCallTracker(TrackerConfig{})
	tr.SetClock(fakeClock(10 * time.Second))

	tr.Record("read_file", `{"n":1}`)
	tr.Record("read_file", `{"n":2}`)

	tr.Reset()
	tr.Reset() // second reset must be harmless

	if tr.TotalCalls() != 0 || tr.ConsecutiveCalls() != 0 {
		t.Error("reset did not clear counters")
	}
	if v := tr.Record("read_file", `{"n":1}`); v != VerdictOK {
		t.Errorf("post-reset call verdict = %v, want OK", v)
	}
}
