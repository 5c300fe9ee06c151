package session

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *SQLiteManager {
	t.Helper()
	m, err := NewSQLiteManager(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteManager() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCreateAndGetSession(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.Create("run the tests", "loop")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.ID == "" || sess.Status != StatusRunning {
		t.Fatalf("session = %+v", sess)
	}

	got, err := m.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Request != "run the tests" || got.Route != "loop" {
		t.Errorf("got %+v", got)
	}
}

func TestUpdatePersistsEventsAndStatus(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.Create("fix the bug and commit", "workflow")
	if err != nil {
		t.Fatal(err)
	}

	sess.AddEvent(Event{Type: "decision", Tool: "run_tests"})
	sess.AddEvent(Event{
		Type:       "tool",
		Tool:       "run_tests",
		Input:      map[string]interface{}{"path": "."},
		Content:    "ok",
		DurationMs: 1200,
	})
	sess.Status = StatusFinished
	sess.Result = "tests pass, committed"
	sess.Calls = 2

	if err := m.Update(sess); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := m.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFinished || got.Calls != 2 {
		t.Errorf("got %+v", got)
	}
	if len(got.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(got.Events))
	}
	if got.Events[1].Input["path"] != "." {
		t.Errorf("event input = %v", got.Events[1].Input)
	}
	if got.Events[1].DurationMs != 1200 {
		t.Errorf("duration = %d", got.Events[1].DurationMs)
	}
}

func TestGetMissingSession(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Get("no-such-id"); err == nil {
		t.Fatal("expected an error for a missing session")
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	m := newTestManager(t)

	for _, req := range []string{"first", "second", "third"} {
		if _, err := m.Create(req, "loop"); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond) // distinct created_at
	}

	recent, err := m.Recent(2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent = %d, want 2", len(recent))
	}
	if recent[0].Request != "third" || recent[1].Request != "second" {
		t.Errorf("order = %q, %q", recent[0].Request, recent[1].Request)
	}
}
