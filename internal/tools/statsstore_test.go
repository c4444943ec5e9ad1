package tools

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *StatsStore {
	t.Helper()
	s, err := OpenStatsStore(filepath.Join(t.TempDir(), "stats.db"), nil)
	if err != nil {
		t.Fatalf("open stats store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStatsStore_RecordAndTotals(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	if err := s.RecordCall("search", 10*time.Millisecond, true, now); err != nil {
		t.Fatalf("RecordCall: %v", err)
	}
	if err := s.RecordCall("search", 30*time.Millisecond, false, now); err != nil {
		t.Fatalf("RecordCall: %v", err)
	}
	if err := s.RecordCall("fetch", 5*time.Millisecond, true, now); err != nil {
		t.Fatalf("RecordCall: %v", err)
	}

	totals, err := s.Totals()
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("got totals for %d tools, want 2", len(totals))
	}

	search := totals["search"]
	if search.Calls != 2 || search.Failures != 1 {
		t.Errorf("search totals = %+v, want 2 calls / 1 failure", search)
	}
	if search.TotalTime != 40*time.Millisecond {
		t.Errorf("search total time = %v, want 40ms", search.TotalTime)
	}

	fetch := totals["fetch"]
	if fetch.Calls != 1 || fetch.Failures != 0 {
		t.Errorf("fetch totals = %+v, want 1 call / 0 failures", fetch)
	}
}

func TestStatsStore_EmptyTotals(t *testing.T) {
	s := openTestStore(t)
	totals, err := s.Totals()
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if len(totals) != 0 {
		t.Errorf("fresh store has %d totals", len(totals))
	}
}

func TestStatsStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.db")

	s, err := OpenStatsStore(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.RecordCall("search", time.Millisecond, true, time.Now()); err != nil {
		t.Fatalf("RecordCall: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := OpenStatsStore(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	totals, err := s2.Totals()
	if err != nil {
		t.Fatalf("Totals after reopen: %v", err)
	}
	if totals["search"].Calls != 1 {
		t.Errorf("history lost across reopen: %+v", totals)
	}
}
