package trafficlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func newTestLogger(t *testing.T, dir string) *Logger {
	t.Helper()
	l, err := New(Config{Dir: dir, QueueSize: 64, CacheSize: 8}, slog.Default())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return l
}

func entryAt(ts time.Time, id string) Entry {
	return Entry{
		Timestamp: ts,
		RequestID: id,
		Method:    "GET",
		Host:      "api.example.com",
		Path:      "/api/accounts",
		Status:    200,
		Source:    "upstream",
		LatencyMs: 42,
		Mode:      "recording",
		Monitored: true,
		BodySize:  11,
	}
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", len(out)+1, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return out
}

func TestLoggerWritesJSONLines(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	l := newTestLogger(t, dir)

	now := time.Now().UTC()
	l.Log(entryAt(now, "req-1"))
	l.Log(entryAt(now, "req-2"))
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	path := filepath.Join(dir, buildFilename(now.Format("2006-01-02"), 0))
	got := readEntries(t, path)
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].RequestID != "req-1" || got[1].RequestID != "req-2" {
		t.Errorf("order = %q, %q", got[0].RequestID, got[1].RequestID)
	}
	if got[0].Host != "api.example.com" || got[0].LatencyMs != 42 {
		t.Errorf("entry = %+v", got[0])
	}
	if l.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", l.Dropped())
	}
}

func TestLoggerDropsOldestUnderBackpressure(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	l, err := New(Config{Dir: dir, QueueSize: 2, CacheSize: 8}, slog.Default())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	// Stall the writer mid-write so the queue backs up deterministically.
	l.mu.Lock()

	now := time.Now().UTC()
	l.Log(entryAt(now, "req-a"))
	deadline := time.Now().Add(time.Second)
	for len(l.queue) > 0 {
		if time.Now().After(deadline) {
			l.mu.Unlock()
			t.Fatal("writer never picked up the first entry")
		}
		time.Sleep(time.Millisecond)
	}

	l.Log(entryAt(now, "req-b"))
	l.Log(entryAt(now, "req-c"))
	l.Log(entryAt(now, "req-d")) // full queue: req-b gives way

	if got := l.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}

	l.mu.Unlock()
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	got := readEntries(t, filepath.Join(dir, buildFilename(now.Format("2006-01-02"), 0)))
	ids := make([]string, len(got))
	for i, e := range got {
		ids[i] = e.RequestID
	}
	want := []string{"req-a", "req-c", "req-d"}
	if len(ids) != len(want) {
		t.Fatalf("entries = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("entries = %v, want oldest dropped and the rest in order %v", ids, want)
		}
	}
}

func TestLoggerRecentNewestFirst(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	l := newTestLogger(t, dir)
	defer l.Close()

	now := time.Now().UTC()
	for i := 1; i <= 5; i++ {
		l.Log(entryAt(now, fmt.Sprintf("req-%d", i)))
	}

	// The ring fills asynchronously; poll until the writer catches up.
	deadline := time.Now().Add(time.Second)
	var recent []Entry
	for time.Now().Before(deadline) {
		recent = l.Recent(3)
		if len(recent) == 3 && recent[0].RequestID == "req-5" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(recent) != 3 {
		t.Fatalf("Recent(3) = %d entries", len(recent))
	}
	if recent[0].RequestID != "req-5" || recent[1].RequestID != "req-4" || recent[2].RequestID != "req-3" {
		t.Errorf("Recent order = %q, %q, %q",
			recent[0].RequestID, recent[1].RequestID, recent[2].RequestID)
	}

	if more := l.Recent(100); len(more) != 5 {
		t.Errorf("Recent(100) = %d entries, want all 5", len(more))
	}
	if l.Recent(0) != nil {
		t.Error("Recent(0) should be nil")
	}
}

func TestLoggerDateRotation(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	l := newTestLogger(t, dir)

	now := time.Now().UTC()
	yesterday := now.AddDate(0, 0, -1)
	l.Log(entryAt(yesterday, "old"))
	l.Log(entryAt(now, "new"))
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	oldEntries := readEntries(t, filepath.Join(dir, buildFilename(yesterday.Format("2006-01-02"), 0)))
	if len(oldEntries) != 1 || oldEntries[0].RequestID != "old" {
		t.Errorf("yesterday's file = %+v", oldEntries)
	}
	newEntries := readEntries(t, filepath.Join(dir, buildFilename(now.Format("2006-01-02"), 0)))
	if len(newEntries) != 1 || newEntries[0].RequestID != "new" {
		t.Errorf("today's file = %+v", newEntries)
	}
}

func TestLoggerRetentionCleanup(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	old := filepath.Join(dir, "traffic-2020-01-01.log")
	if err := os.WriteFile(old, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("seed old file: %v", err)
	}
	recent := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	keep := filepath.Join(dir, buildFilename(recent, 0))
	if err := os.WriteFile(keep, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("seed recent file: %v", err)
	}
	unrelated := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(unrelated, []byte("keep"), 0o600); err != nil {
		t.Fatalf("seed unrelated file: %v", err)
	}

	l := newTestLogger(t, dir)
	defer l.Close()

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("file past retention survived cleanup")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("file within retention was removed: %v", err)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Errorf("non-log file was removed: %v", err)
	}
}

func TestLoggerResumesHighestSuffix(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	today := time.Now().UTC().Format("2006-01-02")
	for _, suffix := range []int{0, 1, 2} {
		path := filepath.Join(dir, buildFilename(today, suffix))
		if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
			t.Fatalf("seed rotated file: %v", err)
		}
	}

	l := newTestLogger(t, dir)
	l.Log(entryAt(time.Now().UTC(), "resumed"))
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	got := readEntries(t, filepath.Join(dir, buildFilename(today, 2)))
	if len(got) != 1 || got[0].RequestID != "resumed" {
		t.Errorf("highest-suffix file = %+v, want the appended entry", got)
	}
}

func TestParseFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		date   string
		suffix int
		ok     bool
	}{
		{"traffic-2026-08-24.log", "2026-08-24", 0, true},
		{"traffic-2026-08-24-3.log", "2026-08-24", 3, true},
		{"traffic-2026-08-24-12.log", "2026-08-24", 12, true},
		{"traffic-2026-8-24.log", "", 0, false},
		{"access-2026-08-24.log", "", 0, false},
		{"traffic-2026-08-24.log.gz", "", 0, false},
		{"traffic-2026-08-24-.log", "", 0, false},
	}
	for _, tc := range tests {
		date, suffix, ok := parseFilename(tc.name)
		if date != tc.date || suffix != tc.suffix || ok != tc.ok {
			t.Errorf("parseFilename(%q) = (%q, %d, %v), want (%q, %d, %v)",
				tc.name, date, suffix, ok, tc.date, tc.suffix, tc.ok)
		}
	}
}

func TestBuildFilename(t *testing.T) {
	t.Parallel()

	if got := buildFilename("2026-08-24", 0); got != "traffic-2026-08-24.log" {
		t.Errorf("buildFilename suffix 0 = %q", got)
	}
	if got := buildFilename("2026-08-24", 4); got != "traffic-2026-08-24-4.log" {
		t.Errorf("buildFilename suffix 4 = %q", got)
	}

	// Round trip through the parser.
	date, suffix, ok := parseFilename(buildFilename("2026-08-24", 4))
	if !ok || date != "2026-08-24" || suffix != 4 {
		t.Errorf("round trip = (%q, %d, %v)", date, suffix, ok)
	}
}

func TestRingWraps(t *testing.T) {
	t.Parallel()

	r := newRing(3)
	for i := 1; i <= 5; i++ {
		r.add(Entry{RequestID: fmt.Sprintf("req-%d", i)})
	}
	got := r.recent(10)
	if len(got) != 3 {
		t.Fatalf("recent = %d entries, want 3", len(got))
	}
	if got[0].RequestID != "req-5" || got[2].RequestID != "req-3" {
		t.Errorf("ring kept %q..%q, want req-5..req-3", got[0].RequestID, got[2].RequestID)
	}
}
