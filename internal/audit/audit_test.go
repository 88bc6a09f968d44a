package audit

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/darkprince558/vcall/internal/call"
	"github.com/darkprince558/vcall/internal/signaling"
)

func TestAuditLogLifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test_history.jsonl")
	SetLogPathOverride(logFile)
	defer SetLogPathOverride("")

	entry1 := LogEntry{ID: "1", Role: "caller", PeerID: "bob", Status: StatusCompleted}
	if err := WriteEntry(entry1); err != nil {
		t.Fatalf("WriteEntry failed: %v", err)
	}

	entries, err := LoadHistory()
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID != "1" || entries[0].Timestamp.IsZero() {
		t.Errorf("Unexpected entry %+v", entries[0])
	}

	// Timestamps are monotonic so the newest entry is known.
	base := time.Now()
	for i := 0; i < 1100; i++ {
		e := LogEntry{
			ID:        fmt.Sprintf("p-%d", i),
			Timestamp: base.Add(time.Duration(i+1) * time.Second),
		}
		if err := WriteEntry(e); err != nil {
			t.Fatalf("WriteEntry loop failed at %d: %v", i, err)
		}
	}

	entries, err = LoadHistory()
	if err != nil {
		t.Fatalf("LoadHistory after prune failed: %v", err)
	}
	if len(entries) != MaxEntries {
		t.Errorf("Pruning failed. Expected %d entries, got %d", MaxEntries, len(entries))
	}
	if entries[0].ID != "p-1099" {
		t.Errorf("Newest entry = %s, want p-1099", entries[0].ID)
	}
	if entries[len(entries)-1].ID != "p-100" {
		t.Errorf("Oldest kept entry = %s, want p-100", entries[len(entries)-1].ID)
	}

	if err := ClearHistory(); err != nil {
		t.Fatalf("ClearHistory failed: %v", err)
	}
	entries, err = LoadHistory()
	if err != nil {
		t.Fatalf("LoadHistory after clear failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("History not cleared. Got %d entries", len(entries))
	}
	if _, err := os.Stat(logFile); !errors.Is(err, os.ErrNotExist) {
		t.Error("Log file still exists after clear")
	}
	if err := ClearHistory(); err != nil {
		t.Errorf("Clearing an empty history failed: %v", err)
	}
}

func TestGeneratedIDs(t *testing.T) {
	SetLogPathOverride(filepath.Join(t.TempDir(), "ids.jsonl"))
	defer SetLogPathOverride("")

	if err := WriteEntry(LogEntry{Role: "callee"}); err != nil {
		t.Fatal(err)
	}
	entries, _ := LoadHistory()
	if len(entries) != 1 || !strings.Contains(entries[0].ID, "-") {
		t.Errorf("Expected a petname id, got %+v", entries)
	}
}

func TestSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	SetLogPathOverride(path)
	defer SetLogPathOverride("")

	os.WriteFile(path, []byte("{not json}\n"), 0644)
	if err := WriteEntry(LogEntry{ID: "ok"}); err != nil {
		t.Fatal(err)
	}
	entries, err := LoadHistory()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != "ok" {
		t.Errorf("Expected only the valid entry, got %+v", entries)
	}
}

func TestConcurrentWrites(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "pru_history.jsonl")
	SetLogPathOverride(logFile)
	defer SetLogPathOverride("")

	const numGoroutines = 10
	const entriesPerGoroutine = 50

	errCh := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			for j := 0; j < entriesPerGoroutine; j++ {
				entry := LogEntry{
					ID:        fmt.Sprintf("worker-%d-%d", id, j),
					Timestamp: time.Now(),
					Role:      "caller",
					Status:    StatusCompleted,
				}
				if err := WriteEntry(entry); err != nil {
					errCh <- fmt.Errorf("worker %d failed: %v", id, err)
					return
				}
			}
			errCh <- nil
		}(i)
	}

	for i := 0; i < numGoroutines; i++ {
		if err := <-errCh; err != nil {
			t.Fatal(err)
		}
	}

	entries, err := LoadHistory()
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	expected := numGoroutines * entriesPerGoroutine
	if len(entries) != expected {
		t.Errorf("Expected %d entries, got %d", expected, len(entries))
	}
}

func TestFromSummary(t *testing.T) {
	start := time.Now()
	connected := start.Add(2 * time.Second)
	end := connected.Add(30 * time.Second)

	cases := []struct {
		name string
		sum  call.Summary
		want string
	}{
		{"completed", call.Summary{Role: call.RoleCaller, Connected: connected, Reason: signaling.ReasonHangup}, StatusCompleted},
		{"declined", call.Summary{Role: call.RoleCaller, Reason: signaling.ReasonDeclined, Remote: true}, StatusRejected},
		{"busy", call.Summary{Role: call.RoleCaller, Reason: signaling.ReasonBusy, Remote: true}, StatusRejected},
		{"hung up while ringing", call.Summary{Role: call.RoleCallee, Reason: signaling.ReasonHangup, Remote: true}, StatusCancelled},
		{"media", call.Summary{Role: call.RoleCallee, Reason: signaling.ReasonMediaError, Err: errors.New("busy camera")}, StatusFailed},
		{"ice", call.Summary{Role: call.RoleCaller, Connected: connected, Reason: signaling.ReasonConnectionFailed}, StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.sum.PeerID = "bob"
			tc.sum.Started = start
			tc.sum.Ended = end
			e := FromSummary("alice", tc.sum)
			if e.Status != tc.want {
				t.Errorf("Status = %q, want %q", e.Status, tc.want)
			}
			if e.LocalID != "alice" || e.PeerID != "bob" || e.Role != string(tc.sum.Role) {
				t.Errorf("Unexpected entry %+v", e)
			}
			if tc.sum.Err != nil && e.Error == "" {
				t.Error("error text not recorded")
			}
		})
	}

	e := FromSummary("alice", call.Summary{Started: start, Connected: connected, Ended: end})
	if e.Duration != 30 || !e.MediaFlowed {
		t.Errorf("Duration = %v, media = %v", e.Duration, e.MediaFlowed)
	}
}

func TestRenderHistory(t *testing.T) {
	var buf bytes.Buffer
	RenderHistory(&buf, []LogEntry{
		{Timestamp: time.Now(), Role: "caller", PeerID: "a-very-long-participant-name", Status: StatusCompleted, Duration: 75},
		{Timestamp: time.Now(), Role: "callee", PeerID: "bob", Status: StatusRejected, Reason: "declined", Remote: true},
	})
	out := buf.String()
	for _, want := range []string{"PEER", "a-very-long-par...", "1m15s", "declined (peer)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
