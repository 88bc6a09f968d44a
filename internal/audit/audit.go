// Package audit keeps the local call history.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/gofrs/flock"

	"github.com/darkprince558/vcall/internal/call"
	"github.com/darkprince558/vcall/internal/signaling"
)

// MaxEntries is how many calls the history keeps.
const MaxEntries = 1000

// Call outcomes.
const (
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// LogEntry represents a single call
type LogEntry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Role        string    `json:"role"` // "caller", "callee" or "loopback"
	LocalID     string    `json:"local_id"`
	PeerID      string    `json:"peer_id"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Remote      bool      `json:"ended_by_peer,omitempty"`
	Error       string    `json:"error,omitempty"`
	MediaFlowed bool      `json:"media_flowed"`
	Duration    float64   `json:"duration_seconds"`
}

// FromSummary turns a finished call into a history entry.
func FromSummary(localID string, s call.Summary) LogEntry {
	e := LogEntry{
		Timestamp:   s.Started,
		Role:        string(s.Role),
		LocalID:     localID,
		PeerID:      s.PeerID,
		Reason:      s.Reason,
		Remote:      s.Remote,
		MediaFlowed: s.MediaFlowed(),
		Duration:    s.Duration().Seconds(),
	}
	if s.Err != nil {
		e.Error = s.Err.Error()
	}
	switch {
	case s.Err != nil, s.Reason == signaling.ReasonMediaError,
		s.Reason == signaling.ReasonConnectionFailed, s.Reason == signaling.ReasonNegotiation:
		e.Status = StatusFailed
	case s.MediaFlowed():
		e.Status = StatusCompleted
	case s.Reason == signaling.ReasonDeclined, s.Reason == signaling.ReasonBusy:
		e.Status = StatusRejected
	default:
		e.Status = StatusCancelled
	}
	return e
}

var (
	mu           sync.Mutex
	pathOverride string
)

// SetLogPathOverride redirects the history file; "" restores the default.
func SetLogPathOverride(path string) {
	mu.Lock()
	defer mu.Unlock()
	pathOverride = path
}

// GetLogPath returns the path to the history log file
func GetLogPath() (string, error) {
	mu.Lock()
	override := pathOverride
	mu.Unlock()
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".vcall")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.jsonl"), nil
}

// lock serializes writers in this process and across processes.
func lock(path string) (func(), error) {
	mu.Lock()
	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("failed to lock history: %w", err)
	}
	return func() {
		fl.Unlock()
		mu.Unlock()
	}, nil
}

// WriteEntry appends a log entry to the history file
func WriteEntry(entry LogEntry) error {
	path, err := GetLogPath()
	if err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = petname.Generate(2, "-")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	unlock, err := lock(path)
	if err != nil {
		return err
	}
	defer unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return prune(path)
}

// prune keeps the newest MaxEntries lines. Callers hold the lock.
func prune(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lines := bytes.SplitAfter(bytes.TrimRight(data, "\n"), []byte("\n"))
	if len(lines) <= MaxEntries {
		return nil
	}
	keep := bytes.Join(lines[len(lines)-MaxEntries:], nil)
	if !bytes.HasSuffix(keep, []byte("\n")) {
		keep = append(keep, '\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, keep, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadHistory reads all log entries from the history file, newest first
func LoadHistory() ([]LogEntry, error) {
	path, err := GetLogPath()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []LogEntry{}, nil
		}
		return nil, err
	}
	defer f.Close()

	entries := []LogEntry{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // Skip malformed lines
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	return entries, scanner.Err()
}

// ClearHistory deletes the history file.
func ClearHistory() error {
	path, err := GetLogPath()
	if err != nil {
		return err
	}
	unlock, err := lock(path)
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// --- Display Logic ---

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)

	statusStyles = map[string]lipgloss.Style{
		StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRejected:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA500")),
		StatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
	}
	roleStyles = map[string]lipgloss.Style{
		string(call.RoleCaller):   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA500")),
		string(call.RoleCallee):   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FFFF")),
		string(call.RoleLoopback): lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
)

// ShowHistory prints the history table to stdout.
func ShowHistory() {
	entries, err := LoadHistory()
	if err != nil {
		fmt.Printf("Error loading history: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No call history found.")
		return
	}
	RenderHistory(os.Stdout, entries)
}

// RenderHistory writes entries as a table.
// DATE | ROLE | PEER | TIME | STATUS | REASON
func RenderHistory(w io.Writer, entries []LogEntry) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%s %s %s %s %s %s\n",
		headerStyle.Width(20).Render("DATE"),
		headerStyle.Width(10).Render("ROLE"),
		headerStyle.Width(20).Render("PEER"),
		headerStyle.Width(10).Render("TIME"),
		headerStyle.Width(11).Render("STATUS"),
		headerStyle.Width(20).Render("REASON"),
	)
	fmt.Fprintln(w, "")

	for _, e := range entries {
		peer := e.PeerID
		if len(peer) > 18 {
			peer = peer[:15] + "..."
		}
		reason := e.Reason
		if e.Remote && reason != "" {
			reason += " (peer)"
		}
		fmt.Fprintf(w, "%s %s %s %s %s %s\n",
			rowStyle.Width(20).Render(e.Timestamp.Format("2006-01-02 15:04")),
			rowStyle.Width(10).Render(roleStyles[e.Role].Render(e.Role)),
			rowStyle.Width(20).Render(peer),
			rowStyle.Width(10).Render(formatDuration(e.Duration)),
			rowStyle.Width(11).Render(statusStyles[e.Status].Render(e.Status)),
			rowStyle.Width(20).Render(reason),
		)
	}
	fmt.Fprintln(w, "")
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}
