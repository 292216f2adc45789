package sync

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/schmelczer/reconcile/internal/utils"
)

const (
	historyCapacity        = 1000
	historyEventBufferSize = 16
)

// EntryIntent names what a sync procedure was trying to do.
type EntryIntent string

const (
	IntentCreate  EntryIntent = "CREATE"
	IntentUpdate  EntryIntent = "UPDATE"
	IntentDelete  EntryIntent = "DELETE"
	IntentMove    EntryIntent = "MOVE"
	IntentSkipped EntryIntent = "SKIPPED"
)

// EntryStatus is the outcome of the attempt.
type EntryStatus string

const (
	StatusSuccess EntryStatus = "SUCCESS"
	StatusError   EntryStatus = "ERROR"
)

// HistoryEntry is one line of the user-visible sync log.
type HistoryEntry struct {
	Time          time.Time   `json:"time"`
	Intent        EntryIntent `json:"intent"`
	Status        EntryStatus `json:"status"`
	Path          string      `json:"path"`
	Detail        string      `json:"detail,omitempty"`
	VaultUpdateID int64       `json:"vaultUpdateId,omitempty"`
}

// History is a bounded in-memory log with subscriptions, optionally
// mirrored to a JSON-lines file.
type History struct {
	mu      sync.Mutex
	entries []HistoryEntry
	logPath string

	subMu sync.RWMutex
	subs  []chan HistoryEntry
}

// NewHistory creates a history log. logPath may be empty to keep the
// log in memory only.
func NewHistory(logPath string) *History {
	return &History{logPath: logPath}
}

// Append records an entry, notifies subscribers and mirrors to disk.
func (h *History) Append(entry HistoryEntry) {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	h.mu.Lock()
	h.entries = append(h.entries, entry)
	if len(h.entries) > historyCapacity {
		h.entries = h.entries[len(h.entries)-historyCapacity:]
	}
	h.mu.Unlock()

	h.broadcast(entry)
	h.mirror(entry)
}

// List returns a copy of the retained entries, oldest first.
func (h *History) List() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Counts returns how many retained entries succeeded and failed.
func (h *History) Counts() (succeeded, failed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.entries {
		if e.Status == StatusSuccess {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// Subscribe returns a channel receiving future entries. Slow consumers
// miss entries rather than blocking the engine.
func (h *History) Subscribe() <-chan HistoryEntry {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	ch := make(chan HistoryEntry, historyEventBufferSize)
	h.subs = append(h.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (h *History) Unsubscribe(ch <-chan HistoryEntry) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for i, sub := range h.subs {
		if sub == ch {
			close(sub)
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			return
		}
	}
}

func (h *History) broadcast(entry HistoryEntry) {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub <- entry:
		default:
		}
	}
}

func (h *History) mirror(entry HistoryEntry) {
	if h.logPath == "" {
		return
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := utils.EnsureParent(h.logPath); err != nil {
		return
	}
	f, err := os.OpenFile(h.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Debug("history mirror unavailable", "error", err)
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}
