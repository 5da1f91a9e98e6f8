package runner

import "time"

// LogLevel classifies activity log entries the way the UI renders them.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelError   LogLevel = "error"
	LevelSuccess LogLevel = "success"
)

// DefaultLogCapacity is how many entries the activity log retains.
const DefaultLogCapacity = 100

// LogEntry is one timestamped activity line.
type LogEntry struct {
	Time    time.Time
	Message string
	Level   LogLevel
}

// Log is a bounded append-only event buffer. Once full, appending evicts the
// oldest entry.
type Log struct {
	capacity int
	entries  []LogEntry
}

// NewLog creates a log retaining up to capacity entries.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Log{capacity: capacity}
}

// Append adds an entry, evicting the oldest when the log is full.
//
// The caller is responsible for synchronization; Manager appends under its
// own lock.
func (l *Log) Append(entry LogEntry) {
	if len(l.entries) >= l.capacity {
		l.entries = append(l.entries[:0], l.entries[1:]...)
	}
	l.entries = append(l.entries, entry)
}

// Entries returns a snapshot of the retained entries, oldest first.
func (l *Log) Entries() []LogEntry {
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
