package mocks

import (
	"fmt"
	"strings"
	"sync"
)

// MemoryLogger records log calls for assertions in tests. It satisfies the
// conference Logger interface without importing it.
type MemoryLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// LogEntry is one recorded log call.
type LogEntry struct {
	Level   string
	Message string
	Fields  []interface{}
}

func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (m *MemoryLogger) Debug(msg string, fields ...interface{}) { m.record("DEBUG", msg, fields) }
func (m *MemoryLogger) Info(msg string, fields ...interface{})  { m.record("INFO", msg, fields) }
func (m *MemoryLogger) Warn(msg string, fields ...interface{})  { m.record("WARN", msg, fields) }
func (m *MemoryLogger) Error(msg string, fields ...interface{}) { m.record("ERROR", msg, fields) }

func (m *MemoryLogger) record(level, msg string, fields []interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, LogEntry{Level: level, Message: msg, Fields: fields})
}

// Entries returns a copy of everything logged so far.
func (m *MemoryLogger) Entries() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogEntry(nil), m.entries...)
}

// Contains reports whether a message at the given level was logged with the
// given substring.
func (m *MemoryLogger) Contains(level, substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// Reset discards recorded entries.
func (m *MemoryLogger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
}

func (m *MemoryLogger) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	for _, e := range m.entries {
		fmt.Fprintf(&b, "[%s] %s", e.Level, e.Message)
		if len(e.Fields) > 0 {
			fmt.Fprintf(&b, " %v", e.Fields)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
