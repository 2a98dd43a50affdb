// File: internal/history/ledger.go
package history

import (
	"sync"
)

// Role tags a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Entry is one role-tagged message in the conversation.
type Entry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 50

// Ledger is a bounded, append-only conversation log. When full, the oldest
// entry is evicted. An append identical to the current tail is rejected, so
// the log never holds two adjacent identical entries.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	head    int // index of the oldest entry
	size    int
}

// NewLedger creates a ledger holding at most capacity entries.
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{entries: make([]Entry, capacity)}
}

// Append adds an entry and reports whether it was stored.
func (l *Ledger) Append(role Role, content string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size > 0 {
		tail := l.entries[(l.head+l.size-1)%len(l.entries)]
		if tail.Role == role && tail.Content == content {
			return false
		}
	}

	e := Entry{Role: role, Content: content}
	if l.size < len(l.entries) {
		l.entries[(l.head+l.size)%len(l.entries)] = e
		l.size++
		return true
	}
	// Full: overwrite the oldest slot and advance the head.
	l.entries[l.head] = e
	l.head = (l.head + 1) % len(l.entries)
	return true
}

// Snapshot returns a copy of the entries, oldest first.
func (l *Ledger) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.entries[(l.head+i)%len(l.entries)]
	}
	return out
}

// Last returns the newest entry.
func (l *Ledger) Last() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.size == 0 {
		return Entry{}, false
	}
	return l.entries[(l.head+l.size-1)%len(l.entries)], true
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

func (l *Ledger) Cap() int { return len(l.entries) }

// Clear removes all entries. Snapshots taken earlier are unaffected.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		l.entries[i] = Entry{}
	}
	l.head, l.size = 0, 0
}
