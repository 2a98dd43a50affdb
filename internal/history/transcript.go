package history

import (
	"strings"
	"sync"
)

// Transcript keeps the tail of the terminal output so it can be offered to
// the model as context. Only the last limit runes are retained.
type Transcript struct {
	mu    sync.Mutex
	limit int
	buf   []rune
}

func NewTranscript(limit int) *Transcript {
	if limit <= 0 {
		limit = 4000
	}
	return &Transcript{limit: limit}
}

func (t *Transcript) Write(text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, []rune(text)...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0:0], t.buf[over:]...)
	}
}

// Tail returns the retained text with surrounding whitespace trimmed.
func (t *Transcript) Tail() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = nil
}
