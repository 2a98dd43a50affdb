package orchestrator

import (
	"sync"

	"github.com/xkilldash9x/poweragent-cli/internal/history"
)

// Session is the long-lived state shared by successive turns: the working
// directory, the conversation ledger and the terminal transcript tail.
type Session struct {
	mu     sync.RWMutex
	cwd    string
	ledger *history.Ledger
	cli    *history.Transcript
}

func NewSession(cwd string, ledger *history.Ledger, cli *history.Transcript) *Session {
	if ledger == nil {
		ledger = history.NewLedger(history.DefaultCapacity)
	}
	if cli == nil {
		cli = history.NewTranscript(0)
	}
	return &Session{cwd: cwd, ledger: ledger, cli: cli}
}

func (s *Session) Cwd() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cwd
}

// SetCwd is the hand-off point for a turn's working directory. Empty paths
// are ignored.
func (s *Session) SetCwd(cwd string) {
	if cwd == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cwd = cwd
}

func (s *Session) Ledger() *history.Ledger { return s.ledger }

func (s *Session) Transcript() *history.Transcript { return s.cli }

// CLIContext returns at most limit trailing runes of the terminal transcript.
func (s *Session) CLIContext(limit int) string {
	tail := []rune(s.cli.Tail())
	if limit > 0 && len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}
	return string(tail)
}
