// File: internal/transcript/sink.go
package transcript

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/xkilldash9x/poweragent-cli/internal/history"
)

// Channel tags a piece of transcript output.
type Channel string

const (
	Stdout   Channel = "stdout"
	Stderr   Channel = "stderr"
	UserEcho Channel = "user-echo"
	System   Channel = "system"
)

// Sink receives terminal output produced by actions.
type Sink interface {
	Write(ch Channel, text string)
}

// DirNotifier is told whenever a command changes the working directory.
type DirNotifier interface {
	DirectoryChanged(path string, manual bool)
}

// DirNotifierFunc adapts a function to DirNotifier.
type DirNotifierFunc func(path string, manual bool)

func (f DirNotifierFunc) DirectoryChanged(path string, manual bool) { f(path, manual) }

// Discard drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Write(Channel, string) {}

// Console writes the transcript to a terminal, coloring each channel. It can
// also keep the tail of everything written for use as model context.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	tail   *history.Transcript
	styles map[Channel]*color.Color
}

// NewConsole creates a console sink. Colors are enabled only when out is a
// terminal. tail may be nil.
func NewConsole(out io.Writer, tail *history.Transcript) *Console {
	styles := map[Channel]*color.Color{
		Stdout:   color.New(color.Reset),
		Stderr:   color.New(color.FgRed),
		UserEcho: color.New(color.FgCyan, color.Bold),
		System:   color.New(color.FgYellow),
	}
	enable := false
	if f, ok := out.(*os.File); ok {
		enable = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	for _, c := range styles {
		if enable {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return &Console{out: out, tail: tail, styles: styles}
}

func (c *Console) Write(ch Channel, text string) {
	if text == "" {
		return
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	style, ok := c.styles[ch]
	if !ok {
		style = c.styles[Stdout]
	}
	_, _ = style.Fprint(c.out, text)
	if c.tail != nil {
		c.tail.Write(text)
	}
}

// Multi fans out to several sinks.
type Multi []Sink

func (m Multi) Write(ch Channel, text string) {
	for _, s := range m {
		s.Write(ch, text)
	}
}

// Recorder keeps every write in memory. Useful for tests and for embedding
// the core in another UI.
type Recorder struct {
	mu      sync.Mutex
	entries []Record
}

type Record struct {
	Channel Channel
	Text    string
}

func (r *Recorder) Write(ch Channel, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Record{Channel: ch, Text: text})
}

func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.entries...)
}

// Text returns everything written to ch, joined by newlines.
func (r *Recorder) Text(ch Channel) string {
	var parts []string
	for _, rec := range r.Records() {
		if rec.Channel == ch {
			parts = append(parts, strings.TrimRight(rec.Text, "\n"))
		}
	}
	return strings.Join(parts, "\n")
}
