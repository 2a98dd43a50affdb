// File: internal/backend/outcome.go
package backend

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/poweragent-cli/internal/apperr"
	"github.com/xkilldash9x/poweragent-cli/internal/grammar"
	"github.com/xkilldash9x/poweragent-cli/internal/runner"
)

// Request is one action to execute.
type Request struct {
	Action grammar.Action
	// Cwd is the working directory owned by the current turn.
	Cwd string
	// Manual is true for commands typed by the user rather than issued by the model.
	Manual bool
}

// Outcome is the result of executing one action. It lives for a single
// iteration; only its rendering is kept, inside the conversation history.
type Outcome struct {
	Description string
	Success     bool
	ExitCode    *int
	Stdout      string
	Stderr      string
	// NewCwd is the working directory after the action (same as the request's
	// cwd unless a cd succeeded).
	NewCwd string
	Err    *apperr.Error
}

// Cancelled reports whether the action was a command stopped by the user.
func (o Outcome) Cancelled() bool {
	return o.ExitCode != nil && *o.ExitCode == runner.CancelledExitCode
}

// ErrorText returns the user-facing error message, or "".
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.UserMessage()
}

// Render formats the outcome as the System message fed back to the model.
func (o Outcome) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Action: %s\n", o.Description)
	switch {
	case o.Cancelled():
		b.WriteString("Result: stopped by user\n")
	case o.Success:
		b.WriteString("Result: success\n")
	default:
		b.WriteString("Result: failed\n")
	}
	if o.ExitCode != nil && !o.Cancelled() {
		fmt.Fprintf(&b, "Exit code: %d\n", *o.ExitCode)
	}
	if s := strings.TrimRight(o.Stdout, "\n"); s != "" {
		fmt.Fprintf(&b, "Output:\n%s\n", s)
	}
	if s := strings.TrimRight(o.Stderr, "\n"); s != "" && (o.Err == nil || !strings.Contains(s, o.Err.UserMessage())) {
		fmt.Fprintf(&b, "Error output:\n%s\n", s)
	}
	if o.Err != nil {
		fmt.Fprintf(&b, "Error: %s\n", o.Err.UserMessage())
	}
	if o.NewCwd != "" {
		fmt.Fprintf(&b, "Working directory: %s\n", o.NewCwd)
	}
	return strings.TrimRight(b.String(), "\n")
}

func failed(desc, cwd string, err *apperr.Error) Outcome {
	return Outcome{Description: desc, Success: false, NewCwd: cwd, Err: err}
}
