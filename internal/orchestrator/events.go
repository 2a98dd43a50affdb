package orchestrator

import (
	"github.com/xkilldash9x/poweragent-cli/internal/backend"
	"github.com/xkilldash9x/poweragent-cli/internal/grammar"
)

// EventType identifies the payload carried by an Event.
type EventType string

const (
	EventModelReply      EventType = "MODEL_REPLY"
	EventActionStarted   EventType = "ACTION_STARTED"
	EventActionCompleted EventType = "ACTION_COMPLETED"
	EventTurnFinished    EventType = "TURN_FINISHED"
	EventCommandEcho     EventType = "COMMAND_ECHO"
)

// AllEventTypes lists every type the orchestrator publishes.
func AllEventTypes() []EventType {
	return []EventType{EventModelReply, EventActionStarted, EventActionCompleted, EventTurnFinished, EventCommandEcho}
}

// ModelReplyReceived carries the user-visible part of a model reply, or a
// diagnostic produced in place of one.
type ModelReplyReceived struct {
	TurnID    string
	Iteration int
	Display   string
	Raw       string
}

type ActionStarted struct {
	TurnID      string
	Iteration   int
	Kind        grammar.Kind
	Description string
}

type ActionCompleted struct {
	TurnID    string
	Iteration int
	Outcome   backend.Outcome
}

// TurnFinished is published exactly once per turn, after the orchestrator has
// returned to idle for that kind of turn.
type TurnFinished struct {
	TurnID     string
	Kind       TurnKind
	Reason     Reason
	Iterations int
	Cwd        string
}

// CommandEcho asks the transcript to log a command separately from its output.
type CommandEcho struct {
	TurnID  string
	Cwd     string
	Command string
	Manual  bool
}
