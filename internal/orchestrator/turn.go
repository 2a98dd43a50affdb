package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/poweragent-cli/internal/apperr"
	"github.com/xkilldash9x/poweragent-cli/internal/backend"
	"github.com/xkilldash9x/poweragent-cli/internal/config"
	"github.com/xkilldash9x/poweragent-cli/internal/grammar"
	"github.com/xkilldash9x/poweragent-cli/internal/history"
	"github.com/xkilldash9x/poweragent-cli/internal/llmclient"
)

const (
	// CancelledNotice replaces the reply when a turn is stopped before the model call.
	CancelledNotice      = "Operation cancelled."
	defaultMaxIterations = 5
)

// MaxIterationsNotice is posted when a multi-step turn hits its bound.
func MaxIterationsNotice(n int) string {
	return fmt.Sprintf("Maximum iterations (%d) reached.", n)
}

func internalNotice(p interface{}) string {
	return apperr.New(apperr.InternalError, "unexpected failure during the turn: %v", p).UserMessage()
}

// turnState is the per-turn mutable state. The working directory is owned by
// the turn and handed to the session after every action.
type turnState struct {
	t   *Turn
	cfg config.Config
	cwd string
}

func (o *Orchestrator) runModelTurn(ctx context.Context, t *Turn, cfg config.Config, prompt string) TurnResult {
	o.session.Ledger().Append(history.RoleUser, prompt)
	ts := &turnState{t: t, cfg: cfg, cwd: o.session.Cwd()}
	if cfg.Agent.EnableMultiStep {
		return o.multiStep(ctx, ts)
	}
	return o.singleStep(ctx, ts)
}

func (o *Orchestrator) singleStep(ctx context.Context, ts *turnState) (res TurnResult) {
	defer func() { res.Cwd = ts.cwd }()

	if ctx.Err() != nil {
		o.notice(ts.t, 0, CancelledNotice)
		return TurnResult{Reason: ReasonCancelled}
	}
	res = TurnResult{Reason: ReasonCompleted, Iterations: 1}

	reply, err := o.callModel(ctx, ts, llmclient.SingleStep)
	if err != nil {
		if ctx.Err() != nil {
			o.notice(ts.t, 1, CancelledNotice)
			res.Reason = ReasonCancelled
			return res
		}
		o.notice(ts.t, 1, err.UserMessage())
		res.Reason = ReasonError
		return res
	}

	o.setState(StateParsing)
	parsed := grammar.Parse(reply)
	o.recordReply(ts, 1, reply, parsed)
	if parsed.Display != "" || parsed.Diagnostic != nil {
		o.emit(ts.t, EventModelReply, ModelReplyReceived{TurnID: ts.t.ID, Iteration: 1, Display: displayWithDiagnostic(parsed), Raw: reply})
	}

	if ctx.Err() != nil {
		res.Reason = ReasonCancelled
		return res
	}
	if parsed.Action.Executable() {
		out := o.execute(ctx, ts, 1, parsed.Action)
		if out.Cancelled() {
			res.Reason = ReasonCommandStopped
		}
	}
	return res
}

func (o *Orchestrator) multiStep(ctx context.Context, ts *turnState) TurnResult {
	maxIter := ts.cfg.Agent.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	logger := o.logger.With(zap.String("turn_id", ts.t.ID))

	var lastDisplay string
	for iter := 1; ; iter++ {
		done := func(r Reason, n int) TurnResult {
			return TurnResult{Reason: r, Iterations: n, Cwd: ts.cwd}
		}
		if ctx.Err() != nil {
			if iter == 1 {
				o.notice(ts.t, 0, CancelledNotice)
			}
			return done(ReasonCancelled, iter-1)
		}
		logger.Debug("Starting iteration.", zap.Int("iteration", iter), zap.Int("max", maxIter))

		reply, err := o.callModel(ctx, ts, llmclient.MultiStep)
		if err != nil {
			if ctx.Err() != nil {
				return done(ReasonCancelled, iter)
			}
			o.notice(ts.t, iter, err.UserMessage())
			return done(ReasonError, iter)
		}

		o.setState(StateParsing)
		parsed := grammar.Parse(reply)
		display := displayWithDiagnostic(parsed)
		if display != lastDisplay || apperr.ContainsErrorText(display) {
			o.emit(ts.t, EventModelReply, ModelReplyReceived{TurnID: ts.t.ID, Iteration: iter, Display: display, Raw: reply})
			lastDisplay = display
		}
		o.recordReply(ts, iter, reply, parsed)

		var out backend.Outcome
		if ctx.Err() == nil && parsed.Action.Executable() {
			out = o.execute(ctx, ts, iter, parsed.Action)
			o.session.Ledger().Append(history.RoleSystem, out.Render())
		}

		switch {
		case ctx.Err() != nil:
			return done(ReasonCancelled, iter)
		case parsed.Action.IsNone():
			return done(ReasonFinalAnswer, iter)
		case out.Cancelled():
			return done(ReasonCommandStopped, iter)
		case iter >= maxIter:
			o.notice(ts.t, iter, MaxIterationsNotice(maxIter))
			return done(ReasonMaxIterations, iter)
		}

		if !pause(ctx, ts.cfg.Agent.IterationPause) {
			return done(ReasonCancelled, iter)
		}
	}
}

func (o *Orchestrator) runManualTurn(ctx context.Context, t *Turn, command string) TurnResult {
	ts := &turnState{t: t, cwd: o.session.Cwd()}
	if ctx.Err() != nil {
		return TurnResult{Reason: ReasonCancelled, Cwd: ts.cwd}
	}
	action := grammar.Action{Kind: grammar.KindCommand, Command: command}
	out := o.dispatch(ctx, ts, 0, action, true)
	res := TurnResult{Reason: ReasonCompleted, Iterations: 1, Cwd: ts.cwd}
	if out.Cancelled() {
		res.Reason = ReasonCommandStopped
	}
	return res
}

// callModel sends the current conversation. The returned error is always an
// *apperr.Error.
func (o *Orchestrator) callModel(ctx context.Context, ts *turnState, mode llmclient.Mode) (string, *apperr.Error) {
	o.setState(StateCallingModel)
	req := llmclient.Request{
		History: o.conversation(ts.cfg),
		Cwd:     ts.cwd,
		Mode:    mode,
		Config:  ts.cfg,
	}
	reply, err := o.model.Send(ctx, req)
	if err != nil {
		return "", apperr.From(err)
	}
	return reply, nil
}

// conversation snapshots the ledger and, when configured, inserts the recent
// terminal output just before the latest user message.
func (o *Orchestrator) conversation(cfg config.Config) []history.Entry {
	entries := o.session.Ledger().Snapshot()
	if !cfg.Agent.IncludeCLIContext {
		return entries
	}
	tail := o.session.CLIContext(cfg.Agent.CLIContextChars)
	if tail == "" {
		return entries
	}
	ctxEntry := history.Entry{
		Role:    history.RoleSystem,
		Content: "--- Recent terminal output ---\n" + tail + "\n--- End of terminal output ---",
	}
	at := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Role == history.RoleUser {
			at = i
			break
		}
	}
	out := make([]history.Entry, 0, len(entries)+1)
	out = append(out, entries[:at]...)
	out = append(out, ctxEntry)
	return append(out, entries[at:]...)
}

// recordReply stores the reply without its thinking regions. A decode
// diagnostic is stored as well so the model can correct itself.
func (o *Orchestrator) recordReply(ts *turnState, iter int, reply string, parsed grammar.Parsed) {
	if content := strings.TrimSpace(grammar.StripThink(reply)); content != "" {
		o.session.Ledger().Append(history.RoleAssistant, content)
	}
	if parsed.Diagnostic != nil {
		o.logger.Warn("Reply contained an undecodable action.",
			zap.String("turn_id", ts.t.ID), zap.Int("iteration", iter), zap.Error(parsed.Diagnostic))
		o.session.Ledger().Append(history.RoleSystem, parsed.Diagnostic.UserMessage())
	}
}

func (o *Orchestrator) execute(ctx context.Context, ts *turnState, iter int, action grammar.Action) backend.Outcome {
	return o.dispatch(ctx, ts, iter, action, false)
}

func (o *Orchestrator) dispatch(ctx context.Context, ts *turnState, iter int, action grammar.Action, manual bool) backend.Outcome {
	if !manual {
		o.setState(StateExecutingAction)
	}
	if action.Kind == grammar.KindCommand {
		o.emit(ts.t, EventCommandEcho, CommandEcho{TurnID: ts.t.ID, Cwd: ts.cwd, Command: action.Command, Manual: manual})
	}
	desc := grammar.Describe(action)
	o.emit(ts.t, EventActionStarted, ActionStarted{TurnID: ts.t.ID, Iteration: iter, Kind: action.Kind, Description: desc})

	out := o.executor.Execute(ctx, backend.Request{Action: action, Cwd: ts.cwd, Manual: manual})
	if out.NewCwd != "" && out.NewCwd != ts.cwd {
		ts.cwd = out.NewCwd
	}
	o.session.SetCwd(ts.cwd)

	o.logger.Info("Action completed.",
		zap.String("turn_id", ts.t.ID),
		zap.String("action", desc),
		zap.Bool("success", out.Success),
		zap.String("cwd", ts.cwd))
	o.emit(ts.t, EventActionCompleted, ActionCompleted{TurnID: ts.t.ID, Iteration: iter, Outcome: out})
	return out
}

// notice posts a diagnostic in place of a model reply.
func (o *Orchestrator) notice(t *Turn, iter int, text string) {
	o.emit(t, EventModelReply, ModelReplyReceived{TurnID: t.ID, Iteration: iter, Display: text})
}

func displayWithDiagnostic(p grammar.Parsed) string {
	if p.Diagnostic == nil {
		return p.Display
	}
	if p.Display == "" {
		return p.Diagnostic.UserMessage()
	}
	return p.Display + "\n" + p.Diagnostic.UserMessage()
}

// pause waits d unless ctx is cancelled first. It reports whether the turn
// may continue.
func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
