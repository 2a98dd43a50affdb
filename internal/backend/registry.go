package backend

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/xkilldash9x/poweragent-cli/internal/apperr"
	"github.com/xkilldash9x/poweragent-cli/internal/grammar"
)

// Executor runs one kind of action.
type Executor interface {
	Execute(ctx context.Context, req Request) Outcome
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, req Request) Outcome { return f(ctx, req) }

// Registry dispatches actions to the backend registered for their kind.
type Registry struct {
	logger    *zap.Logger
	executors map[grammar.Kind]Executor
}

var _ Executor = (*Registry)(nil)

// NewRegistry wires the three adapters. get_ui_info is served by the GUI backend.
func NewRegistry(logger *zap.Logger, shell, keyboard, gui Executor) *Registry {
	r := &Registry{
		logger:    logger.Named("backend_registry"),
		executors: make(map[grammar.Kind]Executor),
	}
	r.Register(shell, grammar.KindCommand)
	r.Register(keyboard, grammar.KindKeyboard)
	r.Register(gui, grammar.KindGui, grammar.KindGetUiInfo)
	return r
}

// Register associates an executor with one or more action kinds. A nil
// executor leaves the kinds unregistered.
func (r *Registry) Register(exec Executor, kinds ...grammar.Kind) {
	if exec == nil {
		return
	}
	for _, k := range kinds {
		r.executors[k] = exec
	}
}

// Execute finds the executor for the action and runs it. It never panics and
// never returns a bare error; every failure is an Outcome.
func (r *Registry) Execute(ctx context.Context, req Request) (out Outcome) {
	desc := grammar.Describe(req.Action)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Panic during action execution.",
				zap.Any("panic", p),
				zap.String("action", desc),
				zap.String("stack", string(debug.Stack())))
			out = failed(desc, req.Cwd, apperr.New(apperr.InternalError, "panic while executing %s: %v", desc, p))
		}
	}()

	if !req.Action.Executable() {
		return failed(desc, req.Cwd, apperr.New(apperr.InternalError, "%s can not be executed", desc))
	}
	exec, ok := r.executors[req.Action.Kind]
	if !ok {
		return failed(desc, req.Cwd, apperr.New(apperr.CapabilityUnavailable,
			"no backend registered for %s actions", req.Action.Kind))
	}

	r.logger.Debug("Dispatching action.", zap.String("kind", string(req.Action.Kind)), zap.String("action", desc))
	out = exec.Execute(ctx, req)
	if out.NewCwd == "" {
		out.NewCwd = req.Cwd
	}
	return out
}
