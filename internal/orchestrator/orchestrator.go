// Package orchestrator runs model-driven and manual turns: it calls the model,
// parses the reply, dispatches at most one action per step and publishes the
// progress as events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/poweragent-cli/internal/backend"
	"github.com/xkilldash9x/poweragent-cli/internal/config"
	"github.com/xkilldash9x/poweragent-cli/internal/llmclient"
)

var (
	// ErrTurnInProgress is returned when a turn of the same kind is active.
	ErrTurnInProgress = errors.New("a turn of this kind is already in progress")
	// ErrEmptyInput is returned for a blank prompt or command.
	ErrEmptyInput = errors.New("input is empty")
)

// ModelClient sends the conversation to the model and returns its reply.
// Errors are *apperr.Error values.
type ModelClient interface {
	Send(ctx context.Context, req llmclient.Request) (string, error)
}

// State is the orchestrator's position in the model-turn state machine.
type State int32

const (
	StateIdle State = iota
	StateCallingModel
	StateParsing
	StateExecutingAction
)

func (s State) String() string {
	switch s {
	case StateCallingModel:
		return "calling_model"
	case StateParsing:
		return "parsing"
	case StateExecutingAction:
		return "executing_action"
	}
	return "idle"
}

// TurnKind separates model-driven turns from manual commands. One turn of
// each kind may run at a time.
type TurnKind string

const (
	TurnModel  TurnKind = "model"
	TurnManual TurnKind = "manual"
)

// Reason records why a turn ended.
type Reason string

const (
	// ReasonCompleted ends every single-step and manual turn that was not stopped.
	ReasonCompleted Reason = "completed"
	// ReasonFinalAnswer ends a multi-step turn whose reply carried no action.
	ReasonFinalAnswer    Reason = "final_answer"
	ReasonCancelled      Reason = "cancelled"
	ReasonCommandStopped Reason = "command_stopped"
	ReasonMaxIterations  Reason = "max_iterations"
	// ReasonError ends a turn after a model error or a recovered panic.
	ReasonError Reason = "error"
)

// TurnResult is returned by Turn.Wait.
type TurnResult struct {
	Reason     Reason
	Iterations int
	Cwd        string
}

// Turn is a handle on one running turn.
type Turn struct {
	ID     string
	Kind   TurnKind
	cancel context.CancelFunc
	done   chan struct{}
	result TurnResult
	// events outlives cancellation so the final events still go out.
	events context.Context
}

// Stop requests cancellation. It returns immediately.
func (t *Turn) Stop() { t.cancel() }

// Done is closed once the turn has finished.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn has finished and returns its result.
func (t *Turn) Wait() TurnResult {
	<-t.done
	return t.result
}

// Orchestrator owns the turn lifecycle.
type Orchestrator struct {
	logger   *zap.Logger
	cfg      config.Provider
	model    ModelClient
	executor backend.Executor
	session  *Session
	bus      *EventBus

	state atomic.Int32
	mu    sync.Mutex
	turns map[TurnKind]*Turn
	wg    sync.WaitGroup
}

func New(logger *zap.Logger, cfg config.Provider, model ModelClient, executor backend.Executor, session *Session, bus *EventBus) *Orchestrator {
	return &Orchestrator{
		logger:   logger.Named("orchestrator"),
		cfg:      cfg,
		model:    model,
		executor: executor,
		session:  session,
		bus:      bus,
		turns:    make(map[TurnKind]*Turn),
	}
}

// State reports the model turn's current step.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

func (o *Orchestrator) setState(s State) { o.state.Store(int32(s)) }

// Busy reports whether a turn of the given kind is running.
func (o *Orchestrator) Busy(kind TurnKind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turns[kind] != nil
}

// Session returns the session the orchestrator hands working directories to.
func (o *Orchestrator) Session() *Session { return o.session }

// StartModelTurn appends prompt to the conversation and starts a model turn.
func (o *Orchestrator) StartModelTurn(ctx context.Context, prompt string) (*Turn, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyInput
	}
	return o.start(ctx, TurnModel, func(turnCtx context.Context, t *Turn, cfg config.Config) TurnResult {
		return o.runModelTurn(turnCtx, t, cfg, prompt)
	})
}

// StartManualTurn runs one user-typed shell command.
func (o *Orchestrator) StartManualTurn(ctx context.Context, command string) (*Turn, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, ErrEmptyInput
	}
	return o.start(ctx, TurnManual, func(turnCtx context.Context, t *Turn, _ config.Config) TurnResult {
		return o.runManualTurn(turnCtx, t, command)
	})
}

type turnFunc func(ctx context.Context, t *Turn, cfg config.Config) TurnResult

func (o *Orchestrator) start(ctx context.Context, kind TurnKind, run turnFunc) (*Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("could not create %s turn: %w", kind, err)
	}
	if o.bus.isClosed() {
		return nil, fmt.Errorf("could not create %s turn: %w", kind, ErrBusShutdown)
	}

	o.mu.Lock()
	if o.turns[kind] != nil {
		o.mu.Unlock()
		return nil, ErrTurnInProgress
	}
	turnCtx, cancel := context.WithCancel(ctx)
	t := &Turn{
		ID:     uuid.New().String()[:8],
		Kind:   kind,
		cancel: cancel,
		done:   make(chan struct{}),
		events: context.WithoutCancel(ctx),
	}
	o.turns[kind] = t
	o.mu.Unlock()

	cfg := o.cfg.Snapshot()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		logger := o.logger.With(zap.String("turn_id", t.ID), zap.String("kind", string(kind)))
		logger.Info("Turn started.")

		res := o.protect(turnCtx, t, cfg, run, logger)

		o.mu.Lock()
		delete(o.turns, kind)
		o.mu.Unlock()
		if kind == TurnModel {
			o.setState(StateIdle)
		}

		t.result = res
		logger.Info("Turn finished.", zap.String("reason", string(res.Reason)), zap.Int("iterations", res.Iterations))
		o.emit(t, EventTurnFinished, TurnFinished{
			TurnID: t.ID, Kind: kind, Reason: res.Reason, Iterations: res.Iterations, Cwd: res.Cwd,
		})
		close(t.done)
	}()
	return t, nil
}

// protect runs a turn and converts a panic into a diagnostic reply.
func (o *Orchestrator) protect(ctx context.Context, t *Turn, cfg config.Config, run turnFunc, logger *zap.Logger) (res TurnResult) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Panic during turn.", zap.Any("panic", p), zap.Stack("stack"))
			o.notice(t, 0, internalNotice(p))
			res = TurnResult{Reason: ReasonError, Cwd: o.session.Cwd()}
		}
	}()
	return run(ctx, t, cfg)
}

// Shutdown cancels all running turns and waits for them to finish.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, t := range o.turns {
		t.Stop()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) emit(t *Turn, typ EventType, payload interface{}) {
	if err := o.bus.Post(t.events, Event{Type: typ, Payload: payload}); err != nil {
		o.logger.Warn("Failed to publish event.", zap.String("type", string(typ)), zap.Error(err))
	}
}
