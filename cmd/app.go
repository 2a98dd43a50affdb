package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/poweragent-cli/internal/backend"
	"github.com/xkilldash9x/poweragent-cli/internal/backend/cdp"
	"github.com/xkilldash9x/poweragent-cli/internal/config"
	"github.com/xkilldash9x/poweragent-cli/internal/history"
	"github.com/xkilldash9x/poweragent-cli/internal/llmclient"
	"github.com/xkilldash9x/poweragent-cli/internal/orchestrator"
	"github.com/xkilldash9x/poweragent-cli/internal/runner"
	"github.com/xkilldash9x/poweragent-cli/internal/transcript"
)

// appComponents holds the initialized services for one CLI invocation.
type appComponents struct {
	Logger       *zap.Logger
	Config       config.Provider
	Console      *transcript.Console
	Session      *orchestrator.Session
	Bus          *orchestrator.EventBus
	Orchestrator *orchestrator.Orchestrator
	Capabilities backend.Capabilities
	CDP          *cdp.Session

	printerDone chan struct{}
	unsubscribe func()
	once        sync.Once

	mu      sync.Mutex
	flushed map[string]chan struct{}
}

// appOptions lets tests swap the model client and skip capability probing.
type appOptions struct {
	out   io.Writer
	model orchestrator.ModelClient
	probe bool
}

// initializeApp handles dependency injection for the whole stack.
func initializeApp(ctx context.Context, provider config.Provider, logger *zap.Logger, opts appOptions) (*appComponents, error) {
	cfg := provider.Snapshot()
	switch opts.out.(type) {
	case nil:
		opts.out = os.Stdout
	case *os.File:
	default:
		// The transcript and the event printer share the writer.
		opts.out = &lockedWriter{w: opts.out}
	}
	c := &appComponents{Logger: logger, Config: provider, flushed: make(map[string]chan struct{})}

	// 1. Session state
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to determine working directory: %w", err)
	}
	if dir := cfg.Agent.InitialWorkingDir; dir != "" {
		if cwd, err = runner.ResolveDir(dir, cwd); err != nil {
			return nil, fmt.Errorf("invalid agent.initial_working_dir: %w", err)
		}
	}
	tail := history.NewTranscript(cfg.Agent.CLIContextChars)
	c.Session = orchestrator.NewSession(cwd, history.NewLedger(cfg.Agent.HistorySize), tail)
	c.Console = transcript.NewConsole(opts.out, tail)

	// 2. Desktop drivers and capabilities
	var (
		injector   backend.Injector
		automation backend.Automation
		keyProbe   *backend.Probe
		guiProbe   *backend.Probe
	)
	if cfg.CDP.RemoteURL != "" && opts.probe {
		sess, err := cdp.Connect(ctx, logger, cfg.CDP)
		if err != nil {
			logger.Warn("Desktop driver unavailable; keyboard and GUI actions are disabled.", zap.Error(err))
		} else {
			c.CDP = sess
			inj := cdp.NewInjector(sess)
			auto := cdp.NewAutomation(logger, sess)
			injector, automation = inj, auto
			keyProbe, guiProbe = cdp.Probes(sess, inj, auto)
		}
	}
	c.Capabilities = backend.ProbeCapabilities(ctx, logger, keyProbe, guiProbe)

	// 3. Backends
	run := runner.New(logger, cfg.Runner)
	shell := backend.NewShellBackend(logger, run, c.Console, transcript.DirNotifierFunc(func(path string, manual bool) {
		logger.Debug("Working directory changed.", zap.String("cwd", path), zap.Bool("manual", manual))
	}))
	keyboard := backend.NewKeyboardBackend(logger, injector, c.Capabilities.Keyboard, cfg.Keyboard)
	gui := backend.NewGuiBackend(logger, automation, c.Capabilities.Gui, cfg.GUI)
	registry := backend.NewRegistry(logger, shell, keyboard, gui)

	// 4. Model client
	model := opts.model
	if model == nil {
		model = llmclient.New(logger, c.Capabilities,
			llmclient.WithTreeSource(gui),
			llmclient.WithRequestsPerMinute(cfg.LLM.RequestsPerMinute),
			llmclient.WithShell(run.Shell()),
		)
	}

	// 5. Orchestrator and its event stream
	c.Bus = orchestrator.NewEventBus(logger, cfg.Agent.EventBufferSize)
	c.Orchestrator = orchestrator.New(logger, provider, model, registry, c.Session, c.Bus)

	events, unsubscribe := c.Bus.Subscribe()
	c.unsubscribe = unsubscribe
	c.printerDone = make(chan struct{})
	go c.printEvents(events, transcript.NewConsole(opts.out, nil))

	return c, nil
}

// printEvents renders model replies and non-shell results. Shell output is
// already written by the shell backend.
func (c *appComponents) printEvents(events <-chan orchestrator.Event, out transcript.Sink) {
	defer close(c.printerDone)
	for ev := range events {
		switch p := ev.Payload.(type) {
		case orchestrator.ModelReplyReceived:
			if p.Display != "" {
				out.Write(transcript.System, "AI: "+p.Display)
			}
		case orchestrator.ActionStarted:
			c.Logger.Debug("Action started.", zap.String("turn_id", p.TurnID), zap.String("action", p.Description))
		case orchestrator.ActionCompleted:
			o := p.Outcome
			switch {
			case !o.Success && o.Err != nil && o.Stderr == "":
				out.Write(transcript.Stderr, o.ErrorText())
			case o.Success && o.ExitCode == nil && o.Stdout != "":
				out.Write(transcript.Stdout, o.Stdout)
			}
		case orchestrator.TurnFinished:
			c.Logger.Debug("Turn finished.", zap.String("turn_id", p.TurnID), zap.String("reason", string(p.Reason)))
			close(c.flushedChan(p.TurnID))
		}
		c.Bus.Acknowledge(ev)
	}
}

func (c *appComponents) flushedChan(turnID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.flushed[turnID]
	if !ok {
		ch = make(chan struct{})
		c.flushed[turnID] = ch
	}
	return ch
}

// await waits for the turn and for the printer to have rendered all of its
// events.
func (c *appComponents) await(t *orchestrator.Turn) orchestrator.TurnResult {
	res := t.Wait()
	select {
	case <-c.flushedChan(t.ID):
	case <-time.After(2 * time.Second):
		c.Logger.Warn("Timed out waiting for turn output.", zap.String("turn_id", t.ID))
	}
	c.mu.Lock()
	delete(c.flushed, t.ID)
	c.mu.Unlock()
	return res
}

// Shutdown stops running turns, drains the event printer and releases the
// desktop driver.
func (c *appComponents) Shutdown() {
	c.once.Do(func() {
		c.Orchestrator.Shutdown()
		c.unsubscribe()
		select {
		case <-c.printerDone:
		case <-time.After(5 * time.Second):
			c.Logger.Warn("Event printer did not finish in time.")
		}
		c.Bus.Shutdown()
		if c.CDP != nil {
			c.CDP.Close()
		}
	})
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
