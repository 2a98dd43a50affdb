package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/poweragent-cli/internal/observability"
	"github.com/xkilldash9x/poweragent-cli/internal/orchestrator"
	"github.com/xkilldash9x/poweragent-cli/internal/transcript"
)

const chatHelp = `Type a request for the model, or:
  !<command>  run a shell command yourself
  /stop       stop the running request and command
  /clear      forget the conversation
  /cwd        show the working directory
  exit        leave`

// newChatCmd creates the interactive session. A model request and a manual
// command may run at the same time; each kind runs one at a time.
func newChatCmd() *cobra.Command {
	chatCmd := &cobra.Command{
		Use:     "chat",
		Short:   "Start an interactive session",
		Args:    cobra.NoArgs,
		PreRunE: bindAgentFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			provider, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			app, err := initializeApp(ctx, provider, logger, appOptionsFor(cmd))
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer app.Shutdown()

			app.Console.Write(transcript.System, chatHelp)
			return runChat(ctx, app, cmd)
		},
	}
	addAgentFlags(chatCmd)
	return chatCmd
}

type chatLoop struct {
	app *appComponents
	g   *errgroup.Group
	ctx context.Context

	mu     sync.Mutex
	active map[orchestrator.TurnKind]*orchestrator.Turn
}

func runChat(ctx context.Context, app *appComponents, cmd *cobra.Command) error {
	lines := make(chan string)
	done := make(chan struct{})
	readErr := make(chan error, 1)

	// The reader is not part of the group: a blocked terminal read can not be
	// interrupted, so leaving must not wait for it.
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		readErr <- scanner.Err()
	}()
	defer close(done)

	g, gctx := errgroup.WithContext(ctx)
	loop := &chatLoop{app: app, g: g, ctx: gctx, active: make(map[orchestrator.TurnKind]*orchestrator.Turn)}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					select {
					case err := <-readErr:
						return err
					default:
						return nil
					}
				}
				if quit := loop.handle(strings.TrimSpace(line)); quit {
					app.Orchestrator.Shutdown()
					return nil
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handle dispatches one input line. It reports whether the session should end.
func (l *chatLoop) handle(line string) bool {
	console := l.app.Console
	switch {
	case line == "":
	case line == "exit" || line == "quit":
		return true
	case line == "/help":
		console.Write(transcript.System, chatHelp)
	case line == "/stop":
		l.stopAll()
	case line == "/clear":
		l.app.Session.Ledger().Clear()
		l.app.Session.Transcript().Reset()
		console.Write(transcript.System, "Conversation cleared.")
	case line == "/cwd":
		console.Write(transcript.System, l.app.Session.Cwd())
	case strings.HasPrefix(line, "!"):
		l.start(l.app.Orchestrator.StartManualTurn(l.ctx, strings.TrimPrefix(line, "!")))
	default:
		l.start(l.app.Orchestrator.StartModelTurn(l.ctx, line))
	}
	return false
}

func (l *chatLoop) start(t *orchestrator.Turn, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrTurnInProgress):
		l.app.Console.Write(transcript.Stderr, "Still busy with the previous request. Type /stop to cancel it.")
		return
	case errors.Is(err, orchestrator.ErrEmptyInput):
		return
	case err != nil:
		l.app.Logger.Warn("Could not start turn.", zap.Error(err))
		return
	}

	l.mu.Lock()
	l.active[t.Kind] = t
	l.mu.Unlock()

	l.g.Go(func() error {
		res := l.app.await(t)
		l.mu.Lock()
		if l.active[t.Kind] == t {
			delete(l.active, t.Kind)
		}
		l.mu.Unlock()
		if res.Reason == orchestrator.ReasonCommandStopped {
			l.app.Console.Write(transcript.System, "Command stopped.")
		}
		return nil
	})
}

func (l *chatLoop) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.active {
		t.Stop()
	}
}
