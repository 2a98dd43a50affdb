package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/poweragent-cli/internal/apperr"
	"github.com/xkilldash9x/poweragent-cli/internal/grammar"
	"github.com/xkilldash9x/poweragent-cli/internal/runner"
	"github.com/xkilldash9x/poweragent-cli/internal/transcript"
)

// CommandRunner is the process runner surface used by the shell backend.
type CommandRunner interface {
	Execute(ctx context.Context, command, cwd string) runner.Result
}

// ShellBackend executes shell commands and mirrors them to the transcript.
type ShellBackend struct {
	logger   *zap.Logger
	runner   CommandRunner
	sink     transcript.Sink
	notifier transcript.DirNotifier
}

func NewShellBackend(logger *zap.Logger, r CommandRunner, sink transcript.Sink, notifier transcript.DirNotifier) *ShellBackend {
	if sink == nil {
		sink = transcript.Discard
	}
	return &ShellBackend{logger: logger.Named("shell"), runner: r, sink: sink, notifier: notifier}
}

// EchoLine formats the transcript echo of a command.
func EchoLine(cwd, command string, manual bool) string {
	if manual {
		return fmt.Sprintf("%s$ %s", cwd, command)
	}
	return fmt.Sprintf("Model %s: %s", cwd, command)
}

func (s *ShellBackend) Execute(ctx context.Context, req Request) Outcome {
	command := req.Action.Command
	desc := grammar.Describe(req.Action)
	if req.Action.Kind != grammar.KindCommand {
		return failed(desc, req.Cwd, apperr.New(apperr.InternalError, "shell backend can not run %s actions", req.Action.Kind))
	}

	s.sink.Write(transcript.UserEcho, EchoLine(req.Cwd, command, req.Manual))
	res := s.runner.Execute(ctx, command, req.Cwd)

	if res.Stdout != "" {
		s.sink.Write(transcript.Stdout, res.Stdout)
	}
	if res.Stderr != "" {
		s.sink.Write(transcript.Stderr, res.Stderr)
	}
	if res.NewCwd != "" && res.NewCwd != req.Cwd {
		if s.notifier != nil {
			s.notifier.DirectoryChanged(res.NewCwd, req.Manual)
		}
		s.sink.Write(transcript.System, "Working directory: "+res.NewCwd)
	}

	success := res.Err == nil && (res.ExitCode == nil || *res.ExitCode == 0)
	s.logger.Debug("Command finished.",
		zap.String("command", command),
		zap.Bool("success", success),
		zap.Bool("manual", req.Manual))

	return Outcome{
		Description: desc,
		Success:     success,
		ExitCode:    res.ExitCode,
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		NewCwd:      res.NewCwd,
		Err:         res.Err,
	}
}
