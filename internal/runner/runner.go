// File: internal/runner/runner.go
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/poweragent-cli/internal/apperr"
	"github.com/xkilldash9x/poweragent-cli/internal/config"
)

// CancelledExitCode is reported when a command was stopped by the user.
// No real process can exit with it.
const CancelledExitCode = -999

// Result describes the outcome of one Execute call.
type Result struct {
	// NewCwd is the working directory after the command. It only differs from
	// the input cwd after a successful cd.
	NewCwd string
	// ExitCode is nil for cd and for empty commands.
	ExitCode *int
	Stdout   string
	Stderr   string
	Err      *apperr.Error
}

// Cancelled reports whether the command was stopped by the user.
func (r Result) Cancelled() bool {
	return r.ExitCode != nil && *r.ExitCode == CancelledExitCode
}

// Runner executes shell commands one at a time. It is safe for concurrent use;
// every call owns its own process.
type Runner struct {
	logger         *zap.Logger
	shell          string
	pollInterval   time.Duration
	maxStdoutChars int
	maxStderrChars int
	// waitDelay bounds how long output pipes are drained after the shell exits
	// while a background descendant still holds them open.
	waitDelay time.Duration
}

// New creates a Runner from the runner configuration section.
func New(logger *zap.Logger, cfg config.RunnerConfig) *Runner {
	r := &Runner{
		logger:         logger.Named("runner"),
		shell:          cfg.Shell,
		pollInterval:   cfg.PollInterval,
		maxStdoutChars: cfg.MaxStdoutChars,
		maxStderrChars: cfg.MaxStderrChars,
		waitDelay:      time.Second,
	}
	if r.pollInterval <= 0 {
		r.pollInterval = 100 * time.Millisecond
	}
	if r.maxStdoutChars <= 0 {
		r.maxStdoutChars = 4000
	}
	if r.maxStderrChars <= 0 {
		r.maxStderrChars = 8000
	}
	return r
}

// Shell returns the shell binary used for non-cd commands.
func (r *Runner) Shell() string {
	if r.shell != "" {
		return r.shell
	}
	return defaultShell()
}

// Execute runs command in cwd until it exits or ctx is cancelled. cd is
// resolved in-process. Errors are reported in Result.Err and never returned
// or panicked.
func (r *Runner) Execute(ctx context.Context, command, cwd string) (res Result) {
	res.NewCwd = cwd
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Runner panicked", zap.Any("panic", p), zap.String("command", command))
			code := 1
			res = Result{NewCwd: cwd, ExitCode: &code, Err: apperr.New(apperr.InternalError, "command execution failed: %v", p)}
			res.Stderr = res.Err.UserMessage()
		}
	}()

	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return res
	}
	if arg, ok := parseCd(trimmed); ok {
		return r.changeDir(arg, cwd)
	}
	return r.run(ctx, trimmed, cwd)
}

func (r *Runner) run(ctx context.Context, command, cwd string) Result {
	if ctx.Err() != nil {
		return cancelledResult(cwd, "", "")
	}

	shell := r.Shell()
	cmd := exec.Command(shell, shellArgs(shell, command)...)
	cmd.Dir = cwd
	cmd.WaitDelay = r.waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	setupProcessGroup(cmd)

	log := r.logger.With(zap.String("command", command), zap.String("cwd", cwd))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return r.startFailure(err, shell, command, cwd)
	}
	log.Debug("Process started.", zap.Int("pid", cmd.Process.Pid))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case waitErr := <-done:
			log.Debug("Process exited.", zap.Duration("duration", time.Since(start)))
			return r.finish(waitErr, cmd, command, cwd, stdout.Bytes(), stderr.Bytes())
		case <-ticker.C:
			if ctx.Err() == nil {
				continue
			}
			log.Info("Cancellation requested, killing process group.")
			if err := killProcessGroup(cmd); err != nil {
				log.Warn("Failed to kill process group.", zap.Error(err))
			}
			<-done
			return cancelledResult(cwd, SummarizeStdout(Decode(stdout.Bytes()), r.maxStdoutChars), capStderr(Decode(stderr.Bytes()), r.maxStderrChars))
		}
	}
}

func (r *Runner) finish(waitErr error, cmd *exec.Cmd, command, cwd string, outBytes, errBytes []byte) Result {
	res := Result{NewCwd: cwd}
	res.Stdout = SummarizeStdout(Decode(outBytes), r.maxStdoutChars)
	stderrText := Decode(errBytes)

	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
			res.Err = apperr.Wrap(apperr.InternalError, waitErr, "waiting for command failed")
			if code == 0 {
				code = 1
			}
		}
	}
	res.ExitCode = &code

	switch code {
	case 127:
		res.Err = apperr.New(apperr.CommandNotFound, "Command or execution shell not found: '%s'. Check PATH or command spelling.", command)
	case 126:
		res.Err = apperr.New(apperr.PermissionDenied, "Permission denied executing command: '%s'", command)
	}
	res.Stderr = capStderr(appendExitNote(stderrText, code), r.maxStderrChars)
	return res
}

func (r *Runner) startFailure(err error, shell, command, cwd string) Result {
	r.logger.Warn("Failed to start process.", zap.String("shell", shell), zap.Error(err))
	res := Result{NewCwd: cwd}
	var code int
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		code = 127
		if _, statErr := os.Stat(cwd); statErr != nil {
			res.Err = apperr.Wrap(apperr.DirectoryNotFound, err, "Directory not found: '%s'", cwd)
		} else {
			res.Err = apperr.Wrap(apperr.CommandNotFound, err, "Command or execution shell not found: '%s'. Check PATH or command spelling.", shell)
		}
	case errors.Is(err, os.ErrPermission):
		code = 126
		res.Err = apperr.Wrap(apperr.PermissionDenied, err, "Permission denied executing command: '%s'", command)
	default:
		code = 1
		res.Err = apperr.Wrap(apperr.InternalError, err, "failed to start command '%s'", command)
	}
	res.ExitCode = &code
	res.Stderr = res.Err.UserMessage()
	return res
}

// cancelledResult keeps whatever the command printed before it was killed.
func cancelledResult(cwd, stdout, stderr string) Result {
	code := CancelledExitCode
	note := "Command stopped by user."
	if stderr = strings.TrimRight(stderr, "\n"); stderr != "" {
		note = stderr + "\n" + note
	}
	return Result{NewCwd: cwd, ExitCode: &code, Stdout: stdout, Stderr: note}
}

// appendExitNote adds a "Command exited with code" line for non-zero exits
// unless stderr already mentions the code.
func appendExitNote(stderr string, code int) string {
	if code == 0 {
		return stderr
	}
	if strings.Contains(stderr, fmt.Sprint(code)) {
		return stderr
	}
	note := fmt.Sprintf("Command exited with code: %d", code)
	if trimmed := strings.TrimRight(stderr, "\n"); trimmed != "" {
		return trimmed + "\n" + note
	}
	return note
}
