package backend_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/poweragent-cli/internal/apperr"
	"github.com/xkilldash9x/poweragent-cli/internal/backend"
	"github.com/xkilldash9x/poweragent-cli/internal/grammar"
	"github.com/xkilldash9x/poweragent-cli/internal/mocks"
	"github.com/xkilldash9x/poweragent-cli/internal/runner"
	"github.com/xkilldash9x/poweragent-cli/internal/transcript"
)

func intPtr(i int) *int { return &i }

func cmdRequest(command string, manual bool) backend.Request {
	return backend.Request{Action: grammar.Action{Kind: grammar.KindCommand, Command: command}, Cwd: "/home/me", Manual: manual}
}

// -- Shell backend --

func TestShellBackend_EchoesAndCaptures(t *testing.T) {
	r := new(mocks.MockCommandRunner)
	r.On("Execute", mock.Anything, "ls", "/home/me").Return(runner.Result{
		NewCwd: "/home/me", ExitCode: intPtr(0), Stdout: "a.txt\nb.txt\n",
	})
	sink := &transcript.Recorder{}
	shell := backend.NewShellBackend(zaptest.NewLogger(t), r, sink, nil)

	out := shell.Execute(context.Background(), cmdRequest("ls", false))

	require.True(t, out.Success)
	recs := sink.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, transcript.Record{Channel: transcript.UserEcho, Text: "Model /home/me: ls"}, recs[0])
	assert.Equal(t, transcript.Record{Channel: transcript.Stdout, Text: "a.txt\nb.txt\n"}, recs[1])
	assert.Equal(t, "Shell command: ls", out.Description)
}

func TestShellBackend_ManualEchoAndDirectoryChange(t *testing.T) {
	r := new(mocks.MockCommandRunner)
	r.On("Execute", mock.Anything, "cd src", "/home/me").Return(runner.Result{NewCwd: "/home/me/src"})
	sink := &transcript.Recorder{}

	var gotPath string
	var gotManual bool
	notifier := transcript.DirNotifierFunc(func(p string, manual bool) { gotPath, gotManual = p, manual })
	shell := backend.NewShellBackend(zaptest.NewLogger(t), r, sink, notifier)

	out := shell.Execute(context.Background(), cmdRequest("cd src", true))

	require.True(t, out.Success)
	assert.Nil(t, out.ExitCode)
	assert.Equal(t, "/home/me/src", out.NewCwd)
	assert.Equal(t, "/home/me/src", gotPath)
	assert.True(t, gotManual)
	assert.Equal(t, "/home/me$ cd src", sink.Text(transcript.UserEcho))
	assert.Equal(t, "Working directory: /home/me/src", sink.Text(transcript.System))
}

func TestShellBackend_FailuresAndCancellation(t *testing.T) {
	r := new(mocks.MockCommandRunner)
	r.On("Execute", mock.Anything, "false", mock.Anything).Return(runner.Result{
		NewCwd: "/home/me", ExitCode: intPtr(1), Stderr: "Command exited with code: 1",
	})
	r.On("Execute", mock.Anything, "nope", mock.Anything).Return(runner.Result{
		NewCwd: "/home/me", ExitCode: intPtr(127),
		Err: apperr.New(apperr.CommandNotFound, "Command not found: nope").On(apperr.SurfaceShell),
	})
	r.On("Execute", mock.Anything, "sleep 30", mock.Anything).Return(runner.Result{
		NewCwd: "/home/me", ExitCode: intPtr(runner.CancelledExitCode), Stderr: "Command stopped by user.",
	})
	sink := &transcript.Recorder{}
	shell := backend.NewShellBackend(zaptest.NewLogger(t), r, sink, nil)

	out := shell.Execute(context.Background(), cmdRequest("false", false))
	assert.False(t, out.Success)
	assert.Nil(t, out.Err)
	assert.Contains(t, out.Render(), "Exit code: 1")
	assert.Equal(t, "Command exited with code: 1", sink.Text(transcript.Stderr))

	out = shell.Execute(context.Background(), cmdRequest("nope", false))
	require.NotNil(t, out.Err)
	assert.Contains(t, out.Render(), "[Shell error] Command not found: nope")

	out = shell.Execute(context.Background(), cmdRequest("sleep 30", false))
	assert.True(t, out.Cancelled())
	assert.Contains(t, out.Render(), "Result: stopped by user")
	assert.NotContains(t, out.Render(), "-999")
}

// -- Outcome rendering --

func TestOutcome_Render(t *testing.T) {
	ok := backend.Outcome{Description: "Shell command: ls", Success: true, ExitCode: intPtr(0), Stdout: "a\n", NewCwd: "/x"}
	assert.Equal(t, "Action: Shell command: ls\nResult: success\nExit code: 0\nOutput:\na\nWorking directory: /x", ok.Render())

	gui := backend.Outcome{
		Description: `GUI click_control {"name":"Save"}`,
		Err:         apperr.New(apperr.CapabilityUnavailable, "GUI automation is not available on this system.").On(apperr.SurfaceGUI),
	}
	assert.Equal(t, "Action: GUI click_control {\"name\":\"Save\"}\nResult: failed\nError: [GUI unavailable] GUI automation is not available on this system.", gui.Render())
}

// -- Capabilities --

func TestProbeCapabilities(t *testing.T) {
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("no display") }

	caps := backend.ProbeCapabilities(context.Background(), zaptest.NewLogger(t),
		&backend.Probe{Load: ok, Verify: ok},
		&backend.Probe{Load: ok, Verify: fail})
	assert.Equal(t, backend.Verified, caps.Keyboard)
	assert.Equal(t, backend.Unverified, caps.Gui)

	caps = backend.ProbeCapabilities(context.Background(), zaptest.NewLogger(t),
		&backend.Probe{Load: fail, Verify: ok}, nil)
	assert.Equal(t, backend.Unavailable, caps.Keyboard)
	assert.Equal(t, backend.Unavailable, caps.Gui)

	caps = backend.ProbeCapabilities(context.Background(), zaptest.NewLogger(t), &backend.Probe{Load: ok}, nil)
	assert.Equal(t, backend.Unverified, caps.Keyboard)

	assert.True(t, backend.Unverified.Usable())
	assert.False(t, backend.Unavailable.Usable())
	assert.Equal(t, "verified", backend.Verified.String())
}

// -- Registry --

func TestRegistry_Dispatch(t *testing.T) {
	shell := new(mocks.MockExecutor)
	shell.On("Execute", mock.Anything, mock.Anything).Return(backend.Outcome{Description: "shell", Success: true})
	gui := new(mocks.MockExecutor)
	gui.On("Execute", mock.Anything, mock.Anything).Return(backend.Outcome{Description: "gui", Success: true, NewCwd: "/set"})

	reg := backend.NewRegistry(zaptest.NewLogger(t), shell, nil, gui)

	out := reg.Execute(context.Background(), cmdRequest("ls", false))
	assert.Equal(t, "shell", out.Description)
	assert.Equal(t, "/home/me", out.NewCwd, "cwd defaults to the request's")

	out = reg.Execute(context.Background(), backend.Request{Action: grammar.Action{Kind: grammar.KindGetUiInfo}, Cwd: "/c"})
	assert.Equal(t, "gui", out.Description)
	assert.Equal(t, "/set", out.NewCwd)

	out = reg.Execute(context.Background(), backend.Request{Action: grammar.Action{Kind: grammar.KindKeyboard, Call: "press"}, Cwd: "/c"})
	require.NotNil(t, out.Err)
	assert.Equal(t, apperr.CapabilityUnavailable, out.Err.Kind)

	out = reg.Execute(context.Background(), backend.Request{Action: grammar.Action{Kind: grammar.KindContinue}})
	require.NotNil(t, out.Err)
	assert.Equal(t, apperr.InternalError, out.Err.Kind)
}

func TestRegistry_RecoversPanics(t *testing.T) {
	boom := backend.ExecutorFunc(func(context.Context, backend.Request) backend.Outcome { panic("driver exploded") })
	reg := backend.NewRegistry(zaptest.NewLogger(t), boom, nil, nil)

	var out backend.Outcome
	require.NotPanics(t, func() { out = reg.Execute(context.Background(), cmdRequest("ls", false)) })
	require.NotNil(t, out.Err)
	assert.Equal(t, apperr.InternalError, out.Err.Kind)
	assert.Contains(t, out.ErrorText(), "driver exploded")
	assert.Equal(t, "/home/me", out.NewCwd)
}
