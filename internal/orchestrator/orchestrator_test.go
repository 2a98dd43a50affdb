package orchestrator_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/poweragent-cli/internal/apperr"
	"github.com/xkilldash9x/poweragent-cli/internal/backend"
	"github.com/xkilldash9x/poweragent-cli/internal/config"
	"github.com/xkilldash9x/poweragent-cli/internal/history"
	"github.com/xkilldash9x/poweragent-cli/internal/llmclient"
	"github.com/xkilldash9x/poweragent-cli/internal/mocks"
	"github.com/xkilldash9x/poweragent-cli/internal/orchestrator"
	"github.com/xkilldash9x/poweragent-cli/internal/runner"
	"github.com/xkilldash9x/poweragent-cli/internal/transcript"
)

func testConfig() config.Config {
	cfg := *config.NewDefaultConfig()
	cfg.LLM.APIKey = "sk-test"
	cfg.LLM.APIURL = "http://model.invalid"
	cfg.LLM.ModelIDs = "test-model"
	cfg.Agent.IterationPause = 0
	cfg.Agent.IncludeCLIContext = false
	return cfg
}

func multiStep(cfg config.Config, maxIter int) config.Config {
	cfg.Agent.EnableMultiStep = true
	cfg.Agent.MaxIterations = maxIter
	return cfg
}

type harness struct {
	orch        *orchestrator.Orchestrator
	bus         *orchestrator.EventBus
	session     *orchestrator.Session
	events      <-chan orchestrator.Event
	unsubscribe func()
}

func newHarness(t *testing.T, cfg config.Config, model orchestrator.ModelClient, exec backend.Executor) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus := orchestrator.NewEventBus(logger, 64)
	session := orchestrator.NewSession("/home/me", history.NewLedger(20), history.NewTranscript(200))
	h := &harness{
		orch:    orchestrator.New(logger, config.StaticProvider{Cfg: cfg}, model, exec, session, bus),
		bus:     bus,
		session: session,
	}
	h.events, h.unsubscribe = bus.Subscribe()
	t.Cleanup(func() {
		h.orch.Shutdown()
		h.unsubscribe()
		bus.Shutdown()
	})
	return h
}

// drain collects events until the given turn's TurnFinished arrives.
func (h *harness) drain(t *testing.T, turnID string) []orchestrator.Event {
	t.Helper()
	var out []orchestrator.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.events:
			require.True(t, ok, "event channel closed early")
			h.bus.Acknowledge(ev)
			out = append(out, ev)
			if tf, ok := ev.Payload.(orchestrator.TurnFinished); ok && tf.TurnID == turnID {
				return out
			}
		case <-deadline:
			t.Fatalf("turn %s did not finish", turnID)
		}
	}
}

// next blocks for the next event of the given type.
func (h *harness) next(t *testing.T, typ orchestrator.EventType) orchestrator.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			h.bus.Acknowledge(ev)
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func types(evs []orchestrator.Event) []orchestrator.EventType {
	out := make([]orchestrator.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func replies(evs []orchestrator.Event) []string {
	var out []string
	for _, ev := range evs {
		if r, ok := ev.Payload.(orchestrator.ModelReplyReceived); ok {
			out = append(out, r.Display)
		}
	}
	return out
}

func outcomes(evs []orchestrator.Event) []backend.Outcome {
	var out []backend.Outcome
	for _, ev := range evs {
		if c, ok := ev.Payload.(orchestrator.ActionCompleted); ok {
			out = append(out, c.Outcome)
		}
	}
	return out
}

func intPtr(i int) *int { return &i }

func start(t *testing.T, h *harness, prompt string) (*orchestrator.Turn, orchestrator.TurnResult, []orchestrator.Event) {
	t.Helper()
	turn, err := h.orch.StartModelTurn(context.Background(), prompt)
	require.NoError(t, err)
	res := turn.Wait()
	evs := h.drain(t, turn.ID)
	return turn, res, evs
}

// -- End-to-end scenarios --

func TestSingleStep_ListFiles(t *testing.T) {
	model := new(mocks.MockModelClient)
	model.On("Send", mock.Anything, mock.Anything).Return("Listing the directory.\n<cmd>ls</cmd>", nil).Once()

	r := new(mocks.MockCommandRunner)
	r.On("Execute", mock.Anything, "ls", "/home/me").Return(runner.Result{NewCwd: "/home/me", ExitCode: intPtr(0), Stdout: "a.txt\nb.txt\n"})
	sink := &transcript.Recorder{}
	logger := zaptest.NewLogger(t)
	reg := backend.NewRegistry(logger, backend.NewShellBackend(logger, r, sink, nil), nil, nil)

	h := newHarness(t, testConfig(), model, reg)
	_, res, evs := start(t, h, "list files")

	assert.Equal(t, orchestrator.ReasonCompleted, res.Reason)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, orchestrator.StateIdle, h.orch.State())
	model.AssertNumberOfCalls(t, "Send", 1)

	assert.Equal(t, []transcript.Record{
		{Channel: transcript.UserEcho, Text: "Model /home/me: ls"},
		{Channel: transcript.Stdout, Text: "a.txt\nb.txt\n"},
	}, sink.Records())
	assert.Equal(t, []orchestrator.EventType{
		orchestrator.EventModelReply, orchestrator.EventCommandEcho, orchestrator.EventActionStarted,
		orchestrator.EventActionCompleted, orchestrator.EventTurnFinished,
	}, types(evs))
	assert.Equal(t, []string{"Listing the directory."}, replies(evs))

	entries := h.session.Ledger().Snapshot()
	require.Len(t, entries, 2, "single-step outcomes are shown, not fed back")
	assert.Equal(t, history.Entry{Role: history.RoleUser, Content: "list files"}, entries[0])
	assert.Equal(t, history.RoleAssistant, entries[1].Role)
}

func TestSingleStep_HotkeyNamesAllKeys(t *testing.T) {
	model := new(mocks.MockModelClient)
	model.On("Send", mock.Anything, mock.Anything).Return(`<keyboard call="hotkey" keys="ctrl+alt+del" />`, nil)

	inj := new(mocks.MockInjector)
	inj.On("KeyDown", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	inj.On("KeyUp", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	logger := zaptest.NewLogger(t)
	kb := backend.NewKeyboardBackend(logger, inj, backend.Verified,
		config.KeyboardConfig{Enabled: true}, backend.WithSleep(func(time.Duration) {}))
	reg := backend.NewRegistry(logger, nil, kb, nil)

	h := newHarness(t, testConfig(), model, reg)
	_, res, evs := start(t, h, "open the security screen")

	assert.Equal(t, orchestrator.ReasonCompleted, res.Reason)
	outs := outcomes(evs)
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Success, outs[0].Render())
	for _, k := range []string{"ctrl", "alt", "del"} {
		assert.Contains(t, outs[0].Render(), k)
	}
	assert.Empty(t, replies(evs), "a tag-only reply has no display text")
}

func TestSingleStep_GuiUnavailableIsAnOutcome(t *testing.T) {
	model := new(mocks.MockModelClient)
	model.On("Send", mock.Anything, mock.Anything).Return(`<gui_action call="click_control" args='{"name": "Save"}' />`, nil)

	logger := zaptest.NewLogger(t)
	gui := backend.NewGuiBackend(logger, nil, backend.Unavailable, testConfig().GUI)
	reg := backend.NewRegistry(logger, nil, nil, gui)

	h := newHarness(t, testConfig(), model, reg)
	_, res, evs := start(t, h, "save the document")

	assert.Equal(t, orchestrator.ReasonCompleted, res.Reason)
	outs := outcomes(evs)
	require.Len(t, outs, 1)
	require.NotNil(t, outs[0].Err)
	assert.Equal(t, apperr.CapabilityUnavailable, outs[0].Err.Kind)
	assert.True(t, strings.HasPrefix(outs[0].ErrorText(), apperr.PrefixGUIUnavailable))
	assert.Equal(t, orchestrator.StateIdle, h.orch.State())
}

func TestSingleStep_ServerErrorAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.LLM.APIURL = srv.URL
	client := llmclient.New(zaptest.NewLogger(t), backend.Capabilities{},
		llmclient.WithHTTPClient(&http.Client{Transport: &http.Transport{DisableKeepAlives: true}}),
		llmclient.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	exec := new(mocks.MockExecutor)

	h := newHarness(t, cfg, client, exec)
	_, res, evs := start(t, h, "do something")

	assert.Equal(t, orchestrator.ReasonError, res.Reason)
	assert.EqualValues(t, 3, hits.Load())
	got := replies(evs)
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0], apperr.PrefixAPI), got[0])
	assert.Contains(t, got[0], "503")
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	assert.Equal(t, orchestrator.StateIdle, h.orch.State())
}

// -- Multi-step --

func TestMultiStep_FinalAnswerEndsAfterOneIteration(t *testing.T) {
	model := new(mocks.MockModelClient)
	model.On("Send", mock.Anything, mock.Anything).Return("Nothing to do, the file already exists.", nil)
	exec := new(mocks.MockExecutor)

	h := newHarness(t, multiStep(testConfig(), 5), model, exec)
	_, res, evs := start(t, h, "create the file")

	assert.Equal(t, orchestrator.ReasonFinalAnswer, res.Reason)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, []string{"Nothing to do, the file already exists."}, replies(evs))
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestMultiStep_MaxIterations(t *testing.T) {
	model := new(mocks.MockModelClient)
	model.On("Send", mock.Anything, mock.Anything).Return("Working on it.<cmd>echo hi</cmd>", nil)
	exec := new(mocks.MockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything).Return(backend.Outcome{
		Description: "Shell command: echo hi", Success: true, ExitCode: intPtr(0), Stdout: "hi\n", NewCwd: "/home/me",
	})

	h := newHarness(t, multiStep(testConfig(), 3), model, exec)
	_, res, evs := start(t, h, "keep going")

	assert.Equal(t, orchestrator.ReasonMaxIterations, res.Reason)
	assert.Equal(t, 3, res.Iterations)
	model.AssertNumberOfCalls(t, "Send", 3)
	exec.AssertNumberOfCalls(t, "Execute", 3)
	assert.Equal(t, []string{"Working on it.", orchestrator.MaxIterationsNotice(3)}, replies(evs),
		"an unchanged reply is shown once")

	entries := h.session.Ledger().Snapshot()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, history.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "Action: Shell command: echo hi")
}

func TestMultiStep_OutcomesAreFedBack(t *testing.T) {
	model := new(mocks.MockModelClient)
	model.On("Send", mock.Anything, mock.Anything).Return("<cmd>cd src</cmd>", nil).Once()
	model.On("Send", mock.Anything, mock.MatchedBy(func(req llmclient.Request) bool {
		last := req.History[len(req.History)-1]
		return req.Cwd == "/home/me/src" && last.Role == history.RoleSystem && strings.Contains(last.Content, "Working directory: /home/me/src")
	})).Return("Done.", nil).Once()

	exec := new(mocks.MockExecutor)
	exec.On("Execute", mock.Anything, mock.MatchedBy(func(req backend.Request) bool { return !req.Manual })).
		Return(backend.Outcome{Description: "Shell command: cd src", Success: true, NewCwd: "/home/me/src"})

	h := newHarness(t, multiStep(testConfig(), 5), model, exec)
	_, res, _ := start(t, h, "go to src")

	assert.Equal(t, orchestrator.ReasonFinalAnswer, res.Reason)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, "/home/me/src", res.Cwd)
	assert.Equal(t, "/home/me/src", h.session.Cwd())
	model.AssertExpectations(t)
}

func TestMultiStep_ContinueCountsAsAction(t *testing.T) {
	model := new(mocks.MockModelClient)
	model.On("Send", mock.Anything, mock.Anything).Return("Thinking about it. <continue />", nil).Once()
	model.On("Send", mock.Anything, mock.Anything).Return("All done.", nil).Once()
	exec := new(mocks.MockExecutor)

	h := newHarness(t, multiStep(testConfig(), 5), model, exec)
	_, res, evs := start(t, h, "plan")

	assert.Equal(t, orchestrator.ReasonFinalAnswer, res.Reason)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, []string{"Thinking about it.", "All done."}, replies(evs))
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestMultiStep_StopsOnUserCancelledCommand(t *testing.T) {
	model := new(mocks.MockModelClient)
	model.On("Send", mock.Anything, mock.Anything).Return("<cmd>sleep 100</cmd>", nil)
	exec := new(mocks.MockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything).Return(backend.Outcome{
		Description: "Shell command: sleep 100", ExitCode: intPtr(runner.CancelledExitCode), NewCwd: "/home/me",
	})

	h := newHarness(t, multiStep(testConfig(), 5), model, exec)
	_, res, _ := start(t, h, "wait")

	assert.Equal(t, orchestrator.ReasonCommandStopped, res.Reason)
	assert.Equal(t, 1, res.Iterations)
	model.AssertNumberOfCalls(t, "Send", 1)
}

func TestMultiStep_StopDuringPause(t *testing.T) {
	cfg := multiStep(testConfig(), 5)
	cfg.Agent.IterationPause = time.Minute

	model := new(mocks.MockModelClient)
	model.On("Send", mock.Anything, mock.Anything).Return("<cmd>ls</cmd>", nil)
	exec := new(mocks.MockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything).Return(backend.Outcome{Success: true, ExitCode: intPtr(0), NewCwd: "/home/me"})

	h := newHarness(t, cfg, model, exec)
	turn, err := h.orch.StartModelTurn(context.Background(), "list")
	require.NoError(t, err)

	h.next(t, orchestrator.EventActionCompleted)
	turn.Stop()

	select {
	case <-turn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("the pause was not interrupted")
	}
	res := turn.Wait()
	assert.Equal(t, orchestrator.ReasonCancelled, res.Reason)
	assert.Equal(t, 1, res.Iterations)
	model.AssertNumberOfCalls(t, "Send", 1)
	h.drain(t, turn.ID)
}

func TestMultiStep_DecodeErrorIsSurfacedAndEndsTurn(t *testing.T) {
	model := new(mocks.MockModelClient)
	model.On("Send", mock.Anything, mock.Anything).Return(`Clicking. <gui_action call="click_control" args='{broken' />`, nil)
	exec := new(mocks.MockExecutor)

	h := newHarness(t, multiStep(testConfig(), 5), model, exec)
	_, res, evs := start(t, h, "click it")

	assert.Equal(t, orchestrator.ReasonFinalAnswer, res.Reason)
	got := replies(evs)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "Clicking.")
	assert.Contains(t, got[0], apperr.PrefixParse)
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)

	entries := h.session.Ledger().Snapshot()
	assert.Equal(t, history.RoleSystem, entries[len(entries)-1].Role)
	assert.Contains(t, entries[len(entries)-1].Content, apperr.PrefixParse)
}

// -- Lifecycle --

func blockingModel(started chan<- struct{}) *mocks.MockModelClient {
	model := new(mocks.MockModelClient)
	model.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		close(started)
		<-args.Get(0).(context.Context).Done()
	}).Return("", apperr.New(apperr.InternalError, "model request was cancelled"))
	return model
}

func TestStop_DuringModelCall(t *testing.T) {
	started := make(chan struct{})
	exec := new(mocks.MockExecutor)
	h := newHarness(t, testConfig(), blockingModel(started), exec)

	turn, err := h.orch.StartModelTurn(context.Background(), "slow question")
	require.NoError(t, err)
	<-started
	assert.Equal(t, orchestrator.StateCallingModel, h.orch.State())
	turn.Stop()

	res := turn.Wait()
	evs := h.drain(t, turn.ID)
	assert.Equal(t, orchestrator.ReasonCancelled, res.Reason)
	assert.Equal(t, []string{orchestrator.CancelledNotice}, replies(evs))
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	assert.Equal(t, orchestrator.StateIdle, h.orch.State())
}

func TestTurnsOfTheSameKindAreExclusive(t *testing.T) {
	started := make(chan struct{})
	exec := new(mocks.MockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything).Return(backend.Outcome{Success: true, ExitCode: intPtr(0), NewCwd: "/home/me"})
	h := newHarness(t, testConfig(), blockingModel(started), exec)

	turn, err := h.orch.StartModelTurn(context.Background(), "first")
	require.NoError(t, err)
	<-started

	_, err = h.orch.StartModelTurn(context.Background(), "second")
	assert.ErrorIs(t, err, orchestrator.ErrTurnInProgress)
	assert.True(t, h.orch.Busy(orchestrator.TurnModel))

	manual, err := h.orch.StartManualTurn(context.Background(), "pwd")
	require.NoError(t, err, "a manual turn may run alongside a model turn")
	assert.Equal(t, orchestrator.ReasonCompleted, manual.Wait().Reason)

	turn.Stop()
	turn.Wait()
	assert.False(t, h.orch.Busy(orchestrator.TurnModel))
	h.drain(t, turn.ID)
}

func TestStart_RejectsWithoutEvents(t *testing.T) {
	h := newHarness(t, testConfig(), new(mocks.MockModelClient), new(mocks.MockExecutor))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.orch.StartModelTurn(ctx, "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = h.orch.StartManualTurn(context.Background(), "   ")
	assert.ErrorIs(t, err, orchestrator.ErrEmptyInput)

	assert.Empty(t, h.events)
	assert.Zero(t, h.session.Ledger().Len())
}

func TestPanicIsRecoveredIntoDiagnostic(t *testing.T) {
	model := new(mocks.MockModelClient)
	model.On("Send", mock.Anything, mock.Anything).Return("<cmd>ls</cmd>", nil)
	exec := new(mocks.MockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything).Run(func(mock.Arguments) { panic("executor exploded") }).Return(backend.Outcome{})

	h := newHarness(t, testConfig(), model, exec)
	_, res, evs := start(t, h, "list")

	assert.Equal(t, orchestrator.ReasonError, res.Reason)
	got := replies(evs)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.True(t, strings.HasPrefix(last, apperr.PrefixInternal), last)
	assert.Contains(t, last, "executor exploded")
	assert.Equal(t, orchestrator.StateIdle, h.orch.State())
	assert.False(t, h.orch.Busy(orchestrator.TurnModel))
}

func TestManualTurn_HandsOffWorkingDirectory(t *testing.T) {
	exec := new(mocks.MockExecutor)
	exec.On("Execute", mock.Anything, mock.MatchedBy(func(req backend.Request) bool {
		return req.Manual && req.Action.Command == "cd /tmp" && req.Cwd == "/home/me"
	})).Return(backend.Outcome{Description: "Shell command: cd /tmp", Success: true, NewCwd: "/tmp"})

	h := newHarness(t, testConfig(), new(mocks.MockModelClient), exec)
	turn, err := h.orch.StartManualTurn(context.Background(), "cd /tmp")
	require.NoError(t, err)
	res := turn.Wait()
	evs := h.drain(t, turn.ID)

	assert.Equal(t, orchestrator.ReasonCompleted, res.Reason)
	assert.Equal(t, "/tmp", h.session.Cwd())
	echo, ok := evs[0].Payload.(orchestrator.CommandEcho)
	require.True(t, ok)
	assert.True(t, echo.Manual)
	assert.Equal(t, "/home/me", echo.Cwd)
	finished := evs[len(evs)-1].Payload.(orchestrator.TurnFinished)
	assert.Equal(t, orchestrator.TurnManual, finished.Kind)
	assert.Equal(t, "/tmp", finished.Cwd)
	assert.Zero(t, h.session.Ledger().Len(), "manual commands are not part of the conversation")
}

func TestCLIContextPrecedesLatestUserMessage(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.IncludeCLIContext = true

	var captured llmclient.Request
	model := new(mocks.MockModelClient)
	model.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		captured = args.Get(1).(llmclient.Request)
	}).Return("ok", nil)

	h := newHarness(t, cfg, model, new(mocks.MockExecutor))
	h.session.Ledger().Append(history.RoleUser, "earlier question")
	h.session.Ledger().Append(history.RoleAssistant, "earlier answer")
	h.session.Transcript().Write("$ make\nbuild ok\n")

	start(t, h, "why did the build pass?")

	require.Len(t, captured.History, 4)
	assert.Equal(t, history.RoleSystem, captured.History[2].Role)
	assert.Contains(t, captured.History[2].Content, "build ok")
	assert.Equal(t, history.Entry{Role: history.RoleUser, Content: "why did the build pass?"}, captured.History[3])
	assert.Equal(t, llmclient.SingleStep, captured.Mode)
	assert.Equal(t, "/home/me", captured.Cwd)
	assert.Equal(t, 4, h.session.Ledger().Len(), "the context block is not stored")
}
