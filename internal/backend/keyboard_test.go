package backend_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/poweragent-cli/internal/apperr"
	"github.com/xkilldash9x/poweragent-cli/internal/backend"
	"github.com/xkilldash9x/poweragent-cli/internal/config"
	"github.com/xkilldash9x/poweragent-cli/internal/grammar"
	"github.com/xkilldash9x/poweragent-cli/internal/mocks"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) { s.delays = append(s.delays, d) }

func keyboardCfg() config.KeyboardConfig {
	return config.KeyboardConfig{Enabled: true, SettleDelay: 200 * time.Millisecond, KeyDelay: 50 * time.Millisecond}
}

func keyboardAction(call string, args map[string]interface{}) backend.Request {
	return backend.Request{Action: grammar.Action{Kind: grammar.KindKeyboard, Call: call, Args: args}, Cwd: "/work"}
}

func acceptAll(inj *mocks.MockInjector) {
	inj.On("KeyDown", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	inj.On("KeyUp", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	inj.On("InsertText", mock.Anything, mock.Anything).Return(nil)
}

func newKeyboard(t *testing.T, inj backend.Injector, state backend.State, opts ...backend.KeyboardOption) (*backend.KeyboardBackend, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	opts = append([]backend.KeyboardOption{backend.WithSleep(rec.sleep)}, opts...)
	return backend.NewKeyboardBackend(zaptest.NewLogger(t), inj, state, keyboardCfg(), opts...), rec
}

func TestKeyboard_Unavailable(t *testing.T) {
	kb, rec := newKeyboard(t, nil, backend.Unavailable)
	out := kb.Execute(context.Background(), keyboardAction("press", map[string]interface{}{"key": "enter"}))

	require.False(t, out.Success)
	require.NotNil(t, out.Err)
	assert.Equal(t, apperr.CapabilityUnavailable, out.Err.Kind)
	assert.True(t, strings.HasPrefix(out.ErrorText(), apperr.PrefixKeyboardUnavailable))
	assert.Empty(t, rec.delays, "no settle delay when nothing is dispatched")
	assert.Equal(t, "/work", out.NewCwd)
}

func TestKeyboard_DisabledByConfig(t *testing.T) {
	inj := new(mocks.MockInjector)
	cfg := keyboardCfg()
	cfg.Enabled = false
	kb := backend.NewKeyboardBackend(zaptest.NewLogger(t), inj, backend.Verified, cfg, backend.WithSleep(func(time.Duration) {}))

	out := kb.Execute(context.Background(), keyboardAction("press", map[string]interface{}{"key": "a"}))
	require.NotNil(t, out.Err)
	assert.Equal(t, apperr.CapabilityUnavailable, out.Err.Kind)
	inj.AssertNotCalled(t, "KeyDown", mock.Anything, mock.Anything, mock.Anything)
}

func TestKeyboard_PressResolvesAliasesWithDelays(t *testing.T) {
	inj := new(mocks.MockInjector)
	acceptAll(inj)
	kb, rec := newKeyboard(t, inj, backend.Verified)

	out := kb.Execute(context.Background(), keyboardAction("press", map[string]interface{}{"key": "ESC"}))

	require.True(t, out.Success, out.Render())
	assert.Equal(t, []string{"down:Escape", "up:Escape"}, inj.Events())
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 50 * time.Millisecond, 200 * time.Millisecond}, rec.delays)
}

func TestKeyboard_Type(t *testing.T) {
	inj := new(mocks.MockInjector)
	acceptAll(inj)
	kb, _ := newKeyboard(t, inj, backend.Unverified)

	out := kb.Execute(context.Background(), keyboardAction("type", map[string]interface{}{"text": `say "hi"`}))
	require.True(t, out.Success)
	assert.Equal(t, []string{`text:say "hi"`}, inj.Events())

	out = kb.Execute(context.Background(), keyboardAction("type", map[string]interface{}{}))
	require.NotNil(t, out.Err)
	assert.Equal(t, apperr.ActionRuntimeFailure, out.Err.Kind)
}

func TestKeyboard_HotkeyWithTwoModifiers(t *testing.T) {
	inj := new(mocks.MockInjector)
	acceptAll(inj)
	kb, _ := newKeyboard(t, inj, backend.Verified)

	out := kb.Execute(context.Background(), keyboardAction("hotkey", map[string]interface{}{"keys": "ctrl+alt+del"}))

	require.True(t, out.Success, out.Render())
	assert.Equal(t, []string{
		"down:Control", "down:Alt", "down:Delete", "up:Delete", "up:Alt", "up:Control",
	}, inj.Events())
	for _, k := range []string{"ctrl", "alt", "del"} {
		assert.Contains(t, out.Stdout, k)
		assert.Contains(t, out.Render(), k)
	}

	// The main key carries both modifier bits.
	inj.AssertCalled(t, "KeyDown", mock.Anything,
		mock.MatchedBy(func(k backend.Key) bool { return k.Name == "Delete" }),
		backend.ModCtrl|backend.ModAlt)
}

func TestKeyboard_HotkeyAcceptsList(t *testing.T) {
	inj := new(mocks.MockInjector)
	acceptAll(inj)
	kb, _ := newKeyboard(t, inj, backend.Verified)

	out := kb.Execute(context.Background(), keyboardAction("hotkey", map[string]interface{}{"keys": []interface{}{"Ctrl", "C"}}))
	require.True(t, out.Success)
	assert.Equal(t, []string{"down:Control", "down:C", "up:C", "up:Control"}, inj.Events())
}

func TestKeyboard_HotkeyValidation(t *testing.T) {
	for _, combo := range []string{"ctrl+alt", "a+b", "ctrl+a+b", "", "ctrl+nosuchkey"} {
		t.Run(combo, func(t *testing.T) {
			inj := new(mocks.MockInjector)
			kb, _ := newKeyboard(t, inj, backend.Verified)

			out := kb.Execute(context.Background(), keyboardAction("hotkey", map[string]interface{}{"keys": combo}))
			require.NotNil(t, out.Err)
			assert.Equal(t, apperr.ActionRuntimeFailure, out.Err.Kind)
			assert.True(t, strings.HasPrefix(out.ErrorText(), apperr.PrefixKeyboardError), out.ErrorText())
			assert.Empty(t, inj.Events(), "nothing is pressed for an invalid combination")
		})
	}
}

func TestKeyboard_HotkeyReleasesHeldKeysOnFailure(t *testing.T) {
	inj := new(mocks.MockInjector)
	inj.On("KeyDown", mock.Anything, mock.MatchedBy(func(k backend.Key) bool { return k.Name == "S" }), mock.Anything).
		Return(errors.New("injection refused"))
	acceptAll(inj)
	kb, _ := newKeyboard(t, inj, backend.Verified)

	out := kb.Execute(context.Background(), keyboardAction("hotkey", map[string]interface{}{"keys": "ctrl+shift+S"}))

	require.NotNil(t, out.Err)
	assert.Contains(t, out.ErrorText(), "injection refused")
	assert.Equal(t, []string{"down:Control", "down:Shift", "down:S", "up:Shift", "up:Control"}, inj.Events())
}

func TestKeyboard_PasteRestoresClipboard(t *testing.T) {
	for _, tc := range []struct {
		goos     string
		modifier string
	}{{"linux", "Control"}, {"darwin", "Meta"}} {
		t.Run(tc.goos, func(t *testing.T) {
			inj := new(mocks.MockInjector)
			acceptAll(inj)
			clip := new(mocks.MockClipboard)
			clip.On("ReadAll").Return("previous", nil).Once()
			clip.On("WriteAll", "pasted text").Return(nil).Once()
			clip.On("WriteAll", "previous").Return(nil).Once()

			kb, _ := newKeyboard(t, inj, backend.Verified, backend.WithClipboard(clip), backend.WithGOOS(tc.goos))
			out := kb.Execute(context.Background(), keyboardAction("paste", map[string]interface{}{"text": "pasted text"}))

			require.True(t, out.Success, out.Render())
			assert.Equal(t, []string{"down:" + tc.modifier, "down:v", "up:v", "up:" + tc.modifier}, inj.Events())
			clip.AssertExpectations(t)
		})
	}
}

func TestKeyboard_UnknownCall(t *testing.T) {
	inj := new(mocks.MockInjector)
	kb, _ := newKeyboard(t, inj, backend.Verified)
	out := kb.Execute(context.Background(), keyboardAction("scroll", nil))
	require.NotNil(t, out.Err)
	assert.Contains(t, out.ErrorText(), "unknown keyboard call")
}

func TestResolveKey(t *testing.T) {
	tests := []struct {
		in   string
		name string
		mod  backend.Modifier
	}{
		{"esc", "Escape", 0},
		{"Escape", "Escape", 0},
		{"RETURN", "Enter", 0},
		{"pgdn", "PageDown", 0},
		{"page_up", "PageUp", 0},
		{"win", "Meta", backend.ModMeta},
		{"cmd", "Meta", backend.ModMeta},
		{"super", "Meta", backend.ModMeta},
		{"Control", "Control", backend.ModCtrl},
		{"spacebar", " ", 0},
		{"prtscn", "PrintScreen", 0},
		{"f12", "F12", 0},
		{"F20", "F20", 0},
		{"x", "x", 0},
		{"7", "7", 0},
	}
	for _, tt := range tests {
		k, err := backend.ResolveKey(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.name, k.Name, tt.in)
		assert.Equal(t, tt.mod, k.Modifier, tt.in)
	}

	f5, _ := backend.ResolveKey("f5")
	assert.EqualValues(t, 116, f5.VK)

	_, err := backend.ResolveKey("hyper")
	assert.Error(t, err)
	_, err = backend.ResolveKey("  ")
	assert.Error(t, err)
}

func TestSplitCombo(t *testing.T) {
	assert.Equal(t, []string{"ctrl", "shift", "s"}, backend.SplitCombo(" ctrl + shift+s "))
	assert.Equal(t, []string{"ctrl", "+"}, backend.SplitCombo("ctrl++"))
	assert.Empty(t, backend.SplitCombo(""))
}
