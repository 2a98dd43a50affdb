package backend

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"go.uber.org/zap"

	"github.com/xkilldash9x/poweragent-cli/internal/apperr"
	"github.com/xkilldash9x/poweragent-cli/internal/config"
	"github.com/xkilldash9x/poweragent-cli/internal/grammar"
)

// Injector delivers synthetic key events to the focused window.
type Injector interface {
	KeyDown(ctx context.Context, key Key, mods Modifier) error
	KeyUp(ctx context.Context, key Key, mods Modifier) error
	InsertText(ctx context.Context, text string) error
}

// Clipboard is the system clipboard surface used by paste.
type Clipboard interface {
	ReadAll() (string, error)
	WriteAll(text string) error
}

type systemClipboard struct{}

func (systemClipboard) ReadAll() (string, error) { return clipboard.ReadAll() }
func (systemClipboard) WriteAll(text string) error { return clipboard.WriteAll(text) }

// SystemClipboard is backed by the OS clipboard.
var SystemClipboard Clipboard = systemClipboard{}

// KeyboardBackend executes <keyboard> actions through an Injector.
type KeyboardBackend struct {
	logger   *zap.Logger
	injector Injector
	state    State
	clip     Clipboard
	settle   time.Duration
	keyDelay time.Duration
	goos     string
	sleep    func(time.Duration)
}

// KeyboardOption configures a KeyboardBackend.
type KeyboardOption func(*KeyboardBackend)

func WithClipboard(c Clipboard) KeyboardOption {
	return func(k *KeyboardBackend) { k.clip = c }
}

// WithSleep replaces time.Sleep for the fixed delays.
func WithSleep(sleep func(time.Duration)) KeyboardOption {
	return func(k *KeyboardBackend) { k.sleep = sleep }
}

// WithGOOS overrides the platform used to pick the paste shortcut.
func WithGOOS(goos string) KeyboardOption {
	return func(k *KeyboardBackend) { k.goos = goos }
}

func NewKeyboardBackend(logger *zap.Logger, injector Injector, state State, cfg config.KeyboardConfig, opts ...KeyboardOption) *KeyboardBackend {
	k := &KeyboardBackend{
		logger:   logger.Named("keyboard"),
		injector: injector,
		state:    state,
		clip:     SystemClipboard,
		settle:   cfg.SettleDelay,
		keyDelay: cfg.KeyDelay,
		goos:     runtime.GOOS,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(k)
	}
	if !cfg.Enabled {
		k.state = Unavailable
	}
	return k
}

func (k *KeyboardBackend) Execute(ctx context.Context, req Request) Outcome {
	a := req.Action
	desc := grammar.Describe(a)
	if !k.state.Usable() || k.injector == nil {
		return failed(desc, req.Cwd, apperr.New(apperr.CapabilityUnavailable,
			"Keyboard automation is not available on this system.").On(apperr.SurfaceKeyboard))
	}

	k.sleep(k.settle)
	var (
		msg string
		err error
	)
	switch strings.ToLower(a.Call) {
	case "press":
		name, _ := a.StringArg("key")
		msg, err = k.press(ctx, name)
	case "type":
		text, _ := a.StringArg("text")
		msg, err = k.typeText(ctx, text)
	case "hotkey":
		msg, err = k.hotkey(ctx, comboArg(a))
	case "paste":
		text, _ := a.StringArg("text")
		msg, err = k.paste(ctx, text)
	default:
		err = fmt.Errorf("unknown keyboard call '%s' (expected press, type, hotkey or paste)", a.Call)
	}
	k.sleep(k.settle)

	if err != nil {
		k.logger.Warn("Keyboard action failed.", zap.String("call", a.Call), zap.Error(err))
		return failed(desc, req.Cwd, apperr.Wrap(apperr.ActionRuntimeFailure, err, "%v", err).On(apperr.SurfaceKeyboard))
	}
	return Outcome{Description: desc, Success: true, Stdout: msg, NewCwd: req.Cwd}
}

func comboArg(a grammar.Action) []string {
	if list, ok := a.Args["keys"].([]interface{}); ok {
		parts := make([]string, 0, len(list))
		for _, v := range list {
			parts = append(parts, fmt.Sprint(v))
		}
		return parts
	}
	s, _ := a.StringArg("keys")
	return SplitCombo(s)
}

func (k *KeyboardBackend) press(ctx context.Context, name string) (string, error) {
	key, err := ResolveKey(name)
	if err != nil {
		return "", fmt.Errorf("press: %w", err)
	}
	if err := k.tap(ctx, key, 0); err != nil {
		return "", err
	}
	return fmt.Sprintf("Pressed key '%s'.", name), nil
}

func (k *KeyboardBackend) tap(ctx context.Context, key Key, mods Modifier) error {
	if err := k.injector.KeyDown(ctx, key, mods); err != nil {
		return fmt.Errorf("key down %s: %w", key.Name, err)
	}
	k.sleep(k.keyDelay)
	if err := k.injector.KeyUp(ctx, key, mods); err != nil {
		return fmt.Errorf("key up %s: %w", key.Name, err)
	}
	return nil
}

func (k *KeyboardBackend) typeText(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("type: text attribute is empty")
	}
	if err := k.injector.InsertText(ctx, text); err != nil {
		return "", fmt.Errorf("type: %w", err)
	}
	return fmt.Sprintf("Typed %d characters.", len([]rune(text))), nil
}

// hotkey presses the modifiers in order, taps the single main key, then
// releases the modifiers in reverse order. Modifiers already held are
// released even when a later event fails.
func (k *KeyboardBackend) hotkey(ctx context.Context, names []string) (string, error) {
	var (
		mods    []Key
		main    []Key
		mask    Modifier
		resolve []string
	)
	for _, n := range names {
		key, err := ResolveKey(n)
		if err != nil {
			return "", fmt.Errorf("hotkey: %w", err)
		}
		resolve = append(resolve, strings.ToLower(strings.TrimSpace(n)))
		if key.IsModifier() {
			mods = append(mods, key)
		} else {
			main = append(main, key)
		}
	}
	if len(main) != 1 || len(mods) == 0 {
		return "", fmt.Errorf("hotkey requires one or more modifiers and exactly one non-modifier key, got '%s'", strings.Join(names, "+"))
	}

	var held []Key
	release := func() error {
		var first error
		for i := len(held) - 1; i >= 0; i-- {
			mask &^= held[i].Modifier
			if err := k.injector.KeyUp(ctx, held[i], mask); err != nil && first == nil {
				first = fmt.Errorf("key up %s: %w", held[i].Name, err)
			}
			k.sleep(k.keyDelay)
		}
		held = nil
		return first
	}

	for _, m := range mods {
		mask |= m.Modifier
		if err := k.injector.KeyDown(ctx, m, mask); err != nil {
			_ = release()
			return "", fmt.Errorf("key down %s: %w", m.Name, err)
		}
		held = append(held, m)
		k.sleep(k.keyDelay)
	}
	if err := k.tap(ctx, main[0], mask); err != nil {
		_ = release()
		return "", err
	}
	k.sleep(k.keyDelay)
	if err := release(); err != nil {
		return "", err
	}
	return fmt.Sprintf("Sent hotkey %s.", strings.Join(resolve, "+")), nil
}

// paste puts text on the clipboard, sends the platform paste shortcut and
// then restores the previous clipboard content.
func (k *KeyboardBackend) paste(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("paste: text attribute is empty")
	}
	previous, readErr := k.clip.ReadAll()
	if err := k.clip.WriteAll(text); err != nil {
		return "", fmt.Errorf("paste: write clipboard: %w", err)
	}
	defer func() {
		if readErr != nil {
			return
		}
		if err := k.clip.WriteAll(previous); err != nil {
			k.logger.Warn("Could not restore clipboard.", zap.Error(err))
		}
	}()

	combo := []string{"ctrl", "v"}
	if k.goos == "darwin" {
		combo = []string{"cmd", "v"}
	}
	if _, err := k.hotkey(ctx, combo); err != nil {
		return "", fmt.Errorf("paste: %w", err)
	}
	return fmt.Sprintf("Pasted %d characters.", len([]rune(text))), nil
}
