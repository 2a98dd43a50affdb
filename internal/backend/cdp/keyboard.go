package cdp

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp/kb"

	"github.com/xkilldash9x/poweragent-cli/internal/backend"
)

// Injector sends key events to the focused element of the CDP target.
type Injector struct {
	driver Driver
}

var _ backend.Injector = (*Injector)(nil)

func NewInjector(d Driver) *Injector {
	return &Injector{driver: d}
}

func (i *Injector) KeyDown(ctx context.Context, key backend.Key, mods backend.Modifier) error {
	p := keyEvent(input.KeyDown, key, mods)
	// Characters are only produced when no command modifier is held.
	if key.Text != "" && mods&(backend.ModCtrl|backend.ModAlt|backend.ModMeta) == 0 {
		p = p.WithText(key.Text).WithUnmodifiedText(key.Text)
	}
	if err := i.driver.Run(ctx, p); err != nil {
		return fmt.Errorf("key down %s: %w", key.Name, err)
	}
	return nil
}

func (i *Injector) KeyUp(ctx context.Context, key backend.Key, mods backend.Modifier) error {
	// The released modifier no longer contributes to the mask.
	if key.IsModifier() {
		mods &^= key.Modifier
	}
	if err := i.driver.Run(ctx, keyEvent(input.KeyUp, key, mods)); err != nil {
		return fmt.Errorf("key up %s: %w", key.Name, err)
	}
	return nil
}

// InsertText commits text as if typed by an input method.
func (i *Injector) InsertText(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	if err := i.driver.Run(ctx, input.InsertText(text)); err != nil {
		return fmt.Errorf("insert text: %w", err)
	}
	return nil
}

func keyEvent(typ input.KeyType, key backend.Key, mods backend.Modifier) *input.DispatchKeyEventParams {
	code, vk := key.Code, key.VK
	if (code == "" || vk == 0) && utf8.RuneCountInString(key.Name) == 1 {
		r, _ := utf8.DecodeRuneInString(key.Name)
		if enc := kb.Encode(r); len(enc) > 0 {
			if code == "" {
				code = enc[0].Code
			}
			if vk == 0 {
				vk = enc[0].WindowsVirtualKeyCode
			}
		}
	}
	p := input.DispatchKeyEvent(typ).
		WithKey(key.Name).
		WithModifiers(input.Modifier(mods))
	if code != "" {
		p = p.WithCode(code)
	}
	if vk != 0 {
		p = p.WithWindowsVirtualKeyCode(vk).WithNativeVirtualKeyCode(vk)
	}
	return p
}
