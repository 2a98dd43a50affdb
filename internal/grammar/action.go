// File: internal/grammar/action.go
package grammar

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xkilldash9x/poweragent-cli/internal/apperr"
)

// Kind identifies which action, if any, a model reply requested.
type Kind string

const (
	KindNone      Kind = "NONE"
	KindCommand   Kind = "COMMAND"
	KindKeyboard  Kind = "KEYBOARD"
	KindGui       Kind = "GUI"
	KindGetUiInfo Kind = "GET_UI_INFO"
	KindContinue  Kind = "CONTINUE"
)

// Action is the single action extracted from a reply.
type Action struct {
	Kind Kind
	// Command is the shell text for KindCommand.
	Command string
	// Call is the method for KindKeyboard and KindGui (press, hotkey, click_control, ...).
	Call string
	// Args holds keyboard attributes (key/text/keys) or the decoded gui_action args.
	Args map[string]interface{}
	// Params holds the free-form get_ui_info attributes.
	Params map[string]string
}

// IsNone reports whether no action was found.
func (a Action) IsNone() bool { return a.Kind == "" || a.Kind == KindNone }

// Executable reports whether the action has a backend to run on. Continue is
// an action for loop-control purposes but nothing is executed for it.
func (a Action) Executable() bool {
	return !a.IsNone() && a.Kind != KindContinue
}

// StringArg returns an argument as a string, accepting any scalar JSON value.
func (a Action) StringArg(key string) (string, bool) {
	v, ok := a.Args[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64, bool, int:
		return fmt.Sprint(t), true
	}
	return "", false
}

// Parsed is the result of parsing one model reply.
type Parsed struct {
	Action Action
	// Display is the reply text with thinking regions and action tags removed.
	Display string
	// Diagnostic is set when a tag was present but could not be decoded.
	Diagnostic *apperr.Error
}

// Describe renders a one-line human-readable description of the action.
func Describe(a Action) string {
	switch a.Kind {
	case KindCommand:
		return "Shell command: " + a.Command
	case KindKeyboard:
		var parts []string
		for _, k := range []string{"key", "text", "keys"} {
			if v, ok := a.StringArg(k); ok {
				parts = append(parts, fmt.Sprintf("%s=%q", k, v))
			}
		}
		return strings.TrimSpace("Keyboard " + a.Call + " " + strings.Join(parts, " "))
	case KindGui:
		return "GUI " + a.Call + " " + formatArgs(a.Args)
	case KindGetUiInfo:
		keys := make([]string, 0, len(a.Params))
		for k := range a.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+a.Params[k])
		}
		return strings.TrimSpace("Get UI info " + strings.Join(parts, " "))
	case KindContinue:
		return "Continue"
	}
	return "No action"
}

func formatArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(b)
}
