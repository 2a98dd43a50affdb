package llmclient

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/xkilldash9x/poweragent-cli/internal/backend"
)

// Mode selects the instructions given to the model about continuing.
type Mode int

const (
	SingleStep Mode = iota
	MultiStep
)

func (m Mode) String() string {
	if m == MultiStep {
		return "multi-step"
	}
	return "single-step"
}

// PromptContext carries everything the system prompt depends on.
type PromptContext struct {
	GOOS      string
	Shell     string
	Cwd       string
	Mode      Mode
	Caps      backend.Capabilities
	Timestamp time.Time
	// IncludeTimestamp adds the current time to the prompt.
	IncludeTimestamp bool
}

func shellDescription(goos, shell string) string {
	if shell != "" {
		return shell
	}
	switch goos {
	case "windows":
		return "cmd.exe on Windows"
	case "darwin":
		return "zsh/bash on macOS"
	}
	return "sh/bash on Linux"
}

// BuildSystemPrompt renders the system message describing the machine, the
// action grammar and the mode-specific rules.
func BuildSystemPrompt(pc PromptContext) string {
	goos := pc.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	shell := shellDescription(goos, pc.Shell)

	var b strings.Builder
	fmt.Fprintf(&b, "You are an AI assistant that helps the user operate their computer (%s).\n", goos)
	fmt.Fprintf(&b, "Shell commands run in: %s.\n", shell)
	fmt.Fprintf(&b, "The current working directory is: '%s'.\n", pc.Cwd)
	if pc.IncludeTimestamp {
		fmt.Fprintf(&b, "The current date and time is: %s.\n", pc.Timestamp.Format("2006-01-02 15:04:05"))
	}

	b.WriteString("\nYou may request at most ONE action per response, using exactly one of these tags:\n\n")
	b.WriteString("1. Shell command. Put the complete, executable command inside <cmd></cmd>.\n")
	b.WriteString("   Example: <cmd>ls -la</cmd>\n")
	b.WriteString("   'cd' is handled by the assistant and changes the working directory for later commands.\n")

	n := 2
	if pc.Caps.Keyboard.Usable() {
		fmt.Fprintf(&b, "\n%d. Keyboard input to the focused window:\n", n)
		b.WriteString("   <keyboard call=\"press\" key=\"enter\" />  (keys: enter, tab, esc, space, backspace, delete, up, down, left, right, home, end, pgup, pgdn, insert, f1-f20, or a single character)\n")
		b.WriteString("   <keyboard call=\"type\" text=\"hello world\" />\n")
		b.WriteString("   <keyboard call=\"hotkey\" keys=\"ctrl+shift+s\" />  (one or more modifiers plus exactly one other key, joined by +)\n")
		b.WriteString("   <keyboard call=\"paste\" text=\"long text\" />  (puts text on the clipboard and pastes it)\n")
		b.WriteString("   Escape quotes in attribute values as &quot;.\n")
		n++
	}
	if pc.Caps.Gui.Usable() {
		fmt.Fprintf(&b, "\n%d. GUI control automation. args is a JSON object in single quotes:\n", n)
		b.WriteString("   <gui_action call=\"click_control\" args='{\"name\": \"Save\", \"control_type\": \"Button\"}' />\n")
		b.WriteString("   <gui_action call=\"set_text\" args='{\"automation_id\": \"searchBox\", \"text\": \"query\"}' />\n")
		b.WriteString("   <gui_action call=\"select_item\" args='{\"name\": \"Country\", \"item\": \"Norway\"}' />\n")
		b.WriteString("   <gui_action call=\"toggle\" args='{\"name\": \"Remember me\", \"state\": \"on\"}' />\n")
		b.WriteString("   <gui_action call=\"get_text\" args='{\"name\": \"Status\"}' />\n")
		b.WriteString("   <gui_action call=\"get_control_state\" args='{\"name\": \"OK\"}' />\n")
		b.WriteString("   Locator fields: name, automation_id, control_type, class_name, and parent_name, parent_automation_id, parent_control_type, parent_class_name to scope the search. Optional \"timeout\" in seconds.\n")
		n++
		fmt.Fprintf(&b, "\n%d. Inspect the UI tree of the foreground window:\n", n)
		b.WriteString("   <get_ui_info format=\"text\" max_depth=\"3\" />  (format text or json, max_depth 1-10)\n")
		n++
	}

	b.WriteString("\nText inside <think></think> is ignored and never shown or executed. ")
	b.WriteString("Ensure JSON is valid (double quotes for keys and strings). Be careful with destructive commands.\n")

	b.WriteString("\n")
	switch pc.Mode {
	case MultiStep:
		b.WriteString("You are in multi-step mode. After each action you will receive its result as a system message and may issue the next action. ")
		b.WriteString("Use one action per response. Use <continue /> only when you genuinely need another turn without acting. ")
		b.WriteString("When the task is complete, reply with plain text and no action tag.")
	default:
		b.WriteString("You are in single-step mode. Reply with either one action or a final answer. ")
		b.WriteString("You will not get another turn to continue, so do not use <continue />.")
	}
	return b.String()
}
