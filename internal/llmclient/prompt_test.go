package llmclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/poweragent-cli/internal/backend"
)

func TestBuildSystemPrompt(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	t.Run("single step without optional capabilities", func(t *testing.T) {
		p := BuildSystemPrompt(PromptContext{GOOS: "linux", Cwd: "/srv", Mode: SingleStep, Timestamp: ts})
		assert.Contains(t, p, "(linux)")
		assert.Contains(t, p, "sh/bash on Linux")
		assert.Contains(t, p, "'/srv'")
		assert.Contains(t, p, "<cmd>")
		assert.Contains(t, p, "single-step mode")
		assert.NotContains(t, p, "<keyboard")
		assert.NotContains(t, p, "<gui_action")
		assert.NotContains(t, p, "2026-03-14")
	})

	t.Run("multi step with every capability and a timestamp", func(t *testing.T) {
		p := BuildSystemPrompt(PromptContext{
			GOOS:             "windows",
			Cwd:              `C:\Users\me`,
			Mode:             MultiStep,
			Caps:             backend.Capabilities{Keyboard: backend.Verified, Gui: backend.Unverified},
			Timestamp:        ts,
			IncludeTimestamp: true,
		})
		assert.Contains(t, p, "cmd.exe on Windows")
		assert.Contains(t, p, "2026-03-14 09:26:53")
		assert.Contains(t, p, `<keyboard call="hotkey"`)
		assert.Contains(t, p, `<gui_action call="click_control"`)
		assert.Contains(t, p, "<get_ui_info")
		assert.Contains(t, p, "multi-step mode")
		assert.Contains(t, p, "<continue />")
	})

	t.Run("configured shell wins", func(t *testing.T) {
		p := BuildSystemPrompt(PromptContext{GOOS: "linux", Shell: "/usr/bin/fish"})
		assert.Contains(t, p, "/usr/bin/fish")
	})
}
