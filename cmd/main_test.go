// File: cmd/main_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/poweragent-cli/internal/observability"
	"github.com/xkilldash9x/poweragent-cli/internal/orchestrator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// resetForTest provides the single source of truth for resetting test state.
func resetForTest(t *testing.T) {
	t.Helper()

	// Point config discovery at a directory without a config file.
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	cfgFile = ""
	t.Setenv("POWERAGENT_LOGGER_LEVEL", "fatal")

	observability.ResetForTest()
	original := appOptionsFor
	t.Cleanup(func() {
		appOptionsFor = original
		observability.ResetForTest()
	})
}

// withModel makes every command use model instead of the HTTP client and
// skips driver probing.
func withModel(model orchestrator.ModelClient) {
	appOptionsFor = func(cmd *cobra.Command) appOptions {
		return appOptions{out: cmd.OutOrStdout(), model: model}
	}
}

// execute runs a pristine command tree and returns everything it printed.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func requireContains(t *testing.T, out string, parts ...string) {
	t.Helper()
	for _, p := range parts {
		require.Contains(t, out, p)
	}
}
