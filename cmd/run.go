package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/poweragent-cli/internal/observability"
)

// newRunCmd creates the `run` command, which executes a shell command the
// same way a typed manual command is executed in chat.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run -- <command>",
		Short: "Run a shell command without involving the model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			opts := appOptionsFor(cmd)
			opts.probe = false
			app, err := initializeApp(ctx, provider, observability.GetLogger(), opts)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer app.Shutdown()

			turn, err := app.Orchestrator.StartManualTurn(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return turnError(app.await(turn))
		},
	}
}
