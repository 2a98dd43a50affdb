package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/poweragent-cli/internal/observability"
	"github.com/xkilldash9x/poweragent-cli/internal/orchestrator"
)

// errTurnFailed is returned when a turn ended with an error notice. The
// notice itself has already been printed.
var errTurnFailed = errors.New("the request did not complete")

// Allows replacing the model client and driver probing in tests.
var appOptionsFor = func(cmd *cobra.Command) appOptions {
	return appOptions{out: cmd.OutOrStdout(), probe: true}
}

// bindAgentFlags applies the multi-step overrides shared by ask and chat.
func bindAgentFlags(cmd *cobra.Command, _ []string) error {
	if err := bindFlag(cmd, "agent.enable_multi_step", "multi-step"); err != nil {
		return err
	}
	return bindFlag(cmd, "agent.max_iterations", "max-iterations")
}

func addAgentFlags(cmd *cobra.Command) {
	cmd.Flags().BoolP("multi-step", "m", false, "Let the model chain actions until it gives a final answer. (Overrides config/env)")
	cmd.Flags().Int("max-iterations", 5, "Upper bound on model calls in multi-step mode. (Overrides config/env)")
}

// newAskCmd creates the `ask` command: one model turn for a single prompt.
func newAskCmd() *cobra.Command {
	askCmd := &cobra.Command{
		Use:     "ask [prompt...]",
		Short:   "Send one request to the model and run the action it chooses",
		Args:    cobra.MinimumNArgs(1),
		PreRunE: bindAgentFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			provider, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			app, err := initializeApp(ctx, provider, logger, appOptionsFor(cmd))
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer app.Shutdown()

			turn, err := app.Orchestrator.StartModelTurn(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			res := app.await(turn)
			logger.Debug("Request finished.", zap.String("reason", string(res.Reason)), zap.Int("iterations", res.Iterations))
			return turnError(res)
		},
	}
	addAgentFlags(askCmd)
	return askCmd
}

func turnError(res orchestrator.TurnResult) error {
	switch res.Reason {
	case orchestrator.ReasonError:
		return errTurnFailed
	case orchestrator.ReasonCancelled, orchestrator.ReasonCommandStopped:
		return context.Canceled
	}
	return nil
}
