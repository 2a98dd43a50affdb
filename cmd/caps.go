package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/poweragent-cli/internal/observability"
)

// newCapsCmd creates the `caps` command, which reports what the desktop
// drivers can do on this machine.
func newCapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "caps",
		Short: "Probe and print the keyboard and GUI capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			app, err := initializeApp(ctx, provider, observability.GetLogger(), appOptionsFor(cmd))
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer app.Shutdown()

			cfg := provider.Snapshot()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "shell\tavailable\n")
			fmt.Fprintf(w, "keyboard\t%s\n", app.Capabilities.Keyboard)
			fmt.Fprintf(w, "gui\t%s\n", app.Capabilities.Gui)
			fmt.Fprintf(w, "model\t%s\n", modelSummary(cfg.LLM.Model(), cfg.LLM.APIKey != "", cfg.LLM.APIURL != ""))
			fmt.Fprintf(w, "cwd\t%s\n", app.Session.Cwd())
			return w.Flush()
		},
	}
}

func modelSummary(model string, hasKey, hasURL bool) string {
	switch {
	case !hasKey || !hasURL:
		return "not configured"
	case model == "":
		return "no model selected"
	}
	return model
}
