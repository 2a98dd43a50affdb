// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/poweragent-cli/internal/config"
	"github.com/xkilldash9x/poweragent-cli/internal/observability"
)

type contextKey string

const (
	configKey contextKey = "config"
	viperKey  contextKey = "viper"
)

var cfgFile string

// NewRootCommand builds a fresh command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "poweragent",
		Short:         "PowerAgent drives your shell, keyboard and UI from natural language.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "poweragent"})
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			provider, err := config.NewViperProvider(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "poweragent"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			cfg := provider.Snapshot()
			observability.InitializeLogger(cfg.Logger)
			logger := observability.GetLogger()
			logger.Debug("Starting PowerAgent",
				zap.String("version", Version),
				zap.String("config_file", v.ConfigFileUsed()),
				observability.SecretPresence("api_key", cfg.LLM.APIKey))

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = context.WithValue(ctx, viperKey, v)
			ctx = context.WithValue(ctx, configKey, provider)
			cmd.SetContext(ctx)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./poweragent.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "poweragent version %s\n" .Version}}`)

	rootCmd.AddCommand(newAskCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newChatCmd())
	rootCmd.AddCommand(newCapsCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the root command with a signal-aware context.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	observability.Sync()
	return err
}

// initializeConfig reads in the config file and POWERAGENT_* environment variables.
func initializeConfig(v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("poweragent")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("POWERAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}
	return nil
}

// getConfigFromContext returns the provider installed by the root command.
func getConfigFromContext(ctx context.Context) (config.Provider, error) {
	if p, ok := ctx.Value(configKey).(config.Provider); ok && p != nil {
		return p, nil
	}
	return nil, errors.New("configuration not found in command context")
}

// bindFlag maps a command flag onto a config key so the flag overrides the
// file and environment.
func bindFlag(cmd *cobra.Command, key, flag string) error {
	v, ok := cmd.Context().Value(viperKey).(*viper.Viper)
	if !ok {
		return errors.New("viper instance not found in command context")
	}
	if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
		return v.BindPFlag(key, f)
	}
	return nil
}
