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
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/e2eforge/internal/config"
	"github.com/xkilldash9x/e2eforge/internal/observability"
)

type ctxKey int

const configKey ctxKey = iota

// configEnvVar names the config file for processes that cannot take flags,
// such as the coordinate grounding worker.
const configEnvVar = "E2EFORGE_CONFIG"

// annotationDataOutput marks commands whose stdout is data. Their logs go
// to stderr.
const annotationDataOutput = "data-output"

// NewRootCommand builds the CLI with production components.
func NewRootCommand() *cobra.Command {
	return newRootCmd(&defaultFactory{})
}

func newRootCmd(factory componentFactory) *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "e2eforge",
		Short:         "e2eforge turns test intents into runnable browser tests.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				observability.InitializeLogger(config.NewDefaultConfig().Logger())
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.NewDefaultConfig().Logger())
				return fmt.Errorf("failed to load or validate config: %w", err)
			}
			if df, ok := factory.(*defaultFactory); ok {
				df.configFile = v.ConfigFileUsed()
			}

			if wantsStderrLogs(cmd) {
				observability.Initialize(cfg.Logger(), zapcore.Lock(os.Stderr))
			} else {
				observability.InitializeLogger(cfg.Logger())
			}
			observability.GetLogger().Debug("Starting e2eforge", zap.String("version", Version), zap.String("command", cmd.CommandPath()))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newGenerateCmd(factory),
		newRunCmd(factory),
		newPlanCmd(factory),
		newCollectCmd(factory),
		newCasesCmd(factory),
		newReportsCmd(factory),
		newWorkerCmd(factory),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the CLI with ctx, which main wires to OS signals.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func wantsStderrLogs(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if _, ok := c.Annotations[annotationDataOutput]; ok {
			return true
		}
	}
	return false
}

// initializeConfig layers the config file, E2EFORGE_* environment
// variables and the command's flags onto v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile == "" {
		cfgFile = os.Getenv(configEnvVar)
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("E2EFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return bindFlags(cmd, v)
}

// flagBindings maps command flags onto config keys.
var flagBindings = map[string]string{
	"headless":    "browser.headless",
	"isolation":   "synthesis.isolation",
	"dom-mode":    "synthesis.dom_mode",
	"on-reject":   "synthesis.on_reject",
	"concurrency": "engine.batch_concurrency",
	"timeout":     "sandbox.timeout",
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for flag, key := range flagBindings {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("binding --%s: %w", flag, err)
			}
		}
	}
	return nil
}

// getConfigFromContext returns the config PersistentPreRunE stored.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in context")
	}
	return cfg, nil
}
