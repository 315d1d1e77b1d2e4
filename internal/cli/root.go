package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lazypower/pantry/internal/config"
	"github.com/lazypower/pantry/internal/engine"
	"github.com/lazypower/pantry/internal/logging"
)

var (
	configPath  string
	householdID string
	logLevel    string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pantry",
	Short: "Household memory for grocery planning",
	Long: "Pantry learns a household's purchase cadence, substitution tolerance and planning runs, " +
		"and scores delivery slots and substitutes against what it has learned.",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.pantry/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&householdID, "household", "H", "default", "household id")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(cadenceCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if cmd == versionCmd {
		return nil
	}

	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
}

// openRegistry opens the configured backend behind a household registry.
func openRegistry() (*engine.Registry, error) {
	b, err := cfg.OpenBackend()
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Data.Backend, err)
	}
	return engine.NewRegistry(b, cfg.EngineOptions()), nil
}

// withHousehold runs fn against the --household engine for a one-shot
// command.
func withHousehold(fn func(e *engine.Engine) error) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()
	return reg.With(householdID, fn)
}
