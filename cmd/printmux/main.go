package main

import (
	"fmt"
	"os"

	"github.com/orrn/printmux/internal/config"
	"github.com/orrn/printmux/internal/db"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "printmux",
	Short: "Dispatch print jobs to a fleet of Moonraker printers",
	Long: `printmux stores sliced files, fans them out to many Moonraker printers at once
and tracks every per-printer outcome. Slicers can upload to it as if it were a
single Moonraker or OctoPrint host.`,
	SilenceUsage: true,
}

var rootConfigPath string

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVarP(&rootConfigPath, "config", "c", "printmux.yaml", "path to the YAML config file")
	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newStatusCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("printmux command failed")
	}
}

// loadConfig reads and validates the config and installs the process logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return nil, zerolog.Logger{}, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("invalid config: %w", err)
	}

	logger := config.NewLogger(cfg.Logging, os.Stderr)
	log.Logger = logger
	return cfg, logger, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database and apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := db.Open(db.Config{Path: cfg.Database.Path})
			if err != nil {
				return err
			}
			logger.Info().Str("path", cfg.Database.Path).Msg("database is up to date")
			return store.Close()
		},
	}
}
