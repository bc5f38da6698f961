// Package cmd implements the parley command line interface.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/okonma/parley/internal/config"
	"github.com/okonma/parley/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - chat threads over a local model runtime",
	Long: `Parley is a chat service over an Ollama-compatible model runtime.
It persists conversation threads in PostgreSQL, streams model output
token by token, and serves both a terminal client and an HTTP API.

Running parley with no arguments starts the interactive chat client.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, args)
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig loads and validates configuration, then builds the logger.
func loadConfig() (*config.Config, log.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := log.New(log.Config{Level: level, JSON: cfg.LogJSON})
	return cfg, logger, nil
}
