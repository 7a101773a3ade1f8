package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shakshuka-app/shakshuka/internal/config"
	"github.com/shakshuka-app/shakshuka/pkg/storage"
)

var (
	configPath string
	dataDir    string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "shakshuka",
	Short: "shakshuka is an encrypted personal task manager",
	Long: `A personal task manager that keeps every task and setting in an
encrypted local store, unlocked with a master password.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		setupLogging(cfg.LogLevel)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Storage directory (skips automatic resolution)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inspectCmd)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// resolveDataDir picks the storage root: an explicit directory wins,
// otherwise the candidate chain is probed in order.
func resolveDataDir() (string, error) {
	if cfg.DataDir != "" {
		return storage.Resolve([]storage.Candidate{{Label: "configured", Path: cfg.DataDir}})
	}

	installDir := "."
	if exe, err := os.Executable(); err == nil {
		installDir = filepath.Dir(exe)
	}
	root, err := storage.Resolve(storage.DefaultCandidates(installDir))
	if err != nil {
		return "", fmt.Errorf("no writable storage location: %w", err)
	}
	return root, nil
}
