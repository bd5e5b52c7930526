package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/logging"
)

// ErrMissingInput is returned when a required file or directory does not
// exist.
var ErrMissingInput = errors.New("missing input")

var rootCmd = &cobra.Command{
	Use:   "face-finder",
	Short: "Find every photo of a person in a large photo collection",
	Long: `Face Finder indexes a photo collection by the faces it contains and
finds all photos matching the face in a reference picture.

Typical workflow:
  1. face-finder downscale <originals> <photos>   (optional, speeds up encoding)
  2. face-finder encode <photos> <store>
  3. face-finder match <reference.jpg> <store> [threshold]

Face embeddings are computed by an external embedding server
(EMBEDDING_URL, POST /embed/face). Settings can also be placed in a .env file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (default from LOG_LEVEL)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json (default from LOG_FORMAT)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// setup loads configuration and installs the diagnostics logger.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger) {
	cfg := config.Load()

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Log.Format = format
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger
}

// requireFile returns ErrMissingInput when path does not exist.
func requireFile(kind, path string) error {
	if path == "" {
		return fmt.Errorf("%w: %s path not set", ErrMissingInput, kind)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s not found: %s", ErrMissingInput, kind, path)
		}
		return fmt.Errorf("checking %s: %w", path, err)
	}
	return nil
}

// requireDir is requireFile for directories.
func requireDir(kind, path string) error {
	if err := requireFile(kind, path); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory: %s", kind, path)
	}
	return nil
}
