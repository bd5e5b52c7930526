package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/downscale"
	"github.com/kozaktomas/face-finder/internal/scheduler"
)

var downscaleCmd = &cobra.Command{
	Use:   "downscale <input_dir> <output_dir>",
	Short: "Shrink a photo tree into a flat directory of smaller images",
	Long: `Copy every image below input_dir into output_dir, scaled down to at
most --max-width pixels wide. Images in subdirectories are flattened: the
relative path is joined with "_" (001/a.jpg -> 001_a.jpg). Images already
present in output_dir are skipped, so the command can be re-run.

Encoding the downscaled copy is much faster than the originals.

Examples:
  face-finder downscale ./originals ./photos-small
  face-finder downscale ./originals ./photos-small --max-width 1024 --workers 16`,
	Args: cobra.ExactArgs(2),
	RunE: runDownscale,
}

func init() {
	rootCmd.AddCommand(downscaleCmd)

	downscaleCmd.Flags().Int("max-width", 0, "Maximum output width in pixels (default DOWNSCALE_MAX_WIDTH)")
	downscaleCmd.Flags().Int("workers", scheduler.IOWorkers(), "Number of parallel workers")
	downscaleCmd.Flags().Int("quality", 0, "JPEG quality 1-100 (default DOWNSCALE_QUALITY)")
	downscaleCmd.Flags().StringSlice("ext", nil, "Image extensions to include (default IMAGE_EXTENSIONS)")
	downscaleCmd.Flags().Bool("json", false, "Output as JSON")
}

// DownscaleOutput is the JSON output of the downscale command.
type DownscaleOutput struct {
	InputDir  string           `json:"input_dir"`
	OutputDir string           `json:"output_dir"`
	MaxWidth  int              `json:"max_width"`
	Stats     *downscale.Stats `json:"stats"`
	Duration  string           `json:"duration"`
}

func runDownscale(cmd *cobra.Command, args []string) error {
	cfg, logger := setup(cmd)

	jsonOutput := mustGetBool(cmd, "json")
	workers := mustGetInt(cmd, "workers")
	maxWidth := cfg.Downscale.MaxWidth
	if v := mustGetInt(cmd, "max-width"); v > 0 {
		maxWidth = v
	}
	quality := cfg.Downscale.Quality
	if v := mustGetInt(cmd, "quality"); v > 0 {
		quality = v
	}
	exts := cfg.Extensions
	if v := mustGetStringSlice(cmd, "ext"); len(v) > 0 {
		exts = config.NormalizeExtensions(v)
	}

	inputDir, outputDir := args[0], args[1]
	if err := requireDir("input directory", inputDir); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	var bar interface{ Add(int) error }
	stats, err := downscale.Run(ctx, inputDir, outputDir, downscale.Options{
		MaxWidth:   maxWidth,
		Quality:    quality,
		Extensions: exts,
		Workers:    workers,
		Logger:     logger,
		OnPlanned: func(n int) {
			if !jsonOutput {
				fmt.Printf("Processing %d images using %d workers...\n", n, workers)
			}
			bar = newProgressBar(n, "Processing images", "img", jsonOutput)
		},
		OnProgress: func(scheduler.Progress) {
			if bar != nil {
				_ = bar.Add(1)
			}
		},
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		return outputJSON(DownscaleOutput{
			InputDir:  inputDir,
			OutputDir: outputDir,
			MaxWidth:  maxWidth,
			Stats:     stats,
			Duration:  formatDuration(time.Since(start)),
		})
	}

	fmt.Println()
	fmt.Printf("\nWrote %d images (%d resized) to %s\n", stats.Written, stats.Resized, outputDir)
	if stats.Skipped > 0 {
		fmt.Printf("Skipped %d images already present\n", stats.Skipped)
	}
	if stats.Errored > 0 {
		fmt.Printf("Errors: %d images failed\n", stats.Errored)
	}
	fmt.Printf("Done in %s\n", formatDuration(time.Since(start)))
	return nil
}
