package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/embedder"
)

func outputJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// newProgressBar creates the progress bar used by bulk commands. With quiet
// set (JSON output) the bar is drawn nowhere.
func newProgressBar(total int, description, unit string, quiet bool) *progressbar.ProgressBar {
	opts := []progressbar.Option{
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString(unit),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	}
	if quiet {
		opts = append(opts, progressbar.OptionSetWriter(io.Discard))
	}
	return progressbar.NewOptions(total, opts...)
}

func newEmbedder(cfg *config.Config) (*embedder.Client, error) {
	return embedder.NewClient(cfg.Embedding.URL, cfg.Embedding.Model,
		embedder.WithTimeout(cfg.Embedding.Timeout()),
		embedder.WithRateLimit(cfg.Embedding.RPS),
	)
}
