package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/encoder"
	"github.com/kozaktomas/face-finder/internal/scheduler"
	"github.com/kozaktomas/face-finder/internal/store"
)

var encodeCmd = &cobra.Command{
	Use:   "encode [photos_dir] [store_path]",
	Short: "Compute face embeddings for every photo in a directory",
	Long: `Walk a photo directory, detect faces in every image and store one
embedding per face in the store file.

The run can be interrupted (Ctrl+C) and resumed - images already in the
store, including those where no face was found, are skipped. The store is
saved every --checkpoint-every images and at the end of the run.

Arguments default to PHOTOS_DIR and STORE_PATH.

Examples:
  # Encode a downscaled photo collection
  face-finder encode ./photos-small face_encodings.ffs

  # Try it on the first 100 images with 4 workers
  face-finder encode ./photos-small faces.ffs --limit 100 --workers 4

  # Recompute everything
  face-finder encode ./photos-small faces.ffs --force`,
	Args: cobra.MaximumNArgs(2),
	RunE: runEncode,
}

func init() {
	rootCmd.AddCommand(encodeCmd)

	encodeCmd.Flags().Int("workers", scheduler.CPUWorkers(), "Number of parallel workers")
	encodeCmd.Flags().Int("limit", 0, "Limit number of new images to process (0 = no limit)")
	encodeCmd.Flags().Bool("force", false, "Re-process images already in the store")
	encodeCmd.Flags().Int("checkpoint-every", -1, "Save the store every N images (0 = only at the end, default CHECKPOINT_EVERY)")
	encodeCmd.Flags().StringSlice("ext", nil, "Image extensions to include (default IMAGE_EXTENSIONS)")
	encodeCmd.Flags().String("compression", "", "Store compression: none, lz4 or zstd (default STORE_COMPRESSION)")
	encodeCmd.Flags().Float64("rps", -1, "Max embedding requests per second (0 = unlimited, default EMBEDDING_RPS)")
	encodeCmd.Flags().Bool("json", false, "Output as JSON")
}

// EncodeOutput is the JSON output of the encode command.
type EncodeOutput struct {
	PhotosDir string          `json:"photos_dir"`
	Store     string          `json:"store"`
	Report    *encoder.Report `json:"report"`
	Images    int             `json:"store_images"`
	Faces     int             `json:"store_faces"`
	Duration  string          `json:"duration"`
}

func runEncode(cmd *cobra.Command, args []string) error {
	cfg, logger := setup(cmd)

	workers := mustGetInt(cmd, "workers")
	limit := mustGetInt(cmd, "limit")
	force := mustGetBool(cmd, "force")
	jsonOutput := mustGetBool(cmd, "json")

	checkpointEvery := cfg.Encode.CheckpointEvery
	if v := mustGetInt(cmd, "checkpoint-every"); v >= 0 {
		checkpointEvery = v
	}
	exts := cfg.Extensions
	if v := mustGetStringSlice(cmd, "ext"); len(v) > 0 {
		exts = config.NormalizeExtensions(v)
	}
	compressionName := cfg.Store.Compression
	if v := mustGetString(cmd, "compression"); v != "" {
		compressionName = v
	}
	if v := mustGetFloat64(cmd, "rps"); v >= 0 {
		cfg.Embedding.RPS = v
	}

	photosDir := cfg.Paths.Photos
	if len(args) > 0 {
		photosDir = args[0]
	}
	storePath := cfg.Paths.Store
	if len(args) > 1 {
		storePath = args[1]
	}

	if err := requireDir("photos directory", photosDir); err != nil {
		return err
	}
	compression, err := store.ParseCompression(compressionName)
	if err != nil {
		return err
	}
	client, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	lock, err := store.Lock(storePath)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	st, err := store.LoadOrNew(storePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	st.SetCompression(compression)

	if !jsonOutput {
		fmt.Printf("Loading images from: %s\n", photosDir)
		fmt.Printf("Store: %s (%d images, %d faces)\n", storePath, st.Len(), st.Faces())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bar interface{ Add(int) error }
	pipeline := encoder.New(client, encoder.WithLogger(logger), encoder.WithModel(client.Model()))
	report, err := pipeline.Run(ctx, photosDir, st, encoder.Options{
		Extensions:      exts,
		Workers:         workers,
		Limit:           limit,
		Force:           force,
		CheckpointEvery: checkpointEvery,
		StorePath:       storePath,
		OnPlanned: func(n int) {
			if !jsonOutput {
				fmt.Printf("Processing %d images using %d workers...\n\n", n, max(workers, 1))
			}
			bar = newProgressBar(n, "Generating encodings", "img", jsonOutput)
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
		return outputJSON(EncodeOutput{
			PhotosDir: photosDir,
			Store:     storePath,
			Report:    report,
			Images:    st.Len(),
			Faces:     st.Faces(),
			Duration:  formatDuration(report.Duration),
		})
	}

	printEncodeSummary(report, st, storePath)
	return nil
}

func printEncodeSummary(report *encoder.Report, st *store.Store, storePath string) {
	s := report.Stats
	fmt.Println()
	if report.Interrupted {
		fmt.Println("\nInterrupted - progress saved, run the same command again to resume.")
	}
	fmt.Printf("\nProcessed %d images with faces (%d faces)\n", s.Processed, s.Faces)
	fmt.Printf("Skipped %d images (no faces detected)\n", s.Skipped)
	if s.Resumed > 0 {
		fmt.Printf("Already in store: %d images\n", s.Resumed)
	}
	if s.Errored > 0 {
		fmt.Printf("Errors: %d images failed\n", s.Errored)
		for _, item := range report.Items {
			if item.Outcome == encoder.OutcomeError {
				fmt.Printf("  %s: %s\n", item.ID, item.Error)
			}
		}
	}
	if s.Cancelled > 0 {
		fmt.Printf("Not started: %d images\n", s.Cancelled)
	}
	if s.Remaining > 0 {
		fmt.Printf("Left for a later run (--limit): %d images\n", s.Remaining)
	}
	fmt.Printf("Encodings saved to: %s (%d images, %d faces) in %s\n",
		storePath, st.Len(), st.Faces(), formatDuration(report.Duration))
}
