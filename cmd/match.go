package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/database/postgres"
	"github.com/kozaktomas/face-finder/internal/export"
	"github.com/kozaktomas/face-finder/internal/facematch"
	"github.com/kozaktomas/face-finder/internal/imageio"
	"github.com/kozaktomas/face-finder/internal/scheduler"
	"github.com/kozaktomas/face-finder/internal/store"
)

var matchCmd = &cobra.Command{
	Use:   "match <reference_image> [store_path] [threshold]",
	Short: "Find photos containing the face in a reference image",
	Long: `Detect the face in a reference image and list every photo in the store
containing a face within the distance threshold, best matches first.

The threshold defaults to 0.6 (MATCH_THRESHOLD); lower is stricter. When
the reference image contains several faces the first one is used.

Examples:
  # Find matches with the default threshold
  face-finder match me.jpg face_encodings.ffs

  # Stricter matching
  face-finder match me.jpg face_encodings.ffs 0.5

  # Copy matched photos to ./matches, one file per photo
  face-finder match me.jpg faces.ffs --save-matches ./matches --best-per-image

  # Search the PostgreSQL mirror instead of the store file
  face-finder match me.jpg --db

  # Output as JSON
  face-finder match me.jpg faces.ffs --json`,
	Args: cobra.RangeArgs(1, 3),
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().String("metric", "euclidean", "Distance metric: euclidean or cosine")
	matchCmd.Flags().Int("limit", 0, "Limit number of matches (0 = no limit)")
	matchCmd.Flags().Int("top", -1, "Number of matches to print (default MATCH_TOP)")
	matchCmd.Flags().Bool("json", false, "Output as JSON")
	matchCmd.Flags().String("save-matches", "", "Copy matched photos into this directory (RESULTS_DIR if set to \"-\")")
	matchCmd.Flags().String("photos-dir", "", "Directory the store was encoded from (default PHOTOS_DIR or the store's corpus root)")
	matchCmd.Flags().Bool("best-per-image", false, "Keep only the best matching face of each photo")
	matchCmd.Flags().Int("approx", 0, "Search an HNSW index for the k nearest faces instead of scanning the whole store (0 = exact scan)")
	matchCmd.Flags().Bool("db", false, "Search the PostgreSQL mirror (DATABASE_URL) instead of the store file")
}

// MatchOutput represents the JSON output structure
type MatchOutput struct {
	Reference     string                `json:"reference"`
	Store         string                `json:"store,omitempty"`
	Threshold     float64               `json:"threshold"`
	Metric        string                `json:"metric"`
	ReferenceFace int                   `json:"reference_faces"`
	StoreImages   int                   `json:"store_images"`
	StoreFaces    int                   `json:"store_faces"`
	Matches       []facematch.Candidate `json:"matches"`
	Export        *export.Result        `json:"export,omitempty"`
}

func runMatch(cmd *cobra.Command, args []string) error {
	cfg, logger := setup(cmd)

	limit := mustGetInt(cmd, "limit")
	jsonOutput := mustGetBool(cmd, "json")
	bestPerImage := mustGetBool(cmd, "best-per-image")
	useDB := mustGetBool(cmd, "db")
	approx := mustGetInt(cmd, "approx")
	saveDir := mustGetString(cmd, "save-matches")
	if saveDir == "-" {
		saveDir = cfg.Paths.Results
	}
	top := cfg.Match.Top
	if v := mustGetInt(cmd, "top"); v >= 0 {
		top = v
	}

	metric, err := facematch.ParseMetric(mustGetString(cmd, "metric"))
	if err != nil {
		return err
	}
	if useDB && metric != facematch.MetricEuclidean {
		return errors.New("--db supports only the euclidean metric")
	}

	referencePath := args[0]
	storePath := cfg.Paths.Store
	if len(args) > 1 {
		storePath = args[1]
	}
	threshold := cfg.Match.Threshold
	if len(args) > 2 {
		threshold, err = strconv.ParseFloat(args[2], 64)
		if err != nil || threshold < 0 {
			return fmt.Errorf("invalid threshold %q: must be a non-negative number", args[2])
		}
	}

	// Both inputs must exist before anything is loaded.
	if err := requireFile("reference image", referencePath); err != nil {
		return err
	}
	if !useDB {
		if err := requireFile("store", storePath); err != nil {
			return fmt.Errorf("%w (run encode first)", err)
		}
	}

	// The reference face is resolved before the store is loaded.
	if !jsonOutput {
		fmt.Printf("Processing reference image: %s\n", referencePath)
	}
	client, err := newEmbedder(cfg)
	if err != nil {
		return err
	}
	img, _, err := imageio.Decode(referencePath)
	if err != nil {
		return fmt.Errorf("failed to read reference image: %w", err)
	}
	faces, err := client.Embed(cmd.Context(), img)
	if err != nil {
		return fmt.Errorf("failed to compute reference embedding: %w", err)
	}
	ref, err := facematch.Reference(faces)
	if err != nil {
		return err
	}
	if len(faces) > 1 {
		logger.Warn("multiple faces detected in reference image, using the first one", "faces", len(faces))
		if !jsonOutput {
			fmt.Printf("Multiple faces detected (%d), using the first one\n", len(faces))
		}
	}

	out := MatchOutput{
		Reference:     referencePath,
		Threshold:     threshold,
		Metric:        metric.String(),
		ReferenceFace: len(faces),
	}

	var corpusRoot string
	if useDB {
		out.Matches, out.StoreImages, out.StoreFaces, err = matchDatabase(cmd, cfg, ref, threshold, limit, bestPerImage)
		if err != nil {
			return err
		}
	} else {
		if !jsonOutput {
			fmt.Printf("Loading encodings from: %s\n", storePath)
		}
		st, err := store.Load(storePath)
		if err != nil {
			return fmt.Errorf("failed to load store: %w", err)
		}
		out.Store = storePath
		out.StoreImages = st.Len()
		out.StoreFaces = st.Faces()
		corpusRoot = st.Meta().CorpusRoot

		if approx > 0 {
			out.Matches, err = matchIndex(storePath, st, metric, ref, threshold, approx, limit, bestPerImage, logger)
		} else {
			opts := []facematch.Option{facematch.WithMetric(metric), facematch.WithLimit(limit)}
			if bestPerImage {
				opts = append(opts, facematch.BestPerImage())
			}
			out.Matches, err = facematch.Match(ref, st, threshold, opts...)
		}
		if err != nil {
			return fmt.Errorf("matching failed: %w", err)
		}
	}

	if saveDir != "" && len(out.Matches) > 0 {
		photosDir := mustGetString(cmd, "photos-dir")
		if photosDir == "" {
			photosDir = cfg.Paths.Photos
		}
		if photosDir == "" {
			photosDir = corpusRoot
		}
		if err := requireDir("photos directory", photosDir); err != nil {
			return err
		}

		bar := newProgressBar(len(out.Matches), "Saving matches", "img", jsonOutput)
		out.Export, err = export.Export(cmd.Context(), photosDir, saveDir, out.Matches, scheduler.Options{
			OnProgress: func(scheduler.Progress) { _ = bar.Add(1) },
		})
		if err != nil {
			return err
		}
		for _, f := range out.Export.Failed {
			logger.Warn("failed to export match", "id", f.ID, "error", f.Error)
		}
	}

	if jsonOutput {
		return outputJSON(out)
	}
	printMatches(out, top)
	return nil
}

func matchDatabase(cmd *cobra.Command, cfg *config.Config, ref []float32, threshold float64, limit int, bestPerImage bool) ([]facematch.Candidate, int, int, error) {
	pool, err := postgres.Open(cmd.Context(), &cfg.Database)
	if err != nil {
		return nil, 0, 0, err
	}
	defer pool.Close()

	repo := postgres.NewFaceRepository(pool)
	images, err := repo.CountImages(cmd.Context())
	if err != nil {
		return nil, 0, 0, err
	}
	faces, err := repo.Count(cmd.Context())
	if err != nil {
		return nil, 0, 0, err
	}

	queryLimit := limit
	if bestPerImage {
		queryLimit = 0
	}
	matches, err := repo.FindWithinDistance(cmd.Context(), ref, threshold, queryLimit)
	if err != nil {
		return nil, 0, 0, err
	}
	if bestPerImage {
		matches = facematch.Trim(matches, limit, true)
	}
	return matches, images, faces, nil
}

func matchIndex(storePath string, st *store.Store, metric facematch.Metric, ref []float32, threshold float64, k, limit int, bestPerImage bool, logger *slog.Logger) ([]facematch.Candidate, error) {
	idx, err := loadOrBuildIndex(storePath, st, metric, logger)
	if err != nil {
		return nil, err
	}
	matches, err := idx.Search(ref, threshold, k)
	if err != nil {
		return nil, err
	}
	return facematch.Trim(matches, limit, bestPerImage), nil
}

func printMatches(out MatchOutput, top int) {
	fmt.Printf("\nSearched %d images (%d faces), threshold %.2f (%s)\n",
		out.StoreImages, out.StoreFaces, out.Threshold, out.Metric)

	if len(out.Matches) == 0 {
		fmt.Println("\nNo matches found. Try increasing the threshold or use a clearer reference image.")
		return
	}

	fmt.Printf("\nFound %d matches!\n", len(out.Matches))
	shown := out.Matches
	if top > 0 && len(shown) > top {
		shown = shown[:top]
		fmt.Printf("\nTop %d matches:\n", top)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tPHOTO\tFACE\tSIMILARITY\tDISTANCE")
	for i, m := range shown {
		fmt.Fprintf(w, "%d\t%s\t%d\t%.1f%%\t%.4f\n", i+1, m.ID, m.FaceIndex, m.Similarity, m.Distance)
	}
	w.Flush()

	if out.Export != nil {
		fmt.Printf("\nSaved %d matching images to %s\n", out.Export.Copied, out.Export.Dir)
		if n := len(out.Export.Failed); n > 0 {
			fmt.Printf("Could not copy %d images\n", n)
		}
	}
}
