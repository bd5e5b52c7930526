package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-finder/internal/facematch"
	"github.com/kozaktomas/face-finder/internal/store"
	"github.com/kozaktomas/face-finder/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve [store_path]",
	Short: "Serve face matching over HTTP",
	Long: `Load an embedding store and answer match requests over HTTP.

Endpoints:
  GET  /api/v1/health
  GET  /api/v1/store          store counts and metadata
  POST /api/v1/match          multipart field "image"; query threshold, metric,
                              limit, best_per_image
  GET  /api/v1/photos/<id>    the matched photo (needs --photos-dir)

The store is read once at startup. Restart the server after encoding.

Examples:
  face-finder serve face_encodings.ffs --port 8080
  curl -F image=@me.jpg 'http://127.0.0.1:8080/api/v1/match?threshold=0.5'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind (default WEB_HOST)")
	serveCmd.Flags().Int("port", 0, "Port to listen on (default WEB_PORT)")
	serveCmd.Flags().String("photos-dir", "", "Serve photos from this directory (default PHOTOS_DIR or the store's corpus root)")
	serveCmd.Flags().Int("approx", -1, "Answer with an HNSW index returning up to k faces (0 = exact scan, default WEB_SEARCH_K)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger := setup(cmd)

	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Web.Port = port
	}
	if k := mustGetInt(cmd, "approx"); k >= 0 {
		cfg.Web.SearchK = k
	}

	path := storePathArg(cfg.Paths.Store, args)
	if err := requireFile("store", path); err != nil {
		return fmt.Errorf("%w (run encode first)", err)
	}
	st, err := store.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load store: %w", err)
	}
	logger.Info("store loaded", "path", path, "images", st.Len(), "faces", st.Faces())

	client, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	opts := web.Options{Logger: logger}
	if cfg.Web.SearchK > 0 {
		opts.Index, err = loadOrBuildIndex(path, st, facematch.MetricEuclidean, logger)
		if err != nil {
			return fmt.Errorf("building index: %w", err)
		}
	}

	photosDir := mustGetString(cmd, "photos-dir")
	if photosDir == "" {
		photosDir = cfg.Paths.Photos
	}
	if photosDir == "" {
		photosDir = st.Meta().CorpusRoot
	}
	if photosDir != "" {
		if err := requireDir("photos directory", photosDir); err != nil {
			logger.Warn("photo serving disabled", "error", err)
			photosDir = ""
		}
	}
	opts.PhotosDir = photosDir

	server, err := web.NewServer(cfg, st, client, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
