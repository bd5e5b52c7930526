package cmd

import (
	"errors"
	"io/fs"
	"log/slog"
	"time"

	"github.com/kozaktomas/face-finder/internal/facematch"
	"github.com/kozaktomas/face-finder/internal/store"
)

// loadOrBuildIndex reuses the HNSW graph saved next to storePath when it
// still matches st, and otherwise builds one and saves it for the next run.
// A failed save only costs the next run a rebuild.
func loadOrBuildIndex(storePath string, st *store.Store, metric facematch.Metric, logger *slog.Logger) (*facematch.Index, error) {
	path := facematch.IndexPath(storePath)
	meta := st.Meta()
	stamp := facematch.IndexStamp{Images: st.Len(), UpdatedAt: meta.UpdatedAt, RunID: meta.LastRunID}

	start := time.Now()
	idx, err := facematch.LoadIndex(path, st, metric, stamp)
	if err == nil {
		logger.Info("index loaded", "path", path, "faces", idx.Len(), "duration", time.Since(start))
		return idx, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		logger.Info("rebuilding index", "path", path, "reason", err)
	}

	idx, err = facematch.NewIndex(st, metric)
	if err != nil {
		return nil, err
	}
	logger.Info("index built", "faces", idx.Len(), "duration", time.Since(start))
	if err := idx.Save(path, stamp); err != nil {
		logger.Warn("failed to save index", "path", path, "error", err)
	}
	return idx, nil
}
