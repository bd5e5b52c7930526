package handlers

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
)

// PhotosHandler serves corpus photos by store identifier.
type PhotosHandler struct {
	root   *os.Root
	logger *slog.Logger
}

// NewPhotosHandler opens dir as the root photos are served from. Paths
// cannot escape it.
func NewPhotosHandler(dir string, logger *slog.Logger) (*PhotosHandler, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &PhotosHandler{root: root, logger: logger}, nil
}

// Close releases the photos root.
func (h *PhotosHandler) Close() error {
	return h.root.Close()
}

// Get handles GET /api/v1/photos/*, where the wildcard is a store identifier.
func (h *PhotosHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "*")
	if !fs.ValidPath(id) || id == "." {
		respondError(w, http.StatusBadRequest, "invalid photo id")
		return
	}

	fsys := h.root.FS()
	info, err := fs.Stat(fsys, id)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		respondError(w, http.StatusNotFound, "photo not found")
		return
	case err != nil:
		h.logger.Warn("failed to stat photo", "id", sanitizeForLog(id), "error", err)
		respondError(w, http.StatusNotFound, "photo not found")
		return
	case info.IsDir():
		respondError(w, http.StatusBadRequest, "invalid photo id")
		return
	}

	http.ServeFileFS(w, r, fsys, id)
}
