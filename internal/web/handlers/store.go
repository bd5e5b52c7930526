package handlers

import (
	"net/http"
	"time"

	"github.com/kozaktomas/face-finder/internal/store"
)

// StoreHandler reports on the loaded embedding store.
type StoreHandler struct {
	store *store.Store
}

func NewStoreHandler(st *store.Store) *StoreHandler {
	return &StoreHandler{store: st}
}

// StoreResponse summarizes the store being served.
type StoreResponse struct {
	Images     int       `json:"images"`
	Faces      int       `json:"faces"`
	Processed  int       `json:"processed"`
	Dim        int       `json:"dim"`
	Model      string    `json:"model,omitempty"`
	CorpusRoot string    `json:"corpus_root,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Get handles GET /api/v1/store.
func (h *StoreHandler) Get(w http.ResponseWriter, _ *http.Request) {
	meta := h.store.Meta()
	respondJSON(w, http.StatusOK, StoreResponse{
		Images:     h.store.Len(),
		Faces:      h.store.Faces(),
		Processed:  len(h.store.ProcessedIDs()),
		Dim:        h.store.Dim(),
		Model:      meta.Model,
		CorpusRoot: meta.CorpusRoot,
		UpdatedAt:  meta.UpdatedAt,
	})
}
