package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kozaktomas/face-finder/internal/embedder"
	"github.com/kozaktomas/face-finder/internal/facematch"
	"github.com/kozaktomas/face-finder/internal/imageio"
	"github.com/kozaktomas/face-finder/internal/store"
)

// maxUploadSize bounds reference image uploads.
const maxUploadSize = 32 << 20

// MatchHandler matches uploaded reference photos against the store.
type MatchHandler struct {
	store     *store.Store
	index     *facematch.Index // nil scans the store linearly
	searchK   int
	embedder  embedder.Embedder
	threshold float64
	logger    *slog.Logger
}

// MatchOptions configures a MatchHandler.
type MatchOptions struct {
	Threshold float64          // used when the request has none
	Index     *facematch.Index // optional approximate index
	SearchK   int              // neighbours requested from Index
	Logger    *slog.Logger
}

func NewMatchHandler(st *store.Store, emb embedder.Embedder, opts MatchOptions) *MatchHandler {
	h := &MatchHandler{
		store:     st,
		index:     opts.Index,
		searchK:   opts.SearchK,
		embedder:  emb,
		threshold: opts.Threshold,
		logger:    opts.Logger,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.index != nil && h.searchK < 1 {
		h.searchK = 50
	}
	return h
}

// MatchResponse is returned by POST /api/v1/match.
type MatchResponse struct {
	Threshold      float64               `json:"threshold"`
	Metric         string                `json:"metric"`
	Approximate    bool                  `json:"approximate"`
	ReferenceFaces int                   `json:"reference_faces"`
	Matches        []facematch.Candidate `json:"matches"`
}

type matchParams struct {
	threshold    float64
	metric       facematch.Metric
	limit        int
	bestPerImage bool
}

func (h *MatchHandler) parseParams(r *http.Request) (matchParams, error) {
	p := matchParams{threshold: h.threshold}
	q := r.URL.Query()

	if s := q.Get("threshold"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0 {
			return p, errors.New("threshold must be a non-negative number")
		}
		p.threshold = v
	}
	m, err := facematch.ParseMetric(q.Get("metric"))
	if err != nil {
		return p, err
	}
	p.metric = m
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return p, errors.New("limit must be a non-negative integer")
		}
		p.limit = v
	}
	if s := q.Get("best_per_image"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return p, errors.New("best_per_image must be a boolean")
		}
		p.bestPerImage = v
	}
	return p, nil
}

// Match handles POST /api/v1/match. The reference photo is sent as the
// multipart field "image"; threshold, metric, limit and best_per_image are
// query parameters.
func (h *MatchHandler) Match(w http.ResponseWriter, r *http.Request) {
	params, err := h.parseParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, _, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing image upload")
		return
	}
	defer file.Close()

	img, _, err := imageio.DecodeReader(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unsupported or corrupt image")
		return
	}

	faces, err := h.embedder.Embed(r.Context(), img)
	if err != nil {
		h.logger.Error("failed to compute reference embedding", "error", err)
		respondError(w, http.StatusBadGateway, "embedding server error")
		return
	}
	ref, err := facematch.Reference(faces)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	resp := MatchResponse{
		Threshold:      params.threshold,
		Metric:         params.metric.String(),
		ReferenceFaces: len(faces),
	}
	if h.index != nil && h.index.Metric() == params.metric {
		resp.Approximate = true
		resp.Matches, err = h.index.Search(ref, params.threshold, h.searchK)
		if err == nil {
			resp.Matches = facematch.Trim(resp.Matches, params.limit, params.bestPerImage)
		}
	} else {
		opts := []facematch.Option{facematch.WithMetric(params.metric), facematch.WithLimit(params.limit)}
		if params.bestPerImage {
			opts = append(opts, facematch.BestPerImage())
		}
		resp.Matches, err = facematch.Match(ref, h.store, params.threshold, opts...)
	}
	if errors.Is(err, store.ErrDimensionMismatch) {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("matching failed", "error", err)
		respondError(w, http.StatusInternalServerError, "matching failed")
		return
	}

	h.logger.Debug("match served", "matches", len(resp.Matches), "approximate", resp.Approximate)
	respondJSON(w, http.StatusOK, resp)
}
