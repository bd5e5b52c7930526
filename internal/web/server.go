package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/embedder"
	"github.com/kozaktomas/face-finder/internal/facematch"
	"github.com/kozaktomas/face-finder/internal/store"
	"github.com/kozaktomas/face-finder/internal/web/handlers"
	"github.com/kozaktomas/face-finder/internal/web/middleware"
)

// Server represents the web server
type Server struct {
	config     *config.Config
	router     *chi.Mux
	httpServer *http.Server
	store      *store.Store
	embedder   embedder.Embedder
	photos     *handlers.PhotosHandler
	index      *facematch.Index
	registry   *prometheus.Registry
	logger     *slog.Logger
}

// Options configures optional parts of the server.
type Options struct {
	// PhotosDir enables /api/v1/photos when set.
	PhotosDir string
	// Index serves matches from an approximate index instead of a full scan.
	Index  *facematch.Index
	Logger *slog.Logger
}

// NewServer creates a new web server serving matches against st.
func NewServer(cfg *config.Config, st *store.Store, emb embedder.Embedder, opts Options) (*Server, error) {
	r := chi.NewRouter()

	s := &Server{
		config:   cfg,
		router:   r,
		store:    st,
		embedder: emb,
		index:    opts.Index,
		registry: prometheus.NewRegistry(),
		logger:   opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if opts.PhotosDir != "" {
		photos, err := handlers.NewPhotosHandler(opts.PhotosDir, s.logger)
		if err != nil {
			return nil, fmt.Errorf("opening photos directory: %w", err)
		}
		s.photos = photos
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "face_finder_store_images",
			Help: "Number of images with faces in the served store",
		}, func() float64 { return float64(st.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "face_finder_store_faces",
			Help: "Number of face embeddings in the served store",
		}, func() float64 { return float64(st.Faces()) }),
	)
	metrics := middleware.NewMetrics(s.registry)

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(metrics.Instrument)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(2 * time.Minute))
	r.Use(middleware.CORS(cfg.Web.AllowedOrigins))
	r.Use(middleware.SecurityHeaders())

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Web.Host, strconv.Itoa(cfg.Web.Port)),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // embedding the upload can be slow
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Start starts the HTTP server and blocks until it is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")

	if s.photos != nil {
		_ = s.photos.Close()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
