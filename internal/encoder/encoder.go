// Package encoder runs the bulk face encoding pass over a photo corpus and
// persists the results in an embedding store.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-finder/internal/embedder"
	"github.com/kozaktomas/face-finder/internal/imageio"
	"github.com/kozaktomas/face-finder/internal/logging"
	"github.com/kozaktomas/face-finder/internal/scheduler"
	"github.com/kozaktomas/face-finder/internal/store"
)

// Outcome classifies one processed image.
type Outcome int

const (
	// OutcomeFaces means at least one face was found and recorded.
	OutcomeFaces Outcome = iota + 1
	// OutcomeNoFace means the image was readable but had no face.
	OutcomeNoFace
	// OutcomeError means decoding, embedding or storing failed.
	OutcomeError
	// OutcomeCancelled means the run was interrupted before the image was
	// attempted.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFaces:
		return "faces"
	case OutcomeNoFace:
		return "no_face"
	case OutcomeError:
		return "error"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// ItemResult is the outcome for a single identifier.
type ItemResult struct {
	ID      string  `json:"id"`
	Outcome Outcome `json:"outcome"`
	Faces   int     `json:"faces,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Stats summarizes a run.
//
// Total counts identifiers considered by the run (already processed ones
// included). Processed, Skipped, Errored and Cancelled partition the
// identifiers that were queued, so
// Processed+Skipped+Errored+Cancelled == Total-Resumed, and Cancelled is
// zero unless the run was interrupted.
type Stats struct {
	Total     int `json:"total"`
	Resumed   int `json:"resumed"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errored   int `json:"errored"`
	Cancelled int `json:"cancelled"`
	Faces     int `json:"faces"`
	// Remaining counts unprocessed identifiers left out by Options.Limit.
	Remaining int `json:"remaining"`
}

// Report is returned by Run.
type Report struct {
	RunID       string        `json:"run_id"`
	Stats       Stats         `json:"stats"`
	Items       []ItemResult  `json:"items"`
	Duration    time.Duration `json:"duration_ns"`
	Interrupted bool          `json:"interrupted"`
}

// Options controls a run.
type Options struct {
	// Extensions is the allow-list of lower-case extensions with a dot.
	Extensions []string
	// Workers is the pool size; <= 0 uses scheduler.CPUWorkers().
	Workers int
	// Limit caps how many unprocessed images are queued; 0 means no cap.
	Limit int
	// Force re-processes identifiers already present in the store.
	Force bool
	// CheckpointEvery saves the store after this many applied results;
	// 0 disables periodic saves.
	CheckpointEvery int
	// StorePath is where the store is saved. Empty disables saving.
	StorePath string
	// OnPlanned is called once with the number of queued images.
	OnPlanned func(queued int)
	// OnProgress is forwarded to the scheduler.
	OnProgress func(scheduler.Progress)
}

// DecodeFunc loads an image from disk.
type DecodeFunc func(path string) (image.Image, error)

// Pipeline turns corpus images into store records.
type Pipeline struct {
	embedder embedder.Embedder
	decode   DecodeFunc
	logger   *slog.Logger
	model    string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDecoder replaces the image decoder.
func WithDecoder(fn DecodeFunc) Option {
	return func(p *Pipeline) { p.decode = fn }
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithModel sets the model name recorded in the store metadata.
func WithModel(model string) Option {
	return func(p *Pipeline) { p.model = model }
}

// New creates a pipeline using emb for face embeddings.
func New(emb embedder.Embedder, opts ...Option) *Pipeline {
	p := &Pipeline{
		embedder: emb,
		decode: func(path string) (image.Image, error) {
			img, _, err := imageio.Decode(path)
			return img, err
		},
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run encodes every image under root that st has not processed yet.
//
// All store mutations happen on the calling goroutine. Per-image failures
// are recorded in the report and do not stop the run. When ctx is cancelled
// no new images are started, in-flight images complete, and the store is
// saved so a later run resumes. The returned error is non-nil only for setup
// failures and for the final save.
func (p *Pipeline) Run(ctx context.Context, root string, st *store.Store, opts Options) (*Report, error) {
	start := time.Now()
	report := &Report{RunID: uuid.NewString()}
	logger := p.logger.With("run_id", report.RunID)

	ids, err := imageio.Enumerate(root, opts.Extensions)
	if err != nil {
		return nil, err
	}

	var queue []string
	for _, id := range ids {
		if !opts.Force && st.IsProcessed(id) {
			report.Stats.Resumed++
			continue
		}
		queue = append(queue, id)
	}
	if opts.Limit > 0 && len(queue) > opts.Limit {
		report.Stats.Remaining = len(queue) - opts.Limit
		queue = queue[:opts.Limit]
	}
	report.Stats.Total = report.Stats.Resumed + len(queue)

	if absRoot, err := filepath.Abs(root); err == nil {
		st.SetCorpusRoot(absRoot)
	}
	if p.model != "" {
		st.SetModel(p.model)
	}
	st.SetRunID(report.RunID)

	logger.Info("encoding started",
		"root", root,
		"found", len(ids),
		"resumed", report.Stats.Resumed,
		"queued", len(queue))
	if opts.OnPlanned != nil {
		opts.OnPlanned(len(queue))
	}

	results := scheduler.Run(ctx, queue, scheduler.Options{
		Workers:    opts.Workers,
		OnProgress: opts.OnProgress,
	}, func(ctx context.Context, id string) ([][]float32, error) {
		return p.process(ctx, root, id)
	})

	report.Items = make([]ItemResult, 0, len(queue))
	applied := 0
	for r := range results {
		item := p.apply(ctx, st, r, logger)
		report.Items = append(report.Items, item)
		report.Stats.add(item)

		if item.Outcome == OutcomeCancelled {
			continue
		}
		applied++
		if opts.StorePath != "" && opts.CheckpointEvery > 0 && applied%opts.CheckpointEvery == 0 {
			if err := st.Save(opts.StorePath); err != nil {
				logger.Error("checkpoint failed", "path", opts.StorePath, "error", err)
			} else {
				logger.Debug("checkpoint saved", "path", opts.StorePath, "applied", applied)
			}
		}
	}

	slices.SortFunc(report.Items, func(a, b ItemResult) int {
		return strings.Compare(a.ID, b.ID)
	})
	report.Interrupted = ctx.Err() != nil
	report.Duration = time.Since(start)

	if opts.StorePath != "" {
		if err := st.Save(opts.StorePath); err != nil {
			return report, fmt.Errorf("saving store: %w", err)
		}
	}

	logger.Info("encoding finished",
		"processed", report.Stats.Processed,
		"skipped", report.Stats.Skipped,
		"errored", report.Stats.Errored,
		"cancelled", report.Stats.Cancelled,
		"faces", report.Stats.Faces,
		"duration", report.Duration)
	return report, nil
}

// process runs on a worker goroutine. It never touches the store.
func (p *Pipeline) process(ctx context.Context, root, id string) ([][]float32, error) {
	// An image that has started is allowed to finish after an interrupt.
	ctx = context.WithoutCancel(ctx)

	img, err := p.decode(filepath.Join(root, filepath.FromSlash(id)))
	if err != nil {
		return nil, err
	}
	faces, err := p.embedder.Embed(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	return faces, nil
}

func (p *Pipeline) apply(ctx context.Context, st *store.Store, r scheduler.Result[string, [][]float32], logger *slog.Logger) ItemResult {
	item := ItemResult{ID: r.Item}

	switch {
	case r.Err != nil && ctx.Err() != nil && errors.Is(r.Err, ctx.Err()):
		item.Outcome = OutcomeCancelled
	case r.Err != nil:
		item.Outcome = OutcomeError
		item.Error = r.Err.Error()
		logger.Warn("failed to process image", "id", r.Item, "error", r.Err)
	case len(r.Value) == 0:
		item.Outcome = OutcomeNoFace
		st.MarkProcessed(r.Item)
		logger.Debug("no face detected", "id", r.Item)
	default:
		if err := st.Put(r.Item, r.Value); err != nil {
			item.Outcome = OutcomeError
			item.Error = err.Error()
			logger.Warn("failed to store embeddings", "id", r.Item, "error", err)
			break
		}
		item.Outcome = OutcomeFaces
		item.Faces = len(r.Value)
	}
	return item
}

func (s *Stats) add(item ItemResult) {
	switch item.Outcome {
	case OutcomeFaces:
		s.Processed++
		s.Faces += item.Faces
	case OutcomeNoFace:
		s.Skipped++
	case OutcomeError:
		s.Errored++
	case OutcomeCancelled:
		s.Cancelled++
	}
}
