// Package downscale copies a photo tree into a flat directory of images no
// wider than a given width.
package downscale

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/image/draw"

	"github.com/kozaktomas/face-finder/internal/fsutil"
	"github.com/kozaktomas/face-finder/internal/imageio"
	"github.com/kozaktomas/face-finder/internal/logging"
	"github.com/kozaktomas/face-finder/internal/scheduler"
)

const (
	DefaultMaxWidth = 640
	DefaultQuality  = 90
)

// Job is one image to write.
type Job struct {
	ID  string // relative to the input root, slash separated
	Src string
	Dst string
}

// Stats summarizes a run.
type Stats struct {
	Total   int `json:"total"`
	Skipped int `json:"skipped"` // output already existed
	Written int `json:"written"`
	Resized int `json:"resized"`
	Errored int `json:"errored"`
}

// Options configures Run.
type Options struct {
	MaxWidth   int
	Quality    int
	Extensions []string
	Workers    int
	Logger     *slog.Logger
	OnPlanned  func(queued int)
	OnProgress func(scheduler.Progress)
}

// OutputName flattens a relative identifier into the output file name by
// joining its path components with "_".
func OutputName(id string) string {
	return strings.ReplaceAll(filepath.ToSlash(id), "/", "_")
}

// uniqueName is OutputName with a short hash of id before the extension,
// used when the flat name is already taken by another input.
func uniqueName(id string) string {
	name := OutputName(id)
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s_%08x%s", strings.TrimSuffix(name, ext), uint32(xxhash.Sum64String(id)), ext)
}

// Plan lists the images under inDir and drops those whose output already
// exists in outDir. Inputs that flatten to the same name ("a/b_c.jpg" and
// "a_b/c.jpg") keep the plain name for the first in sorted order and a
// hashed name for the rest.
func Plan(inDir, outDir string, exts []string) (jobs []Job, skipped int, err error) {
	ids, err := imageio.Enumerate(inDir, exts)
	if err != nil {
		return nil, 0, err
	}

	taken := make(map[string]string, len(ids))
	for _, id := range ids {
		name := OutputName(id)
		if _, ok := taken[name]; ok {
			name = uniqueName(id)
			if owner, ok := taken[name]; ok {
				return nil, 0, fmt.Errorf("output name %s claimed by both %s and %s", name, owner, id)
			}
		}
		taken[name] = id

		dst := filepath.Join(outDir, name)
		if _, err := os.Stat(dst); err == nil {
			skipped++
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("checking %s: %w", dst, err)
		}
		jobs = append(jobs, Job{
			ID:  id,
			Src: filepath.Join(inDir, filepath.FromSlash(id)),
			Dst: dst,
		})
	}
	return jobs, skipped, nil
}

// Resize scales img down to maxWidth keeping the aspect ratio. Images
// already narrow enough are returned unchanged; it never upscales.
func Resize(img image.Image, maxWidth int) (image.Image, bool) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if maxWidth <= 0 || width <= maxWidth {
		return img, false
	}

	newHeight := max(1, int(float64(height)*float64(maxWidth)/float64(width)))
	resized := image.NewRGBA(image.Rect(0, 0, maxWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
	return resized, true
}

// Run downscales every planned image from inDir into outDir.
func Run(ctx context.Context, inDir, outDir string, opts Options) (*Stats, error) {
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = DefaultMaxWidth
	}
	if opts.Quality <= 0 {
		opts.Quality = DefaultQuality
	}
	if opts.Workers <= 0 {
		opts.Workers = scheduler.IOWorkers()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	jobs, skipped, err := Plan(inDir, outDir, opts.Extensions)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Total: len(jobs) + skipped, Skipped: skipped}
	if opts.OnPlanned != nil {
		opts.OnPlanned(len(jobs))
	}

	results := scheduler.Run(ctx, jobs, scheduler.Options{
		Workers:    opts.Workers,
		OnProgress: opts.OnProgress,
	}, func(_ context.Context, j Job) (bool, error) {
		return process(j, opts.MaxWidth, opts.Quality)
	})

	for r := range results {
		if r.Err != nil {
			stats.Errored++
			logger.Warn("failed to downscale image", "id", r.Item.ID, "error", r.Err)
			continue
		}
		stats.Written++
		if r.Value {
			stats.Resized++
		}
	}
	return stats, nil
}

func process(j Job, maxWidth, quality int) (bool, error) {
	img, _, err := imageio.Decode(j.Src)
	if err != nil {
		return false, err
	}

	out, resized := Resize(img, maxWidth)

	err = fsutil.WriteAtomic(j.Dst, 0o644, func(w io.Writer) error {
		if strings.EqualFold(filepath.Ext(j.Dst), ".png") {
			return imageio.WritePNG(w, out)
		}
		return imageio.WriteJPEG(w, out, quality)
	})
	if err != nil {
		return false, err
	}
	return resized, nil
}
