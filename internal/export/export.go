// Package export copies matched photos into a results directory, named by
// rank and similarity.
package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kozaktomas/face-finder/internal/facematch"
	"github.com/kozaktomas/face-finder/internal/fsutil"
	"github.com/kozaktomas/face-finder/internal/scheduler"
)

// Failure describes a match that could not be exported.
type Failure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Result summarizes an export.
type Result struct {
	Dir    string    `json:"dir"`
	Copied int       `json:"copied"`
	Failed []Failure `json:"failed,omitempty"`
}

// FileName is the exported name of the match at 1-based rank, e.g.
// "001_70pct_2019_a.jpg".
func FileName(rank int, c facematch.Candidate) string {
	return fmt.Sprintf("%03d_%.0fpct_%s", rank, c.Similarity, FlatName(c.ID))
}

// Export copies the photo of every candidate from photosDir into outDir,
// which is created if needed. Candidates must already be ranked. Missing or
// unreadable sources are reported in Result.Failed and do not stop the
// export.
func Export(ctx context.Context, photosDir, outDir string, matches []facematch.Candidate, opts scheduler.Options) (*Result, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating results directory: %w", err)
	}

	type job struct {
		rank int
		c    facematch.Candidate
	}
	jobs := make([]job, len(matches))
	for i, c := range matches {
		jobs[i] = job{rank: i + 1, c: c}
	}
	if opts.Workers <= 0 {
		opts.Workers = scheduler.IOWorkers()
	}

	res := &Result{Dir: outDir}
	for r := range scheduler.Run(ctx, jobs, opts, func(_ context.Context, j job) (struct{}, error) {
		src := filepath.Join(photosDir, filepath.FromSlash(j.c.ID))
		dst := filepath.Join(outDir, FileName(j.rank, j.c))
		return struct{}{}, copyFile(src, dst)
	}) {
		if r.Err != nil {
			res.Failed = append(res.Failed, Failure{ID: r.Item.c.ID, Error: r.Err.Error()})
			continue
		}
		res.Copied++
	}
	return res, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // corpus path
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	return fsutil.WriteAtomic(dst, 0o644, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}
