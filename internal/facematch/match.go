// Package facematch compares a reference face embedding against every face
// in an embedding store.
package facematch

import (
	"cmp"
	"errors"
	"iter"
	"slices"

	"github.com/kozaktomas/face-finder/internal/store"
)

// DefaultThreshold is the customary face_recognition match threshold.
const DefaultThreshold = 0.6

// ErrNoFaceDetected is returned when the reference photo contains no face.
var ErrNoFaceDetected = errors.New("no face detected in reference image")

// Candidate is one face within threshold of the reference.
type Candidate struct {
	ID         string  `json:"id"`
	FaceIndex  int     `json:"face_index"`
	Distance   float64 `json:"distance"`
	Similarity float64 `json:"similarity"`
}

// Source is the read side of an embedding store.
type Source interface {
	Dim() int
	All() iter.Seq2[string, [][]float32]
}

type options struct {
	metric       Metric
	limit        int
	bestPerImage bool
}

// Option configures Match.
type Option func(*options)

// WithMetric selects the distance metric. Euclidean is the default.
func WithMetric(m Metric) Option {
	return func(o *options) { o.metric = m }
}

// WithLimit truncates the ranked result to n candidates (n <= 0 keeps all).
func WithLimit(n int) Option {
	return func(o *options) { o.limit = n }
}

// BestPerImage keeps only the closest face of each image.
func BestPerImage() Option {
	return func(o *options) { o.bestPerImage = true }
}

// Similarity converts a distance to the percentage shown to users.
func Similarity(distance float64) float64 {
	return (1 - distance) * 100
}

// Match scans every face in src and returns those whose distance to ref is
// at most threshold, ordered by ascending distance, then identifier, then
// face index. An empty source yields an empty result.
func Match(ref []float32, src Source, threshold float64, opts ...Option) ([]Candidate, error) {
	o := options{metric: MetricEuclidean}
	for _, opt := range opts {
		opt(&o)
	}

	matches := []Candidate{}
	dim := src.Dim()
	if dim == 0 {
		return matches, nil
	}
	if len(ref) != dim {
		return nil, &store.DimensionMismatchError{Expected: dim, Actual: len(ref)}
	}

	for id, faces := range src.All() {
		for i, emb := range faces {
			if len(emb) != dim {
				return nil, &store.DimensionMismatchError{Expected: dim, Actual: len(emb)}
			}
			d := o.metric.Distance(ref, emb)
			if d <= threshold {
				matches = append(matches, Candidate{
					ID:         id,
					FaceIndex:  i,
					Distance:   d,
					Similarity: Similarity(d),
				})
			}
		}
	}

	SortCandidates(matches)
	matches = Trim(matches, o.limit, o.bestPerImage)
	return matches, nil
}

// Trim applies best-per-image and limit to an already ranked list, in that
// order. The input slice is reused.
func Trim(ranked []Candidate, limit int, bestPerImage bool) []Candidate {
	if bestPerImage {
		seen := make(map[string]struct{}, len(ranked))
		ranked = slices.DeleteFunc(ranked, func(c Candidate) bool {
			if _, ok := seen[c.ID]; ok {
				return true
			}
			seen[c.ID] = struct{}{}
			return false
		})
	}
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// SortCandidates orders candidates by distance, identifier and face index.
func SortCandidates(c []Candidate) {
	slices.SortFunc(c, func(a, b Candidate) int {
		return cmp.Or(
			cmp.Compare(a.Distance, b.Distance),
			cmp.Compare(a.ID, b.ID),
			cmp.Compare(a.FaceIndex, b.FaceIndex),
		)
	})
}

// Reference picks the embedding to search with from the faces detected in
// the reference photo: the first one.
func Reference(faces [][]float32) ([]float32, error) {
	if len(faces) == 0 {
		return nil, ErrNoFaceDetected
	}
	return faces[0], nil
}
