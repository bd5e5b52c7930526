package facematch

import (
	"errors"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/face-finder/internal/store"
)

// HNSW parameters tuned for 128 to 512 dimensional face embeddings.
const (
	// IndexMaxNeighbors (M) is the maximum number of neighbours per node.
	IndexMaxNeighbors = 16

	// IndexEfSearch is the search candidate pool size.
	IndexEfSearch = 100

	// IndexSearchMultiplier widens the graph query so that threshold
	// filtering still leaves k candidates.
	IndexSearchMultiplier = 3
)

// ErrInvalidK is returned by Index.Search for k < 1.
var ErrInvalidK = errors.New("k must be at least 1")

type faceRef struct {
	id    string
	face  int
	embed []float32
}

// Index is an approximate nearest-neighbour index over every face of a
// Source. It trades recall for speed on large stores: faces the graph does
// not reach are missed, but every returned distance is exact.
type Index struct {
	graph  *hnsw.Graph[int]
	faces  []faceRef
	dim    int
	metric Metric
}

// NewIndex builds an HNSW graph from a snapshot of src. Later changes to src
// are not reflected.
func NewIndex(src Source, metric Metric) (*Index, error) {
	x, err := indexFaces(src, metric)
	if err != nil || len(x.faces) == 0 {
		return x, err
	}

	g := hnsw.NewGraph[int]()
	g.M = IndexMaxNeighbors
	g.Ml = 1.0 / float64(IndexMaxNeighbors)
	g.EfSearch = IndexEfSearch
	if metric == MetricCosine {
		g.Distance = hnsw.CosineDistance
	} else {
		g.Distance = hnsw.EuclideanDistance
	}
	for key, f := range x.faces {
		g.Add(hnsw.MakeNode(key, f.embed))
	}
	x.graph = g
	return x, nil
}

// indexFaces lists the faces of src in All order; a face's position is its
// graph key.
func indexFaces(src Source, metric Metric) (*Index, error) {
	x := &Index{dim: src.Dim(), metric: metric}
	if x.dim == 0 {
		return x, nil
	}
	for id, faces := range src.All() {
		for i, emb := range faces {
			if len(emb) != x.dim {
				return nil, &store.DimensionMismatchError{Expected: x.dim, Actual: len(emb)}
			}
			x.faces = append(x.faces, faceRef{id: id, face: i, embed: emb})
		}
	}
	return x, nil
}

// Len returns the number of indexed faces.
func (x *Index) Len() int { return len(x.faces) }

// Metric returns the metric the graph was built with.
func (x *Index) Metric() Metric { return x.metric }

// Search returns up to k faces within threshold of ref, ranked like Match.
func (x *Index) Search(ref []float32, threshold float64, k int) ([]Candidate, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}
	matches := []Candidate{}
	if x.graph == nil {
		return matches, nil
	}
	if len(ref) != x.dim {
		return nil, &store.DimensionMismatchError{Expected: x.dim, Actual: len(ref)}
	}

	for _, n := range x.graph.Search(ref, k*IndexSearchMultiplier) {
		f := x.faces[n.Key]
		d := x.metric.Distance(ref, f.embed)
		if d <= threshold {
			matches = append(matches, Candidate{
				ID:         f.id,
				FaceIndex:  f.face,
				Distance:   d,
				Similarity: Similarity(d),
			})
		}
	}

	SortCandidates(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}
