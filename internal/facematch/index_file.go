package facematch

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/face-finder/internal/fsutil"
)

const indexFormatVersion = 1

// ErrStaleIndex is returned by LoadIndex when the saved graph was built
// from different store contents or with another metric.
var ErrStaleIndex = errors.New("index is stale")

// IndexStamp identifies the store contents a saved index was built from.
// Callers fill Images, UpdatedAt and RunID; Save fills the rest.
type IndexStamp struct {
	Version   int       `json:"version"`
	Metric    string    `json:"metric"`
	Dim       int       `json:"dim"`
	Faces     int       `json:"faces"`
	Images    int       `json:"images"`
	UpdatedAt time.Time `json:"updated_at"`
	RunID     string    `json:"run_id,omitempty"`
}

// IndexPath returns where the graph of the store at storePath is kept.
// Its stamp lives at IndexPath(storePath) + ".meta".
func IndexPath(storePath string) string {
	return storePath + ".hnsw"
}

// Save writes the graph to path and its stamp to path + ".meta". Saving an
// empty index removes both files.
func (x *Index) Save(path string, stamp IndexStamp) error {
	if x.graph == nil {
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		return nil
	}

	if err := fsutil.WriteAtomic(path, 0o644, x.graph.Export); err != nil {
		return fmt.Errorf("exporting HNSW graph: %w", err)
	}

	stamp.Version = indexFormatVersion
	stamp.Metric = x.metric.String()
	stamp.Dim = x.dim
	stamp.Faces = len(x.faces)
	data, err := json.Marshal(stamp)
	if err != nil {
		return fmt.Errorf("marshaling index metadata: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path+".meta", data, 0o644); err != nil {
		return fmt.Errorf("writing index metadata: %w", err)
	}
	return nil
}

// LoadIndex reads a graph saved by Save and attaches it to the faces of
// src. want carries the caller's Images, UpdatedAt and RunID for src; any
// difference from the saved stamp is ErrStaleIndex. A missing file wraps
// fs.ErrNotExist.
func LoadIndex(path string, src Source, metric Metric, want IndexStamp) (*Index, error) {
	data, err := os.ReadFile(path + ".meta") //nolint:gosec // next to the store
	if err != nil {
		return nil, fmt.Errorf("reading index metadata: %w", err)
	}
	var got IndexStamp
	if err := json.Unmarshal(data, &got); err != nil {
		return nil, fmt.Errorf("%w: unreadable metadata: %v", ErrStaleIndex, err)
	}
	if got.Version != indexFormatVersion || got.Metric != metric.String() ||
		got.Dim != src.Dim() || got.Images != want.Images ||
		!got.UpdatedAt.Equal(want.UpdatedAt) || got.RunID != want.RunID {
		return nil, ErrStaleIndex
	}

	x, err := indexFaces(src, metric)
	if err != nil {
		return nil, err
	}
	if len(x.faces) != got.Faces {
		return nil, ErrStaleIndex
	}

	f, err := os.Open(path) //nolint:gosec // next to the store
	if err != nil {
		return nil, fmt.Errorf("opening HNSW graph: %w", err)
	}
	defer f.Close()

	g := hnsw.NewGraph[int]()
	if err := g.Import(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("%w: importing graph: %v", ErrStaleIndex, err)
	}
	if g.Len() != len(x.faces) {
		return nil, ErrStaleIndex
	}
	x.graph = g
	return x, nil
}
