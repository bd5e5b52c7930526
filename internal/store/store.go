// Package store persists face embeddings keyed by image identifier.
//
// A Store holds one record per image with at least one detected face, plus a
// processed set of images that were examined and contained no face. Both are
// saved together into a single checksummed file so an interrupted encoding
// run can resume exactly where it stopped.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/kozaktomas/face-finder/internal/fsutil"
)

// Meta describes a store.
type Meta struct {
	Version    int
	Dim        int
	Model      string
	CorpusRoot string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastRunID  string
}

// Store is an in-memory embedding store. It is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	meta        Meta
	records     map[string][][]float32
	processed   map[string]struct{}
	compression Compression
}

// New returns an empty store using zstd compression.
func New() *Store {
	return &Store{
		meta:        Meta{Version: SchemaVersion},
		records:     make(map[string][][]float32),
		processed:   make(map[string]struct{}),
		compression: CompressionZstd,
	}
}

// Load reads a store file written by Save.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the CLI
	if err != nil {
		return nil, fmt.Errorf("reading store %s: %w", path, err)
	}

	snap, c, err := decodeFile(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if snap.Meta.Version != SchemaVersion {
		return nil, fmt.Errorf("loading %s: %w: metadata version %d", path, ErrIncompatibleVersion, snap.Meta.Version)
	}

	s := &Store{
		meta:        snap.Meta,
		records:     snap.Records,
		processed:   make(map[string]struct{}, len(snap.Processed)),
		compression: c,
	}
	// gob leaves empty maps nil
	if s.records == nil {
		s.records = make(map[string][][]float32)
	}
	for _, id := range snap.Processed {
		s.processed[id] = struct{}{}
	}

	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return s, nil
}

// LoadOrNew loads path, or returns an empty store when the file does not
// exist yet.
func LoadOrNew(path string) (*Store, error) {
	s, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	return s, err
}

func (s *Store) validate() error {
	if len(s.records) > 0 && s.meta.Dim <= 0 {
		return fmt.Errorf("%w: %d records but dimension %d", ErrCorruptStore, len(s.records), s.meta.Dim)
	}
	for id, faces := range s.records {
		if len(faces) == 0 {
			return fmt.Errorf("%w: record %q has no embeddings", ErrCorruptStore, id)
		}
		for i, emb := range faces {
			if len(emb) != s.meta.Dim {
				return fmt.Errorf("%w: record %q face %d has dimension %d, store %d",
					ErrCorruptStore, id, i, len(emb), s.meta.Dim)
			}
		}
	}
	return nil
}

// Save writes the store to path atomically. Metadata timestamps are updated
// before writing.
func (s *Store) Save(path string) error {
	s.mu.Lock()
	now := time.Now().UTC()
	if s.meta.CreatedAt.IsZero() {
		s.meta.CreatedAt = now
	}
	s.meta.UpdatedAt = now
	snap := &snapshot{
		Meta:      s.meta,
		Records:   s.records,
		Processed: s.processedIDsLocked(),
	}
	data, err := encodeFile(snap, s.compression)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}

	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}

// Put inserts or overwrites the record for id. The first embedding stored
// fixes the store's dimensionality.
func (s *Store) Put(id string, embeddings [][]float32) error {
	if len(embeddings) == 0 {
		return fmt.Errorf("put %q: %w", id, ErrEmptyRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.meta.Dim
	if dim == 0 {
		dim = len(embeddings[0])
	}
	for _, emb := range embeddings {
		if len(emb) == 0 || len(emb) != dim {
			return fmt.Errorf("put %q: %w", id, &DimensionMismatchError{Expected: dim, Actual: len(emb)})
		}
	}

	faces := make([][]float32, len(embeddings))
	for i, emb := range embeddings {
		faces[i] = slices.Clone(emb)
	}
	s.meta.Dim = dim
	s.records[id] = faces
	delete(s.processed, id)
	return nil
}

// MarkProcessed records that id was examined and contained no face. Any
// existing record for id is removed.
func (s *Store) MarkProcessed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	s.processed[id] = struct{}{}
}

// Delete removes id from both the records and the processed set.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	delete(s.processed, id)
}

// Contains reports whether id has an embedding record.
func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// IsProcessed reports whether id has a record or was marked processed.
func (s *Store) IsProcessed(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.records[id]; ok {
		return true
	}
	_, ok := s.processed[id]
	return ok
}

// Get returns a copy of the embeddings recorded for id.
func (s *Store) Get(id string) ([][]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	faces, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return cloneFaces(faces), true
}

// All iterates records in ascending identifier order. The set of
// identifiers is captured when iteration starts; yielded slices are copies.
func (s *Store) All() iter.Seq2[string, [][]float32] {
	return func(yield func(string, [][]float32) bool) {
		s.mu.RLock()
		ids := make([]string, 0, len(s.records))
		for id := range s.records {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
		slices.Sort(ids)

		for _, id := range ids {
			faces, ok := s.Get(id)
			if !ok {
				continue
			}
			if !yield(id, faces) {
				return
			}
		}
	}
}

// ProcessedIDs returns the sorted identifiers marked processed without faces.
func (s *Store) ProcessedIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processedIDsLocked()
}

func (s *Store) processedIDsLocked() []string {
	ids := make([]string, 0, len(s.processed))
	for id := range s.processed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of records (images with at least one face).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Faces returns the total number of embeddings across all records.
func (s *Store) Faces() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, faces := range s.records {
		n += len(faces)
	}
	return n
}

// Dim returns the embedding dimensionality, or 0 for an empty store.
func (s *Store) Dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Dim
}

// Meta returns a copy of the store metadata.
func (s *Store) Meta() Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// SetModel records the embedder model name.
func (s *Store) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.Model = model
}

// SetCorpusRoot records the directory identifiers are relative to.
func (s *Store) SetCorpusRoot(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.CorpusRoot = root
}

// SetRunID records the identifier of the run that last wrote the store.
func (s *Store) SetRunID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.LastRunID = id
}

// Compression returns the codec used by Save.
func (s *Store) Compression() Compression {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compression
}

// SetCompression changes the codec used by subsequent saves.
func (s *Store) SetCompression(c Compression) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compression = c
}

func cloneFaces(faces [][]float32) [][]float32 {
	out := make([][]float32, len(faces))
	for i, emb := range faces {
		out[i] = slices.Clone(emb)
	}
	return out
}
