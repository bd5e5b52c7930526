package postgres

import (
	"context"
	"fmt"
	"iter"
)

// Snapshot is the read side of an embedding store needed to mirror it.
type Snapshot interface {
	All() iter.Seq2[string, [][]float32]
	ProcessedIDs() []string
}

// MirrorStats counts what Mirror wrote.
type MirrorStats struct {
	Images    int `json:"images"`
	Faces     int `json:"faces"`
	Processed int `json:"processed"`
}

// Mirror writes every record and processed marker of src into the
// repository. onItem, when set, is called after each identifier.
func (r *FaceRepository) Mirror(ctx context.Context, src Snapshot, model, runID string, onItem func()) (*MirrorStats, error) {
	stats := &MirrorStats{}

	for id, faces := range src.All() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := r.SaveFaces(ctx, id, faces, model, runID); err != nil {
			return stats, fmt.Errorf("mirroring %s: %w", id, err)
		}
		stats.Images++
		stats.Faces += len(faces)
		if onItem != nil {
			onItem()
		}
	}

	for _, id := range src.ProcessedIDs() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := r.MarkProcessed(ctx, id); err != nil {
			return stats, fmt.Errorf("mirroring %s: %w", id, err)
		}
		stats.Processed++
		if onItem != nil {
			onItem()
		}
	}
	return stats, nil
}
