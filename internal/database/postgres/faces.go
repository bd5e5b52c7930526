package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/face-finder/internal/facematch"
	"github.com/kozaktomas/face-finder/internal/store"
)

// FaceRepository stores one row per face in the faces table.
type FaceRepository struct {
	pool *Pool
}

// NewFaceRepository creates a new PostgreSQL face repository.
func NewFaceRepository(pool *Pool) *FaceRepository {
	return &FaceRepository{pool: pool}
}

// SaveFaces replaces all faces of imageID with embeddings, in detection
// order.
func (r *FaceRepository) SaveFaces(ctx context.Context, imageID string, embeddings [][]float32, model, runID string) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := deleteImage(ctx, tx, imageID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO faces (image_id, face_index, embedding, dim, model, run_id)
		VALUES ($1, $2, $3::vector, $4, $5, $6)
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, emb := range embeddings {
		vec := pgvector.NewVector(emb)
		if _, err := stmt.ExecContext(ctx, imageID, i, vec, len(emb), nullString(model), nullString(runID)); err != nil {
			return fmt.Errorf("insert face %s#%d: %w", imageID, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// MarkProcessed records imageID as examined without faces.
func (r *FaceRepository) MarkProcessed(ctx context.Context, imageID string) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := deleteImage(ctx, tx, imageID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO faces_processed (image_id, face_count)
		VALUES ($1, 0)
		ON CONFLICT (image_id) DO UPDATE SET created_at = NOW()
	`, imageID); err != nil {
		return fmt.Errorf("mark processed %s: %w", imageID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func deleteImage(ctx context.Context, tx *sql.Tx, imageID string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM faces WHERE image_id = $1", imageID); err != nil {
		return fmt.Errorf("delete faces of %s: %w", imageID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM faces_processed WHERE image_id = $1", imageID); err != nil {
		return fmt.Errorf("delete processed marker of %s: %w", imageID, err)
	}
	return nil
}

// Count returns the total number of faces stored.
func (r *FaceRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM faces").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count faces: %w", err)
	}
	return count, nil
}

// CountImages returns the number of distinct images with faces.
func (r *FaceRepository) CountImages(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, "SELECT COUNT(DISTINCT image_id) FROM faces").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count images: %w", err)
	}
	return count, nil
}

// CountProcessed returns the number of images recorded without faces.
func (r *FaceRepository) CountProcessed(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM faces_processed").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count processed: %w", err)
	}
	return count, nil
}

// GetFaces returns the embeddings of imageID ordered by face index.
func (r *FaceRepository) GetFaces(ctx context.Context, imageID string) ([][]float32, error) {
	rows, err := r.pool.Query(ctx, "SELECT embedding FROM faces WHERE image_id = $1 ORDER BY face_index", imageID)
	if err != nil {
		return nil, fmt.Errorf("query faces: %w", err)
	}
	defer rows.Close()

	var faces [][]float32
	for rows.Next() {
		var vec pgvector.Vector
		if err := rows.Scan(&vec); err != nil {
			return nil, fmt.Errorf("scan face: %w", err)
		}
		faces = append(faces, vec.Slice())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faces: %w", err)
	}
	return faces, nil
}

// Dims returns the distinct embedding dimensionalities in the mirror.
func (r *FaceRepository) Dims(ctx context.Context) ([]int, error) {
	rows, err := r.pool.Query(ctx, "SELECT DISTINCT dim FROM faces ORDER BY dim")
	if err != nil {
		return nil, fmt.Errorf("query dimensions: %w", err)
	}
	defer rows.Close()

	var dims []int
	for rows.Next() {
		var d int
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan dimension: %w", err)
		}
		dims = append(dims, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dimensions: %w", err)
	}
	return dims, nil
}

// FindWithinDistance returns every face whose Euclidean distance to ref is
// at most threshold, ranked like facematch.Match. limit <= 0 returns all.
// A reference whose dimensionality matches no stored face is a
// *store.DimensionMismatchError; an empty mirror yields no matches.
func (r *FaceRepository) FindWithinDistance(ctx context.Context, ref []float32, threshold float64, limit int) ([]facematch.Candidate, error) {
	dims, err := r.Dims(ctx)
	if err != nil {
		return nil, err
	}
	if len(dims) == 0 {
		return []facematch.Candidate{}, nil
	}
	if !slices.Contains(dims, len(ref)) {
		return nil, &store.DimensionMismatchError{Expected: dims[0], Actual: len(ref)}
	}

	// Identifiers compare bytewise, as in facematch.SortCandidates.
	query := `
		SELECT image_id, face_index, distance
		FROM (
			SELECT image_id, face_index,
			       CASE WHEN dim = $2 THEN embedding <-> $1::vector END AS distance
			FROM faces
		) f
		WHERE distance <= $3
		ORDER BY distance, image_id COLLATE "C", face_index
	`
	args := []any{pgvector.NewVector(ref), len(ref), threshold}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query similar faces: %w", err)
	}
	defer rows.Close()

	matches := []facematch.Candidate{}
	for rows.Next() {
		var c facematch.Candidate
		if err := rows.Scan(&c.ID, &c.FaceIndex, &c.Distance); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		c.Similarity = facematch.Similarity(c.Distance)
		matches = append(matches, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return matches, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
