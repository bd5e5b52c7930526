// Package embedder turns decoded images into face embeddings.
package embedder

import (
	"context"
	"image"
)

// Embedder detects faces in an image and returns one embedding per face in
// detection order. An image without faces yields an empty slice and a nil
// error.
type Embedder interface {
	Embed(ctx context.Context, img image.Image) ([][]float32, error)
}

// Func adapts a plain function to Embedder.
type Func func(ctx context.Context, img image.Image) ([][]float32, error)

// Embed calls f.
func (f Func) Embed(ctx context.Context, img image.Image) ([][]float32, error) {
	return f(ctx, img)
}
