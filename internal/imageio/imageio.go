// Package imageio decodes and encodes the raster formats found in a photo
// corpus.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	// Registered decoders.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrDecode is returned when a file is not a decodable image.
var ErrDecode = errors.New("image decode failed")

// DefaultExtensions are the corpus extensions processed when none are
// configured.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// HasExtension reports whether path's extension is in exts, ignoring case.
// exts are expected lower-case with the leading dot.
func HasExtension(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	return slices.Contains(exts, ext)
}

// Decode reads and decodes the image at path. Failures to parse the file
// wrap ErrDecode; failures to open it are returned as is.
func Decode(path string) (image.Image, string, error) {
	f, err := os.Open(path) //nolint:gosec // corpus path
	if err != nil {
		return nil, "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	return DecodeReader(f)
}

// DecodeReader decodes an image from r.
func DecodeReader(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, format, nil
}

// EncodeJPEG encodes img as JPEG with the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteJPEG(&buf, img, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteJPEG is EncodeJPEG writing to w.
func WriteJPEG(w io.Writer, img image.Image, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return nil
}

// WritePNG encodes img as PNG to w.
func WritePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return nil
}
