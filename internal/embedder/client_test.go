package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func createTestImage(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := range width {
		for y := range height {
			img.Set(x, y, c)
		}
	}
	return img
}

func faceServer(t *testing.T, resp FaceResponse) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/embed/face" {
			http.Error(w, "unexpected request", http.StatusNotFound)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file.Close()
		if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
			http.Error(w, "bad content type "+ct, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8000", "ftp://host", "http://", "://bad"} {
		if _, err := NewClient(raw, ""); err == nil {
			t.Errorf("NewClient(%q) expected error", raw)
		}
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient("http://localhost:8000/", "")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.Model() != defaultModel {
		t.Errorf("Model() = %q, want %q", c.Model(), defaultModel)
	}
	if c.baseURL != "http://localhost:8000" {
		t.Errorf("baseURL = %q, trailing slash not trimmed", c.baseURL)
	}
	if c.client.Timeout != defaultTimeout {
		t.Errorf("timeout = %v, want %v", c.client.Timeout, defaultTimeout)
	}

	c, err = NewClient("https://embed.example", "arcface", WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.client.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", c.client.Timeout)
	}
}

func TestEmbed_OrdersByFaceIndex(t *testing.T) {
	srv := faceServer(t, FaceResponse{
		FacesCount: 2,
		Faces: []FaceDetection{
			{FaceIndex: 1, Dim: 2, Embedding: []float32{0.3, 0.4}},
			{FaceIndex: 0, Dim: 2, Embedding: []float32{0.1, 0.2}},
		},
		Model: "buffalo_l",
	})

	c, err := NewClient(srv.URL, "test")
	if err != nil {
		t.Fatal(err)
	}

	faces, err := c.Embed(context.Background(), createTestImage(16, 16, color.White))
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(faces) != 2 {
		t.Fatalf("expected 2 faces, got %d", len(faces))
	}
	if faces[0][0] != 0.1 || faces[1][0] != 0.3 {
		t.Errorf("faces not ordered by face_index: %v", faces)
	}
}

func TestEmbed_NoFaces(t *testing.T) {
	srv := faceServer(t, FaceResponse{FacesCount: 0, Faces: nil})

	c, err := NewClient(srv.URL, "test")
	if err != nil {
		t.Fatal(err)
	}

	faces, err := c.Embed(context.Background(), createTestImage(8, 8, color.Black))
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("expected no faces, got %d", len(faces))
	}
}

func TestEmbed_EmptyEmbedding(t *testing.T) {
	srv := faceServer(t, FaceResponse{FacesCount: 1, Faces: []FaceDetection{{FaceIndex: 0}}})

	c, err := NewClient(srv.URL, "test")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Embed(context.Background(), createTestImage(8, 8, color.Black)); err == nil {
		t.Error("expected error for empty embedding")
	}
}

func TestEmbed_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "test")
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Embed(context.Background(), createTestImage(8, 8, color.Black))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", apiErr.StatusCode)
	}
	if !strings.Contains(apiErr.Error(), "model not loaded") {
		t.Errorf("error should include body: %q", apiErr.Error())
	}
}

func TestEmbed_RateLimitHonoursContext(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(FaceResponse{})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "test", WithRateLimit(0.001))
	if err != nil {
		t.Fatal(err)
	}
	img := createTestImage(8, 8, color.Black)

	// The first request uses the burst token.
	if _, err := c.Embed(context.Background(), img); err != nil {
		t.Fatalf("first Embed failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Embed(ctx, img); err == nil {
		t.Error("expected rate limiter to give up on a short deadline")
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1", calls.Load())
	}
}

func TestFunc(t *testing.T) {
	var e Embedder = Func(func(context.Context, image.Image) ([][]float32, error) {
		return [][]float32{{1, 2}}, nil
	})
	faces, err := e.Embed(context.Background(), nil)
	if err != nil || len(faces) != 1 {
		t.Errorf("Func adapter returned %v, %v", faces, err)
	}
}

func TestDetectMIMEType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0}, "image/jpeg"},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"short", []byte{0xFF}, "application/octet-stream"},
		{"unknown", []byte("abcdefgh"), "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectMIMEType(tt.data); got != tt.want {
				t.Errorf("detectMIMEType() = %q, want %q", got, tt.want)
			}
		})
	}
}
