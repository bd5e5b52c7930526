package downscale

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/kozaktomas/face-finder/internal/imageio"
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

func writeJPEG(t *testing.T, path string, img image.Image) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := imageio.EncodeJPEG(img, 90)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestOutputName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"a.jpg", "a.jpg"},
		{"001/a.jpg", "001_a.jpg"},
		{"001/x/a.JPG", "001_x_a.JPG"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := OutputName(tt.input); got != tt.expected {
				t.Errorf("OutputName(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestResize(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		maxWidth      int
		wantW, wantH  int
		wantResized   bool
	}{
		{"landscape", 2000, 1000, 640, 640, 320, true},
		{"portrait", 1000, 2000, 500, 500, 1000, true},
		{"exactly max", 640, 480, 640, 640, 480, false},
		{"smaller", 100, 300, 640, 100, 300, false},
		{"very thin", 4000, 1, 640, 640, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, resized := Resize(createTestImage(tt.width, tt.height, color.White), tt.maxWidth)
			if resized != tt.wantResized {
				t.Errorf("resized = %v, want %v", resized, tt.wantResized)
			}
			b := out.Bounds()
			if b.Dx() != tt.wantW || b.Dy() != tt.wantH {
				t.Errorf("got %dx%d, want %dx%d", b.Dx(), b.Dy(), tt.wantW, tt.wantH)
			}
		})
	}
}

func TestRun(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "small")

	writeJPEG(t, filepath.Join(in, "001", "big.jpg"), createTestImage(1280, 960, color.White))
	writeJPEG(t, filepath.Join(in, "small.jpg"), createTestImage(320, 240, color.Black))
	if err := os.WriteFile(filepath.Join(in, "broken.jpg"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(in, "readme.txt"), []byte("skip"), 0o644); err != nil {
		t.Fatal(err)
	}
	pngFile, err := os.Create(filepath.Join(in, "002_logo.png"))
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(pngFile, createTestImage(800, 400, color.White)); err != nil {
		t.Fatal(err)
	}
	pngFile.Close()

	stats, err := Run(context.Background(), in, out, Options{MaxWidth: 640, Workers: 2})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := Stats{Total: 4, Written: 3, Resized: 2, Errored: 1}
	if *stats != want {
		t.Errorf("stats = %+v, want %+v", *stats, want)
	}

	img, format, err := imageio.Decode(filepath.Join(out, "001_big.jpg"))
	if err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if format != "jpeg" || img.Bounds().Dx() != 640 || img.Bounds().Dy() != 480 {
		t.Errorf("001_big.jpg: %s %v", format, img.Bounds())
	}

	img, format, err = imageio.Decode(filepath.Join(out, "002_logo.png"))
	if err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if format != "png" || img.Bounds().Dx() != 640 {
		t.Errorf("002_logo.png: %s %v", format, img.Bounds())
	}

	img, _, err = imageio.Decode(filepath.Join(out, "small.jpg"))
	if err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if img.Bounds().Dx() != 320 {
		t.Errorf("small image must not be upscaled, got %v", img.Bounds())
	}

	// Second run skips everything already written; the broken file is retried.
	stats, err = Run(context.Background(), in, out, Options{MaxWidth: 640})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 3 || stats.Written != 0 || stats.Errored != 1 {
		t.Errorf("second run stats = %+v", *stats)
	}
}

func TestRun_MissingInput(t *testing.T) {
	if _, err := Run(context.Background(), filepath.Join(t.TempDir(), "nope"), t.TempDir(), Options{}); err == nil {
		t.Error("expected error for missing input directory")
	}
}

func TestPlan_FlatNameCollision(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	writeJPEG(t, filepath.Join(in, "a", "b_c.jpg"), createTestImage(8, 8, color.White))
	writeJPEG(t, filepath.Join(in, "a_b", "c.jpg"), createTestImage(8, 8, color.Black))

	jobs, skipped, err := Plan(in, out, nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(jobs) != 2 || skipped != 0 {
		t.Fatalf("jobs = %+v, skipped = %d", jobs, skipped)
	}
	if jobs[0].ID != "a/b_c.jpg" || filepath.Base(jobs[0].Dst) != "a_b_c.jpg" {
		t.Errorf("first job = %+v, want plain name a_b_c.jpg", jobs[0])
	}
	if jobs[0].Dst == jobs[1].Dst {
		t.Fatalf("distinct inputs share output %s", jobs[0].Dst)
	}
	if got := filepath.Base(jobs[1].Dst); got != uniqueName("a_b/c.jpg") || filepath.Ext(got) != ".jpg" {
		t.Errorf("second output = %s", got)
	}

	stats, err := Run(context.Background(), in, out, Options{Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Written != 2 {
		t.Errorf("stats = %+v", *stats)
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 output files, got %d", len(entries))
	}

	// Names are stable across runs, so a rerun skips both.
	jobs, skipped, err = Plan(in, out, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 || skipped != 2 {
		t.Errorf("rerun jobs = %d, skipped = %d", len(jobs), skipped)
	}
}
