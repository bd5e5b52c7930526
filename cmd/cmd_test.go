package cmd

import (
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kozaktomas/face-finder/internal/embedder"
	"github.com/kozaktomas/face-finder/internal/facematch"
	"github.com/kozaktomas/face-finder/internal/imageio"
	"github.com/kozaktomas/face-finder/internal/store"
)

// resetFlags restores every flag to its default; the command tree is global
// and keeps values between Execute calls.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

// embeddingServer answers /embed/face with the given faces and counts calls.
func embeddingServer(t *testing.T, faces [][]float32) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		resp := embedder.FaceResponse{FacesCount: len(faces), Model: "test"}
		for i, f := range faces {
			resp.Faces = append(resp.Faces, embedder.FaceDetection{FaceIndex: i, Dim: len(f), Embedding: f})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	t.Setenv("EMBEDDING_URL", srv.URL)
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("PHOTOS_DIR", "")
	t.Setenv("DATABASE_URL", "")
	return srv, &calls
}

func writeTestJPEG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for x := range 32 {
		for y := range 24 {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 10), B: 90, A: 255})
		}
	}
	data, err := imageio.EncodeJPEG(img, 90)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeStore(t *testing.T, path string, records map[string][][]float32) {
	t.Helper()
	st := store.New()
	for id, faces := range records {
		if err := st.Put(id, faces); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Save(path); err != nil {
		t.Fatal(err)
	}
}

func TestMatch_MissingReference(t *testing.T) {
	_, calls := embeddingServer(t, [][]float32{{0, 0}})
	dir := t.TempDir()

	err := runCLI(t, "match", filepath.Join(dir, "nope.jpg"), filepath.Join(dir, "faces.ffs"), "--json")
	if !errors.Is(err, ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("embedder must not be called when the reference is missing")
	}
}

func TestMatch_MissingStore(t *testing.T) {
	_, calls := embeddingServer(t, [][]float32{{0, 0}})
	dir := t.TempDir()
	ref := filepath.Join(dir, "me.jpg")
	writeTestJPEG(t, ref)

	err := runCLI(t, "match", ref, filepath.Join(dir, "faces.ffs"), "--json")
	if !errors.Is(err, ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("embedder must not be called before both inputs are checked")
	}
}

func TestMatch_NoFaceBeforeStoreLoad(t *testing.T) {
	embeddingServer(t, nil)
	dir := t.TempDir()
	ref := filepath.Join(dir, "me.jpg")
	writeTestJPEG(t, ref)

	// A corrupt store proves the store is never read.
	storePath := filepath.Join(dir, "faces.ffs")
	if err := os.WriteFile(storePath, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := runCLI(t, "match", ref, storePath, "--json")
	if !errors.Is(err, facematch.ErrNoFaceDetected) {
		t.Fatalf("expected ErrNoFaceDetected, got %v", err)
	}
	if errors.Is(err, store.ErrCorruptStore) {
		t.Error("store must not be loaded when the reference has no face")
	}
}

func TestMatch_InvalidThreshold(t *testing.T) {
	embeddingServer(t, [][]float32{{0, 0}})
	dir := t.TempDir()

	for _, th := range []string{"abc", "-0.1"} {
		if err := runCLI(t, "match", filepath.Join(dir, "me.jpg"), filepath.Join(dir, "s.ffs"), th); err == nil {
			t.Errorf("threshold %q: expected error", th)
		}
	}
}

func TestMatch_SavesMatches(t *testing.T) {
	embeddingServer(t, [][]float32{{0, 0}, {5, 5}})
	dir := t.TempDir()
	photos := filepath.Join(dir, "photos")
	results := filepath.Join(dir, "matches")

	ref := filepath.Join(dir, "me.jpg")
	writeTestJPEG(t, ref)
	writeTestJPEG(t, filepath.Join(photos, "a.jpg"))
	writeTestJPEG(t, filepath.Join(photos, "sub", "b.jpg"))

	storePath := filepath.Join(dir, "faces.ffs")
	writeStore(t, storePath, map[string][][]float32{
		"a.jpg":     {{0.5, 0}},
		"sub/b.jpg": {{0.25, 0}, {2, 2}},
		"c.jpg":     {{3, 3}},
	})

	err := runCLI(t, "match", ref, storePath, "0.6",
		"--save-matches", results, "--photos-dir", photos, "--json")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	for _, name := range []string{"001_75pct_sub_b.jpg", "002_50pct_a.jpg"} {
		if _, err := os.Stat(filepath.Join(results, name)); err != nil {
			t.Errorf("expected exported %s: %v", name, err)
		}
	}
	entries, err := os.ReadDir(results)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 exported files, got %d", len(entries))
	}
}

func TestMatch_ApproxReusesSavedIndex(t *testing.T) {
	embeddingServer(t, [][]float32{{0, 0}})
	dir := t.TempDir()
	ref := filepath.Join(dir, "me.jpg")
	writeTestJPEG(t, ref)
	storePath := filepath.Join(dir, "faces.ffs")
	writeStore(t, storePath, map[string][][]float32{
		"a.jpg": {{0.5, 0}},
		"b.jpg": {{0.25, 0}},
	})

	if err := runCLI(t, "match", ref, storePath, "--approx", "5", "--json"); err != nil {
		t.Fatalf("match --approx failed: %v", err)
	}
	graphPath := facematch.IndexPath(storePath)
	first, err := os.Stat(graphPath)
	if err != nil {
		t.Fatalf("expected saved graph: %v", err)
	}
	if _, err := os.Stat(graphPath + ".meta"); err != nil {
		t.Fatalf("expected saved graph metadata: %v", err)
	}

	// A second query loads the graph instead of rewriting it.
	if err := runCLI(t, "match", ref, storePath, "--approx", "5", "--json"); err != nil {
		t.Fatal(err)
	}
	second, err := os.Stat(graphPath)
	if err != nil {
		t.Fatal(err)
	}
	if !second.ModTime().Equal(first.ModTime()) {
		t.Error("graph was rebuilt although the store did not change")
	}
}

func TestMatch_ZeroMatchesSucceeds(t *testing.T) {
	embeddingServer(t, [][]float32{{9, 9}})
	dir := t.TempDir()
	ref := filepath.Join(dir, "me.jpg")
	writeTestJPEG(t, ref)
	storePath := filepath.Join(dir, "faces.ffs")
	writeStore(t, storePath, map[string][][]float32{"a.jpg": {{0, 0}}})

	if err := runCLI(t, "match", ref, storePath, "--json"); err != nil {
		t.Errorf("zero matches must not be an error, got %v", err)
	}
}

func TestEncode_AndResume(t *testing.T) {
	_, calls := embeddingServer(t, [][]float32{{0.1, 0.2, 0.3}})
	dir := t.TempDir()
	photos := filepath.Join(dir, "photos")
	writeTestJPEG(t, filepath.Join(photos, "a.jpg"))
	writeTestJPEG(t, filepath.Join(photos, "001", "b.JPG"))
	if err := os.WriteFile(filepath.Join(photos, "broken.png"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	storePath := filepath.Join(dir, "faces.ffs")

	if err := runCLI(t, "encode", photos, storePath, "--workers", "2", "--json"); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	st, err := store.Load(storePath)
	if err != nil {
		t.Fatalf("store not written: %v", err)
	}
	if st.Len() != 2 || st.Dim() != 3 || !st.Contains("001/b.JPG") {
		t.Errorf("store len=%d dim=%d", st.Len(), st.Dim())
	}
	if calls.Load() != 2 {
		t.Errorf("embedder calls = %d, want 2", calls.Load())
	}

	if err := runCLI(t, "encode", photos, storePath, "--json"); err != nil {
		t.Fatalf("second encode failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("resumed run called the embedder again: %d calls", calls.Load())
	}
}

func TestEncode_StoreLocked(t *testing.T) {
	embeddingServer(t, [][]float32{{1}})
	dir := t.TempDir()
	storePath := filepath.Join(dir, "faces.ffs")

	lock, err := store.Lock(storePath)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Unlock()

	err = runCLI(t, "encode", dir, storePath, "--json")
	if !errors.Is(err, store.ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
}

func TestEncode_SetupFailures(t *testing.T) {
	embeddingServer(t, [][]float32{{1}})
	dir := t.TempDir()
	storePath := filepath.Join(dir, "faces.ffs")

	if err := runCLI(t, "encode", filepath.Join(dir, "missing"), storePath, "--json"); !errors.Is(err, ErrMissingInput) {
		t.Errorf("missing photos dir: expected ErrMissingInput, got %v", err)
	}

	if err := os.WriteFile(storePath, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := runCLI(t, "encode", dir, storePath, "--json"); !errors.Is(err, store.ErrCorruptStore) {
		t.Errorf("corrupt store: expected ErrCorruptStore, got %v", err)
	}

	t.Setenv("EMBEDDING_URL", "not a url")
	if err := runCLI(t, "encode", dir, filepath.Join(dir, "other.ffs"), "--json"); err == nil {
		t.Error("invalid embedder URL: expected error")
	}
}

func TestStoreInfo(t *testing.T) {
	embeddingServer(t, nil)
	storePath := filepath.Join(t.TempDir(), "faces.ffs")
	writeStore(t, storePath, map[string][][]float32{"a.jpg": {{1, 2}}})

	if err := runCLI(t, "store", "info", storePath, "--json"); err != nil {
		t.Errorf("store info failed: %v", err)
	}
	if err := runCLI(t, "store", "info", storePath+".missing"); !errors.Is(err, ErrMissingInput) {
		t.Errorf("expected ErrMissingInput, got %v", err)
	}
}

func TestStorePush_RequiresDatabaseURL(t *testing.T) {
	embeddingServer(t, nil)
	storePath := filepath.Join(t.TempDir(), "faces.ffs")
	writeStore(t, storePath, map[string][][]float32{"a.jpg": {{1, 2}}})

	if err := runCLI(t, "store", "push", storePath); !errors.Is(err, ErrMissingInput) {
		t.Errorf("expected ErrMissingInput without DATABASE_URL, got %v", err)
	}
}

func TestDownscale(t *testing.T) {
	embeddingServer(t, nil)
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	out := filepath.Join(dir, "out")
	writeTestJPEG(t, filepath.Join(in, "001", "a.jpg"))

	if err := runCLI(t, "downscale", in, out, "--max-width", "16", "--json"); err != nil {
		t.Fatalf("downscale failed: %v", err)
	}
	img, _, err := imageio.Decode(filepath.Join(out, "001_a.jpg"))
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if img.Bounds().Dx() != 16 {
		t.Errorf("width = %d, want 16", img.Bounds().Dx())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds  int
		expected string
	}{
		{5, "5s"},
		{65, "1m5s"},
		{3720, "1h2m"},
	}
	for _, tt := range tests {
		if got := formatDuration(time.Duration(tt.seconds) * time.Second); got != tt.expected {
			t.Errorf("formatDuration(%ds) = %q, want %q", tt.seconds, got, tt.expected)
		}
	}
}

func TestServe_MissingStore(t *testing.T) {
	embeddingServer(t, nil)
	err := runCLI(t, "serve", filepath.Join(t.TempDir(), "faces.ffs"))
	if !errors.Is(err, ErrMissingInput) {
		t.Errorf("expected ErrMissingInput, got %v", err)
	}
}

func TestVersion_JSON(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout := os.Stdout
	os.Stdout = w
	runErr := runCLI(t, "version", "--json")
	os.Stdout = stdout
	w.Close()
	if runErr != nil {
		t.Fatalf("version failed: %v", runErr)
	}

	var out VersionOutput
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		t.Fatalf("decoding version output: %v", err)
	}
	if out.Version != Version || out.StoreFormat != store.SchemaVersion || out.GoVersion == "" {
		t.Errorf("version output = %+v", out)
	}
}
