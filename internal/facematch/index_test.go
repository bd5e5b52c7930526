package facematch

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/kozaktomas/face-finder/internal/store"
)

func randomSource(t *testing.T, images, dim int) *store.Store {
	t.Helper()
	rng := rand.New(rand.NewPCG(1, 2))
	records := make(map[string][][]float32, images)
	for i := range images {
		emb := make([]float32, dim)
		for j := range emb {
			emb[j] = rng.Float32()
		}
		records[fmt.Sprintf("%03d.jpg", i)] = [][]float32{emb}
	}
	return newSource(t, records)
}

func TestIndex_FindsExactDuplicate(t *testing.T) {
	src := randomSource(t, 60, 8)
	idx, err := NewIndex(src, MetricEuclidean)
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}
	if idx.Len() != 60 {
		t.Errorf("Len() = %d, want 60", idx.Len())
	}

	faces, ok := src.Get("017.jpg")
	if !ok {
		t.Fatal("017.jpg missing")
	}
	ref := faces[0]
	got, err := idx.Search(ref, 0.5, 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) == 0 || got[0].ID != "017.jpg" || got[0].Distance != 0 {
		t.Fatalf("expected 017.jpg first at distance 0, got %+v", got)
	}
	if len(got) > 5 {
		t.Errorf("got %d candidates, want at most 5", len(got))
	}
	for i, c := range got {
		if c.Distance > 0.5 {
			t.Errorf("candidate %d beyond threshold: %v", i, c.Distance)
		}
		if i > 0 && got[i-1].Distance > c.Distance {
			t.Errorf("candidates not sorted at %d", i)
		}
	}
}

func TestIndex_AgreesWithLinearScanOnSmallStore(t *testing.T) {
	src := randomSource(t, 30, 4)
	idx, err := NewIndex(src, MetricEuclidean)
	if err != nil {
		t.Fatal(err)
	}

	ref := []float32{0.5, 0.5, 0.5, 0.5}
	exact, err := Match(ref, src, 0.4, WithLimit(3))
	if err != nil {
		t.Fatal(err)
	}
	approx, err := idx.Search(ref, 0.4, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(exact) == 0 {
		t.Skip("no faces within threshold for this seed")
	}
	if approx[0] != exact[0] {
		t.Errorf("best approximate match %+v, exact %+v", approx[0], exact[0])
	}
}

func TestIndex_EmptySource(t *testing.T) {
	idx, err := NewIndex(store.New(), MetricEuclidean)
	if err != nil {
		t.Fatal(err)
	}
	got, err := idx.Search([]float32{1, 2}, DefaultThreshold, 10)
	if err != nil {
		t.Fatalf("Search on empty index failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil result, got %#v", got)
	}
}

func TestIndex_Errors(t *testing.T) {
	src := newSource(t, map[string][][]float32{"a.jpg": {{1, 0, 0}}})
	idx, err := NewIndex(src, MetricCosine)
	if err != nil {
		t.Fatal(err)
	}
	if idx.Metric() != MetricCosine {
		t.Errorf("Metric() = %v", idx.Metric())
	}

	if _, err := idx.Search([]float32{1, 0, 0}, 0.1, 0); !errors.Is(err, ErrInvalidK) {
		t.Errorf("expected ErrInvalidK, got %v", err)
	}
	if _, err := idx.Search([]float32{1, 0}, 0.1, 1); !errors.Is(err, store.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}
