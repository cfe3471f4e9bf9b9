package lattice

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFieldWrapPeriodicity(t *testing.T) {
	f, err := NewField("chemokine", 4, 3, 0, Wrap)
	if err != nil {
		t.Fatalf("new field: %v", err)
	}
	if err := f.Apply(func(x, y int) float64 { return float64(10*y + x) }); err != nil {
		t.Fatalf("apply: %v", err)
	}

	for y := 0; y < f.Height(); y++ {
		for x := 0; x < f.Width(); x++ {
			base, err := f.Get(x, y)
			if err != nil {
				t.Fatalf("get (%d,%d): %v", x, y, err)
			}
			shiftedX, err := f.Get(x+f.Width(), y)
			if err != nil {
				t.Fatalf("get shifted x: %v", err)
			}
			shiftedY, err := f.Get(x, y+f.Height())
			if err != nil {
				t.Fatalf("get shifted y: %v", err)
			}
			negative, err := f.Get(x-f.Width(), y-f.Height())
			if err != nil {
				t.Fatalf("get negative: %v", err)
			}
			if base != shiftedX || base != shiftedY || base != negative {
				t.Fatalf("wrap mismatch at (%d,%d): base=%f x=%f y=%f neg=%f", x, y, base, shiftedX, shiftedY, negative)
			}
		}
	}
}

func TestFieldClampedRejectsOutOfRange(t *testing.T) {
	f, err := NewField("collagen", 3, 3, 3, Clamped)
	if err != nil {
		t.Fatalf("new field: %v", err)
	}
	if _, err := f.Get(3, 0); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if err := f.Set(1, -1, 0); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected out of range on set, got %v", err)
	}
	v, err := f.Get(2, 2)
	if err != nil || v != 3 {
		t.Fatalf("expected default 3, got %f err=%v", v, err)
	}
}

func TestFieldReflectiveMirrorsEdges(t *testing.T) {
	f, err := NewField("tnf", 3, 1, 0, Reflective)
	if err != nil {
		t.Fatalf("new field: %v", err)
	}
	for x := 0; x < 3; x++ {
		if err := f.Set(float64(x+1), x, 0); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	cases := map[int]float64{-1: 1, -2: 2, 3: 3, 4: 2}
	for x, want := range cases {
		got, err := f.Get(x, 0)
		if err != nil {
			t.Fatalf("get %d: %v", x, err)
		}
		if got != want {
			t.Fatalf("reflect x=%d: got %f want %f", x, got, want)
		}
	}
}

func TestFieldRejectsNonFinite(t *testing.T) {
	f, err := NewField("tgfb", 2, 2, 1, Clamped)
	if err != nil {
		t.Fatalf("new field: %v", err)
	}
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if err := f.Set(v, 0, 0); !errors.Is(err, ErrNonFinite) {
			t.Fatalf("expected non-finite error for %v, got %v", v, err)
		}
	}
	got, _ := f.Get(0, 0)
	if got != 1 {
		t.Fatalf("rejected write mutated field: %f", got)
	}
	if _, err := NewField("bad", 2, 2, math.NaN(), Clamped); !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected non-finite default error, got %v", err)
	}
}

func TestFieldMatrixRowMajor(t *testing.T) {
	f, err := NewField("m", 3, 2, 0, Clamped)
	if err != nil {
		t.Fatalf("new field: %v", err)
	}
	_ = f.Apply(func(x, y int) float64 { return float64(x + 3*y) })
	want := [][]float64{{0, 1, 2}, {3, 4, 5}}
	if diff := cmp.Diff(want, f.Matrix()); diff != "" {
		t.Fatalf("matrix mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0, 1, 2, 3, 4, 5}, f.Values()); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestParseBoundaryMode(t *testing.T) {
	cases := map[string]BoundaryMode{
		"":        Clamped,
		"strict":  Clamped,
		"wrap":    Wrap,
		"bouncy":  Reflective,
		"REFLECT": Reflective,
	}
	for name, want := range cases {
		got, err := ParseBoundaryMode(name)
		if err != nil {
			t.Fatalf("parse %q: %v", name, err)
		}
		if got != want {
			t.Fatalf("parse %q: got %s want %s", name, got, want)
		}
	}
	if _, err := ParseBoundaryMode("spiral"); err == nil {
		t.Fatal("expected unsupported boundary mode error")
	}
}

func TestMooreNeighborsDedupesOnSmallWrapGrid(t *testing.T) {
	got := MooreNeighbors(Point{X: 0, Y: 0}, 1, Wrap, 2, 2)
	want := []Point{{1, 1}, {0, 1}, {1, 0}}
	if len(got) != 3 {
		t.Fatalf("expected 3 distinct neighbors on 2x2 torus, got %+v", got)
	}
	seen := map[Point]bool{}
	for _, p := range got {
		seen[p] = true
	}
	for _, p := range want {
		if !seen[p] {
			t.Fatalf("missing neighbor %+v in %+v", p, got)
		}
	}
}

func TestMooreNeighborsClampedCorner(t *testing.T) {
	got := MooreNeighbors(Point{X: 0, Y: 0}, 1, Clamped, 3, 3)
	want := []Point{{1, 0}, {0, 1}, {1, 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("neighbors mismatch (-want +got):\n%s", diff)
	}
}
