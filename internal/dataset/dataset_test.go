package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadVectorFlattensRows(t *testing.T) {
	path := writeFile(t, "initial.csv", "index,value\n0.1,0.2,0.3\n0.4, 0.5\n")
	got, err := LoadVector(path, 5)
	if err != nil {
		t.Fatalf("load vector: %v", err)
	}
	if diff := cmp.Diff([]float64{0.1, 0.2, 0.3, 0.4, 0.5}, got); diff != "" {
		t.Fatalf("vector mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadVectorErrors(t *testing.T) {
	path := writeFile(t, "short.csv", "1,2,3\n")
	if _, err := LoadVector(path, 91); err == nil {
		t.Fatal("expected dimension error")
	}
	bad := writeFile(t, "bad.csv", "1,2\n3,x\n")
	if _, err := LoadVector(bad, 0); err == nil {
		t.Fatal("expected parse error after first value")
	}
	if _, err := LoadVector(filepath.Join(t.TempDir(), "missing.csv"), 0); err == nil {
		t.Fatal("expected open error")
	}
	empty := writeFile(t, "empty.csv", "header\n")
	if _, err := LoadVector(empty, 0); err == nil {
		t.Fatal("expected empty vector error")
	}
}

func TestLoadSeriesUsesLastColumn(t *testing.T) {
	path := writeFile(t, "signal.csv", "tick,relative\n0,1\n1,0.8\n2,0.5,\n")
	got, err := LoadSeries(path)
	if err != nil {
		t.Fatalf("load series: %v", err)
	}
	if diff := cmp.Diff([]float64{1, 0.8, 0.5}, got); diff != "" {
		t.Fatalf("series mismatch (-want +got):\n%s", diff)
	}

	negative := writeFile(t, "negative.csv", "1\n-0.2\n")
	if _, err := LoadSeries(negative); err == nil {
		t.Fatal("expected negative value error")
	}
	if _, err := LoadSeries("  "); err == nil {
		t.Fatal("expected empty path error")
	}
}
