package pathgen_test

import (
	"fmt"
	"testing"

	"github.com/linecaptcha/lineserver/pathgen"
)

func TestGenerate_Determinism(t *testing.T) {
	for _, seed := range []string{"abc", "seed-1", "", "a-very-long-seed-value-indeed"} {
		pts1, len1 := pathgen.Generate(seed)
		pts2, len2 := pathgen.Generate(seed)
		if len1 != len2 {
			t.Fatalf("seed %q: length mismatch %v vs %v", seed, len1, len2)
		}
		if len(pts1) != len(pts2) {
			t.Fatalf("seed %q: point count mismatch %d vs %d", seed, len(pts1), len(pts2))
		}
		for i := range pts1 {
			if pts1[i] != pts2[i] {
				t.Fatalf("seed %q: point %d differs: %v vs %v", seed, i, pts1[i], pts2[i])
			}
		}
	}
}

func TestGenerate_LengthBounds(t *testing.T) {
	const n = 1000
	inBand := 0
	for i := 0; i < n; i++ {
		seed := fmt.Sprintf("corpus-seed-%d", i)
		_, length := pathgen.Generate(seed)
		if length > 400 {
			t.Fatalf("seed %q: length %v exceeds the hard 400px ceiling", seed, length)
		}
		if length >= pathgen.MinPathLength && length <= pathgen.MaxPathLength {
			inBand++
		}
	}
	ratio := float64(inBand) / float64(n)
	if ratio < 0.99 {
		t.Errorf("only %.2f%% of %d seeds landed in [%d,%d]px, want >= 99%%", ratio*100, n, pathgen.MinPathLength, pathgen.MaxPathLength)
	}
}

func TestGenerate_WithinCanvas(t *testing.T) {
	for i := 0; i < 200; i++ {
		seed := fmt.Sprintf("canvas-seed-%d", i)
		pts, _ := pathgen.Generate(seed)
		if len(pts) < 2 {
			t.Fatalf("seed %q: expected >= 2 points, got %d", seed, len(pts))
		}
		for i, p := range pts {
			if p.X < 0 || p.X > pathgen.DefaultCanvas.Width || p.Y < 0 || p.Y > pathgen.DefaultCanvas.Height {
				t.Fatalf("seed %q: point %d = %v lies outside the canvas", seed, i, p)
			}
		}
	}
}
