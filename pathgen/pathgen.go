// Package pathgen generates the Bézier polyline a client is asked to trace.
//
// Generation is pure and deterministic: the same seed always produces the
// same polyline, so a stored seed identifies its curve and tests can assert
// bit-for-bit reproducibility. The store still keeps the sampled points
// alongside the seed.
package pathgen

import (
	"math/rand"

	"github.com/linecaptcha/lineserver/geometry"
)

// Canvas bounds the generated path must stay within.
type Canvas struct {
	Width  float64
	Height float64
}

// DefaultCanvas matches spec.md's fixed 400x400 surface.
var DefaultCanvas = Canvas{Width: 400, Height: 400}

const (
	samples      = 80
	margin       = 60
	minBend      = -80
	maxBend      = 80
	minHandleDX  = 60
	maxHandleDX  = 120
	maxAttempts  = 10
	pathLenMinPx = 200
	pathLenMaxPx = 300
)

// MinPathLength and MaxPathLength expose the target length band to callers
// that need it outside this package (e.g. tests asserting the §8 bound).
const (
	MinPathLength = pathLenMinPx
	MaxPathLength = pathLenMaxPx
)

// seedRand derives a math/rand source deterministically from an opaque seed
// string. FNV-1a keeps this dependency-free and stable across Go versions,
// which matters because Determinism (spec.md §8) requires the exact same
// polyline for the exact same seed forever, not just within one build.
func seedRand(seed string) *rand.Rand {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(seed); i++ {
		h ^= uint64(seed[i])
		h *= 1099511628211
	}
	if h == 0 {
		h = 1
	}
	return rand.New(rand.NewSource(int64(h))) //nolint:gosec // deterministic path shape, not a security boundary
}

// Generate produces a polyline from seed on DefaultCanvas. See GenerateOn for
// the full contract.
func Generate(seed string) (geometry.Polyline, float64) {
	return GenerateOn(seed, DefaultCanvas)
}

// GenerateOn produces a cubic Bézier polyline with 1-2 gentle bends whose
// total length falls in [200, 300] px when possible. It seeds a deterministic
// PRNG from seed, samples 80 points along the curve, and retries up to 10
// times if the sampled length misses the target band. Generation is total:
// if every attempt misses the band, the last attempt's polyline is returned
// anyway so the endpoint never fails to issue a challenge.
func GenerateOn(seed string, canvas Canvas) (geometry.Polyline, float64) {
	rnd := seedRand(seed)

	var pts geometry.Polyline
	var length float64

	for attempt := 0; attempt < maxAttempts; attempt++ {
		pts, length = attemptPath(rnd, canvas)
		if length >= pathLenMinPx && length <= pathLenMaxPx {
			return pts, length
		}
	}
	return pts, length
}

func uniform(rnd *rand.Rand, lo, hi float64) float64 {
	return lo + rnd.Float64()*(hi-lo)
}

func attemptPath(rnd *rand.Rand, canvas Canvas) (geometry.Polyline, float64) {
	p0 := geometry.Point{
		X: uniform(rnd, margin, canvas.Width*0.3),
		Y: uniform(rnd, margin, canvas.Height*0.7),
	}
	p3 := geometry.Point{
		X: uniform(rnd, canvas.Width*0.7, canvas.Width-margin),
		Y: uniform(rnd, margin, canvas.Height*0.7),
	}

	bend := uniform(rnd, minBend, maxBend)
	p1 := geometry.Point{
		X: p0.X + uniform(rnd, minHandleDX, maxHandleDX),
		Y: p0.Y + bend,
	}
	p2 := geometry.Point{
		X: p3.X - uniform(rnd, minHandleDX, maxHandleDX),
		Y: p3.Y - bend/2,
	}

	pts := geometry.SampleCubicBezier(p0, p1, p2, p3, samples)
	return pts, geometry.Length(pts)
}
