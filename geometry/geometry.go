// Package geometry implements the pure, side-effect-free primitives the
// rest of the service builds on: cubic Bézier sampling, polyline length and
// arc-length bookkeeping, nearest-point projection, and look-ahead slicing.
//
// Every function here is deterministic and allocation-light so it can be
// called on every sample of every submitted trajectory without becoming the
// bottleneck of verification.
package geometry

import "math"

// Point is a 2-D coordinate on the canvas.
type Point struct {
	X float64
	Y float64
}

// Polyline is an ordered sequence of at least two Points.
type Polyline []Point

// CubicBezier samples the cubic Bézier curve defined by p0..p3 at parameter
// t ∈ [0, 1] using the direct polynomial form (equivalent to De Casteljau for
// a single evaluation, and cheaper to call in a tight sampling loop).
func CubicBezier(t float64, p0, p1, p2, p3 Point) Point {
	u := 1 - t
	uu := u * u
	uuu := uu * u
	tt := t * t
	ttt := tt * t

	return Point{
		X: uuu*p0.X + 3*uu*t*p1.X + 3*u*tt*p2.X + ttt*p3.X,
		Y: uuu*p0.Y + 3*uu*t*p1.Y + 3*u*tt*p2.Y + ttt*p3.Y,
	}
}

// SampleCubicBezier evaluates the curve at n evenly spaced t values covering
// [0, 1] inclusive. n must be >= 2.
func SampleCubicBezier(p0, p1, p2, p3 Point, n int) Polyline {
	pts := make(Polyline, n)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(n-1)
		pts[i] = CubicBezier(t, p0, p1, p2, p3)
	}
	return pts
}

func dist(a, b Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Hypot(dx, dy)
}

// Length returns the sum of Euclidean segment lengths of the polyline.
func Length(pts Polyline) float64 {
	var total float64
	for i := 1; i < len(pts); i++ {
		total += dist(pts[i-1], pts[i])
	}
	return total
}

// CumulativeLengths returns cum where cum[i] is the arc length from pts[0] to
// pts[i]. cum[0] is always 0 and len(cum) == len(pts).
func CumulativeLengths(pts Polyline) []float64 {
	cum := make([]float64, len(pts))
	for i := 1; i < len(pts); i++ {
		cum[i] = cum[i-1] + dist(pts[i-1], pts[i])
	}
	return cum
}

// segmentProject projects point p onto the segment (a, b) and returns the
// interpolation fraction u ∈ [0, 1], the projected point, and the distance
// from p to that projection. Degenerate (zero-length) segments project to a.
func segmentProject(p, a, b Point) (u float64, proj Point, d float64) {
	dx := b.X - a.X
	dy := b.Y - a.Y
	segLenSq := dx*dx + dy*dy
	if segLenSq == 0 {
		return 0, a, dist(p, a)
	}
	u = ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / segLenSq
	if u < 0 {
		u = 0
	} else if u > 1 {
		u = 1
	}
	proj = Point{X: a.X + u*dx, Y: a.Y + u*dy}
	return u, proj, dist(p, proj)
}

// NearestProjection returns the arc-length position pos of the closest point
// on the polyline to cursor, the projected point itself, and the Euclidean
// distance. Ties (equal distance on two segments) resolve to the earliest
// segment, i.e. the smallest index.
func NearestProjection(pts Polyline, cursor Point) (pos float64, proj Point, distance float64) {
	if len(pts) < 2 {
		if len(pts) == 1 {
			return 0, pts[0], dist(cursor, pts[0])
		}
		return 0, Point{}, math.Inf(1)
	}

	cum := CumulativeLengths(pts)
	best := math.Inf(1)
	var bestPos float64
	var bestProj Point

	for i := 1; i < len(pts); i++ {
		u, proj, d := segmentProject(cursor, pts[i-1], pts[i])
		if d < best {
			best = d
			segLen := cum[i] - cum[i-1]
			bestPos = cum[i-1] + u*segLen
			bestProj = proj
		}
	}
	return bestPos, bestProj, best
}

// MinDistanceToPolyline returns only the distance component of
// NearestProjection; callers that don't need the position avoid carrying it.
func MinDistanceToPolyline(pts Polyline, cursor Point) float64 {
	if len(pts) < 2 {
		if len(pts) == 1 {
			return dist(cursor, pts[0])
		}
		return math.Inf(1)
	}
	best := math.Inf(1)
	for i := 1; i < len(pts); i++ {
		_, _, d := segmentProject(cursor, pts[i-1], pts[i])
		if d < best {
			best = d
		}
	}
	return best
}

// DistanceToEnd returns how much arc length remains from cursor's nearest
// projection to the end of the path, clamped at 0.
func DistanceToEnd(pts Polyline, cursor Point) float64 {
	total := Length(pts)
	pos, _, _ := NearestProjection(pts, cursor)
	remaining := total - pos
	if remaining < 0 {
		return 0
	}
	return remaining
}

// pointAtArcLength returns the point on the polyline at the given arc-length
// position, clamped to [0, total length]. cum must be CumulativeLengths(pts).
func pointAtArcLength(pts Polyline, cum []float64, pos float64) Point {
	if pos <= 0 {
		return pts[0]
	}
	total := cum[len(cum)-1]
	if pos >= total {
		return pts[len(pts)-1]
	}
	// Binary search would be overkill for the path lengths this service
	// generates (80 samples); a linear scan keeps the code simple.
	for i := 1; i < len(cum); i++ {
		if pos <= cum[i] {
			segLen := cum[i] - cum[i-1]
			if segLen == 0 {
				return pts[i-1]
			}
			u := (pos - cum[i-1]) / segLen
			return Point{
				X: pts[i-1].X + u*(pts[i].X-pts[i-1].X),
				Y: pts[i-1].Y + u*(pts[i].Y-pts[i-1].Y),
			}
		}
	}
	return pts[len(pts)-1]
}

// LookAhead projects cursor onto the polyline, then returns the slice of the
// path covering the arc-length interval [pos-behind, pos+ahead], with the
// interval endpoints linearly interpolated onto the returned polyline (so the
// first and last returned points sit exactly on the interval boundary, not on
// an original sample). Consecutive duplicate points are dropped.
func LookAhead(pts Polyline, cursor Point, ahead, behind float64) Polyline {
	if len(pts) < 2 {
		return nil
	}
	cum := CumulativeLengths(pts)
	total := cum[len(cum)-1]
	pos, _, _ := NearestProjection(pts, cursor)

	lo := pos - behind
	if lo < 0 {
		lo = 0
	}
	hi := pos + ahead
	if hi > total {
		hi = total
	}
	if hi < lo {
		hi = lo
	}

	out := make(Polyline, 0, len(pts))
	out = append(out, pointAtArcLength(pts, cum, lo))
	for i, p := range pts {
		if cum[i] > lo && cum[i] < hi {
			out = append(out, p)
		}
	}
	out = append(out, pointAtArcLength(pts, cum, hi))

	return dedupConsecutive(out)
}

func dedupConsecutive(pts Polyline) Polyline {
	if len(pts) == 0 {
		return pts
	}
	out := make(Polyline, 1, len(pts))
	out[0] = pts[0]
	for _, p := range pts[1:] {
		last := out[len(out)-1]
		if p.X != last.X || p.Y != last.Y {
			out = append(out, p)
		}
	}
	return out
}

// CurvatureProfile returns, for each interior vertex i (1 <= i <= len-2), the
// turning angle at that vertex normalized to [0, 1] by dividing by π.
// Endpoints (index 0 and len-1) always have curvature 0.
func CurvatureProfile(pts Polyline) []float64 {
	curv := make([]float64, len(pts))
	for i := 1; i < len(pts)-1; i++ {
		a := pts[i-1]
		b := pts[i]
		c := pts[i+1]

		v1 := Point{X: b.X - a.X, Y: b.Y - a.Y}
		v2 := Point{X: c.X - b.X, Y: c.Y - b.Y}

		n1 := math.Hypot(v1.X, v1.Y)
		n2 := math.Hypot(v2.X, v2.Y)
		if n1 == 0 || n2 == 0 {
			continue
		}

		cosTheta := (v1.X*v2.X + v1.Y*v2.Y) / (n1 * n2)
		if cosTheta > 1 {
			cosTheta = 1
		} else if cosTheta < -1 {
			cosTheta = -1
		}
		theta := math.Acos(cosTheta)
		v := theta / math.Pi
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		curv[i] = v
	}
	return curv
}

// NearestVertexIndex returns the index of the polyline vertex closest in
// arc-length terms to pos. Used to look up the curvature profile for an
// arbitrary trajectory sample's projection.
func NearestVertexIndex(cum []float64, pos float64) int {
	best := 0
	bestDiff := math.Inf(1)
	for i, c := range cum {
		d := math.Abs(c - pos)
		if d < bestDiff {
			bestDiff = d
			best = i
		}
	}
	return best
}
