// Package verify implements the verification engine (C6): one loop over a
// submitted trajectory accumulates the coverage, timing and kinematic
// statistics, regularityCVs makes a second pass over the whole trajectory for
// the Δt/Δd coefficients of variation, and a fixed-priority decision list
// then decides pass/fail.
package verify

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/linecaptcha/lineserver/config"
	"github.com/linecaptcha/lineserver/geometry"
	"github.com/linecaptcha/lineserver/store"
	"github.com/linecaptcha/lineserver/token"
)

// Reason is the closed outcome vocabulary from spec.md §4.6/§7.
type Reason string

const (
	ReasonSuccess               Reason = "success"
	ReasonTimeout                Reason = "timeout"
	ReasonInsufficientSamples    Reason = "insufficient_samples"
	ReasonNonMonotonicTime       Reason = "non_monotonic_time"
	ReasonJumpDetected           Reason = "jump_detected"
	ReasonNonMonotonicPath       Reason = "non_monotonic_path"
	ReasonSpeedViolation         Reason = "speed_violation"
	ReasonIncomplete             Reason = "incomplete"
	ReasonLowCoverage            Reason = "low_coverage"
	ReasonTooFast                Reason = "too_fast"
	ReasonRegularity             Reason = "regularity"
	ReasonNoCurvatureAdaptation  Reason = "no_curvature_adaptation"
	ReasonBehavioural            Reason = "behavioural"
)

// RequestError is returned for failures that occur before scoring begins
// (existence, token, malformed body) and maps onto the same HTTP status
// vocabulary as the peek oracle.
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string { return e.Reason }

func requestFail(reason string) error { return &RequestError{Reason: reason} }

const (
	ErrUnknownChallenge = "unknownChallenge"
	ErrChallengeUsed    = "challengeUsed"
	ErrInvalidToken     = "invalidToken"
	ErrTokenMismatch    = "tokenMismatch"
	ErrBadRequest       = "badRequest"
)

// Sample is one (x, y, t) point of a submitted trajectory.
type Sample struct {
	X float64
	Y float64
	T int64 // client-supplied millisecond timestamp
}

// Request is the input to Verify (spec.md §6 VerifyRequest).
type Request struct {
	ChallengeID      string
	Nonce            string
	Token            string
	SessionID        string
	PointerType      string // mouse | touch | pen
	OSFamily         string
	BrowserFamily    string
	DevicePixelRatio float64
	Trajectory       []Sample
}

// Result is the outcome returned to the client (spec.md §6 VerifyResponse),
// plus the fields needed to populate the attempt log.
type Result struct {
	Passed                   bool
	Reason                   Reason
	CoverageRatio            float64
	CoverageLenRatio         float64
	DurationMs               float64
	TTLExpired               bool
	TooFast                  bool
	BehaviouralFlag          bool
	NewChallengeRecommended  bool
	RequiredCoverageRatio    float64
	TooFastThresholdMs       int64
	TTLMs                    int64
	ExpiresAt                time.Time
	MeanSpeed                float64
	MaxSpeed                 float64
	PauseCount               int
	PauseDurationsMs         []float64
	DeviationMean            float64
	DeviationMax             float64
	SpeedConstFlag           bool
	AccelFlag                bool
	BotScore                 int
}

// Engine scores trajectories against stored challenges.
type Engine struct {
	Store  store.Store
	Signer *token.Signer
	Config *config.Config
	Now    func() time.Time
}

// New returns an Engine with a real wall-clock.
func New(s store.Store, signer *token.Signer, cfg *config.Config) *Engine {
	return &Engine{Store: s, Signer: signer, Config: cfg, Now: time.Now}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Verify scores req's trajectory against the stored challenge and returns a
// Result. It always writes an AttemptLog and always marks the challenge
// used, regardless of outcome (spec.md §4.6): a challenge is single-shot.
//
// A non-nil error means either verification could not even be attempted
// (unknown challenge, already used, bad token, malformed request), in which
// case no attempt log is written since no scoring occurred, or a store call
// (MarkUsed, SaveAttempt) failed after scoring.
func (e *Engine) Verify(ctx context.Context, req Request) (*Result, error) {
	if len(req.Trajectory) < 2 {
		return nil, requestFail(ErrBadRequest)
	}

	c, err := e.Store.Get(ctx, req.ChallengeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, requestFail(ErrUnknownChallenge)
		}
		return nil, err
	}
	if c.NonceUsed {
		return nil, requestFail(ErrChallengeUsed)
	}

	claims, err := e.Signer.Verify(req.Token)
	if err != nil {
		return nil, requestFail(ErrInvalidToken)
	}
	if claims.ChallengeID != req.ChallengeID || claims.Nonce != req.Nonce || claims.Nonce != c.Nonce || claims.TTLMs != c.TTLMs {
		return nil, requestFail(ErrTokenMismatch)
	}

	now := e.now()
	result := e.score(c, req, now)

	if _, err := e.Store.MarkUsed(ctx, c.ID); err != nil {
		return nil, err
	}
	if err := e.Store.SaveAttempt(ctx, e.buildAttemptLog(c, req, result, now)); err != nil {
		return nil, err
	}

	return result, nil
}

func pointerTolerance(cfg *config.Config, c *store.Challenge, pointerType string, dpr float64) float64 {
	base := c.ToleranceMouse
	if pointerType != "mouse" {
		base = c.ToleranceTouch
	}
	if dpr >= 2 {
		base *= 1.1
	}
	return base
}

func effectivePointerType(pointerType string) string {
	if pointerType == "pen" {
		return "touch"
	}
	return pointerType
}

type passAccum struct {
	monotonic     bool
	jumpsOK       bool
	totalSegLen   float64
	coveredSegLen float64
	lastGoodPos   float64
	backtrackN    int
	withinTolN    int
	speeds        []float64
	speedVertex   []int // nearest curvature vertex per speed sample
	accels        []float64
	deviations    []float64
	pauseDurMs    []float64
}

// score runs the Step 1-4 pipeline from spec.md §4.6 over req.Trajectory.
func (e *Engine) score(c *store.Challenge, req Request, now time.Time) *Result {
	cfg := e.Config
	toggles := cfg.Toggles
	pointerType := effectivePointerType(req.PointerType)
	tol := pointerTolerance(cfg, c, pointerType, req.DevicePixelRatio)
	thresholds := cfg.ThresholdsFor(pointerType)

	traj := req.Trajectory
	n := len(traj)

	ttlExpired := now.After(c.CreatedAt.Add(time.Duration(c.TTLMs) * time.Millisecond))
	durationMs := float64(traj[n-1].T - traj[0].T)

	cum := geometry.CumulativeLengths(c.Points)
	curvature := geometry.CurvatureProfile(c.Points)
	curvLo, curvHi := curvatureSplit(curvature)

	acc := passAccum{monotonic: true, jumpsOK: true}

	var lastPauseStart int64 = -1

	for i := 1; i < n; i++ {
		prev, cur := traj[i-1], traj[i]

		if cur.T <= prev.T {
			acc.monotonic = false
			break
		}
		dtMs := float64(cur.T - prev.T)
		if dtMs < 1 {
			dtMs = 1
		}
		dd := math.Hypot(cur.X-prev.X, cur.Y-prev.Y)
		speed := dd / dtMs * 1000

		if dd > 2*tol {
			acc.jumpsOK = false
			break
		}

		acc.totalSegLen += dd
		prevDist := geometry.MinDistanceToPolyline(c.Points, geometry.Point{X: prev.X, Y: prev.Y})
		curDist := geometry.MinDistanceToPolyline(c.Points, geometry.Point{X: cur.X, Y: cur.Y})
		if prevDist <= tol && curDist <= tol {
			acc.coveredSegLen += dd
		}
		if curDist <= tol {
			acc.withinTolN++
		}
		acc.deviations = append(acc.deviations, curDist)

		pos, _, _ := geometry.NearestProjection(c.Points, geometry.Point{X: cur.X, Y: cur.Y})
		if pos+cfg.ProgressBacktrackPx < acc.lastGoodPos {
			acc.backtrackN++
		} else if pos > acc.lastGoodPos {
			acc.lastGoodPos = pos
		}

		acc.speeds = append(acc.speeds, speed)
		vIdx := geometry.NearestVertexIndex(cum, pos)
		acc.speedVertex = append(acc.speedVertex, vIdx)
		if len(acc.speeds) >= 2 {
			prevSpeed := acc.speeds[len(acc.speeds)-2]
			accel := (speed - prevSpeed) / (dtMs / 1000)
			acc.accels = append(acc.accels, accel)
		}

		if dtMs >= float64(cfg.PauseGapMs) {
			if lastPauseStart < 0 {
				lastPauseStart = prev.T
			}
			acc.pauseDurMs = append(acc.pauseDurMs, dtMs)
		}
	}
	// first sample's own deviation, for completeness of deviation stats
	if n > 0 {
		d0 := geometry.MinDistanceToPolyline(c.Points, geometry.Point{X: traj[0].X, Y: traj[0].Y})
		acc.deviations = append([]float64{d0}, acc.deviations...)
		if d0 <= tol {
			acc.withinTolN++
		}
	}

	coverageRatio := 0.0
	if n > 0 {
		coverageRatio = float64(acc.withinTolN) / float64(n)
	}
	coverageLenRatio := 0.0
	if acc.totalSegLen > 0 {
		coverageLenRatio = acc.coveredSegLen / acc.totalSegLen
	}
	backtrackRatio := 0.0
	if n > 1 {
		backtrackRatio = float64(acc.backtrackN) / float64(n)
	}

	meanSpeed, maxSpeed := meanMax(acc.speeds)
	dtCV, ddCV := regularityCVs(traj)
	deviationMean, deviationMax := meanMax(acc.deviations)

	pauseCount := countPauses(acc.pauseDurMs)

	speedConstFlag := meanSpeed > 0 && stdOf(acc.speeds)/meanSpeed < thresholds.SpeedConstancyRatio
	maxAbsAccel := maxAbs(acc.accels)
	accelFlag := maxAbsAccel > thresholds.MaxAccelPxPerSec2
	accelSignChangeFlag := len(acc.accels) >= 3 && signChanges(acc.accels) < thresholds.MinAccelSignChanges
	speedViolation := maxSpeed > thresholds.MaxSpeedPxPerSec
	regularityFlag := dtCV < thresholds.MinDtCV && ddCV < thresholds.MinDdCV

	hiSpeeds, loSpeeds := splitByCurvature(acc.speeds, acc.speedVertex, curvature, curvHi, curvLo)
	curvatureFlag := false
	if len(hiSpeeds) >= cfg.CurvatureMinSamples && len(loSpeeds) >= cfg.CurvatureMinSamples {
		varHi, varLo := varOf(hiSpeeds), varOf(loSpeeds)
		if (varHi <= 1e-6 && varLo <= 1e-6) || varHi <= varLo*thresholds.CurvatureVarRatioFloor {
			curvatureFlag = true
		}
	}

	progressOK := backtrackRatio <= thresholds.MaxBacktrackRatio
	minDurationMs := math.Max(float64(cfg.TooFastThresholdMs), c.PathLength/thresholds.MaxAvgSpeedPxPerSec*1000)
	tooFast := durationMs < minDurationMs

	lastSample := traj[n-1]
	endPoint := c.Points[len(c.Points)-1]
	endReached := math.Hypot(lastSample.X-endPoint.X, lastSample.Y-endPoint.Y) <= tol

	minSamplesOK := n >= cfg.MinSamples

	behaviouralFlag := speedConstFlag || accelFlag || accelSignChangeFlag

	botScore := countTrue(speedConstFlag, accelFlag, accelSignChangeFlag, speedViolation,
		regularityFlag, curvatureFlag, !progressOK, tooFast)

	reason, passed := decide(decideInput{
		ttlExpired:      ttlExpired,
		minSamplesOK:    minSamplesOK,
		monotonic:       acc.monotonic,
		jumpsOK:         acc.jumpsOK,
		progressOK:      progressOK || !toggles.EnforceMonotonicPath,
		speedViolation:  speedViolation && toggles.EnforceSpeedLimits,
		endReached:      endReached,
		coverageLenRatio: coverageLenRatio,
		coverageRatio:   coverageRatio,
		requiredCoverage: cfg.RequiredCoverageRatio,
		tooFast:         tooFast && toggles.EnforceMinDuration,
		regularityFlag:  regularityFlag && toggles.EnforceRegularity,
		curvatureFlag:   curvatureFlag && toggles.EnforceCurvatureAdaptation,
		behaviouralFlag: behaviouralFlag && toggles.EnforceBehavioural,
	})

	return &Result{
		Passed:                  passed,
		Reason:                  reason,
		CoverageRatio:           coverageRatio,
		CoverageLenRatio:        coverageLenRatio,
		DurationMs:              durationMs,
		TTLExpired:              ttlExpired,
		TooFast:                 tooFast,
		BehaviouralFlag:         behaviouralFlag,
		NewChallengeRecommended: !passed,
		RequiredCoverageRatio:   cfg.RequiredCoverageRatio,
		TooFastThresholdMs:      cfg.TooFastThresholdMs,
		TTLMs:                   c.TTLMs,
		ExpiresAt:               c.ExpiresAt(),
		MeanSpeed:               meanSpeed,
		MaxSpeed:                maxSpeed,
		PauseCount:              pauseCount,
		PauseDurationsMs:        acc.pauseDurMs,
		DeviationMean:           deviationMean,
		DeviationMax:            deviationMax,
		SpeedConstFlag:          speedConstFlag,
		AccelFlag:               accelFlag,
		BotScore:                botScore,
	}
}

type decideInput struct {
	ttlExpired       bool
	minSamplesOK     bool
	monotonic        bool
	jumpsOK          bool
	progressOK       bool
	speedViolation   bool
	endReached       bool
	coverageLenRatio float64
	coverageRatio    float64
	requiredCoverage float64
	tooFast          bool
	regularityFlag   bool
	curvatureFlag    bool
	behaviouralFlag  bool
}

// decide applies the fixed priority order from spec.md §4.6 Step 4: the
// first failing predicate wins.
func decide(in decideInput) (Reason, bool) {
	switch {
	case in.ttlExpired:
		return ReasonTimeout, false
	case !in.minSamplesOK:
		return ReasonInsufficientSamples, false
	case !in.monotonic:
		return ReasonNonMonotonicTime, false
	case !in.jumpsOK:
		return ReasonJumpDetected, false
	case !in.progressOK:
		return ReasonNonMonotonicPath, false
	case in.speedViolation:
		return ReasonSpeedViolation, false
	case !in.endReached:
		return ReasonIncomplete, false
	case in.coverageLenRatio < in.requiredCoverage:
		return ReasonLowCoverage, false
	case in.coverageRatio < 0.75:
		return ReasonLowCoverage, false
	case in.tooFast:
		return ReasonTooFast, false
	case in.regularityFlag:
		return ReasonRegularity, false
	case in.curvatureFlag:
		return ReasonNoCurvatureAdaptation, false
	case in.behaviouralFlag:
		return ReasonBehavioural, false
	default:
		return ReasonSuccess, true
	}
}

func (e *Engine) buildAttemptLog(c *store.Challenge, req Request, res *Result, now time.Time) *store.AttemptLog {
	trajectory := make([]store.TrajectorySample, len(req.Trajectory))
	for i, s := range req.Trajectory {
		trajectory[i] = store.TrajectorySample{X: s.X, Y: s.Y, T: s.T}
	}
	startedAt := now.Add(-time.Duration(res.DurationMs) * time.Millisecond)
	return &store.AttemptLog{
		AttemptID:         uuid.NewString(),
		SessionID:         req.SessionID,
		ChallengeID:       c.ID,
		PointerType:       req.PointerType,
		OSFamily:          req.OSFamily,
		BrowserFamily:     req.BrowserFamily,
		DevicePixelRatio:  req.DevicePixelRatio,
		PathSeed:          c.Seed,
		PathLengthPx:      c.PathLength,
		TolerancePx:       pointerTolerance(e.Config, c, effectivePointerType(req.PointerType), req.DevicePixelRatio),
		ToleranceJitterPx: c.JitterMouse,
		TTLMs:             c.TTLMs,
		StartedAt:         startedAt,
		EndedAt:           now,
		DurationMs:        res.DurationMs,
		OutcomeReason:     string(res.Reason),
		CoverageRatio:     res.CoverageRatio,
		CoverageLenRatio:  res.CoverageLenRatio,
		MeanSpeed:         res.MeanSpeed,
		MaxSpeed:          res.MaxSpeed,
		PauseCount:        res.PauseCount,
		PauseDurationsMs:  res.PauseDurationsMs,
		DeviationMean:     res.DeviationMean,
		DeviationMax:      res.DeviationMax,
		SpeedConstFlag:    res.SpeedConstFlag,
		AccelFlag:         res.AccelFlag,
		BehaviouralFlag:   res.BehaviouralFlag,
		Trajectory:        trajectory,
		CreatedAt:         now,
	}
}

func meanMax(xs []float64) (mean, max float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
		if x > max {
			max = x
		}
	}
	return sum / float64(len(xs)), max
}

func stdOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean, _ := meanMax(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

func varOf(xs []float64) float64 {
	s := stdOf(xs)
	return s * s
}

func maxAbs(xs []float64) float64 {
	var m float64
	for _, x := range xs {
		if math.Abs(x) > m {
			m = math.Abs(x)
		}
	}
	return m
}

func signChanges(xs []float64) int {
	changes := 0
	for i := 1; i < len(xs); i++ {
		if (xs[i-1] > 0 && xs[i] < 0) || (xs[i-1] < 0 && xs[i] > 0) {
			changes++
		}
	}
	return changes
}

func countPauses(durMs []float64) int {
	return len(durMs)
}

func countTrue(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

// regularityCVs computes the coefficient of variation (std/mean) of
// inter-sample Δt and Δd across the whole trajectory.
func regularityCVs(traj []Sample) (dtCV, ddCV float64) {
	if len(traj) < 2 {
		return 0, 0
	}
	dts := make([]float64, 0, len(traj)-1)
	dds := make([]float64, 0, len(traj)-1)
	for i := 1; i < len(traj); i++ {
		dt := float64(traj[i].T - traj[i-1].T)
		if dt < 1 {
			dt = 1
		}
		dts = append(dts, dt)
		dds = append(dds, math.Hypot(traj[i].X-traj[i-1].X, traj[i].Y-traj[i-1].Y))
	}
	dtMean, _ := meanMax(dts)
	ddMean, _ := meanMax(dds)
	if dtMean > 0 {
		dtCV = stdOf(dts) / dtMean
	}
	if ddMean > 0 {
		ddCV = stdOf(dds) / ddMean
	}
	return dtCV, ddCV
}

// curvatureSplit returns the 30th and 70th percentile curvature values used
// to bucket samples into low- and high-curvature regions.
func curvatureSplit(curvature []float64) (lo, hi float64) {
	if len(curvature) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), curvature...)
	sort.Float64s(sorted)
	lo = percentile(sorted, 0.30)
	hi = percentile(sorted, 0.70)
	return lo, hi
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// splitByCurvature buckets speeds into high- and low-curvature groups using
// each sample's nearest path vertex curvature against the 30th/70th
// percentile split of the path's own curvature profile.
func splitByCurvature(speeds []float64, vertexIdx []int, curvature []float64, hiThreshold, loThreshold float64) (hi, lo []float64) {
	for i, v := range speeds {
		idx := vertexIdx[i]
		if idx < 0 || idx >= len(curvature) {
			continue
		}
		c := curvature[idx]
		if c >= hiThreshold {
			hi = append(hi, v)
		} else if c <= loThreshold {
			lo = append(lo, v)
		}
	}
	return hi, lo
}
