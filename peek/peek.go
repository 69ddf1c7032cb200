// Package peek implements the peek oracle (C5): a bounded, rate-limited
// window into the remaining path a client can poll while tracing, without
// ever handing over the whole curve at once.
package peek

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/linecaptcha/lineserver/config"
	"github.com/linecaptcha/lineserver/geometry"
	"github.com/linecaptcha/lineserver/store"
	"github.com/linecaptcha/lineserver/token"
)

// Reason is the closed vocabulary of peek failure kinds, each mapping to
// the HTTP status spec.md §4.5 assigns it.
type Reason string

const (
	ReasonNotFound      Reason = "unknownChallenge"
	ReasonUsed          Reason = "challengeUsed"
	ReasonExpired       Reason = "challengeExpired"
	ReasonInvalidToken  Reason = "invalidToken"
	ReasonTokenMismatch Reason = "tokenMismatch"
	ReasonRateLimit     Reason = "peekRateLimit"
	ReasonBudget        Reason = "peekBudget"
	ReasonJump          Reason = "peekJump"
	ReasonBacktrack     Reason = "peekBacktrack"
)

// Error wraps a Reason so callers (the HTTP layer) can map it to a status
// code without string-matching error text.
type Error struct {
	Reason Reason
}

func (e *Error) Error() string { return string(e.Reason) }

func fail(r Reason) error { return &Error{Reason: r} }

// Request is the input to Peek.
type Request struct {
	ChallengeID string
	Nonce       string
	Token       string
	Cursor      geometry.Point
}

// Result is the oracle's response (spec.md §6).
type Result struct {
	Ahead         geometry.Polyline
	Behind        geometry.Polyline
	DistanceToEnd float64
	Finish        *geometry.Point
}

// Clock abstracts wall-clock time so tests can control it deterministically.
type Clock func() time.Time

// Oracle evaluates peek requests against a Store and a token Signer,
// applying the ENFORCE_* toggles from Config.
type Oracle struct {
	Store  store.Store
	Signer *token.Signer
	Config *config.Config
	Now    Clock
}

// New returns an Oracle with a real wall-clock.
func New(s store.Store, signer *token.Signer, cfg *config.Config) *Oracle {
	return &Oracle{Store: s, Signer: signer, Config: cfg, Now: time.Now}
}

func (o *Oracle) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Peek evaluates req against the stored challenge, enforcing in order:
// existence/nonce-used, token validity, TTL, rate, budget, distance,
// forward-progress and backtrack gates (spec.md §4.5). On success it
// updates peek state and returns the look-ahead window.
func (o *Oracle) Peek(ctx context.Context, req Request) (*Result, error) {
	c, err := o.Store.Get(ctx, req.ChallengeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fail(ReasonNotFound)
		}
		return nil, err
	}
	if c.NonceUsed {
		return nil, fail(ReasonUsed)
	}

	claims, err := o.Signer.Verify(req.Token)
	if err != nil {
		return nil, fail(ReasonInvalidToken)
	}
	if claims.ChallengeID != req.ChallengeID || claims.Nonce != req.Nonce || claims.Nonce != c.Nonce {
		return nil, fail(ReasonTokenMismatch)
	}

	now := o.now()
	if now.After(c.CreatedAt.Add(time.Duration(c.TTLMs) * time.Millisecond)) {
		return nil, fail(ReasonExpired)
	}

	toggles := o.Config.Toggles

	lastPeekAt := c.LastPeekAt
	if lastPeekAt.IsZero() {
		lastPeekAt = c.CreatedAt
	}

	if toggles.EnforcePeekRate && !c.LastPeekAt.IsZero() {
		if now.Sub(c.LastPeekAt) < time.Duration(o.Config.PeekMinIntervalMs)*time.Millisecond {
			return nil, fail(ReasonRateLimit)
		}
	}
	if toggles.EnforcePeekBudget {
		if c.PeekCount >= o.Config.PeekMaxCount {
			return nil, fail(ReasonBudget)
		}
	}

	tol := math.Max(c.ToleranceMouse, c.ToleranceTouch)
	distGate := tol * o.Config.PeekDistanceFactor
	dist := geometry.MinDistanceToPolyline(c.Points, req.Cursor)

	if toggles.EnforcePeekDistance && dist > distGate {
		// Off-path: consume budget/rate but reveal nothing.
		newCount := c.PeekCount + 1
		if _, err := o.Store.UpdatePeekProgress(ctx, c.ID, store.PeekUpdate{
			Pos: c.PeekPos, Now: now, Count: newCount,
		}); err != nil {
			return nil, err
		}
		return &Result{Ahead: geometry.Polyline{}, Behind: geometry.Polyline{}, DistanceToEnd: geometry.DistanceToEnd(c.Points, req.Cursor)}, nil
	}

	pos, _, _ := geometry.NearestProjection(c.Points, req.Cursor)

	dt := now.Sub(lastPeekAt)
	if dt <= 0 {
		dt = time.Millisecond
	}
	dtMs := float64(dt.Milliseconds())
	if dtMs < 1 {
		dtMs = 1
	}

	if toggles.EnforcePeekState {
		maxAdvance := c.PeekPos + o.Config.PeekMaxAdvancePxPerS*(dtMs/1000) + o.Config.PeekAdvanceMarginPx
		if pos > maxAdvance {
			return nil, fail(ReasonJump)
		}
		if pos < c.PeekPos-o.Config.ProgressBacktrackPx {
			return nil, fail(ReasonBacktrack)
		}
	}

	if _, err := o.Store.UpdatePeekProgress(ctx, c.ID, store.PeekUpdate{
		Pos: pos, Now: now, Count: c.PeekCount + 1,
	}); err != nil {
		return nil, err
	}

	ahead := geometry.LookAhead(c.Points, req.Cursor, o.Config.PeekAheadPx, o.Config.PeekBehindPx)
	distToEnd := geometry.DistanceToEnd(c.Points, req.Cursor)

	result := &Result{
		Ahead:         ahead,
		Behind:        geometry.Polyline{},
		DistanceToEnd: distToEnd,
	}
	if distToEnd <= o.Config.FinishRevealPx {
		finish := c.Points[len(c.Points)-1]
		result.Finish = &finish
	}
	return result, nil
}
