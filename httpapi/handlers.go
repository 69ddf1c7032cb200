package httpapi

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/linecaptcha/lineserver/geometry"
	"github.com/linecaptcha/lineserver/pathgen"
	"github.com/linecaptcha/lineserver/peek"
	"github.com/linecaptcha/lineserver/store"
	"github.com/linecaptcha/lineserver/token"
	"github.com/linecaptcha/lineserver/verify"
)

func randomSeed() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read failing means the OS entropy source is broken;
		// fall back to a UUID, which draws from the same source but panics
		// instead of erroring, surfacing the failure loudly either way.
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// jitter returns base perturbed by a random amount in [-spread, spread],
// floored at 1px so tolerance never collapses to zero.
func jitter(base, spread float64) (float64, float64) {
	buf := make([]byte, 2)
	rand.Read(buf) //nolint:errcheck
	raw := binary.BigEndian.Uint16(buf)
	frac := float64(raw)/32767.5 - 1 // [-1, 1]
	delta := frac * spread
	v := base + delta
	if v < 1 {
		v = 1
	}
	return v, delta
}

type newChallengeResponse struct {
	ChallengeID string  `json:"challengeId"`
	TTLMs       int64   `json:"ttlMs"`
	ExpiresAt   float64 `json:"expiresAt"`
	Nonce       string  `json:"nonce"`
	Token       string  `json:"token"`
	StartPoint  [2]float64 `json:"startPoint"`
	Tolerance   struct {
		Mouse float64 `json:"mouse"`
		Touch float64 `json:"touch"`
	} `json:"tolerance"`
	TargetCompletionMs int64 `json:"targetCompletionMs"`
	Trail              struct {
		VisibleMs  int64 `json:"visibleMs"`
		FadeoutMs  int64 `json:"fadeoutMs"`
	} `json:"trail"`
	Canvas struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	} `json:"canvas"`
}

func (s *Server) handleNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "badRequest")
		return
	}

	canvas := pathgen.Canvas{Width: s.Config.CanvasWidth, Height: s.Config.CanvasHeight}
	seed := s.seedSource()
	points, length := pathgen.GenerateOn(seed, canvas)

	toleranceMouse, jitterMouse := jitter(s.Config.ToleranceMouse, s.Config.ToleranceJitterMouse)
	toleranceTouch, jitterTouch := jitter(s.Config.ToleranceTouch, s.Config.ToleranceJitterTouch)

	now := s.now()
	challengeID := uuid.NewString()
	nonce := uuid.NewString()

	c := &store.Challenge{
		ID:             challengeID,
		Seed:           seed,
		Points:         points,
		PathLength:     length,
		TTLMs:          s.Config.ChallengeTTLMs,
		Nonce:          nonce,
		ToleranceMouse: toleranceMouse,
		ToleranceTouch: toleranceTouch,
		JitterMouse:    jitterMouse,
		JitterTouch:    jitterTouch,
		CreatedAt:      now,
	}

	if err := s.Store.Save(r.Context(), c); err != nil {
		s.Logger.Errorf("httpapi: save challenge: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	tok, err := s.Signer.Sign(token.Claims{
		ChallengeID: challengeID,
		Seed:        seed,
		TTLMs:       c.TTLMs,
		IssuedAtMs:  now.UnixMilli(),
		Nonce:       nonce,
	})
	if err != nil {
		s.Logger.Errorf("httpapi: sign token: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	s.Metrics.IncrementChallengesIssued()

	resp := newChallengeResponse{
		ChallengeID: challengeID,
		TTLMs:       c.TTLMs,
		ExpiresAt:   float64(c.ExpiresAt().UnixMilli()) / 1000,
		Nonce:       nonce,
		Token:       tok,
		StartPoint:  [2]float64{points[0].X, points[0].Y},
	}
	resp.Tolerance.Mouse = toleranceMouse
	resp.Tolerance.Touch = toleranceTouch
	resp.TargetCompletionMs = s.Config.TargetCompletionMs
	resp.Trail.VisibleMs = s.Config.TrailVisibleMs
	resp.Trail.FadeoutMs = s.Config.TrailFadeoutMs
	resp.Canvas.Width = canvas.Width
	resp.Canvas.Height = canvas.Height

	writeJSON(w, http.StatusOK, resp)
}

type peekRequestBody struct {
	ChallengeID string     `json:"challengeId"`
	Nonce       string     `json:"nonce"`
	Token       string     `json:"token"`
	Cursor      [2]float64 `json:"cursor"`
}

type peekResponseBody struct {
	Ahead         [][2]float64 `json:"ahead"`
	Behind        [][2]float64 `json:"behind"`
	DistanceToEnd float64      `json:"distanceToEnd"`
	Finish        *[2]float64  `json:"finish,omitempty"`
}

func polylineToWire(pts geometry.Polyline) [][2]float64 {
	out := make([][2]float64, len(pts))
	for i, p := range pts {
		out[i] = [2]float64{p.X, p.Y}
	}
	return out
}

func peekStatus(reason peek.Reason) int {
	switch reason {
	case peek.ReasonNotFound:
		return http.StatusNotFound
	case peek.ReasonUsed, peek.ReasonExpired:
		return http.StatusGone
	case peek.ReasonInvalidToken, peek.ReasonTokenMismatch:
		return http.StatusUnauthorized
	case peek.ReasonRateLimit, peek.ReasonBudget:
		return http.StatusTooManyRequests
	case peek.ReasonJump, peek.ReasonBacktrack:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "badRequest")
		return
	}
	var body peekRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "badRequest")
		return
	}

	res, err := s.Peek.Peek(r.Context(), peek.Request{
		ChallengeID: body.ChallengeID,
		Nonce:       body.Nonce,
		Token:       body.Token,
		Cursor:      geometry.Point{X: body.Cursor[0], Y: body.Cursor[1]},
	})
	if err != nil {
		var perr *peek.Error
		if errors.As(err, &perr) {
			s.Metrics.IncrementPeeksRejected()
			writeError(w, peekStatus(perr.Reason), string(perr.Reason))
			return
		}
		s.Logger.Errorf("httpapi: peek: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	s.Metrics.IncrementPeeksServed()

	resp := peekResponseBody{
		Ahead:         polylineToWire(res.Ahead),
		Behind:        polylineToWire(res.Behind),
		DistanceToEnd: res.DistanceToEnd,
	}
	if res.Finish != nil {
		f := [2]float64{res.Finish.X, res.Finish.Y}
		resp.Finish = &f
	}
	writeJSON(w, http.StatusOK, resp)
}

type trajectorySampleBody struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T int64   `json:"t"`
}

type verifyRequestBody struct {
	ChallengeID      string                 `json:"challengeId"`
	Nonce            string                 `json:"nonce"`
	Token            string                 `json:"token"`
	SessionID        string                 `json:"sessionId"`
	PointerType      string                 `json:"pointerType"`
	OSFamily         string                 `json:"osFamily,omitempty"`
	BrowserFamily    string                 `json:"browserFamily,omitempty"`
	DevicePixelRatio float64                `json:"devicePixelRatio,omitempty"`
	Trajectory       []trajectorySampleBody `json:"trajectory"`
}

type verifyResponseBody struct {
	Passed                  bool    `json:"passed"`
	Reason                  string  `json:"reason"`
	CoverageRatio           float64 `json:"coverageRatio"`
	DurationMs              float64 `json:"durationMs"`
	TTLExpired              bool    `json:"ttlExpired"`
	TooFast                 bool    `json:"tooFast"`
	BehaviouralFlag         bool    `json:"behaviouralFlag"`
	NewChallengeRecommended bool    `json:"newChallengeRecommended"`
	Thresholds              struct {
		RequiredCoverageRatio float64 `json:"requiredCoverageRatio"`
		TooFastMs             int64   `json:"tooFastMs"`
		TTLMs                 int64   `json:"ttlMs"`
	} `json:"thresholds"`
	ExpiresAt float64 `json:"expiresAt"`
}

func verifyRequestStatus(reason string) int {
	switch reason {
	case verify.ErrUnknownChallenge:
		return http.StatusNotFound
	case verify.ErrChallengeUsed:
		return http.StatusGone
	case verify.ErrInvalidToken, verify.ErrTokenMismatch:
		return http.StatusUnauthorized
	case verify.ErrBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "badRequest")
		return
	}
	var body verifyRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "badRequest")
		return
	}
	if len(body.Trajectory) < 2 {
		writeError(w, http.StatusBadRequest, "badRequest")
		return
	}

	traj := make([]verify.Sample, len(body.Trajectory))
	for i, t := range body.Trajectory {
		traj[i] = verify.Sample{X: t.X, Y: t.Y, T: t.T}
	}

	res, err := s.Verify.Verify(r.Context(), verify.Request{
		ChallengeID:      body.ChallengeID,
		Nonce:            body.Nonce,
		Token:            body.Token,
		SessionID:        body.SessionID,
		PointerType:      body.PointerType,
		OSFamily:         body.OSFamily,
		BrowserFamily:    body.BrowserFamily,
		DevicePixelRatio: body.DevicePixelRatio,
		Trajectory:       traj,
	})
	if err != nil {
		var rerr *verify.RequestError
		if errors.As(err, &rerr) {
			writeError(w, verifyRequestStatus(rerr.Reason), rerr.Reason)
			return
		}
		s.Logger.Errorf("httpapi: verify: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	s.Metrics.RecordVerify(res.Passed, string(res.Reason))

	resp := verifyResponseBody{
		Passed:                  res.Passed,
		Reason:                  string(res.Reason),
		CoverageRatio:           res.CoverageRatio,
		DurationMs:              res.DurationMs,
		TTLExpired:              res.TTLExpired,
		TooFast:                 res.TooFast,
		BehaviouralFlag:         res.BehaviouralFlag,
		NewChallengeRecommended: res.NewChallengeRecommended,
		ExpiresAt:               float64(res.ExpiresAt.UnixMilli()) / 1000,
	}
	resp.Thresholds.RequiredCoverageRatio = res.RequiredCoverageRatio
	resp.Thresholds.TooFastMs = res.TooFastThresholdMs
	resp.Thresholds.TTLMs = res.TTLMs

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
