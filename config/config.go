// Package config provides production-grade configuration management for the
// line-trace CAPTCHA service. It supports JSON-based configuration loading
// with safe defaults, layered with environment-variable overrides for the
// values operators most often need to change per deployment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// PointerThresholds holds the per-pointer-type behavioural limits the
// verification engine checks a trajectory against (spec.md §4.6).
type PointerThresholds struct {
	MaxSpeedPxPerSec       float64 `json:"max_speed_px_per_s"`
	MaxAvgSpeedPxPerSec    float64 `json:"max_avg_speed_px_per_s"`
	MaxBacktrackRatio      float64 `json:"max_backtrack_ratio"`
	MinAccelSignChanges    int     `json:"min_accel_sign_changes"`
	SpeedConstancyRatio    float64 `json:"speed_constancy_ratio"`
	MaxAccelPxPerSec2      float64 `json:"max_accel_px_per_s2"`
	MinDtCV                float64 `json:"min_dt_cv"`
	MinDdCV                float64 `json:"min_dd_cv"`
	CurvatureVarRatioFloor float64 `json:"curvature_var_ratio_floor"`
}

// defaultMouseThresholds and defaultTouchThresholds reproduce the table in
// spec.md §4.6 exactly.
func defaultMouseThresholds() PointerThresholds {
	return PointerThresholds{
		MaxSpeedPxPerSec:       2000,
		MaxAvgSpeedPxPerSec:    900,
		MaxBacktrackRatio:      0.10,
		MinAccelSignChanges:    2,
		SpeedConstancyRatio:    0.15,
		MaxAccelPxPerSec2:      12000,
		MinDtCV:                0.08,
		MinDdCV:                0.08,
		CurvatureVarRatioFloor: 1.2,
	}
}

func defaultTouchThresholds() PointerThresholds {
	return PointerThresholds{
		MaxSpeedPxPerSec:       1800,
		MaxAvgSpeedPxPerSec:    750,
		MaxBacktrackRatio:      0.12,
		MinAccelSignChanges:    2,
		SpeedConstancyRatio:    0.18,
		MaxAccelPxPerSec2:      10000,
		MinDtCV:                0.07,
		MinDdCV:                0.07,
		CurvatureVarRatioFloor: 1.2,
	}
}

// Toggles collects the ENFORCE_* ablation switches from spec.md §6 into a
// single immutable value threaded through the peek oracle and verification
// engine, rather than being read piecemeal from process-wide state (per the
// "Ad-hoc ENFORCE_* toggles" redesign note in spec.md §9).
type Toggles struct {
	EnforcePeekState           bool `json:"enforce_peek_state"`
	EnforcePeekRate            bool `json:"enforce_peek_rate"`
	EnforcePeekDistance        bool `json:"enforce_peek_distance"`
	EnforcePeekBudget          bool `json:"enforce_peek_budget"`
	EnforceMonotonicPath       bool `json:"enforce_monotonic_path"`
	EnforceSpeedLimits         bool `json:"enforce_speed_limits"`
	EnforceMinDuration         bool `json:"enforce_min_duration"`
	EnforceRegularity          bool `json:"enforce_regularity"`
	EnforceCurvatureAdaptation bool `json:"enforce_curvature_adaptation"`
	EnforceBehavioural         bool `json:"enforce_behavioural"`
}

// DefaultToggles returns every ablation switch turned on, the documented
// default posture.
func DefaultToggles() Toggles {
	return Toggles{
		EnforcePeekState:           true,
		EnforcePeekRate:            true,
		EnforcePeekDistance:        true,
		EnforcePeekBudget:          true,
		EnforceMonotonicPath:       true,
		EnforceSpeedLimits:         true,
		EnforceMinDuration:         true,
		EnforceRegularity:          true,
		EnforceCurvatureAdaptation: true,
		EnforceBehavioural:         true,
	}
}

// Config holds all tunable parameters for the CAPTCHA service. The struct is
// loaded once at startup and then shared across goroutines as a read-only
// value, making it inherently thread-safe after initialization.
type Config struct {
	// Environment selects startup behavior that differs between local
	// development and production (currently: whether an unset signing
	// secret is a hard failure). One of "development" or "production".
	Environment string `json:"environment"`

	// ListenAddr is the address the HTTP surface binds to (e.g. ":8080").
	ListenAddr string `json:"listen_addr"`

	// Secret is the HMAC signing secret for challenge tokens. Overridden by
	// the LINE_CAPTCHA_SECRET environment variable; see FromEnv.
	Secret string `json:"-"`

	// CanvasWidth and CanvasHeight bound generated paths and submitted
	// trajectories.
	CanvasWidth  float64 `json:"canvas_width"`
	CanvasHeight float64 `json:"canvas_height"`

	// ChallengeTTLMs is how long a challenge may be peeked or verified.
	ChallengeTTLMs int64 `json:"challenge_ttl_ms"`

	// TargetCompletionMs is advisory, surfaced to the client for UX pacing.
	TargetCompletionMs int64 `json:"target_completion_ms"`

	// TrailVisibleMs and TrailFadeoutMs are advisory rendering hints
	// surfaced to the client, untouched by the server's own logic.
	TrailVisibleMs int64 `json:"trail_visible_ms"`
	TrailFadeoutMs int64 `json:"trail_fadeout_ms"`

	// ToleranceMouse and ToleranceTouch are the base per-pointer "on path"
	// radii in pixels, before per-challenge jitter is applied.
	ToleranceMouse float64 `json:"tolerance_mouse_px"`
	ToleranceTouch float64 `json:"tolerance_touch_px"`

	// ToleranceJitterMouse and ToleranceJitterTouch bound the per-challenge
	// random jitter applied to the base tolerances (spec.md §3).
	ToleranceJitterMouse float64 `json:"tolerance_jitter_mouse_px"`
	ToleranceJitterTouch float64 `json:"tolerance_jitter_touch_px"`

	// FinishRevealPx is the remaining-distance threshold under which the peek
	// oracle reveals the path's final point.
	FinishRevealPx float64 `json:"finish_reveal_px"`

	// TooFastThresholdMs and RequiredCoverageRatio are the headline
	// verification constants from spec.md §4.6.
	TooFastThresholdMs    int64   `json:"too_fast_threshold_ms"`
	RequiredCoverageRatio float64 `json:"required_coverage_ratio"`
	MinSamples            int     `json:"min_samples"`
	PauseGapMs            int64   `json:"pause_gap_ms"`
	ProgressBacktrackPx   float64 `json:"progress_backtrack_px"`
	CurvatureMinSamples   int     `json:"curvature_min_samples"`

	// Peek oracle tuning (spec.md §4.5).
	PeekMinIntervalMs   int64   `json:"peek_min_interval_ms"`
	PeekMaxCount        int     `json:"peek_max_count"`
	PeekDistanceFactor  float64 `json:"peek_distance_factor"`
	PeekMaxAdvancePxPerS float64 `json:"peek_max_advance_px_per_s"`
	PeekAdvanceMarginPx float64 `json:"peek_advance_margin_px"`
	PeekAheadPx         float64 `json:"peek_ahead_px"`
	PeekBehindPx        float64 `json:"peek_behind_px"`

	// MouseThresholds and TouchThresholds are the behavioural limit tables
	// keyed by pointer type.
	MouseThresholds PointerThresholds `json:"mouse_thresholds"`
	TouchThresholds PointerThresholds `json:"touch_thresholds"`

	// Toggles are the ENFORCE_* ablation switches.
	Toggles Toggles `json:"toggles"`

	// DatabaseURL, if set, selects the Postgres-backed store; otherwise the
	// service falls back to the in-memory store.
	DatabaseURL string `json:"database_url"`
}

// LoadConfig reads a JSON file at filename and deserialises it into a Config,
// starting from DefaultConfig so any field the file omits keeps its default
// rather than zeroing out. It returns an error if the file cannot be opened
// or the JSON is malformed or contains unknown fields.
func LoadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename) // #nosec G304 -- filename is caller-provided config path
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", filename, err)
	}
	defer f.Close()

	cfg := DefaultConfig()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields() // catch typos in config files early
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", filename, err)
	}
	return cfg, nil
}

// DefaultConfig returns a *Config pre-filled with the constants spec.md
// names. Callers are free to mutate the returned struct before passing it to
// other components; each call returns a fresh independent copy.
func DefaultConfig() *Config {
	return &Config{
		Environment:           "development",
		ListenAddr:            ":8080",
		Secret:                "dev-secret-change-me",
		CanvasWidth:           400,
		CanvasHeight:          400,
		ChallengeTTLMs:        12_000,
		TargetCompletionMs:    3_000,
		TrailVisibleMs:        400,
		TrailFadeoutMs:        600,
		ToleranceMouse:        20,
		ToleranceTouch:        30,
		ToleranceJitterMouse:  2,
		ToleranceJitterTouch:  3,
		FinishRevealPx:        40,
		TooFastThresholdMs:    1_000,
		RequiredCoverageRatio: 0.75,
		MinSamples:            20,
		PauseGapMs:            150,
		ProgressBacktrackPx:   10,
		CurvatureMinSamples:   8,
		PeekMinIntervalMs:     100,
		PeekMaxCount:          120,
		PeekDistanceFactor:    1.2,
		PeekMaxAdvancePxPerS:  800,
		PeekAdvanceMarginPx:   20,
		PeekAheadPx:           40,
		PeekBehindPx:          8,
		MouseThresholds:       defaultMouseThresholds(),
		TouchThresholds:       defaultTouchThresholds(),
		Toggles:               DefaultToggles(),
	}
}

// FromEnv layers environment-variable overrides on top of cfg and returns
// it. It is called once at startup, after LoadConfig/DefaultConfig and
// before cfg is handed to any component, so that per-request code never
// reads the process environment directly (spec.md §5: toggles and secrets
// are read once per process, not per request).
//
// Returns an error if Environment is "production" and no
// LINE_CAPTCHA_SECRET is set: spec.md §9 leaves the exact secret-resolution
// behavior as an open question, resolved here in favor of failing closed
// rather than silently running production traffic on the default secret.
func FromEnv(cfg *Config) (*Config, error) {
	if secret := os.Getenv("LINE_CAPTCHA_SECRET"); secret != "" {
		cfg.Secret = secret
	} else if cfg.Environment == "production" {
		return nil, fmt.Errorf("config: LINE_CAPTCHA_SECRET must be set when environment=production")
	}

	if addr := os.Getenv("LINE_CAPTCHA_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if dbURL := os.Getenv("LINE_CAPTCHA_DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	for _, t := range []struct {
		env string
		dst *bool
	}{
		{"ENFORCE_PEEK_STATE", &cfg.Toggles.EnforcePeekState},
		{"ENFORCE_PEEK_RATE", &cfg.Toggles.EnforcePeekRate},
		{"ENFORCE_PEEK_DISTANCE", &cfg.Toggles.EnforcePeekDistance},
		{"ENFORCE_PEEK_BUDGET", &cfg.Toggles.EnforcePeekBudget},
		{"ENFORCE_MONOTONIC_PATH", &cfg.Toggles.EnforceMonotonicPath},
		{"ENFORCE_SPEED_LIMITS", &cfg.Toggles.EnforceSpeedLimits},
		{"ENFORCE_MIN_DURATION", &cfg.Toggles.EnforceMinDuration},
		{"ENFORCE_REGULARITY", &cfg.Toggles.EnforceRegularity},
		{"ENFORCE_CURVATURE_ADAPTATION", &cfg.Toggles.EnforceCurvatureAdaptation},
		{"ENFORCE_BEHAVIOURAL", &cfg.Toggles.EnforceBehavioural},
	} {
		if raw, ok := os.LookupEnv(t.env); ok {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("config: parse %s=%q: %w", t.env, raw, err)
			}
			*t.dst = v
		}
	}

	return cfg, nil
}

// ThresholdsFor returns the behavioural threshold table for pointerType.
// "pen" is treated identically to "touch" (spec.md §4.6), and any other
// unrecognized value also falls back to the touch table rather than
// panicking; pointer type is not validated before this is called.
func (c *Config) ThresholdsFor(pointerType string) PointerThresholds {
	if pointerType == "mouse" {
		return c.MouseThresholds
	}
	return c.TouchThresholds
}

// ToleranceFor returns the base tolerance radius for pointerType, before
// jitter. "pen" maps to "touch".
func (c *Config) ToleranceFor(pointerType string) float64 {
	if pointerType == "mouse" {
		return c.ToleranceMouse
	}
	return c.ToleranceTouch
}
