package config_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/linecaptcha/lineserver/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	if cfg.ChallengeTTLMs != 12_000 {
		t.Errorf("ChallengeTTLMs = %v, want 12000", cfg.ChallengeTTLMs)
	}
	if cfg.RequiredCoverageRatio != 0.75 {
		t.Errorf("RequiredCoverageRatio = %v, want 0.75", cfg.RequiredCoverageRatio)
	}
	if !cfg.Toggles.EnforcePeekState || !cfg.Toggles.EnforceBehavioural {
		t.Errorf("DefaultToggles should enable every ablation switch, got %+v", cfg.Toggles)
	}
	if cfg.MouseThresholds.MaxSpeedPxPerSec != 2000 {
		t.Errorf("mouse MaxSpeedPxPerSec = %v, want 2000", cfg.MouseThresholds.MaxSpeedPxPerSec)
	}
	if cfg.TouchThresholds.MaxSpeedPxPerSec != 1800 {
		t.Errorf("touch MaxSpeedPxPerSec = %v, want 1800", cfg.TouchThresholds.MaxSpeedPxPerSec)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	partial := map[string]any{
		"environment":      "production",
		"listen_addr":      ":9090",
		"challenge_ttl_ms": 20000,
	}
	raw, err := json.Marshal(partial)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Environment != "production" {
		t.Errorf("Environment = %q, want production", cfg.Environment)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.ChallengeTTLMs != 20000 {
		t.Errorf("ChallengeTTLMs = %v, want 20000", cfg.ChallengeTTLMs)
	}
	// Fields the file didn't mention keep DefaultConfig's values.
	if cfg.RequiredCoverageRatio != 0.75 {
		t.Errorf("RequiredCoverageRatio = %v, want default 0.75", cfg.RequiredCoverageRatio)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	if _, err := config.LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestLoadConfig_UnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"not_a_real_field": 1}`), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	if _, err := config.LoadConfig(path); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestFromEnv_SecretOverride(t *testing.T) {
	t.Setenv("LINE_CAPTCHA_SECRET", "env-secret")
	t.Setenv("LINE_CAPTCHA_LISTEN_ADDR", "")
	t.Setenv("LINE_CAPTCHA_DATABASE_URL", "")

	cfg, err := config.FromEnv(config.DefaultConfig())
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Secret != "env-secret" {
		t.Errorf("Secret = %q, want env-secret", cfg.Secret)
	}
}

func TestFromEnv_ProductionRequiresSecret(t *testing.T) {
	t.Setenv("LINE_CAPTCHA_SECRET", "")

	cfg := config.DefaultConfig()
	cfg.Environment = "production"
	if _, err := config.FromEnv(cfg); err == nil {
		t.Fatal("expected FromEnv to fail closed when production has no secret set")
	}
}

func TestFromEnv_ToggleOverride(t *testing.T) {
	t.Setenv("ENFORCE_PEEK_RATE", "false")
	t.Setenv("ENFORCE_BEHAVIOURAL", "true")

	cfg, err := config.FromEnv(config.DefaultConfig())
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Toggles.EnforcePeekRate {
		t.Error("EnforcePeekRate should be false after override")
	}
	if !cfg.Toggles.EnforceBehavioural {
		t.Error("EnforceBehavioural should remain true")
	}
}

func TestFromEnv_InvalidToggleValue(t *testing.T) {
	t.Setenv("ENFORCE_PEEK_RATE", "not-a-bool")
	if _, err := config.FromEnv(config.DefaultConfig()); err == nil {
		t.Fatal("expected error for invalid toggle value")
	}
}

func TestThresholdsFor(t *testing.T) {
	cfg := config.DefaultConfig()
	if cfg.ThresholdsFor("mouse") != cfg.MouseThresholds {
		t.Error("ThresholdsFor(mouse) should return MouseThresholds")
	}
	if cfg.ThresholdsFor("touch") != cfg.TouchThresholds {
		t.Error("ThresholdsFor(touch) should return TouchThresholds")
	}
	if cfg.ThresholdsFor("pen") != cfg.TouchThresholds {
		t.Error("ThresholdsFor(pen) should fall back to TouchThresholds")
	}
}

func TestToleranceFor(t *testing.T) {
	cfg := config.DefaultConfig()
	if cfg.ToleranceFor("mouse") != cfg.ToleranceMouse {
		t.Error("ToleranceFor(mouse) should return ToleranceMouse")
	}
	if cfg.ToleranceFor("touch") != cfg.ToleranceTouch {
		t.Error("ToleranceFor(touch) should return ToleranceTouch")
	}
}
