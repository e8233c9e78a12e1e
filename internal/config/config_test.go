package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	c := Default()
	if c.Fallback.MaxMessageBytes != 500*1024 {
		t.Errorf("expected 500KB chunk limit, got %d", c.Fallback.MaxMessageBytes)
	}
	if c.Capture.SilenceThresholdDB != -30 {
		t.Errorf("expected -30dB silence threshold, got %v", c.Capture.SilenceThresholdDB)
	}
	if !c.Capture.SilenceEnabled {
		t.Error("silence detection should be enabled by default")
	}
	if c.Link.ReconnectAttempts != 5 {
		t.Errorf("expected 5 reconnect attempts, got %d", c.Link.ReconnectAttempts)
	}
}

func TestLoadOverridesAndExpandsEnv(t *testing.T) {
	os.Setenv("AURA_TEST_SERVER", "http://backend.example:8080")
	defer os.Unsetenv("AURA_TEST_SERVER")

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  url: ${AURA_TEST_SERVER}
capture:
  min_silence_ms: 1500
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if c.Server.URL != "http://backend.example:8080" {
		t.Errorf("env expansion failed, got %q", c.Server.URL)
	}
	if c.Capture.MinSilenceMS != 1500 {
		t.Errorf("expected override 1500, got %d", c.Capture.MinSilenceMS)
	}
	// untouched fields keep defaults
	if c.Server.HealthPath != "/health" {
		t.Errorf("expected default health path, got %q", c.Server.HealthPath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
