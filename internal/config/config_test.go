package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if !cfg.Cache.Enabled {
		t.Fatal("cache should default to enabled")
	}
	if cfg.Cache.VarietyDepth != 1 {
		t.Fatalf("variety_depth default = %d, want 1", cfg.Cache.VarietyDepth)
	}
	if cfg.Cache.Fuzzy.Enabled {
		t.Fatal("fuzzy should default to disabled")
	}
	if cfg.Cache.Fuzzy.Threshold != 90 {
		t.Fatalf("fuzzy threshold default = %d", cfg.Cache.Fuzzy.Threshold)
	}
	n := cfg.Cache.Normalize
	if !n.Lowercase || !n.StripPunctuation || !n.CollapseWhitespace || !n.ReplaceNumbers || !n.StripMinimax {
		t.Fatal("all normalize stages should default to enabled")
	}
	if cfg.Bus.Enabled {
		t.Fatal("bus should default to disabled")
	}
	if cfg.Telemetry.ServiceName != "cachevoice" {
		t.Fatalf("telemetry service_name default = %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cachevoice.yaml")
	body := `
server:
  port: 9000
  log_level: debug
cache:
  variety_depth: 3
  fuzzy:
    enabled: true
    threshold: 80
    scorer: ratio
providers:
  fallback_chain: [minimax, elevenlabs]
  configs:
    minimax:
      base_url: https://api.example.test/v1
      api_key: sk-live
      default_voice: Decent_Boy
      timeout_s: 20
    elevenlabs:
      api_key: xi-key
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Cache.VarietyDepth != 3 {
		t.Fatalf("variety_depth = %d", cfg.Cache.VarietyDepth)
	}
	if !cfg.Cache.Fuzzy.Enabled || cfg.Cache.Fuzzy.Threshold != 80 {
		t.Fatalf("fuzzy = %+v", cfg.Cache.Fuzzy)
	}
	// Untouched sections keep their defaults.
	if cfg.Cache.MaxEntries != 50000 {
		t.Fatalf("max_entries = %d", cfg.Cache.MaxEntries)
	}
	if len(cfg.Providers.FallbackChain) != 2 {
		t.Fatalf("fallback_chain = %v", cfg.Providers.FallbackChain)
	}
	if cfg.Providers.Configs["minimax"].TimeoutS != 20 {
		t.Fatalf("provider timeout = %d", cfg.Providers.Configs["minimax"].TimeoutS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CACHEVOICE_SERVER_PORT", "7000")
	t.Setenv("CACHEVOICE_CACHE_VARIETY_DEPTH", "4")
	t.Setenv("CACHEVOICE_CACHE_FUZZY_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Cache.VarietyDepth != 4 {
		t.Fatalf("variety_depth = %d", cfg.Cache.VarietyDepth)
	}
	if !cfg.Cache.Fuzzy.Enabled {
		t.Fatal("fuzzy should be enabled via env")
	}
}

func TestPlaceholderResolution(t *testing.T) {
	t.Setenv("CV_TEST_KEY", "resolved-secret")
	if got := ResolveEnvPlaceholders("${CV_TEST_KEY}"); got != "resolved-secret" {
		t.Fatalf("resolved = %q", got)
	}
	if got := ResolveEnvPlaceholders("${CV_TEST_UNSET_KEY}"); got != "${CV_TEST_UNSET_KEY}" {
		t.Fatalf("unresolved placeholder must be preserved, got %q", got)
	}
	if !IsPlaceholder("${CV_TEST_UNSET_KEY}") {
		t.Fatal("IsPlaceholder should detect unresolved references")
	}
	if IsPlaceholder("sk-live") {
		t.Fatal("plain keys are not placeholders")
	}
}

func TestLoadResolvesProviderPlaceholders(t *testing.T) {
	t.Setenv("CV_TEST_API_KEY", "sk-from-env")
	dir := t.TempDir()
	path := filepath.Join(dir, "cachevoice.yaml")
	body := `
providers:
  fallback_chain: [minimax]
  configs:
    minimax:
      api_key: ${CV_TEST_API_KEY}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Providers.Configs["minimax"].APIKey; got != "sk-from-env" {
		t.Fatalf("api_key = %q", got)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	if err := validate(cfg); err == nil {
		t.Fatal("expected port validation error")
	}

	cfg = Default()
	cfg.Cache.VarietyDepth = 0
	if err := validate(cfg); err == nil {
		t.Fatal("expected variety_depth validation error")
	}

	cfg = Default()
	cfg.Providers.FallbackChain = []string{"ghost"}
	if err := validate(cfg); err == nil {
		t.Fatal("expected unknown provider validation error")
	}
}
