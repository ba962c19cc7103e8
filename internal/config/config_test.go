package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testMaster = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routex.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	yaml := `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: ":memory:"
security:
  master_password: ` + testMaster + `
balancer:
  strategy: weighted
channels:
  - name: anthropic-main
    vendor: anthropic
    api_key: sk-ant-test
    models: [claude-sonnet-4]
    priority: 1
rules:
  - name: haiku-exact
    type: model_exact
    condition:
      value: claude-haiku-3
    target_channel: anthropic-main
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("read_timeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Balancer.Strategy != "weighted" {
		t.Errorf("strategy = %q", cfg.Balancer.Strategy)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0].Vendor != "anthropic" {
		t.Fatalf("channels = %+v", cfg.Channels)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].Condition["value"] != "claude-haiku-3" {
		t.Fatalf("rules = %+v", cfg.Rules)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown_timeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsShortMasterPassword(t *testing.T) {
	yaml := `
security:
  master_password: too-short
`
	if _, err := Load(writeConfig(t, yaml)); err == nil {
		t.Fatal("short master password accepted")
	}
}

func TestLoadRejectsBadSalt(t *testing.T) {
	yaml := `
security:
  master_password: ` + testMaster + `
  encryption_salt: not-hex
`
	if _, err := Load(writeConfig(t, yaml)); err == nil {
		t.Fatal("non-hex salt accepted")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("ROUTEX_TEST_KEY", "sk-from-env")

	in := []byte("a: ${ROUTEX_TEST_KEY}\nb: $ROUTEX_TEST_KEY\nc: ${ROUTEX_TEST_UNSET}\n")
	got := string(expandEnv(in))
	want := "a: sk-from-env\nb: sk-from-env\nc: ${ROUTEX_TEST_UNSET}\n"
	if got != want {
		t.Fatalf("expandEnv = %q, want %q", got, want)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MASTER_PASSWORD", testMaster)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("SQLITE_CACHE_SIZE", "131072")
	t.Setenv("TTL_MIN", "10s")
	t.Setenv("TTL_MAX", "120")
	t.Setenv("TARGET_HIT_RATE", "0.9")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Security.MasterPassword != testMaster {
		t.Error("MASTER_PASSWORD not applied")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Database.CacheSizeKiB != 131072 {
		t.Errorf("cache size = %d", cfg.Database.CacheSizeKiB)
	}
	if cfg.Cache.MinTTL != 10*time.Second {
		t.Errorf("TTL_MIN = %v", cfg.Cache.MinTTL)
	}
	// Bare integers are read as seconds.
	if cfg.Cache.MaxTTL != 120*time.Second {
		t.Errorf("TTL_MAX = %v", cfg.Cache.MaxTTL)
	}
	if cfg.Cache.TargetHitRate != 0.9 {
		t.Errorf("TARGET_HIT_RATE = %v", cfg.Cache.TargetHitRate)
	}
}

func TestTracingRequiresEndpoint(t *testing.T) {
	yaml := `
security:
  master_password: ` + testMaster + `
telemetry:
  tracing:
    enabled: true
`
	if _, err := Load(writeConfig(t, yaml)); err == nil {
		t.Fatal("tracing without endpoint accepted")
	}
}

func TestOAuthProvidersSkipEmptyClientID(t *testing.T) {
	t.Parallel()

	cfg := &Config{OAuth: []OAuthProviderEntry{
		{Name: "github", ClientID: "id", ClientSecret: "secret"},
		{Name: "google"},
	}}

	providers := cfg.OAuthProviders()
	if len(providers) != 1 || providers[0].Name != "github" {
		t.Fatalf("providers = %+v", providers)
	}
}

func TestOAuthProvidersGoogleEndpointPreset(t *testing.T) {
	t.Parallel()

	cfg := &Config{OAuth: []OAuthProviderEntry{
		{Name: "google", ClientID: "id", ClientSecret: "secret"},
	}}

	providers := cfg.OAuthProviders()
	if len(providers) != 1 {
		t.Fatalf("providers = %+v", providers)
	}
	ep := providers[0].Config.Endpoint
	if ep.AuthURL == "" || ep.TokenURL == "" {
		t.Fatalf("google endpoint not filled: %+v", ep)
	}

	// Explicit URLs are never overridden.
	cfg.OAuth[0].TokenURL = "https://token.example/custom"
	ep = cfg.OAuthProviders()[0].Config.Endpoint
	if ep.TokenURL != "https://token.example/custom" {
		t.Fatalf("explicit token url lost: %+v", ep)
	}
}
