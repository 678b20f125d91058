package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stacker.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Client.Retry.MaxAttempts != 600 {
		t.Errorf("expected 600 attempts, got %d", cfg.Client.Retry.MaxAttempts)
	}
	if cfg.Client.CacheStaleness != 8*time.Second {
		t.Errorf("expected 8s staleness, got %s", cfg.Client.CacheStaleness)
	}
	if cfg.Server.BindRetry != time.Second {
		t.Errorf("expected 1s bind retry, got %s", cfg.Server.BindRetry)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvAuthToken, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != Default().Server.Listen {
		t.Errorf("expected default listen, got %s", cfg.Server.Listen)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	path := writeConfig(t, `
auth_token: from-file
server:
  listen: 0.0.0.0:5551
  bind_retry: 250ms
client:
  codec: json
  retry:
    max_attempts: 3
registry:
  endpoints: [10.0.0.1:2379, 10.0.0.2:2379]
log:
  level: debug
`)
	t.Setenv(EnvConfig, path)
	t.Setenv(EnvAuthToken, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuthToken != "from-file" {
		t.Errorf("expected token from file, got %q", cfg.AuthToken)
	}
	if cfg.Server.Listen != "0.0.0.0:5551" || cfg.Server.BindRetry != 250*time.Millisecond {
		t.Errorf("unexpected server section: %+v", cfg.Server)
	}
	if cfg.Client.Codec != "json" || cfg.Client.Retry.MaxAttempts != 3 {
		t.Errorf("unexpected client section: %+v", cfg.Client)
	}
	// Unset fields keep their defaults.
	if cfg.Client.Retry.After10 != time.Second || cfg.Client.Name != "StackerClient" {
		t.Errorf("expected defaults for unset fields, got %+v", cfg.Client)
	}
	if len(cfg.Registry.Endpoints) != 2 {
		t.Errorf("expected 2 endpoints, got %v", cfg.Registry.Endpoints)
	}

	opts, err := cfg.Log.CommonOptions()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Level != zapcore.DebugLevel || opts.AccumulateLevel != zapcore.InfoLevel {
		t.Errorf("unexpected log options: %+v", opts)
	}
}

func TestAuthTokenFromEnvironmentWins(t *testing.T) {
	path := writeConfig(t, "auth_token: from-file\n")
	t.Setenv(EnvAuthToken, "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuthToken != "from-env" {
		t.Errorf("expected token from environment, got %q", cfg.AuthToken)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
server:
  mode: hardware
client:
  codec: pickle
  balancer: random
log:
  level: loud
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, field := range []string{"server.mode", "client.codec", "client.balancer", "log.level"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("expected error to mention %s, got %v", field, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, "server: [not, a, map]\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestClientOptions(t *testing.T) {
	cfg := Default()
	opts, err := cfg.ClientOptions(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) == 0 {
		t.Fatal("expected client options")
	}

	reg, closeReg, err := cfg.Registry.OpenRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if reg != nil {
		t.Fatal("expected no registry without endpoints")
	}
	if err := closeReg(); err != nil {
		t.Fatal(err)
	}
}
