package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/triage-ai/semgate/internal/apperror"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestApplyEnv_OverridesDefaults(t *testing.T) {
	cfg := Defaults()
	cfg.applyEnv(envMap(map[string]string{
		"CUBEJS_API_URL":    "http://cube:4000/cubejs-api/v1",
		"CUBEJS_API_SECRET": "s3cret",
		"MAX_LIMIT":         "500",
		"DENY_MEMBERS":      "Users.email, Users.ssn,",
		"RETURN_SQL":        "true",
	}))

	if cfg.MaxLimit != 500 {
		t.Fatalf("expected max limit 500, got %d", cfg.MaxLimit)
	}
	if len(cfg.DenyMembers) != 2 || cfg.DenyMembers[1] != "Users.ssn" {
		t.Fatalf("unexpected deny list: %v", cfg.DenyMembers)
	}
	if !cfg.ReturnSQL {
		t.Fatal("expected RETURN_SQL to be enabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected configuration error")
	}
	if apperror.KindOf(err) != apperror.KindConfiguration {
		t.Fatalf("expected configuration kind, got %s", apperror.KindOf(err))
	}
}

func TestValidate_ClampsMetaTimeout(t *testing.T) {
	cfg := Defaults()
	cfg.CubeAPIURL = "http://cube"
	cfg.CubeAPISecret = "x"
	cfg.MetaTimeoutMs = 60_000
	cfg.MaxLimit = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MetaTimeoutMs != 10_000 {
		t.Fatalf("expected meta timeout clamped to 10s, got %d", cfg.MetaTimeoutMs)
	}
	if cfg.MaxLimit != DefaultMaxLimit {
		t.Fatalf("expected default max limit, got %d", cfg.MaxLimit)
	}
}

func TestLoadFile_EnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "semgate.yaml")
	body := "cubejs_api_url: http://from-file\ncubejs_api_secret: file-secret\nmax_limit: 250\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := cfg.loadFile(path); err != nil {
		t.Fatalf("loadFile: %v", err)
	}
	cfg.applyEnv(envMap(map[string]string{"MAX_LIMIT": "750"}))

	if cfg.CubeAPIURL != "http://from-file" {
		t.Fatalf("expected url from file, got %s", cfg.CubeAPIURL)
	}
	if cfg.MaxLimit != 750 {
		t.Fatalf("expected env to win, got %d", cfg.MaxLimit)
	}
}

func TestSettingsWith(t *testing.T) {
	cfg := Defaults()
	cfg.CubeAPIURL = "http://global"
	cfg.CubeAPISecret = "global"
	cfg.DenyMembers = []string{"Users.ssn"}
	cfg.DefaultSegments = []string{"Orders.completed"}

	limit := 200
	s := cfg.Settings().With(Overrides{
		JWTSecret:   "db-secret",
		MaxLimit:    &limit,
		DenyMembers: []string{"Users.email", "Users.ssn"},
		ReturnSQL:   true,
	})

	if s.CubeAPIURL != "http://global" {
		t.Fatalf("url should be inherited, got %s", s.CubeAPIURL)
	}
	if s.CubeAPISecret != "db-secret" {
		t.Fatalf("secret should be overridden, got %s", s.CubeAPISecret)
	}
	if s.MaxLimit != 200 {
		t.Fatalf("expected 200, got %d", s.MaxLimit)
	}
	if len(s.DenyMembers) != 2 {
		t.Fatalf("expected union of deny lists, got %v", s.DenyMembers)
	}
	if len(s.DefaultSegments) != 1 || s.DefaultSegments[0] != "Orders.completed" {
		t.Fatalf("expected inherited segments, got %v", s.DefaultSegments)
	}
	if !s.ReturnSQL {
		t.Fatal("expected return sql from database flag")
	}
}
