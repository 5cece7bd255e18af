package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("Default() should validate, got %v", ValidationErrors(errs))
	}
	if cfg.Remote.PollInterval != 5*time.Second {
		t.Errorf("Remote.PollInterval = %s, want 5s", cfg.Remote.PollInterval)
	}
	if cfg.Sync.MaxAttempts != 3 || cfg.Sync.InitialDelay != time.Second {
		t.Errorf("Sync = %+v, want 3 attempts with 1s initial delay", cfg.Sync)
	}
	if !strings.HasPrefix(cfg.Local.DSN, "file://") {
		t.Errorf("Local.DSN = %q, want a file:// default", cfg.Local.DSN)
	}
}

func TestLoadLayersFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tabstash.yaml")
	content := `
account: acct-file
remote:
  dsn: https://tabs.example.com
  poll_interval: 30s
sync:
  max_attempts: 5
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TABSTASH_ACCOUNT", "acct-env")
	t.Setenv("TABSTASH_REMOTE_TOKEN", "secret")

	v, err := NewViper(path)
	if err != nil {
		t.Fatalf("NewViper: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Account != "acct-env" {
		t.Errorf("Account = %q, want env override acct-env", cfg.Account)
	}
	if cfg.Remote.Token != "secret" {
		t.Errorf("Remote.Token = %q, want secret", cfg.Remote.Token)
	}
	if cfg.Remote.DSN != "https://tabs.example.com" || cfg.Remote.PollInterval != 30*time.Second {
		t.Errorf("Remote = %+v, want file values", cfg.Remote)
	}
	if cfg.Sync.MaxAttempts != 5 || cfg.Sync.InitialDelay != time.Second {
		t.Errorf("Sync = %+v, want 5 attempts and default delay", cfg.Sync)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v, want debug/text", cfg.Log)
	}
}

func TestNewViperWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	v, err := NewViper("")
	if err != nil {
		t.Fatalf("NewViper: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Remote.DSN != "memory://" {
		t.Errorf("Remote.DSN = %q, want memory://", cfg.Remote.DSN)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Remote.DSN = "ftp://nope"
	cfg.Remote.PollJitter = 2
	cfg.Sync.MaxAttempts = 0
	cfg.Log.Level = "loud"

	errs := cfg.Validate()
	fields := map[string]bool{}
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, want := range []string{"remote.dsn", "remote.poll_jitter", "sync.max_attempts", "log.level"} {
		if !fields[want] {
			t.Errorf("expected a validation error for %s, got %v", want, ValidationErrors(errs))
		}
	}
	if !strings.Contains(ValidationErrors(errs).Error(), "validation errors") {
		t.Errorf("expected aggregated message, got %q", ValidationErrors(errs).Error())
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	t.Setenv("TABSTASH_SYNC_MAX_ATTEMPTS", "0")
	v, err := NewViper(writeEmptyConfig(t))
	if err != nil {
		t.Fatalf("NewViper: %v", err)
	}
	_, err = Load(v)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) != 1 || verrs[0].Field != "sync.max_attempts" {
		t.Fatalf("expected sync.max_attempts validation error, got %v", err)
	}
}

func TestValidateServerRequiresSecret(t *testing.T) {
	cfg := Default()
	errs := cfg.ValidateServer()
	if len(errs) != 1 || errs[0].Field != "server.jwt_secret" {
		t.Fatalf("expected missing jwt secret error, got %v", ValidationErrors(errs))
	}
	cfg.Server.JWTSecret = "s3cret"
	if errs := cfg.ValidateServer(); len(errs) != 0 {
		t.Fatalf("expected valid server config, got %v", ValidationErrors(errs))
	}
}

func writeEmptyConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tabstash.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
