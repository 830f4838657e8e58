package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    bool
		check      func(*Config) bool
	}{
		{"default.base_url", "https://chat.example.com", false, func(c *Config) bool { return c.Default.BaseURL == "https://chat.example.com" }},
		{"auth.token", "tok-123", false, func(c *Config) bool { return c.Auth.Token == "tok-123" }},
		{"auth.user_id", "alice", false, func(c *Config) bool { return c.Auth.UserID == "alice" }},
		{"engine.page_size", "50", false, func(c *Config) bool { return c.Engine.PageSize == 50 }},
		{"engine.ack_timeout", "15s", false, func(c *Config) bool { return c.Engine.AckTimeout == "15s" }},
		{"engine.page_size", "-1", true, nil},
		{"engine.page_size", "many", true, nil},
		{"engine.ack_timeout", "soon", true, nil},
		{"auth.password", "x", true, nil},
		{"nosection", "x", true, nil},
		{"webhook.secret", "x", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			cfg := &Config{}
			err := setConfigValue(cfg, tt.key, tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !tt.check(cfg) {
				t.Errorf("value not applied: %+v", cfg)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CHATKIT_BASE_URL":    "http://localhost:9090",
		"CHATKIT_TOKEN":       "env-token",
		"CHATKIT_PAGE_SIZE":   "25",
		"CHATKIT_ACK_TIMEOUT": "3s",
	}
	cfg := &Config{Auth: ConfigAuth{Token: "file-token", UserID: "alice"}}
	if err := applyEnv(cfg, func(k string) string { return env[k] }); err != nil {
		t.Fatal(err)
	}
	if cfg.Default.BaseURL != "http://localhost:9090" || cfg.Auth.Token != "env-token" {
		t.Errorf("environment should override the file: %+v", cfg)
	}
	if cfg.Auth.UserID != "alice" {
		t.Errorf("unset variables should keep file values, got %q", cfg.Auth.UserID)
	}
	if cfg.Engine.PageSize != 25 || cfg.Engine.AckTimeout != "3s" {
		t.Errorf("engine settings not applied: %+v", cfg.Engine)
	}

	env["CHATKIT_PAGE_SIZE"] = "lots"
	if err := applyEnv(&Config{}, func(k string) string { return env[k] }); err == nil {
		t.Error("expected error for a bad page size")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHATKIT_HOME", dir)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if *cfg != (Config{}) {
		t.Errorf("missing file should give an empty config, got %+v", cfg)
	}

	cfg.Auth = ConfigAuth{Token: "tok-abcdefgh", UserID: "alice"}
	cfg.Engine.AckTimeout = "5s"
	if err := saveConfig(cfg); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[auth]") || !strings.Contains(string(data), "user_id = 'alice'") {
		t.Errorf("unexpected TOML:\n%s", data)
	}
	info, err := os.Stat(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected 0600, got %o", perm)
	}

	loaded, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if *loaded != *cfg {
		t.Errorf("round trip mismatch: %+v vs %+v", loaded, cfg)
	}
}

func TestEngineOptions(t *testing.T) {
	opts, err := engineOptions(&Config{Engine: ConfigEngine{PageSize: 40, AckTimeout: "2s"}})
	if err != nil {
		t.Fatal(err)
	}
	if opts.PageSize != 40 || opts.AckTimeout != 2*time.Second {
		t.Errorf("unexpected options %+v", opts)
	}
	if _, err := engineOptions(&Config{Engine: ConfigEngine{AckTimeout: "later"}}); err == nil {
		t.Error("expected error for a bad duration")
	}
}

func TestMaskToken(t *testing.T) {
	if got := maskToken("short"); got != "****" {
		t.Errorf("expected ****, got %s", got)
	}
	if got := maskToken("abcd1234wxyz"); got != "abcd...wxyz" {
		t.Errorf("expected abcd...wxyz, got %s", got)
	}
}
