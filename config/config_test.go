package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfigFile(t, "gateway:\n  name: test-gateway\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.ListenAddr != ":50051" {
		t.Fatalf("expected default listen addr, got %q", cfg.Gateway.ListenAddr)
	}
	if cfg.Lighter.WSURL != "wss://mainnet.zklighter.elliot.ai/stream" {
		t.Fatalf("unexpected derived ws url %q", cfg.Lighter.WSURL)
	}
	if cfg.Session.CancelConfirmDelay != 2*time.Second {
		t.Fatalf("unexpected cancel confirm delay %v", cfg.Session.CancelConfirmDelay)
	}
	if cfg.MarketData.Reconnect.MaxAttempts != 10 {
		t.Fatalf("unexpected reconnect attempts %d", cfg.MarketData.Reconnect.MaxAttempts)
	}
	if cfg.Redis.Depth != 10 {
		t.Fatalf("unexpected redis depth %d", cfg.Redis.Depth)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, "lighter:\n  url: https://testnet.zklighter.elliot.ai\n  account_index: 5\n")

	t.Setenv("LIGHTER_ACCOUNT_INDEX", "30188")
	t.Setenv("LIGHTER_API_KEY_PRIVATE_KEY", "deadbeef")
	t.Setenv("CPTY_LISTEN_ADDR", ":6000")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Lighter.AccountIndex != 30188 {
		t.Fatalf("env override lost, account index %d", cfg.Lighter.AccountIndex)
	}
	if cfg.Lighter.PrivateKey != "deadbeef" {
		t.Fatalf("env override lost, private key %q", cfg.Lighter.PrivateKey)
	}
	if cfg.Gateway.ListenAddr != ":6000" {
		t.Fatalf("env override lost, listen addr %q", cfg.Gateway.ListenAddr)
	}
	if cfg.Lighter.WSURL != "wss://testnet.zklighter.elliot.ai/stream" {
		t.Fatalf("ws url should derive from configured url, got %q", cfg.Lighter.WSURL)
	}
}

func TestLoadConfigExpandsEnvReferences(t *testing.T) {
	path := writeConfigFile(t, "lighter:\n  auth_token: \"${TEST_AUTH_TOKEN}\"\n  private_key: \"${TEST_UNSET_VAR}\"\n")

	t.Setenv("TEST_AUTH_TOKEN", "tok-123")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Lighter.AuthToken != "tok-123" {
		t.Fatalf("interpolation lost, auth token %q", cfg.Lighter.AuthToken)
	}
	if cfg.Lighter.PrivateKey != "" {
		t.Fatalf("unset variable should expand to empty, got %q", cfg.Lighter.PrivateKey)
	}
}

func TestLoadConfigRejectsBadWSURL(t *testing.T) {
	path := writeConfigFile(t, "lighter:\n  ws_url: https://not-a-ws-url\n")

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for non-ws url")
	}
}

func TestDeriveWSURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://mainnet.zklighter.elliot.ai", "wss://mainnet.zklighter.elliot.ai/stream"},
		{"http://localhost:8080", "ws://localhost:8080/stream"},
		{"https://mainnet.zklighter.elliot.ai/", "wss://mainnet.zklighter.elliot.ai/stream"},
	}
	for _, tc := range cases {
		if got := deriveWSURL(tc.in); got != tc.want {
			t.Fatalf("deriveWSURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
