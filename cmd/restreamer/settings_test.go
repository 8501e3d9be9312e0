package main

import (
	"flag"
	"io"
	"strings"
	"testing"
	"time"

	"webrtsp-restreamer/internal/auth"
)

func parseForTest(t *testing.T, args ...string) (settings, error) {
	t.Helper()
	fs := flag.NewFlagSet("restreamer", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return parseSettings(fs, args)
}

func TestParseSettingsDefaults(t *testing.T) {
	s, err := parseForTest(t)
	if err != nil {
		t.Fatalf("parseSettings returned error: %v", err)
	}
	if s.Addr != defaultListenAddr {
		t.Fatalf("expected default addr, got %q", s.Addr)
	}
	if s.ConfigPath != defaultConfigPath {
		t.Fatalf("expected default config path, got %q", s.ConfigPath)
	}
	if s.TokenStore != tokenStoreMemory {
		t.Fatalf("expected memory token store, got %q", s.TokenStore)
	}
	if s.SweepInterval != defaultSweepInterval {
		t.Fatalf("expected default sweep interval, got %s", s.SweepInterval)
	}
	if s.TokenFeed.Stream != auth.DefaultTokenStream || s.TokenFeed.Group != auth.DefaultTokenGroup {
		t.Fatalf("unexpected token feed defaults %+v", s.TokenFeed)
	}
	if s.tokenFeedEnabled() {
		t.Fatal("expected token feed to be disabled without an address")
	}
}

func TestParseSettingsFlagsOverrideEnv(t *testing.T) {
	t.Setenv("RESTREAMER_ADDR", ":9000")
	t.Setenv("RESTREAMER_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RESTREAMER_TOKEN_SWEEP_INTERVAL", "1m")
	t.Setenv("RESTREAMER_RATE_CONNECT_LIMIT", "12")
	t.Setenv("RESTREAMER_TOKEN_FEED_REDIS_TLS_SKIP_VERIFY", "true")

	s, err := parseForTest(t, "-addr", ":7000", "-token-feed-redis-addr", "127.0.0.1:6379")
	if err != nil {
		t.Fatalf("parseSettings returned error: %v", err)
	}
	if s.Addr != ":7000" {
		t.Fatalf("expected flag to win, got %q", s.Addr)
	}
	if len(s.AllowedOrigins) != 2 || s.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", s.AllowedOrigins)
	}
	if s.SweepInterval != time.Minute {
		t.Fatalf("expected env sweep interval, got %s", s.SweepInterval)
	}
	if s.RateLimit.ConnectLimit != 12 {
		t.Fatalf("expected env connect limit, got %d", s.RateLimit.ConnectLimit)
	}
	if !s.TokenFeed.TLS.InsecureSkipVerify {
		t.Fatal("expected TLS skip verify from env")
	}
	if !s.tokenFeedEnabled() {
		t.Fatal("expected token feed to be enabled")
	}
}

func TestParseSettingsValidation(t *testing.T) {
	cases := map[string]struct {
		args []string
		want string
	}{
		"tls pair":          {args: []string{"-tls-cert", "cert.pem"}, want: "tls-key"},
		"postgres sans dsn": {args: []string{"-token-store", "postgres"}, want: "without DSN"},
		"unknown store":     {args: []string{"-token-store", "etcd"}, want: "unsupported token store"},
		"log format":        {args: []string{"-log-format", "xml"}, want: "unsupported log format"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			_, err := parseForTest(t, tc.args...)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	if got := splitAndTrim(" , "); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	got := splitAndTrim("a, b,,c ")
	if strings.Join(got, "|") != "a|b|c" {
		t.Fatalf("unexpected split %v", got)
	}
}
