package linkd

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("linkd", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.DBPath != "linkd.db" {
		t.Fatalf("expected default db path linkd.db, got %s", cfg.DBPath)
	}
	if cfg.SessionTTL != 5*time.Minute {
		t.Fatalf("expected default session ttl 5m, got %s", cfg.SessionTTL)
	}
	if cfg.JanitorInterval != time.Minute {
		t.Fatalf("expected default janitor interval 1m, got %s", cfg.JanitorInterval)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("BAYTRO_LINKD_PORT", "9090")
	t.Setenv("BAYTRO_LINKD_SESSION_TTL", "10m")

	fs := flag.NewFlagSet("linkd", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-port", "9091"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9091 {
		t.Fatalf("expected port override 9091, got %d", cfg.Port)
	}
	if cfg.SessionTTL != 10*time.Minute {
		t.Fatalf("expected session ttl 10m from env, got %s", cfg.SessionTTL)
	}
}

func TestParseConfigAuthTokens(t *testing.T) {
	t.Setenv("BAYTRO_LINKD_AUTH_TOKENS", "token-a:user-1,token-b:user-2")

	fs := flag.NewFlagSet("linkd", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.AuthTokens["token-a"] != "user-1" || cfg.AuthTokens["token-b"] != "user-2" {
		t.Fatalf("auth tokens = %v", cfg.AuthTokens)
	}
}
