package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Contribution.BaseURL != defaultContributionURL || cfg.Contribution.Timeout != 15*time.Second {
		t.Fatalf("unexpected contribution defaults: %+v", cfg.Contribution)
	}
	if cfg.Collector.Interval != 24*time.Hour || cfg.Collector.ClaimTTL != 5*time.Minute {
		t.Fatalf("unexpected collector defaults: %+v", cfg.Collector)
	}
	if cfg.Collector.ScheduleEnabled || len(cfg.Collector.TerrainIDs) != 0 {
		t.Fatalf("expected scheduling disabled with no allowlist: %+v", cfg.Collector)
	}
	if cfg.Session.Issuer != "tauth" || cfg.Session.CookieName != "app_session" {
		t.Fatalf("unexpected session defaults: %+v", cfg.Session)
	}
	location, err := cfg.Collector.Location()
	if err != nil || location != time.Local {
		t.Fatalf("expected local timezone, got %v err=%v", location, err)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TERRAINS_COLLECTOR_TERRAIN_IDS", "158489, 158233")
	t.Setenv("TERRAINS_COLLECTOR_TIMEZONE", "UTC")
	t.Setenv("TERRAINS_COLLECTOR_SCHEDULE_ENABLED", "true")
	t.Setenv("TERRAINS_CONTRIBUTION_TIMEOUT", "5s")
	t.Setenv("TERRAINS_SESSION_SIGNING_SECRET", "secret")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if !reflect.DeepEqual(cfg.Collector.TerrainIDs, []string{"158489", "158233"}) {
		t.Fatalf("unexpected terrain ids: %v", cfg.Collector.TerrainIDs)
	}
	if !cfg.Collector.ScheduleEnabled {
		t.Fatalf("expected scheduling enabled")
	}
	if cfg.Contribution.Timeout != 5*time.Second {
		t.Fatalf("unexpected timeout: %v", cfg.Contribution.Timeout)
	}
	location, err := cfg.Collector.Location()
	if err != nil || location != time.UTC {
		t.Fatalf("unexpected location %v err=%v", location, err)
	}
	if err := cfg.RequireSession(); err != nil {
		t.Fatalf("expected session settings to be complete: %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  any
		expect string
	}{
		{name: "empty-database", key: "database.path", value: " ", expect: "database.path"},
		{name: "empty-base-url", key: "contribution.base_url", value: "", expect: "contribution.base_url"},
		{name: "zero-interval", key: "collector.interval", value: "0s", expect: "collector.interval"},
		{name: "unknown-timezone", key: "collector.timezone", value: "Mars/Olympus", expect: "collector.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(tt.key, tt.value)
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), tt.expect) {
				t.Fatalf("expected error mentioning %q, got %v", tt.expect, err)
			}
		})
	}
}

func TestRequireSessionNeedsSigningSecret(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if err := cfg.RequireSession(); err == nil || !strings.Contains(err.Error(), "session.signing_secret") {
		t.Fatalf("expected missing signing secret error, got %v", err)
	}
}
