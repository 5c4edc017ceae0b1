package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "TERRAINS"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "terrains.db"
	defaultLogLevel         = "info"
	defaultSessionIssuer    = "tauth"
	defaultCookieName       = "app_session"
	defaultContributionURL  = "https://api-lok-live.leagueofkingdoms.com/api"
	defaultContributionWait = 15 * time.Second
	defaultCollectInterval  = 24 * time.Hour
	defaultCollectTimezone  = "Local"
	defaultClaimTTL         = 5 * time.Minute
)

// AppConfig captures runtime configuration for the API server and collector.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	Session        SessionConfig
	Contribution   ContributionConfig
	Collector      CollectorConfig
	AllowedOrigins []string
}

// SessionConfig describes how identity-provider session tokens are validated.
type SessionConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
}

// ContributionConfig locates the external contribution API.
type ContributionConfig struct {
	BaseURL string
	Timeout time.Duration
}

// CollectorConfig controls scheduled collection.
type CollectorConfig struct {
	ScheduleEnabled bool
	Interval        time.Duration
	TerrainIDs      []string
	Timezone        string
	ClaimTTL        time.Duration
	RedisAddress    string
}

// Location resolves the collector timezone. "Local" and "" map to time.Local.
func (c CollectorConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Timezone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.signing_secret", "")
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("contribution.base_url", defaultContributionURL)
	configViper.SetDefault("contribution.timeout", defaultContributionWait)
	configViper.SetDefault("collector.schedule_enabled", false)
	configViper.SetDefault("collector.interval", defaultCollectInterval)
	configViper.SetDefault("collector.terrain_ids", []string{})
	configViper.SetDefault("collector.timezone", defaultCollectTimezone)
	configViper.SetDefault("collector.claim_ttl", defaultClaimTTL)
	configViper.SetDefault("collector.redis_address", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		Session: SessionConfig{
			SigningSecret: configViper.GetString("session.signing_secret"),
			Issuer:        configViper.GetString("session.issuer"),
			CookieName:    configViper.GetString("session.cookie_name"),
		},
		Contribution: ContributionConfig{
			BaseURL: configViper.GetString("contribution.base_url"),
			Timeout: configViper.GetDuration("contribution.timeout"),
		},
		Collector: CollectorConfig{
			ScheduleEnabled: configViper.GetBool("collector.schedule_enabled"),
			Interval:        configViper.GetDuration("collector.interval"),
			TerrainIDs:      splitList(configViper.GetStringSlice("collector.terrain_ids")),
			Timezone:        configViper.GetString("collector.timezone"),
			ClaimTTL:        configViper.GetDuration("collector.claim_ttl"),
			RedisAddress:    strings.TrimSpace(configViper.GetString("collector.redis_address")),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireSession reports an error when the HTTP session settings are incomplete.
func (c AppConfig) RequireSession() error {
	if strings.TrimSpace(c.Session.SigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.Session.Issuer) == "" {
		return fmt.Errorf("session.issuer is required")
	}
	if strings.TrimSpace(c.Session.CookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Contribution.BaseURL) == "" {
		return fmt.Errorf("contribution.base_url is required")
	}
	if c.Contribution.Timeout <= 0 {
		return fmt.Errorf("contribution.timeout must be positive")
	}
	if c.Collector.Interval <= 0 {
		return fmt.Errorf("collector.interval must be positive")
	}
	if c.Collector.ClaimTTL <= 0 {
		return fmt.Errorf("collector.claim_ttl must be positive")
	}
	if _, err := c.Collector.Location(); err != nil {
		return fmt.Errorf("collector.timezone: %w", err)
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
