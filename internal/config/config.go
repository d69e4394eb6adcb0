package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Auth types for the SMART confidential client.
const (
	AuthTypeSymmetric  = "symmetric"
	AuthTypeAsymmetric = "asymmetric"
)

// signingAlgs lists the client-assertion signing algorithms the service can
// produce. RS384 is the SMART App Launch recommendation.
var signingAlgs = map[string]bool{
	"RS256": true,
	"RS384": true,
	"ES256": true,
	"ES384": true,
}

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	// FHIR data source
	FHIRBaseURL      string `mapstructure:"FHIR_BASE_URL"`
	FHIRPageSize     int    `mapstructure:"FHIR_PAGE_SIZE"`
	FHIRTimeoutSecs  int    `mapstructure:"FHIR_TIMEOUT_SECS"`
	SyncLookbackDays int    `mapstructure:"SYNC_LOOKBACK_DAYS"`

	// SMART on FHIR confidential client
	SMARTClientID     string `mapstructure:"SMART_CLIENT_ID"`
	SMARTAuthType     string `mapstructure:"SMART_AUTH_TYPE"`
	SMARTClientSecret string `mapstructure:"SMART_CLIENT_SECRET"`
	SMARTPrivateKey   string `mapstructure:"SMART_PRIVATE_KEY"`
	SMARTKeyID        string `mapstructure:"SMART_KEY_ID"`
	SMARTSigningAlg   string `mapstructure:"SMART_SIGNING_ALG"`
	SMARTIssuer       string `mapstructure:"SMART_ISS"`
	SMARTScope        string `mapstructure:"SMART_SCOPE"`
	SMARTRedirectURL  string `mapstructure:"SMART_REDIRECT_URL"`

	// Where the callback sends the browser after a successful link.
	DashboardURL string `mapstructure:"DASHBOARD_URL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("FHIR_BASE_URL", "https://launch.smarthealthit.org/v/r4/fhir")
	v.SetDefault("FHIR_PAGE_SIZE", 200)
	v.SetDefault("FHIR_TIMEOUT_SECS", 30)
	v.SetDefault("SYNC_LOOKBACK_DAYS", 180)
	v.SetDefault("SMART_CLIENT_ID", "my-client-id")
	v.SetDefault("SMART_AUTH_TYPE", AuthTypeSymmetric)
	v.SetDefault("SMART_CLIENT_SECRET", "my-client-secret")
	v.SetDefault("SMART_KEY_ID", "my-key-id")
	v.SetDefault("SMART_SIGNING_ALG", "RS384")
	v.SetDefault("SMART_ISS", "https://launch.smarthealthit.org/v/r4/fhir")
	v.SetDefault("SMART_SCOPE", "patient/Patient.read patient/Observation.read launch online_access openid profile")
	v.SetDefault("SMART_REDIRECT_URL", "http://localhost:8000/auth/smart/callback")
	v.SetDefault("DASHBOARD_URL", "/dashboard")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("FHIR_BASE_URL")
	v.BindEnv("FHIR_PAGE_SIZE")
	v.BindEnv("FHIR_TIMEOUT_SECS")
	v.BindEnv("SYNC_LOOKBACK_DAYS")
	v.BindEnv("SMART_CLIENT_ID")
	v.BindEnv("SMART_AUTH_TYPE")
	v.BindEnv("SMART_CLIENT_SECRET")
	v.BindEnv("SMART_PRIVATE_KEY")
	v.BindEnv("SMART_KEY_ID")
	v.BindEnv("SMART_SIGNING_ALG")
	v.BindEnv("SMART_ISS")
	v.BindEnv("SMART_SCOPE")
	v.BindEnv("SMART_REDIRECT_URL")
	v.BindEnv("DASHBOARD_URL")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Configuration errors
// are surfaced here, at startup, before any network call is attempted.
func (c *Config) Validate() error {
	if c.SMARTAuthType != AuthTypeSymmetric && c.SMARTAuthType != AuthTypeAsymmetric {
		return fmt.Errorf("SMART_AUTH_TYPE must be %q or %q, got %q",
			AuthTypeSymmetric, AuthTypeAsymmetric, c.SMARTAuthType)
	}

	if c.SMARTAuthType == AuthTypeSymmetric && c.SMARTClientSecret == "" {
		return fmt.Errorf("SMART_CLIENT_SECRET is required when SMART_AUTH_TYPE is %q", AuthTypeSymmetric)
	}

	if c.SMARTAuthType == AuthTypeAsymmetric {
		if strings.TrimSpace(c.SMARTPrivateKey) == "" {
			return fmt.Errorf("SMART_PRIVATE_KEY is required when SMART_AUTH_TYPE is %q", AuthTypeAsymmetric)
		}
		if !signingAlgs[c.SMARTSigningAlg] {
			return fmt.Errorf("SMART_SIGNING_ALG must be one of RS256, RS384, ES256, ES384, got %q", c.SMARTSigningAlg)
		}
	}

	if c.FHIRPageSize <= 0 {
		return fmt.Errorf("FHIR_PAGE_SIZE must be positive, got %d", c.FHIRPageSize)
	}
	if c.SyncLookbackDays <= 0 {
		return fmt.Errorf("SYNC_LOOKBACK_DAYS must be positive, got %d", c.SyncLookbackDays)
	}

	return nil
}
