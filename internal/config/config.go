package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string
	BaseURL     string
	FrontendURL string
	Env         string
	LogLevel    string
	LogFile     string

	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string

	AuthJWTSecret string
	SessionSecret string

	GoogleClientID     string
	GoogleClientSecret string

	HubSpotClientID     string
	HubSpotClientSecret string
	HubSpotScopes       []string
	HubSpotAPIBase      string

	SalesforceClientID     string
	SalesforceClientSecret string
	SalesforceScopes       []string
	SalesforceAuthURL      string
	SalesforceTokenURL     string
	SalesforceAPIVersion   string

	AIProvider      string
	AIKeys          []string
	AIModel         string
	AIRatePerSecond float64

	ReviewConfidenceThreshold float64
	SyncMaxMessages           int64
	PollInterval              time.Duration
	InFlightTTL               time.Duration
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("BASE_URL", "http://localhost:8080")
	v.SetDefault("FRONTEND_URL", "http://localhost:3000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("SESSION_SECRET", "0f6c1b0e-inbox-router-session")
	v.SetDefault("HUBSPOT_SCOPES", "crm.objects.contacts.read,crm.objects.contacts.write,oauth")
	v.SetDefault("HUBSPOT_API_BASE", "https://api.hubapi.com")
	v.SetDefault("SALESFORCE_SCOPES", "api,refresh_token")
	v.SetDefault("SALESFORCE_AUTH_URL", "https://login.salesforce.com/services/oauth2/authorize")
	v.SetDefault("SALESFORCE_TOKEN_URL", "https://login.salesforce.com/services/oauth2/token")
	v.SetDefault("SALESFORCE_API_VERSION", "v59.0")
	v.SetDefault("AI_PROVIDER", "gemini")
	v.SetDefault("AI_RATE_PER_SECOND", 2.0)
	v.SetDefault("REVIEW_CONFIDENCE_THRESHOLD", 0.5)
	v.SetDefault("SYNC_MAX_MESSAGES", 200)
	v.SetDefault("POLL_INTERVAL_SECONDS", 60)
	v.SetDefault("INFLIGHT_TTL_SECONDS", 120)
	return v
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := newViper()

	keys := splitList(v.GetString("AI_API_KEYS"))
	if single := v.GetString("AI_API_KEY"); single != "" && len(keys) == 0 {
		keys = []string{single}
	}

	cfg := &Config{
		Port:        v.GetString("PORT"),
		BaseURL:     strings.TrimRight(v.GetString("BASE_URL"), "/"),
		FrontendURL: strings.TrimRight(v.GetString("FRONTEND_URL"), "/"),
		Env:         v.GetString("ENV"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		LogFile:     v.GetString("LOG_FILE"),

		DatabaseDriver: v.GetString("DATABASE_DRIVER"),
		DatabaseURL:    v.GetString("DATABASE_URL"),
		RedisURL:       v.GetString("REDIS_URL"),

		AuthJWTSecret: v.GetString("AUTH_JWT_SECRET"),
		SessionSecret: v.GetString("SESSION_SECRET"),

		GoogleClientID:     v.GetString("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: v.GetString("GOOGLE_CLIENT_SECRET"),

		HubSpotClientID:     v.GetString("HUBSPOT_CLIENT_ID"),
		HubSpotClientSecret: v.GetString("HUBSPOT_CLIENT_SECRET"),
		HubSpotScopes:       splitList(v.GetString("HUBSPOT_SCOPES")),
		HubSpotAPIBase:      strings.TrimRight(v.GetString("HUBSPOT_API_BASE"), "/"),

		SalesforceClientID:     v.GetString("SALESFORCE_CLIENT_ID"),
		SalesforceClientSecret: v.GetString("SALESFORCE_CLIENT_SECRET"),
		SalesforceScopes:       splitList(v.GetString("SALESFORCE_SCOPES")),
		SalesforceAuthURL:      v.GetString("SALESFORCE_AUTH_URL"),
		SalesforceTokenURL:     v.GetString("SALESFORCE_TOKEN_URL"),
		SalesforceAPIVersion:   v.GetString("SALESFORCE_API_VERSION"),

		AIProvider:      v.GetString("AI_PROVIDER"),
		AIKeys:          keys,
		AIModel:         v.GetString("AI_MODEL"),
		AIRatePerSecond: v.GetFloat64("AI_RATE_PER_SECOND"),

		ReviewConfidenceThreshold: v.GetFloat64("REVIEW_CONFIDENCE_THRESHOLD"),
		SyncMaxMessages:           v.GetInt64("SYNC_MAX_MESSAGES"),
		PollInterval:              time.Duration(v.GetInt("POLL_INTERVAL_SECONDS")) * time.Second,
		InFlightTTL:               time.Duration(v.GetInt("INFLIGHT_TTL_SECONDS")) * time.Second,
	}

	return cfg, nil
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	if len(c.AIKeys) == 0 {
		return fmt.Errorf("AI_API_KEYS is required")
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}
	if c.ReviewConfidenceThreshold < 0 || c.ReviewConfidenceThreshold > 1 {
		return fmt.Errorf("REVIEW_CONFIDENCE_THRESHOLD must be between 0 and 1")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// GoogleConfigured reports whether the Google connect flow can run.
func (c *Config) GoogleConfigured() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

func (c *Config) HubSpotConfigured() bool {
	return c.HubSpotClientID != "" && c.HubSpotClientSecret != ""
}

func (c *Config) SalesforceConfigured() bool {
	return c.SalesforceClientID != "" && c.SalesforceClientSecret != ""
}
