package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string   `mapstructure:"PORT"`
	Env             string   `mapstructure:"ENV"`
	DatabaseURL     string   `mapstructure:"DATABASE_URL"`
	ReadDatabaseURL string   `mapstructure:"READ_DATABASE_URL"`
	DBMaxConns      int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL        string   `mapstructure:"REDIS_URL"`
	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`

	// Consent manager identity provider (patients and service accounts).
	AuthIssuer           string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL          string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey       string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthAlgorithm        string `mapstructure:"AUTH_ALGORITHM"`
	ServiceAccountPrefix string `mapstructure:"SERVICE_ACCOUNT_PREFIX"`

	// Health information gateway.
	GatewayIssuer          string        `mapstructure:"GATEWAY_ISSUER"`
	GatewayJWKSURL         string        `mapstructure:"GATEWAY_JWKS_URL"`
	GatewayURL             string        `mapstructure:"GATEWAY_URL"`
	GatewayClientID        string        `mapstructure:"GATEWAY_CLIENT_ID"`
	GatewayClientSecret    string        `mapstructure:"GATEWAY_CLIENT_SECRET"`
	GatewayTimeout         time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
	GatewayRetryCount      int           `mapstructure:"GATEWAY_RETRY_COUNT"`
	GatewayRevocationCheck bool          `mapstructure:"GATEWAY_REVOCATION_CHECK"`

	UserServiceURL string `mapstructure:"USER_SERVICE_URL"`

	KafkaBrokers   []string `mapstructure:"KAFKA_BROKERS"`
	KafkaLinkTopic string   `mapstructure:"KAFKA_LINK_TOPIC"`
	KafkaGroupID   string   `mapstructure:"KAFKA_GROUP_ID"`

	PatientIDSuffix      string        `mapstructure:"PATIENT_ID_SUFFIX"`
	RelayMaxConcurrency  int           `mapstructure:"RELAY_MAX_CONCURRENCY"`
	RelayDispatchTimeout time.Duration `mapstructure:"RELAY_DISPATCH_TIMEOUT"`

	TracingEnabled    bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint      string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSampleRate float64 `mapstructure:"TRACING_SAMPLE_RATE"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "READ_DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "AUTH_ALGORITHM", "SERVICE_ACCOUNT_PREFIX",
	"GATEWAY_ISSUER", "GATEWAY_JWKS_URL", "GATEWAY_URL", "GATEWAY_CLIENT_ID", "GATEWAY_CLIENT_SECRET",
	"GATEWAY_TIMEOUT", "GATEWAY_RETRY_COUNT", "GATEWAY_REVOCATION_CHECK",
	"USER_SERVICE_URL",
	"KAFKA_BROKERS", "KAFKA_LINK_TOPIC", "KAFKA_GROUP_ID",
	"PATIENT_ID_SUFFIX", "RELAY_MAX_CONCURRENCY", "RELAY_DISPATCH_TIMEOUT",
	"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACING_SAMPLE_RATE",
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
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AUTH_ALGORITHM", "RS256")
	v.SetDefault("SERVICE_ACCOUNT_PREFIX", "service-account-")
	v.SetDefault("GATEWAY_TIMEOUT", "10s")
	v.SetDefault("GATEWAY_RETRY_COUNT", 3)
	v.SetDefault("GATEWAY_REVOCATION_CHECK", true)
	v.SetDefault("KAFKA_LINK_TOPIC", "hiu-link-events")
	v.SetDefault("KAFKA_GROUP_ID", "cm-subscription-relay")
	v.SetDefault("PATIENT_ID_SUFFIX", "@ncg")
	v.SetDefault("RELAY_MAX_CONCURRENCY", 16)
	v.SetDefault("RELAY_DISPATCH_TIMEOUT", "30s")
	v.SetDefault("TRACING_SAMPLE_RATE", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ReadDatabaseURL == "" {
		cfg.ReadDatabaseURL = cfg.DatabaseURL
	}

	return cfg, nil
}

// splitList handles comma-separated env values that viper leaves as a single
// element.
func splitList(parsed []string, raw string) []string {
	if len(parsed) > 1 {
		return parsed
	}
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ConsumerEnabled reports whether the link-event consumer should run.
func (c *Config) ConsumerEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Validate checks that the configuration is safe to run. Outside
// development, tokens must be verified against a JWKS endpoint and the
// gateway client must have credentials.
func (c *Config) Validate() error {
	switch c.AuthAlgorithm {
	case "RS256", "HS256":
	default:
		return fmt.Errorf("AUTH_ALGORITHM must be RS256 or HS256, got %q", c.AuthAlgorithm)
	}
	if c.AuthAlgorithm == "HS256" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when AUTH_ALGORITHM is HS256")
	}
	if c.AuthAlgorithm == "RS256" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_JWKS_URL is required when AUTH_ALGORITHM is RS256")
	}
	if c.AuthAlgorithm == "RS256" && c.AuthSigningKey != "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must not be set when AUTH_ALGORITHM is RS256")
	}

	if c.IsProduction() {
		if c.AuthAlgorithm == "HS256" {
			return fmt.Errorf("HS256 signing keys are not allowed in production")
		}
		if c.GatewayJWKSURL == "" {
			return fmt.Errorf("GATEWAY_JWKS_URL is required in production")
		}
		if c.GatewayURL == "" || c.GatewayClientID == "" || c.GatewayClientSecret == "" {
			return fmt.Errorf("GATEWAY_URL, GATEWAY_CLIENT_ID and GATEWAY_CLIENT_SECRET are required in production")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in production")
		}
	}

	if c.RelayMaxConcurrency <= 0 {
		return fmt.Errorf("RELAY_MAX_CONCURRENCY must be positive, got %d", c.RelayMaxConcurrency)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE must be between 0 and 1, got %v", c.TracingSampleRate)
	}
	return nil
}
