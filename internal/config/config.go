package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `envPrefix:"SERVER_"`
	Database DatabaseConfig `envPrefix:"DB_"`
	Gateway  GatewayConfig  `envPrefix:"GATEWAY_"`
	Logger   LoggerConfig   `envPrefix:"LOG_"`
	Secrets  SecretsConfig  `envPrefix:"SECRETS_"`
	Kafka    KafkaConfig    `envPrefix:"KAFKA_"`
	Store    StoreConfig    `envPrefix:"STORE_"`
	Wallet   WalletConfig   `envPrefix:"WALLET_"`
	Lock     LockConfig     `envPrefix:"LOCK_"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"PORT" envDefault:"8080"`
	MetricsPort     int           `env:"METRICS_PORT" envDefault:"9090"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	HandlerTimeout  time.Duration `env:"HANDLER_TIMEOUT" envDefault:"45s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	RateLimitRPS    float64       `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST" envDefault:"20"`
}

// IsProduction reports whether the service runs in production
func (c ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"postgres"`
	Password string `env:"PASSWORD"`
	Database string `env:"NAME" envDefault:"checkout"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"`
	MaxConns int32  `env:"MAX_CONNS" envDefault:"25"`
	MinConns int32  `env:"MIN_CONNS" envDefault:"5"`
}

// GatewayConfig holds card gateway configuration
type GatewayConfig struct {
	BaseURL          string        `env:"BASE_URL"`
	SecretKeyPath    string        `env:"SECRET_KEY_PATH" envDefault:"gateway/secret_key"`
	Timeout          time.Duration `env:"TIMEOUT" envDefault:"30s"`
	FetchMaxAttempts int           `env:"FETCH_MAX_ATTEMPTS" envDefault:"3"`
	ThreeDSEnabled   bool          `env:"THREE_DS_ENABLED" envDefault:"true"`
	AutoCapture      bool          `env:"AUTO_CAPTURE" envDefault:"false"`
	BreakerFailures  uint32        `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerOpenFor   time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"30s"`
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level       string `env:"LEVEL" envDefault:"info"` // debug, info, warn, error
	Development bool   `env:"DEVELOPMENT" envDefault:"false"`
}

// SecretsConfig selects and configures the secret manager backend
type SecretsConfig struct {
	Backend  string        `env:"BACKEND" envDefault:"local"` // local, aws, vault
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"5m"`

	LocalPath string `env:"LOCAL_PATH" envDefault:"./secrets"`

	AWSRegion   string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSProfile  string `env:"AWS_PROFILE"`
	AWSEndpoint string `env:"AWS_ENDPOINT"`

	VaultAddress    string `env:"VAULT_ADDRESS"`
	VaultAuthMethod string `env:"VAULT_AUTH_METHOD" envDefault:"token"`
	VaultToken      string `env:"VAULT_TOKEN"`
	VaultRoleID     string `env:"VAULT_ROLE_ID"`
	VaultSecretID   string `env:"VAULT_SECRET_ID"`
	VaultNamespace  string `env:"VAULT_NAMESPACE"`
	VaultMountPath  string `env:"VAULT_MOUNT_PATH" envDefault:"secret"`
	VaultKVVersion  string `env:"VAULT_KV_VERSION" envDefault:"v2"`
}

// KafkaConfig configures outcome events. Publishing is off without brokers.
type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"checkout.authorizations"`
}

// Enabled reports whether events should be published
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// StoreConfig holds the defaults applied to every store
type StoreConfig struct {
	DefaultCode   string        `env:"DEFAULT_CODE" envDefault:"default"`
	SuccessURL    string        `env:"SUCCESS_URL"`
	FailureURL    string        `env:"FAILURE_URL"`
	WalletEnabled bool          `env:"WALLET_ENABLED" envDefault:"false"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"1m"`
}

// WalletConfig configures the Apple Pay merchant identity
type WalletConfig struct {
	MerchantIdentifier string   `env:"MERCHANT_IDENTIFIER"`
	DisplayName        string   `env:"DISPLAY_NAME"`
	MerchantDomain     string   `env:"MERCHANT_DOMAIN"`
	CertFile           string   `env:"CERT_FILE"`
	KeyFile            string   `env:"KEY_FILE"`
	ValidationHosts    []string `env:"VALIDATION_HOSTS" envSeparator:"," envDefault:".apple.com"`
}

// Configured reports whether merchant validation can run
func (c WalletConfig) Configured() bool {
	return c.MerchantIdentifier != "" && c.CertFile != "" && c.KeyFile != ""
}

// LockConfig selects the per-quote lock
type LockConfig struct {
	Backend string        `env:"BACKEND" envDefault:"postgres"` // postgres, memory
	Wait    time.Duration `env:"WAIT" envDefault:"10s"`
}

// LoadFromEnv loads and validates configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT out of range: %d", c.Server.Port))
	}
	if c.Server.Port == c.Server.MetricsPort {
		errs = append(errs, errors.New("SERVER_METRICS_PORT must differ from SERVER_PORT"))
	}
	if c.Server.IsProduction() && c.Database.Password == "" {
		errs = append(errs, errors.New("DB_PASSWORD is required in production"))
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, errors.New("DB_MIN_CONNS must not exceed DB_MAX_CONNS"))
	}

	if c.Gateway.BaseURL != "" {
		if u, err := url.Parse(c.Gateway.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("GATEWAY_BASE_URL is not an absolute URL: %q", c.Gateway.BaseURL))
		}
	}
	if c.Gateway.SecretKeyPath == "" {
		errs = append(errs, errors.New("GATEWAY_SECRET_KEY_PATH is required"))
	}
	if c.Gateway.FetchMaxAttempts < 1 {
		errs = append(errs, errors.New("GATEWAY_FETCH_MAX_ATTEMPTS must be at least 1"))
	}

	switch c.Secrets.Backend {
	case "local":
		if c.Server.IsProduction() {
			errs = append(errs, errors.New("SECRETS_BACKEND=local is not allowed in production"))
		}
	case "aws":
		if c.Secrets.AWSRegion == "" {
			errs = append(errs, errors.New("SECRETS_AWS_REGION is required for the aws backend"))
		}
	case "vault":
		if c.Secrets.VaultAddress == "" {
			errs = append(errs, errors.New("SECRETS_VAULT_ADDRESS is required for the vault backend"))
		}
		switch c.Secrets.VaultAuthMethod {
		case "token":
			if c.Secrets.VaultToken == "" {
				errs = append(errs, errors.New("SECRETS_VAULT_TOKEN is required for token auth"))
			}
		case "approle":
			if c.Secrets.VaultRoleID == "" || c.Secrets.VaultSecretID == "" {
				errs = append(errs, errors.New("SECRETS_VAULT_ROLE_ID and SECRETS_VAULT_SECRET_ID are required for approle auth"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown SECRETS_VAULT_AUTH_METHOD %q", c.Secrets.VaultAuthMethod))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SECRETS_BACKEND %q", c.Secrets.Backend))
	}

	if c.Kafka.Enabled() && strings.TrimSpace(c.Kafka.Topic) == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}

	switch c.Lock.Backend {
	case "postgres":
		// A lock holder pins one connection and writes on a second.
		if c.Database.MaxConns < 2 {
			errs = append(errs, errors.New("DB_MAX_CONNS must be at least 2 with LOCK_BACKEND=postgres"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown LOCK_BACKEND %q", c.Lock.Backend))
	}
	if c.Lock.Wait <= 0 {
		errs = append(errs, errors.New("LOCK_WAIT must be positive"))
	}

	if c.Store.WalletEnabled && !c.Wallet.Configured() {
		errs = append(errs, errors.New("WALLET_MERCHANT_IDENTIFIER, WALLET_CERT_FILE and WALLET_KEY_FILE are required when STORE_WALLET_ENABLED is set"))
	}

	return errors.Join(errs...)
}

// ConnectionString returns PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
