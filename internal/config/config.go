// Package config provides layered configuration loading for the forwarder:
// defaults, then an optional YAML file, then environment variables. A .env
// file in the working directory is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Provider names.
const (
	ProviderStdout = "stdout"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderRelay  = "smtp"
)

// Store types.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMySQL    = "mysql"
)

// Metrics store types. "store" keeps counters next to the aliases.
const (
	MetricsInStore = "store"
	MetricsRedis   = "redis"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP         SMTPConfig         `yaml:"smtp"`
	TLS          TLSConfig          `yaml:"tls"`
	Logging      LoggingConfig      `yaml:"logging"`
	Provider     string             `yaml:"provider"`
	SES          SESConfig          `yaml:"ses"`
	Graph        GraphConfig        `yaml:"graph"`
	Relay        RelayConfig        `yaml:"relay"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Forwarding   ForwardingConfig   `yaml:"forwarding"`
	Store        StoreConfig        `yaml:"store"`
	MetricsStore MetricsStoreConfig `yaml:"metrics_store"`
	Flags        FlagsConfig        `yaml:"flags"`
	Ops          OpsConfig          `yaml:"ops"`
}

// SMTPConfig holds SMTP ingress configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int    `yaml:"max_message_size"`
	MaxConnections int    `yaml:"max_connections"`
}

// TLSConfig enables STARTTLS. Without files a self-signed certificate is
// generated for the SMTP hostname.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds service logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	File        string `yaml:"file"`
	MaxSize     int    `yaml:"max_size"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAge      int    `yaml:"max_age"`
	Compress    bool   `yaml:"compress"`
}

// SESConfig holds AWS SES settings. Empty credentials fall back to the
// default AWS credential chain.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Mailbox      string `yaml:"mailbox"`
}

// RelayConfig describes an upstream SMTP server.
type RelayConfig struct {
	Address            string `yaml:"address"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	Security           string `yaml:"security"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// BreakerConfig wraps the provider in a circuit breaker when enabled.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ForwardingConfig is the identity stamped on forwarded mail.
type ForwardingConfig struct {
	ServiceName    string `yaml:"service_name"`
	NoReplyAddress string `yaml:"no_reply_address"`
}

// StoreConfig selects where aliases and users are read from.
type StoreConfig struct {
	Type         string `yaml:"type"`
	DSN          string `yaml:"dsn"`
	SeedFile     string `yaml:"seed_file"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	AutoMigrate  bool   `yaml:"auto_migrate"`
}

// MetricsStoreConfig selects where per-alias counters are kept.
type MetricsStoreConfig struct {
	Type     string `yaml:"type"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// FlagsConfig holds global defaults for per-user feature flags.
type FlagsConfig struct {
	Logging          bool `yaml:"logging"`
	EmailDataLogging bool `yaml:"email_data_logging"`
}

// OpsConfig configures the metrics and health HTTP server. An empty Listen
// disables it.
type OpsConfig struct {
	Listen string `yaml:"listen"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		SMTP: SMTPConfig{
			Listen:         ":2525",
			Hostname:       "localhost",
			MaxMessageSize: defaultMaxMessageSize,
		},
		Logging:  LoggingConfig{Level: "info", MaxSize: 100, MaxBackups: 3, MaxAge: 28},
		Provider: ProviderStdout,
		SES:      SESConfig{Region: "us-east-1"},
		Relay:    RelayConfig{Security: "starttls"},
		Breaker:  BreakerConfig{MaxFailures: 5, Timeout: 30 * time.Second},
		Forwarding: ForwardingConfig{
			ServiceName:    "Alias Forwarder",
			NoReplyAddress: "noreply@localhost",
		},
		Store:        StoreConfig{Type: StoreMemory, MaxOpenConns: 25, AutoMigrate: true},
		MetricsStore: MetricsStoreConfig{Type: MetricsInStore, Address: "localhost:6379"},
		Ops:          OpsConfig{Listen: ":9090"},
	}
}

// Validate reports settings that cannot produce a working service.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider {
	case ProviderStdout, ProviderSES:
	case ProviderGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("graph provider requires tenant_id, client_id, client_secret and mailbox"))
		}
	case ProviderRelay:
		if c.Relay.Address == "" {
			errs = append(errs, errors.New("smtp provider requires relay.address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	switch c.Store.Type {
	case StoreMemory:
	case StorePostgres, StoreMySQL:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("%s store requires store.dsn", c.Store.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store type %q", c.Store.Type))
	}

	switch c.MetricsStore.Type {
	case MetricsInStore, MetricsRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown metrics store type %q", c.MetricsStore.Type))
	}

	switch c.Relay.Security {
	case "none", "starttls", "tls":
	default:
		errs = append(errs, fmt.Errorf("unknown relay security %q", c.Relay.Security))
	}

	if c.Forwarding.NoReplyAddress == "" {
		errs = append(errs, errors.New("forwarding.no_reply_address is required"))
	}
	if c.SMTP.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("smtp.max_message_size must be positive"))
	}

	return errors.Join(errs...)
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Mailbox != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// FlagDefaults returns the global feature flag defaults keyed by flag name.
func (c *Config) FlagDefaults() map[string]bool {
	return map[string]bool{
		"logging":            c.Flags.Logging,
		"email_data_logging": c.Flags.EmailDataLogging,
	}
}

// applyEnv loads .env when present and overrides configuration with
// environment variable values. Only non-empty variables override.
func (c *Config) applyEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	e := &envReader{}

	e.stringVar(&c.SMTP.Listen, "SMTP_LISTEN")
	e.stringVar(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	e.stringVar(&c.SMTP.Username, "SMTP_USERNAME")
	e.stringVar(&c.SMTP.Password, "SMTP_PASSWORD")
	e.intVar(&c.SMTP.MaxMessageSize, "SMTP_MAX_MESSAGE_SIZE")
	e.intVar(&c.SMTP.MaxConnections, "SMTP_MAX_CONNECTIONS")

	e.boolVar(&c.TLS.Enabled, "TLS_ENABLED")
	e.stringVar(&c.TLS.CertFile, "TLS_CERT_FILE")
	e.stringVar(&c.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	e.boolVar(&c.Logging.Development, "LOG_DEVELOPMENT")
	e.stringVar(&c.Logging.File, "LOG_FILE")

	e.stringVar(&c.Provider, "PROVIDER")

	e.stringVar(&c.SES.Region, "AWS_REGION")
	e.stringVar(&c.SES.AccessKeyID, "AWS_ACCESS_KEY_ID")
	e.stringVar(&c.SES.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	e.stringVar(&c.SES.ConfigurationSet, "SES_CONFIGURATION_SET")

	e.stringVar(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	e.stringVar(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	e.stringVar(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	e.stringVar(&c.Graph.Mailbox, "GRAPH_MAILBOX")

	e.stringVar(&c.Relay.Address, "RELAY_ADDRESS")
	e.stringVar(&c.Relay.Username, "RELAY_USERNAME")
	e.stringVar(&c.Relay.Password, "RELAY_PASSWORD")
	e.stringVar(&c.Relay.Security, "RELAY_SECURITY")

	e.boolVar(&c.Breaker.Enabled, "BREAKER_ENABLED")
	e.durationVar(&c.Breaker.Timeout, "BREAKER_TIMEOUT")

	e.stringVar(&c.Forwarding.ServiceName, "FORWARDING_SERVICE_NAME")
	e.stringVar(&c.Forwarding.NoReplyAddress, "FORWARDING_NO_REPLY_ADDRESS")

	e.stringVar(&c.Store.Type, "STORE_TYPE")
	e.stringVar(&c.Store.DSN, "STORE_DSN")
	e.stringVar(&c.Store.SeedFile, "STORE_SEED_FILE")

	e.stringVar(&c.MetricsStore.Type, "METRICS_STORE_TYPE")
	e.stringVar(&c.MetricsStore.Address, "REDIS_ADDRESS")
	e.stringVar(&c.MetricsStore.Password, "REDIS_PASSWORD")
	e.intVar(&c.MetricsStore.DB, "REDIS_DB")

	e.boolVar(&c.Flags.Logging, "FLAG_LOGGING")
	e.boolVar(&c.Flags.EmailDataLogging, "FLAG_EMAIL_DATA_LOGGING")

	e.stringVar(&c.Ops.Listen, "OPS_LISTEN")

	return errors.Join(e.errs...)
}

// envReader applies environment overrides and collects parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) stringVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) intVar(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) boolVar(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (e *envReader) durationVar(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}
