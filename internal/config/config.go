// Package config loads the service configuration from defaults, an optional
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SCOUT_DISPATCH_WORKERS.
const EnvPrefix = "SCOUT"

// Config is the complete service configuration.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Server     ServerConfig     `mapstructure:"server"`
	API        APIConfig        `mapstructure:"api"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Credential CredentialConfig `mapstructure:"credential"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Market     MarketConfig     `mapstructure:"market"`
}

// ServiceConfig identifies the running instance.
type ServiceConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	DebugAddr       string        `mapstructure:"debug_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// APIConfig configures the public gateway.
type APIConfig struct {
	RootPath       string        `mapstructure:"root_path" validate:"required,startswith=/"`
	MasterToken    string        `mapstructure:"master_token"`
	OpenWSLimit    int           `mapstructure:"open_ws_limit" validate:"gt=0"`
	WSPingInterval time.Duration `mapstructure:"ws_ping_interval" validate:"gt=0"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
}

// DispatchConfig configures the worker pool, retries and task retention.
type DispatchConfig struct {
	Workers         int           `mapstructure:"workers" validate:"gt=0"`
	QueueSize       int           `mapstructure:"queue_size" validate:"gte=0"`
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"gt=0"`
	BackoffInitial  time.Duration `mapstructure:"backoff_initial" validate:"gt=0"`
	BackoffMax      time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffInitial"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	OrderLimitItems int           `mapstructure:"order_limit_items" validate:"gte=0"`
	Retention       time.Duration `mapstructure:"retention" validate:"gt=0"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval" validate:"gt=0"`
}

// ProxyConfig configures the default proxy pool and health policy.
type ProxyConfig struct {
	Default          []string      `mapstructure:"default"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gt=0"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval" validate:"gt=0"`
	MaxTracked       int           `mapstructure:"max_tracked" validate:"gt=0"`
}

// StreamConfig configures the event stream hub.
type StreamConfig struct {
	BufferSize int `mapstructure:"buffer_size" validate:"gt=0"`
}

// CredentialConfig configures token persistence.
type CredentialConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
}

// DatabaseConfig selects postgres storage. An empty DSN keeps tokens and the
// task archive in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"gt=0"`
	MigrationsURL   string        `mapstructure:"migrations_url"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	ArchiveCapacity int           `mapstructure:"archive_capacity" validate:"gt=0"`
	ArchiveTTL      time.Duration `mapstructure:"archive_ttl"`
}

// KafkaConfig enables the task event exporter when brokers are set.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic" validate:"required_with=Brokers"`
	ClientID string   `mapstructure:"client_id"`

	// ConnectTimeout bounds the retries of the initial broker connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// TelemetryConfig configures tracing and metrics export. An empty endpoint
// disables export.
type TelemetryConfig struct {
	ExporterEndpoint string   `mapstructure:"exporter_endpoint"`
	Insecure         bool     `mapstructure:"insecure"`
	Probability      float64  `mapstructure:"probability" validate:"gte=0,lte=1"`
	ExcludedRoutes   []string `mapstructure:"excluded_routes"`
}

// MarketConfig selects the fetcher and the market catalog.
type MarketConfig struct {
	CatalogPath     string        `mapstructure:"catalog_path"`
	Fetcher         string        `mapstructure:"fetcher" validate:"oneof=mock http"`
	UserAgent       string        `mapstructure:"user_agent"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gt=0"`
	MockMinLatency  time.Duration `mapstructure:"mock_min_latency"`
	MockMaxLatency  time.Duration `mapstructure:"mock_max_latency" validate:"gtefield=MockMinLatency"`
	MockFailureRate float64       `mapstructure:"mock_failure_rate" validate:"gte=0,lte=1"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Service: ServiceConfig{Name: "market-scout", Env: "dev", LogLevel: "info"},
		Server: ServerConfig{
			Addr:            ":8080",
			DebugAddr:       ":8090",
			ReadTimeout:     10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		API: APIConfig{
			RootPath:       "/api/v1",
			OpenWSLimit:    256,
			WSPingInterval: 30 * time.Second,
			MaxBodyBytes:   1 << 20,
		},
		Dispatch: DispatchConfig{
			Workers:         4,
			MaxAttempts:     3,
			BackoffInitial:  500 * time.Millisecond,
			BackoffMax:      10 * time.Second,
			FetchTimeout:    30 * time.Second,
			OrderLimitItems: 250,
			Retention:       10 * time.Minute,
			JanitorInterval: 30 * time.Second,
		},
		Proxy:      ProxyConfig{FailureThreshold: 3, RecoveryInterval: 30 * time.Second, MaxTracked: 4096},
		Stream:     StreamConfig{BufferSize: 16},
		Credential: CredentialConfig{FlushInterval: 5 * time.Second},
		Database: DatabaseConfig{
			MaxConns:        10,
			MigrationsURL:   "file://db/migrations",
			ConnectTimeout:  2 * time.Minute,
			ArchiveCapacity: 10000,
			ArchiveTTL:      7 * 24 * time.Hour,
		},
		Kafka:     KafkaConfig{Topic: "market-scout.task-events", ClientID: "market-scout", ConnectTimeout: time.Minute},
		Telemetry: TelemetryConfig{Probability: 0.05, ExcludedRoutes: []string{"/api/v1/ping", "/api/v1/liveness", "/api/v1/readiness"}},
		Market: MarketConfig{
			Fetcher:        "mock",
			MaxIdleConns:   256,
			MockMinLatency: 200 * time.Millisecond,
			MockMaxLatency: 1500 * time.Millisecond,
		},
	}
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("service.name", d.Service.Name)
	v.SetDefault("service.env", d.Service.Env)
	v.SetDefault("service.log_level", d.Service.LogLevel)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.debug_addr", d.Server.DebugAddr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("api.root_path", d.API.RootPath)
	v.SetDefault("api.master_token", d.API.MasterToken)
	v.SetDefault("api.open_ws_limit", d.API.OpenWSLimit)
	v.SetDefault("api.ws_ping_interval", d.API.WSPingInterval)
	v.SetDefault("api.max_body_bytes", d.API.MaxBodyBytes)

	v.SetDefault("dispatch.workers", d.Dispatch.Workers)
	v.SetDefault("dispatch.queue_size", d.Dispatch.QueueSize)
	v.SetDefault("dispatch.max_attempts", d.Dispatch.MaxAttempts)
	v.SetDefault("dispatch.backoff_initial", d.Dispatch.BackoffInitial)
	v.SetDefault("dispatch.backoff_max", d.Dispatch.BackoffMax)
	v.SetDefault("dispatch.fetch_timeout", d.Dispatch.FetchTimeout)
	v.SetDefault("dispatch.order_limit_items", d.Dispatch.OrderLimitItems)
	v.SetDefault("dispatch.retention", d.Dispatch.Retention)
	v.SetDefault("dispatch.janitor_interval", d.Dispatch.JanitorInterval)

	v.SetDefault("proxy.default", d.Proxy.Default)
	v.SetDefault("proxy.failure_threshold", d.Proxy.FailureThreshold)
	v.SetDefault("proxy.recovery_interval", d.Proxy.RecoveryInterval)
	v.SetDefault("proxy.max_tracked", d.Proxy.MaxTracked)

	v.SetDefault("stream.buffer_size", d.Stream.BufferSize)
	v.SetDefault("credential.flush_interval", d.Credential.FlushInterval)

	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_conns", d.Database.MaxConns)
	v.SetDefault("database.migrations_url", d.Database.MigrationsURL)
	v.SetDefault("database.connect_timeout", d.Database.ConnectTimeout)
	v.SetDefault("database.archive_capacity", d.Database.ArchiveCapacity)
	v.SetDefault("database.archive_ttl", d.Database.ArchiveTTL)

	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.client_id", d.Kafka.ClientID)
	v.SetDefault("kafka.connect_timeout", d.Kafka.ConnectTimeout)

	v.SetDefault("telemetry.exporter_endpoint", d.Telemetry.ExporterEndpoint)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
	v.SetDefault("telemetry.probability", d.Telemetry.Probability)
	v.SetDefault("telemetry.excluded_routes", d.Telemetry.ExcludedRoutes)

	v.SetDefault("market.catalog_path", d.Market.CatalogPath)
	v.SetDefault("market.fetcher", d.Market.Fetcher)
	v.SetDefault("market.user_agent", d.Market.UserAgent)
	v.SetDefault("market.max_idle_conns", d.Market.MaxIdleConns)
	v.SetDefault("market.mock_min_latency", d.Market.MockMinLatency)
	v.SetDefault("market.mock_max_latency", d.Market.MockMaxLatency)
	v.SetDefault("market.mock_failure_rate", d.Market.MockFailureRate)
}

// Load builds the configuration. path names an optional YAML file; when empty
// SCOUT_CONFIG is consulted. The master token may also be given as
// MASTER_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("api.master_token", EnvPrefix+"_API_MASTER_TOKEN", "MASTER_TOKEN"); err != nil {
		return nil, fmt.Errorf("binding master token: %w", err)
	}

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
