// Package config loads the gateway's configuration, layered YAML file
// then environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("GATEWAY").
//	    Load()
//
// Precedence: defaults -> YAML file -> environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's complete configuration tree.
type Config struct {
	Server     ServerConfig     `yaml:"server" env:"SERVER"`
	Database   DatabaseConfig   `yaml:"database" env:"DATABASE"`
	Pool       PoolConfig       `yaml:"pool" env:"POOL"`
	Reconciler ReconcilerConfig `yaml:"reconciler" env:"RECONCILER"`
	Admin      AdminConfig      `yaml:"admin" env:"ADMIN"`
	Providers  ProvidersConfig  `yaml:"providers" env:"PROVIDERS"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig holds the HTTP listener and ambient request-handling
// settings.
type ServerConfig struct {
	Environment        string        `yaml:"environment" env:"ENVIRONMENT"`
	Host               string        `yaml:"host" env:"HOST"`
	Port               int           `yaml:"port" env:"PORT"`
	MetricsPort        int           `yaml:"metrics_port" env:"METRICS_PORT"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	RateLimitRPS       float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	ReadTimeout        time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout       time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig selects and configures the backing SQL store. Driver is
// one of postgres, mysql, sqlite; URL, when set, is used verbatim in
// place of the host/port/user/... components.
type DatabaseConfig struct {
	Driver                  string        `yaml:"driver" env:"DRIVER"`
	URL                     string        `yaml:"url" env:"URL"`
	Host                    string        `yaml:"host" env:"HOST"`
	Port                    int           `yaml:"port" env:"PORT"`
	User                    string        `yaml:"user" env:"USER"`
	Password                string        `yaml:"password" env:"PASSWORD"`
	Name                    string        `yaml:"name" env:"NAME"`
	SSLMode                 string        `yaml:"ssl_mode" env:"SSL_MODE"`
	SQLitePath              string        `yaml:"sqlite_path" env:"SQLITE_PATH"`
	SQLiteEnableWAL         bool          `yaml:"sqlite_enable_wal" env:"SQLITE_ENABLE_WAL"`
	SQLiteEnableForeignKeys bool          `yaml:"sqlite_enable_foreign_keys" env:"SQLITE_ENABLE_FOREIGN_KEYS"`
	MaxOpenConns            int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns            int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime         time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// DSN returns a connection string suitable for sql.Open / gorm.Open,
// preferring URL when set.
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		if d.SQLitePath != "" {
			return d.SQLitePath
		}
		return d.Name
	default:
		return ""
	}
}

// PoolConfig bounds the sql.DB connection pool managed by
// internal/database.PoolManager.
type PoolConfig struct {
	MaxSize             int           `yaml:"max_size" env:"MAX_SIZE"`
	IdleTimeout         time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout" env:"HEALTH_CHECK_TIMEOUT"`
}

// ReconcilerConfig controls the balance-reconciliation cycle.
type ReconcilerConfig struct {
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

// AdminConfig holds JWT admin-auth settings and the bootstrap admin
// account used to mint the first token.
type AdminConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTExpiration time.Duration `yaml:"jwt_expiration" env:"JWT_EXPIRATION"`
	Username      string        `yaml:"username" env:"USERNAME"`
	Email         string        `yaml:"email" env:"EMAIL"`
	Password      string        `yaml:"password" env:"PASSWORD"`
}

// ProviderSeed is one statically-configured provider credential,
// registered at startup alongside whatever admission has already
// persisted.
type ProviderSeed struct {
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
}

// ProvidersConfig optionally seeds well-known provider types at startup
// from the YAML file or environment variables (GATEWAY_PROVIDERS_OPENAI_
// API_KEY, GATEWAY_PROVIDERS_ANTHROPIC_API_KEY, GATEWAY_PROVIDERS_
// DEEPSEEK_API_KEY and their _BASE_URL counterparts), so a fresh
// deployment can come up with at least one working provider without an
// admission call.
type ProvidersConfig struct {
	OpenAI    ProviderSeed `yaml:"openai" env:"OPENAI"`
	Anthropic ProviderSeed `yaml:"anthropic" env:"ANTHROPIC"`
	DeepSeek  ProviderSeed `yaml:"deepseek" env:"DEEPSEEK"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures the OTel tracer/meter providers and the
// optional Redis/MongoDB side channels.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	RedisURL     string  `yaml:"redis_url" env:"REDIS_URL"`
	MongoDBURI   string  `yaml:"mongodb_uri" env:"MONGODB_URI"`
}

// Loader builds a Config from layered sources (builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the gateway's default env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "GATEWAY",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path to load before env overrides.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator registers an additional validation pass run after load.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the final Config: defaults, then YAML file, then env.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv recursively walks cfg's struct fields, applying any
// environment variable whose name is PREFIX_TAG (nested structs append
// their own tag to the prefix).
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads the config at path, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads the config from environment variables only, no
// YAML file.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks the fields the gateway cannot safely start without.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "invalid server port")
	}
	if c.Database.Driver == "" {
		errs = append(errs, "database driver is required")
	}
	if c.Admin.JWTSecret == "" {
		errs = append(errs, "admin JWT secret is required")
	}
	if c.Reconciler.Interval <= 0 {
		errs = append(errs, "reconciler interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
