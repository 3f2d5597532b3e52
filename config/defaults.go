// Package config defaults: reasonable values for every config field,
// applied before the YAML file and environment variable layers.
package config

import "time"

// DefaultConfig returns the gateway's baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Database:   DefaultDatabaseConfig(),
		Pool:       DefaultPoolConfig(),
		Reconciler: DefaultReconcilerConfig(),
		Admin:      DefaultAdminConfig(),
		Providers:  ProvidersConfig{},
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default HTTP listener configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Environment:        "development",
		Host:               "0.0.0.0",
		Port:               8080,
		MetricsPort:        9091,
		CORSAllowedOrigins: nil,
		RateLimitRPS:       20,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       300 * time.Second,
		ShutdownTimeout:    15 * time.Second,
	}
}

// DefaultDatabaseConfig returns the default database configuration: a
// local sqlite file, the quickest path to a working gateway.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:                  "sqlite",
		SQLitePath:              "gateway.db",
		SQLiteEnableWAL:         true,
		SQLiteEnableForeignKeys: true,
		MaxOpenConns:            25,
		MaxIdleConns:            5,
		ConnMaxLifetime:         5 * time.Minute,
	}
}

// DefaultPoolConfig returns the default sql.DB connection-pool
// configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:             25,
		IdleTimeout:         5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
	}
}

// DefaultReconcilerConfig returns the default balance-reconciliation
// cycle period.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval: 300 * time.Second,
	}
}

// DefaultAdminConfig returns the default admin-auth configuration. The
// JWT secret and bootstrap password are intentionally left empty:
// Config.Validate refuses to start without an explicit JWT secret.
func DefaultAdminConfig() AdminConfig {
	return AdminConfig{
		JWTExpiration: 24 * time.Hour,
		Username:      "admin",
	}
}

// DefaultLogConfig returns the default zap logger configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default OTel/sidecar configuration,
// disabled until an OTLP endpoint is configured.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "llm-gateway",
		SampleRate:   0.1,
	}
}
