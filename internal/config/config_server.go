package config

import "time"

// ServerConfig controls the HTTP surface cmd/aegis serve exposes: the
// health/status endpoint and the metrics endpoint.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// DatabaseConfig points at the Postgres/CockroachDB-compatible cluster
// backing both internal/sessions' CockroachStore and
// internal/memstore/sqlstore, when either is selected as the active
// backend.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
