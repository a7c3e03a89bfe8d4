// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Model artifacts. All units of a version are written and read together.
	SaveArtifact(ctx context.Context, artifact *ModelArtifact) error
	LoadArtifact(ctx context.Context, version string) (*ModelArtifact, error)
	LatestArtifact(ctx context.Context) (*ModelArtifact, error)

	// Prediction audit trail
	SavePrediction(ctx context.Context, p *Prediction) error
	GetPrediction(ctx context.Context, id string) (*Prediction, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver" json:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path" json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host" json:"postgresHost"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgresPort"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgresUser"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"`
	PostgresDB       string `mapstructure:"postgres_db" json:"postgresDb"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode" json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns" json:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" json:"connMaxLifetime"`
}
