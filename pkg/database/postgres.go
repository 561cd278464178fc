package database

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cordata/raftd/pkg/config"
)

var (
	instance *PostgreSQL
	once     sync.Once
)

// PostgreSQL represents a PostgreSQL database connection
type PostgreSQL struct {
	pool *pgxpool.Pool
}

type PostgreSQLConfig struct {
	User              string
	Password          string
	Host              string
	Port              int
	Database          string
	SSLMode           string
	MaxConnections    int32
	ConnectionTimeout time.Duration
}

// New creates a new PostgreSQL instance backing the log store.
func New(ctx context.Context, cfg PostgreSQLConfig) (*PostgreSQL, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("database host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("database user is required")
	}

	poolConfig, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("failed to create connection config: %w", err)
	}

	poolConfig.ConnConfig.Host = cfg.Host
	poolConfig.ConnConfig.Port = uint16(cfg.Port)
	poolConfig.ConnConfig.Database = cfg.Database
	poolConfig.ConnConfig.User = cfg.User
	poolConfig.ConnConfig.Password = cfg.Password
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectionTimeout

	if cfg.SSLMode == "disable" {
		poolConfig.ConnConfig.TLSConfig = nil
	}

	poolConfig.MaxConns = cfg.MaxConnections
	poolConfig.MaxConnIdleTime = cfg.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgreSQL{pool: pool}, nil
}

// FromConfig builds a PostgreSQLConfig from the node's hot-reloadable
// configuration, falling back to environment variables and then to
// development defaults.
func FromConfig(cfg *config.Config) PostgreSQLConfig {
	get := func(key, envVar, def string) string {
		if cfg != nil {
			if v := cfg.Get(key); v != "" {
				return v
			}
		}
		if v := os.Getenv(envVar); v != "" {
			return v
		}
		return def
	}

	return PostgreSQLConfig{
		User:              get("postgres.user", "RAFTD_POSTGRES_USER", "raftd"),
		Password:          get("postgres.password", "RAFTD_POSTGRES_PASSWORD", "raftd"),
		Host:              get("postgres.host", "RAFTD_POSTGRES_HOST", "localhost"),
		Port:              5432,
		Database:          get("postgres.database", "RAFTD_POSTGRES_DATABASE", "raftd"),
		SSLMode:           get("postgres.sslmode", "RAFTD_POSTGRES_SSLMODE", "disable"),
		MaxConnections:    10,
		ConnectionTimeout: 5 * time.Second,
	}
}

// Pool returns the underlying connection pool
func (db *PostgreSQL) Pool() *pgxpool.Pool {
	return db.pool
}

// Close closes the database connection
func (db *PostgreSQL) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Initialize creates and sets up the singleton database instance.
func Initialize(ctx context.Context, cfg PostgreSQLConfig) error {
	var err error
	once.Do(func() {
		instance, err = New(ctx, cfg)
	})
	return err
}

// GetInstance returns the singleton database instance
func GetInstance() *PostgreSQL {
	if instance == nil {
		panic("database not initialized")
	}
	return instance
}

// CreateDatabase creates the named database if it doesn't already exist,
// connecting to the server's default "postgres" database to do so.
func CreateDatabase(ctx context.Context, cfg PostgreSQLConfig, databaseName string) error {
	if databaseName == "" {
		return fmt.Errorf("database name is required")
	}

	poolConfig, err := pgxpool.ParseConfig("")
	if err != nil {
		return fmt.Errorf("failed to create connection config: %w", err)
	}

	poolConfig.ConnConfig.Host = cfg.Host
	poolConfig.ConnConfig.Port = uint16(cfg.Port)
	poolConfig.ConnConfig.Database = "postgres"
	poolConfig.ConnConfig.User = cfg.User
	poolConfig.ConnConfig.Password = cfg.Password
	poolConfig.ConnConfig.ConnectTimeout = 30 * time.Second
	poolConfig.ConnConfig.TLSConfig = nil

	defaultPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to default database: %w", err)
	}
	defer defaultPool.Close()

	_, err = defaultPool.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", databaseName))
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}

	return nil
}
