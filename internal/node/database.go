package node

import (
	"context"
	"time"

	"github.com/cordata/raftd/pkg/database"
)

func openPostgres(ctx context.Context, opts *PostgresOptions) (*database.PostgreSQL, error) {
	return database.New(ctx, database.PostgreSQLConfig{
		User:              opts.User,
		Password:          opts.Password,
		Host:              opts.Host,
		Port:              opts.Port,
		Database:          opts.Database,
		SSLMode:           opts.SSLMode,
		MaxConnections:    10,
		ConnectionTimeout: 5 * time.Second,
	})
}

func openRedis(ctx context.Context, opts *RedisOptions) (*database.Redis, error) {
	return database.NewRedis(ctx, database.RedisConfig{
		Host:         opts.Host,
		Port:         opts.Port,
		Password:     opts.Password,
		DB:           0,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxIdleTime:  5 * time.Minute,
	})
}
