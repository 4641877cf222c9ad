package kv

import (
	"context"
	"fmt"
)

// Type constants for kv backends.
const (
	TypeMemory     = "memory"
	TypeSQLite     = "sqlite"
	TypePostgreSQL = "postgresql"
	TypeMongoDB    = "mongodb"
	TypeRedis      = "redis"
)

// Config holds kv store configuration.
type Config struct {
	// Type selects the backend: memory, sqlite, postgresql, mongodb, or redis.
	Type string

	SQLite     SQLiteConfig
	PostgreSQL PostgreSQLConfig
	MongoDB    MongoDBConfig
	Redis      RedisConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Type: TypeSQLite,
		SQLite: SQLiteConfig{
			Path: "data/modelbroker.db",
		},
		PostgreSQL: PostgreSQLConfig{
			MaxConns: 10,
		},
		MongoDB: MongoDBConfig{
			Database: "modelbroker",
		},
		Redis: RedisConfig{
			Prefix: DefaultRedisPrefix,
		},
	}
}

// New creates a Store based on the configuration.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case TypeMemory:
		return NewMemoryStore(), nil
	case TypeSQLite:
		return NewSQLiteStore(cfg.SQLite)
	case TypePostgreSQL:
		return NewPostgreSQLStore(ctx, cfg.PostgreSQL)
	case TypeMongoDB:
		return NewMongoDBStore(ctx, cfg.MongoDB)
	case TypeRedis:
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown kv store type: %s (valid: memory, sqlite, postgresql, mongodb, redis)", cfg.Type)
	}
}
