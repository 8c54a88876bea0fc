package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Open picks a Store implementation from the connection string scheme and
// applies its schema:
//
//	postgres:// postgresql://   PostgresStore
//	mongodb:// mongodb+srv://   MongoStore
//	sqlite://<path> file:...    SQLiteStore
//	memory:// (or empty)        MemoryStore
func Open(ctx context.Context, dsn string, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch {
	case dsn == "" || strings.HasPrefix(dsn, "memory://"):
		logger.Warn("Using in-memory transaction store; data is lost on restart")
		return NewMemoryStore(), nil

	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		logger.Info("Connected to PostgreSQL transaction store")
		return s, nil

	case strings.HasPrefix(dsn, "mongodb://"), strings.HasPrefix(dsn, "mongodb+srv://"):
		s, err := OpenMongo(ctx, dsn, mongoDatabase(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		logger.Info("Connected to MongoDB transaction store")
		return s, nil

	case strings.HasPrefix(dsn, "sqlite://"), strings.HasPrefix(dsn, "file:"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		s, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		logger.Info("Opened SQLite transaction store", zap.String("path", path))
		return s, nil
	}

	return nil, fmt.Errorf("unsupported DATABASE_URL scheme: %q", schemeOf(dsn))
}

func mongoDatabase(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}

func schemeOf(dsn string) string {
	if i := strings.Index(dsn, ":"); i > 0 {
		return dsn[:i]
	}
	return dsn
}
