package store

import (
	"context"
	"strings"

	"github.com/kilndev/kiln/internal/common/config"
	"github.com/kilndev/kiln/internal/common/database"
	"github.com/kilndev/kiln/internal/common/logger"
	"go.uber.org/zap"
)

// Open selects a Store implementation from the database configuration:
// a postgres:// URL gets the pgx-backed store, any other non-empty value is
// treated as a SQLite file path, and an empty URL means the in-memory store.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (Store, error) {
	switch {
	case cfg.URL == "":
		log.Warn("No database configured, using in-memory store; data will not survive restarts")
		return NewMemoryStore(), nil
	case strings.HasPrefix(cfg.URL, "postgres://") || strings.HasPrefix(cfg.URL, "postgresql://"):
		db, err := database.NewDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		log.Info("Connected to database", zap.String("driver", "postgres"))
		return NewPostgresStore(ctx, db)
	default:
		s, err := NewSQLiteStore(cfg.URL)
		if err != nil {
			return nil, err
		}
		log.Info("Connected to database", zap.String("driver", "sqlite"), zap.String("path", cfg.URL))
		return s, nil
	}
}
