package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"semgate/internal/config"
	internaldb "semgate/internal/db"
	"semgate/internal/db/repository"
	"semgate/internal/domain"
	"semgate/internal/engine"
	"semgate/internal/modelstore"
)

const s3SecretName = "semgate_s3"

func noopClose() error { return nil }

// OpenModelStore opens the store named by MODEL_STORE. SQLite stores are
// opened read-only; `semgate models import` is the writer.
func OpenModelStore(ctx context.Context, cfg *config.Config) (domain.ModelStore, func() error, error) {
	if path, ok := strings.CutPrefix(cfg.ModelStore, "sqlite://"); ok {
		db, err := internaldb.OpenSQLite(ctx, path, internaldb.ReadOnly)
		if err != nil {
			return nil, nil, fmt.Errorf("open model store: %w", err)
		}
		return repository.NewSemanticModelRepo(db), db.Close, nil
	}
	store, err := modelstore.Open(ctx, cfg.ModelStore, &cfg.ObjectStore)
	if err != nil {
		return nil, nil, err
	}
	if c, ok := store.(io.Closer); ok {
		return store, c.Close, nil
	}
	return store, noopClose, nil
}

// OpenWarehouse opens the executor named by WAREHOUSE_DSN.
func OpenWarehouse(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.Executor, func() error, error) {
	dsn := cfg.WarehouseDSN
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		pg, err := engine.NewPostgresExecutor(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("warehouse connected", "kind", "postgres")
		return pg, func() error { pg.Close(); return nil }, nil

	case strings.HasPrefix(dsn, "duckdb://"):
		path := strings.TrimPrefix(dsn, "duckdb://")
		db, err := engine.OpenDuckDB(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		if err := setupDuckDB(ctx, cfg, db, logger); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("warehouse opened", "kind", "duckdb", "path", path)
		return engine.NewDuckDBExecutor(db), db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported WAREHOUSE_DSN %q (want duckdb:// or postgres://)", dsn)
	}
}

func setupDuckDB(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) error {
	objects := cfg.ObjectStore
	if objects.HasS3Credentials() {
		if err := engine.InstallExtensions(ctx, db, []string{"httpfs"}); err != nil {
			return err
		}
		secret := engine.S3Secret{
			Name:     s3SecretName,
			KeyID:    *objects.S3KeyID,
			Secret:   *objects.S3Secret,
			Region:   deref(objects.S3Region),
			Endpoint: deref(objects.S3Endpoint),
			URLStyle: objects.S3URLStyle,
		}
		if err := engine.CreateS3Secret(ctx, db, secret); err != nil {
			return err
		}
		logger.Info("warehouse S3 secret created", "secret", s3SecretName)
	}
	if cfg.WarehouseInitFile != "" {
		script, err := os.ReadFile(cfg.WarehouseInitFile)
		if err != nil {
			return fmt.Errorf("read WAREHOUSE_INIT_FILE: %w", err)
		}
		if err := engine.RunInitSQL(ctx, db, string(script)); err != nil {
			return err
		}
		logger.Info("warehouse init script applied", "file", cfg.WarehouseInitFile)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
