package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charlesnunot/Stratos-sub003/internal/config"
	"github.com/charlesnunot/Stratos-sub003/internal/db"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding *.sql files")
	flag.Parse()

	logger := zap.Must(zap.NewProduction())
	defer func() { _ = logger.Sync() }()
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	if cfg.Store.Driver != "postgres" {
		logger.Info("nothing to migrate", zap.String("driver", cfg.Store.Driver))
		return
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()

	if err := ensureSchemaTable(ctx, pool); err != nil {
		logger.Fatal("ensure schema table failed", zap.Error(err))
	}

	files, err := listSQLFiles(*dir)
	if err != nil {
		logger.Fatal("list migrations failed", zap.Error(err))
	}

	applied := 0
	for _, file := range files {
		name := filepath.Base(file)
		done, err := isApplied(ctx, pool, name)
		if err != nil {
			logger.Fatal("check migration failed", zap.String("file", name), zap.Error(err))
		}
		if done {
			continue
		}
		if err := apply(ctx, pool, file, name); err != nil {
			logger.Fatal("apply migration failed", zap.String("file", name), zap.Error(err))
		}
		applied++
		logger.Info("applied", zap.String("file", name))
	}
	logger.Info("migrations complete", zap.Int("applied", applied), zap.Int("total", len(files)))
}

func ensureSchemaTable(ctx context.Context, pool *db.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`)
	return err
}

func listSQLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func isApplied(ctx context.Context, pool *db.Pool, name string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists)
	return exists, err
}

// apply runs the file and records it in one transaction so a failed
// migration is retried whole.
func apply(ctx context.Context, pool *db.Pool, file, name string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if sql := strings.TrimSpace(string(data)); sql != "" {
			if _, err := tx.Exec(ctx, sql); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
		return err
	})
}
