package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/docsense/internal/logger"
)

//go:embed scripts/initdb.sql
var bootstrapFS embed.FS

// schemaVersion is the docsense_meta row written by initdb.sql.
const schemaVersion = 1

// EnsureBootstrapped creates the schema unless docsense_meta already records
// the current version. The passage_vectors column is sized to dim.
func EnsureBootstrapped(ctx context.Context, db *sql.DB, dim int, log *zap.Logger) error {
	log = logger.OrNop(log)
	ctxBoot, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	var exists bool
	err := db.QueryRowContext(ctxBoot, `
		SELECT EXISTS (
		  SELECT 1 FROM information_schema.tables
		  WHERE table_name = 'docsense_meta'
		)`).
		Scan(&exists)
	if err != nil {
		return fmt.Errorf("meta table check failed: %w", err)
	}

	if exists {
		var hasVersion bool
		if err := db.QueryRowContext(ctxBoot, `SELECT EXISTS (SELECT 1 FROM docsense_meta WHERE version = $1)`, schemaVersion).Scan(&hasVersion); err != nil {
			return fmt.Errorf("meta version check failed: %w", err)
		}
		if hasVersion {
			log.Debug("schema already bootstrapped", zap.Int("version", schemaVersion))
			return nil
		}
	}

	log.Info("bootstrapping schema", zap.Int("version", schemaVersion), zap.Int("embed_dim", dim))
	return runBootstrap(ctxBoot, db, dim)
}

func runBootstrap(ctx context.Context, db *sql.DB, dim int) error {
	script, err := bootstrapScript(dim)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec bootstrap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}

func bootstrapScript(dim int) (string, error) {
	if dim <= 0 {
		return "", fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	sqlBytes, err := bootstrapFS.ReadFile("scripts/initdb.sql")
	if err != nil {
		return "", fmt.Errorf("read initdb.sql: %w", err)
	}
	return strings.ReplaceAll(string(sqlBytes), "{{EMBED_DIM}}", strconv.Itoa(dim)), nil
}
