package gateway

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"go.uber.org/zap"

	"github.com/nao1215/tenantgate/pkg/migration"
)

// migrationFS は監査ストアのマイグレーションファイル。
//
//go:embed migrations/*.up.sql
var migrationFS embed.FS

// initSchema はSQLiteデータベースに未適用のマイグレーションを適用する。
func initSchema(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	if _, err := migration.Run(ctx, db, migrationFS, "migrations", logger); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
