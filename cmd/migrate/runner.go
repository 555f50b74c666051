package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Migration is one SQL file
// マイグレーションファイル1件
type Migration struct {
	Filename string
	Content  []byte
	Checksum string
}

// AppliedMigration is a row of schema_migrations
type AppliedMigration struct {
	Filename string `db:"filename"`
	Checksum string `db:"checksum"`
}

// Runner applies migrations once each
// マイグレーションを一度ずつ適用
type Runner struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewRunner(db *sqlx.DB, logger *zap.Logger) *Runner {
	return &Runner{db: db, logger: logger}
}

// EnsureTable creates schema_migrations if missing
// マイグレーション履歴テーブルを作成
func (r *Runner) EnsureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			filename VARCHAR(255) NOT NULL UNIQUE,
			executed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("マイグレーション履歴テーブル作成エラー: %w", err)
	}
	return nil
}

// Run applies every pending migration in dir and returns how many ran
// 未適用のマイグレーションを実行
func (r *Runner) Run(ctx context.Context, dir string) (int, error) {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return 0, err
	}
	if len(migrations) == 0 {
		r.logger.Warn("マイグレーションファイルが見つかりません", zap.String("dir", dir))
		return 0, nil
	}

	var rows []AppliedMigration
	if err := r.db.SelectContext(ctx, &rows, "SELECT filename, checksum FROM schema_migrations"); err != nil {
		return 0, fmt.Errorf("実行済みマイグレーション取得エラー: %w", err)
	}
	applied := make(map[string]string, len(rows))
	for _, row := range rows {
		applied[row.Filename] = row.Checksum
	}

	pending, err := Pending(migrations, applied)
	if err != nil {
		return 0, err
	}

	for _, m := range pending {
		r.logger.Info("実行中", zap.String("file", m.Filename))
		if err := r.apply(ctx, m); err != nil {
			return 0, err
		}
		r.logger.Info("完了", zap.String("file", m.Filename), zap.String("checksum", m.Checksum))
	}
	return len(pending), nil
}

func (r *Runner) apply(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始エラー %s: %w", m.Filename, err)
	}

	if _, err := tx.ExecContext(ctx, string(m.Content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("マイグレーション実行エラー %s: %w", m.Filename, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)",
		m.Filename, m.Checksum,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("マイグレーション履歴記録エラー %s: %w", m.Filename, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションコミットエラー %s: %w", m.Filename, err)
	}
	return nil
}

// LoadMigrations reads *.sql in dir sorted by file name
// ディレクトリ内の.sqlファイルをファイル名順に読み込み
func LoadMigrations(dir string) ([]Migration, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイル検索エラー: %w", err)
	}
	sort.Strings(files)

	migrations := make([]Migration, 0, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("ファイル読み込みエラー %s: %w", filepath.Base(file), err)
		}
		migrations = append(migrations, Migration{
			Filename: filepath.Base(file),
			Content:  content,
			Checksum: calculateChecksum(content),
		})
	}
	return migrations, nil
}

// Pending returns migrations not yet applied. An applied file whose content
// changed is an error.
// 未適用のマイグレーションを返す（適用済みファイルの変更はエラー）
func Pending(migrations []Migration, applied map[string]string) ([]Migration, error) {
	var pending []Migration
	for _, m := range migrations {
		checksum, ok := applied[m.Filename]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if checksum != m.Checksum {
			return nil, fmt.Errorf("適用済みマイグレーションが変更されています: %s", m.Filename)
		}
	}
	return pending, nil
}

// calculateChecksum ファイル内容のSHA-256チェックサムを計算
func calculateChecksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
