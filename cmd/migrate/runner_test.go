package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigration(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

// TestLoadMigrations はファイル名順の読み込みテスト
func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "002_layers.sql", "CREATE TABLE layers (id TEXT);")
	writeMigration(t, dir, "001_skus.sql", "CREATE TABLE skus (id TEXT);")
	writeMigration(t, dir, "README.md", "対象外")

	migrations, err := LoadMigrations(dir)
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, "001_skus.sql", migrations[0].Filename)
	assert.Equal(t, "002_layers.sql", migrations[1].Filename)
	assert.Equal(t, "CREATE TABLE skus (id TEXT);", string(migrations[0].Content))
	assert.Len(t, migrations[0].Checksum, 64)
}

// TestLoadMigrations_Empty は空ディレクトリのテスト
func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := LoadMigrations(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, migrations)
}

// TestCalculateChecksum はチェックサムの決定性テスト
func TestCalculateChecksum(t *testing.T) {
	a := calculateChecksum([]byte("SELECT 1;"))
	b := calculateChecksum([]byte("SELECT 1;"))
	c := calculateChecksum([]byte("SELECT 2;"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", calculateChecksum(nil))
}

// TestPending は未適用マイグレーション抽出のテスト
func TestPending(t *testing.T) {
	migrations := []Migration{
		{Filename: "001_skus.sql", Checksum: "aaa"},
		{Filename: "002_layers.sql", Checksum: "bbb"},
		{Filename: "003_movements.sql", Checksum: "ccc"},
	}

	pending, err := Pending(migrations, map[string]string{"001_skus.sql": "aaa"})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "002_layers.sql", pending[0].Filename)
	assert.Equal(t, "003_movements.sql", pending[1].Filename)

	pending, err = Pending(migrations, map[string]string{
		"001_skus.sql":      "aaa",
		"002_layers.sql":    "bbb",
		"003_movements.sql": "ccc",
	})
	require.NoError(t, err)
	assert.Empty(t, pending)

	// 適用済みファイルの内容が変わっていればエラー
	_, err = Pending(migrations, map[string]string{"002_layers.sql": "changed"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "002_layers.sql")
}
