package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad_Defaults はデフォルト設定のテスト
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 3, cfg.Inventory.RetryMaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Inventory.RetryBaseDelay)
	assert.False(t, cfg.Redis.Enabled)

	ledger := cfg.Ledger()
	assert.Equal(t, 3, ledger.Retry.MaxAttempts)
	assert.Equal(t, time.Second, ledger.Retry.MaxDelay)
	assert.True(t, ledger.LowStockAlerts)
	assert.Equal(t, 30*time.Second, ledger.ReferenceLockTTL)

	assert.Equal(t, "host=localhost port=5432 user=ledger password=password dbname=ledger_db sslmode=disable", cfg.DSN())
}

// TestLoad_EnvOverrides は環境変数による上書きのテスト
func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("API_PORT", "9090")
	t.Setenv("INVENTORY_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("INVENTORY_RETRY_BASE_DELAY", "10ms")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDRESS", "redis:6380")
	t.Setenv("REDIS_CHANNEL_PREFIX", "ledger")
	t.Setenv("LOG_LEVEL", "debug")
	// 解析できない値はデフォルトのまま
	t.Setenv("DB_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, 5, cfg.Inventory.RetryMaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Inventory.RetryBaseDelay)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)

	opts := cfg.RedisOptions()
	assert.Equal(t, "redis:6380", opts.Addr)
	assert.Equal(t, "ledger", opts.Prefix)
	assert.Equal(t, 5*time.Minute, opts.TTL)
}

// TestLoad_File はYAML設定ファイルの読み込みテスト
func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  driver: postgres
  host: db.internal
  dbname: ledger_prod
  serializable: true
inventory:
  retry_max_attempts: 4
  retry_base_delay: 20ms
  retry_max_delay: 2s
logging:
  level: warn
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DB_HOST", "db.override")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db.override", cfg.Database.Host)
	assert.Equal(t, "ledger_prod", cfg.Database.DBName)
	assert.Equal(t, "ledger", cfg.Database.User)
	assert.Equal(t, 4, cfg.Inventory.RetryMaxAttempts)
	assert.Equal(t, 20*time.Millisecond, cfg.Inventory.RetryBaseDelay)
	assert.Equal(t, 2*time.Second, cfg.Inventory.RetryMaxDelay)
	assert.Equal(t, "console", cfg.Logging.Format)

	pg := cfg.PostgresOptions()
	assert.True(t, pg.Serializable)
	assert.Equal(t, 25, pg.MaxOpenConns)
}

// TestLoad_MissingFile は存在しない設定ファイルのテスト
func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

// TestValidate は設定バリデーションのテスト
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"empty host", func(c *Config) { c.Database.Host = "" }},
		{"bad db port", func(c *Config) { c.Database.Port = 70000 }},
		{"bad api port", func(c *Config) { c.API.Port = 0 }},
		{"no attempts", func(c *Config) { c.Inventory.RetryMaxAttempts = 0 }},
		{"max below base", func(c *Config) { c.Inventory.RetryMaxDelay = time.Millisecond }},
		{"zero lock ttl", func(c *Config) { c.Inventory.ReferenceLockTTL = 0 }},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	// メモリドライバーではDB接続情報は不要
	cfg := Default()
	cfg.Database.Driver = "memory"
	cfg.Database.Host = ""
	assert.NoError(t, cfg.Validate())
}

// TestNewLogger はロガー構築のテスト
func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Logging.Output = "stderr"

	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)

	cfg.Logging.Level = "loud"
	_, err = cfg.NewLogger()
	assert.Error(t, err)
}
