package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger from the logging section
// ログ設定からzapロガーを構築
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	var zc zap.Config
	if c.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = c.Logging.Format

	if c.Logging.Output != "" {
		zc.OutputPaths = []string{c.Logging.Output}
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("ロガー初期化に失敗しました: %w", err)
	}
	return logger, nil
}
