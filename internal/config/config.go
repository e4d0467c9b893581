// ============================================================================
// seakylib Config - YAML 配置
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入 mrun 的 YAML 配置，缺少的欄位使用預設值
//
// 配置範例:
//
//	run:
//	  workers: 60
//	  pass_timeout: 60s
//	  retries: 1
//	  retry_missing: false
//	  inline: false
//	  result_dir: temp
//	  save: true
//	  keep_backups: 0
//	db:
//	  driver: sqlite3
//	  dsn: results.db
//	  table: results
//	  key: host
//	  timed: true
//	redis:
//	  url: redis://localhost:6379/0
//	  prefix: mrun
//	  key: host
//	  columns: [host, is_ok, result, elapsed]
//	metrics:
//	  enabled: false
//	  port: 9090
//	log:
//	  file: /tmp/mrun.log
//	  level: info
//
// ============================================================================

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mrun 的完整配置
type Config struct {
	Run struct {
		Workers      int           `yaml:"workers"`
		PassTimeout  time.Duration `yaml:"pass_timeout"`
		Retries      int           `yaml:"retries"`
		RetryMissing bool          `yaml:"retry_missing"`
		Inline       bool          `yaml:"inline"`
		ResultDir    string        `yaml:"result_dir"`
		Save         bool          `yaml:"save"`
		KeepBackups  int           `yaml:"keep_backups"` // 覆寫結果檔前保留的舊版本數，0 表示不備份
	} `yaml:"run"`

	DB struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
		Table  string `yaml:"table"`
		Key    string `yaml:"key"`
		Timed  bool   `yaml:"timed"`
	} `yaml:"db"`

	Redis struct {
		URL     string   `yaml:"url"`
		Prefix  string   `yaml:"prefix"`
		Key     string   `yaml:"key"`
		Columns []string `yaml:"columns"`
	} `yaml:"redis"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		File  string `yaml:"file"`
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default 回傳預設配置
func Default() Config {
	var cfg Config
	cfg.Run.Workers = 60
	cfg.Run.PassTimeout = 60 * time.Second
	cfg.Run.ResultDir = "temp"
	cfg.Run.Save = true
	cfg.DB.Driver = "sqlite3"
	cfg.DB.Timed = true
	cfg.Redis.URL = "redis://localhost:6379"
	cfg.Redis.Prefix = "mrun"
	cfg.Metrics.Port = 9090
	cfg.Log.Level = "info"
	return cfg
}

// Load 讀取 YAML 配置；path 為空時只回傳預設值
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 檢查數值範圍
func (c *Config) Validate() error {
	if c.Run.Workers < 1 {
		return fmt.Errorf("run.workers must be positive, got %d", c.Run.Workers)
	}
	if c.Run.PassTimeout <= 0 {
		return fmt.Errorf("run.pass_timeout must be positive, got %s", c.Run.PassTimeout)
	}
	if c.Run.Retries < 0 {
		return fmt.Errorf("run.retries must not be negative, got %d", c.Run.Retries)
	}
	if c.Run.KeepBackups < 0 {
		return fmt.Errorf("run.keep_backups must not be negative, got %d", c.Run.KeepBackups)
	}
	return nil
}

// LogLevel 解析 log.level；無法辨識時使用 Info
func (c *Config) LogLevel() slog.Level {
	return ParseLogLevel(c.Log.Level)
}

// ParseLogLevel converts a level name to slog.Level.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
