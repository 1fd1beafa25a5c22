// Package config はアプリケーション全体の設定を提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// JobStoreとWebSubマネージャには構築時にこの値を渡し、
// 実行中にグローバル状態を参照しない。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort string

	// BaseURLはWebSubコールバックの公開ベースURL。
	// 未設定の場合はWebSubを無効化してポーリングのみで動作する。
	BaseURL string

	// Environmentは実行環境（production / development）。
	// productionではコールバックURLにhttpsを強制する。
	Environment string

	// WebSub
	WebSubDisabled    bool
	LeaseSeconds      int
	RenewBeforeHours  int
	HubRequestTimeout time.Duration

	// Job Store
	ClaimStaleAfter time.Duration

	// Sync worker
	SyncInterval      time.Duration
	SyncMaxConcurrent int
	FetchTimeout      time.Duration
	FetchMaxSize      int64

	// Rate Limit（コールバックエンドポイント、req/min）
	RateLimitCallback int
}

// IsProduction は実行環境がproductionかを返す。
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
// BASE_URLは必須ではない: 未設定はWebSub無効の正常な定常状態として扱う。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	cfg.Environment = getEnvString("APP_ENV", "development")
	cfg.WebSubDisabled = getEnvBool("WEBSUB_DISABLED", false)
	cfg.LeaseSeconds = getEnvInt("WEBSUB_LEASE_SECONDS", 86400*7)
	cfg.RenewBeforeHours = getEnvInt("WEBSUB_RENEW_BEFORE_HOURS", 24)
	cfg.HubRequestTimeout = getEnvDuration("WEBSUB_HUB_TIMEOUT", 10*time.Second)
	cfg.ClaimStaleAfter = getEnvDuration("CLAIM_STALE_AFTER", 5*time.Minute)
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 1*time.Minute)
	cfg.SyncMaxConcurrent = getEnvInt("SYNC_MAX_CONCURRENT", 10)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.RateLimitCallback = getEnvInt("RATE_LIMIT_CALLBACK", 60)

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
