// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// セッション設定
	SessionSecret      string        // セッション署名用の秘密鍵
	SessionStore       string        // セッションの保存先 (cookie, memory)
	SessionMaxLifetime time.Duration // ログインからの最大有効期間
	SessionIdleTimeout time.Duration // 無操作で失効するまでの時間
	SessionRevocation  string        // ログアウト済みセッションの記録先 (memory, redis)
	SessionRedisURL    string        // redis 失効一覧用の接続URL

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証・認可
	BcryptCost      int    // bcrypt のコスト
	UnmatchedAccess string // ルール表に一致しないパスの扱い (authenticated, deny, permit)

	// アカウントストア
	UserStore      string // memory, redis, sqlite
	UserRedisURL   string // redis ストア用の接続URL
	UserSQLitePath string // sqlite ストアのファイルパス

	// 初期管理者アカウント（空なら作成しない）
	AdminUsername string
	AdminPassword string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		SessionSecret:      getEnv("SESSION_SECRET", ""),
		SessionStore:       getEnv("SESSION_STORE", "cookie"),
		SessionMaxLifetime: time.Duration(getEnvAsInt("SESSION_MAX_AGE_HOURS", 12)) * time.Hour,
		SessionIdleTimeout: time.Duration(getEnvAsInt("SESSION_IDLE_MINUTES", 30)) * time.Minute,
		SessionRevocation:  getEnv("SESSION_REVOCATION", "memory"),
		SessionRedisURL:    getEnv("SESSION_REDIS_URL", "redis://127.0.0.1:6379/1"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		BcryptCost:      getEnvAsInt("BCRYPT_COST", 10),
		UnmatchedAccess: getEnv("UNMATCHED_ACCESS", "authenticated"),

		UserStore:      getEnv("USER_STORE", "memory"),
		UserRedisURL:   getEnv("USER_REDIS_URL", "redis://127.0.0.1:6379/0"),
		UserSQLitePath: getEnv("USER_SQLITE_PATH", "store-gateway.db"),

		AdminUsername: getEnv("ADMIN_USERNAME", ""),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.SessionStore {
	case "cookie", "memory":
	default:
		return fmt.Errorf("SESSION_STORE must be cookie or memory, got %q", c.SessionStore)
	}
	switch c.SessionRevocation {
	case "memory", "redis":
	default:
		return fmt.Errorf("SESSION_REVOCATION must be memory or redis, got %q", c.SessionRevocation)
	}
	switch c.UserStore {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("USER_STORE must be memory, redis or sqlite, got %q", c.UserStore)
	}
	switch c.UnmatchedAccess {
	case "authenticated", "deny", "permit":
	default:
		return fmt.Errorf("UNMATCHED_ACCESS must be authenticated, deny or permit, got %q", c.UnmatchedAccess)
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD must be set together")
	}

	// ローカル開発ではセッション鍵は任意
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.UserStore == "memory" {
			return fmt.Errorf("USER_STORE=memory is not allowed in release mode")
		}
		if c.UserStore == "redis" && c.UserRedisURL == "" {
			return fmt.Errorf("USER_REDIS_URL is required in release mode")
		}
		if c.SessionRevocation == "redis" && c.SessionRedisURL == "" {
			return fmt.Errorf("SESSION_REDIS_URL is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
