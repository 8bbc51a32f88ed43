package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/store-gateway/internal/auth"
	"github.com/yourusername/store-gateway/internal/config"
	"github.com/yourusername/store-gateway/internal/users"
)

// setupUserStore は USER_STORE に応じたアカウントストアを作成します。
// 戻り値の関数は終了時にストアを閉じます。
func setupUserStore(cfg *config.Config) (users.Store, func(), error) {
	switch cfg.UserStore {
	case "redis":
		opt, err := redis.ParseURL(cfg.UserRedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		redisClient := redis.NewClient(opt)
		store := users.NewRedisStore(redisClient)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			_ = redisClient.Close()
			return nil, nil, fmt.Errorf("failed to connect redis: %w", err)
		}
		return store, func() { _ = redisClient.Close() }, nil
	case "sqlite":
		store, err := users.OpenSQLite(cfg.UserSQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return users.NewMemoryStore(), func() {}, nil
	}
}

// setupRevocations は SESSION_REVOCATION に応じたログアウト済みセッションの記録先を作成します。
func setupRevocations(cfg *config.Config) (auth.Revocations, func(), error) {
	if cfg.SessionRevocation != "redis" {
		return auth.NewMemoryRevocations(), func() {}, nil
	}
	opt, err := redis.ParseURL(cfg.SessionRedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse session redis url: %w", err)
	}
	redisClient := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, nil, fmt.Errorf("failed to connect session redis: %w", err)
	}
	return auth.NewRedisRevocations(redisClient), func() { _ = redisClient.Close() }, nil
}

// seedAdmin は ADMIN_USERNAME が設定されていれば管理者アカウントを作成します。
func seedAdmin(ctx context.Context, cfg *config.Config, store users.Store, hasher auth.PasswordHasher) error {
	if cfg.AdminUsername == "" {
		return nil
	}
	_, err := users.CreateAccount(ctx, store, hasher, cfg.AdminUsername, cfg.AdminPassword,
		auth.RoleUser.Name, auth.RoleAdmin.Name)
	if errors.Is(err, users.ErrExists) {
		log.Printf("admin account %s already exists", cfg.AdminUsername)
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("admin account %s created", cfg.AdminUsername)
	return nil
}
