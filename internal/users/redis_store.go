package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	accountKeyPrefix = "account:"
)

// RedisStore はアカウントを Redis に JSON で保存します。
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// FindByUsername はアカウントを取得します。
func (s *RedisStore) FindByUsername(ctx context.Context, username string) (*Account, error) {
	if username == "" {
		return nil, ErrNotFound
	}
	data, err := s.rdb.Get(ctx, accountKey(username)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var account Account
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("failed to decode account %s: %w", username, err)
	}
	return &account, nil
}

// Create はアカウントを保存します。既に存在する場合は ErrExists を返します。
func (s *RedisStore) Create(ctx context.Context, account *Account) error {
	if account == nil || account.Username == "" {
		return fmt.Errorf("username is required")
	}
	prepare(account)

	payload, err := json.Marshal(account)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, accountKey(account.Username), payload, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Ping は接続を確認します。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func accountKey(username string) string {
	return accountKeyPrefix + username
}
