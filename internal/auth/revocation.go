package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Revocations はログアウト済みセッション ID の一覧です。
// クッキーストアのようにサーバー側で破棄できないセッションも、ここに載れば復元されません。
type Revocations interface {
	Revoke(ctx context.Context, sessionID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

// MemoryRevocations はプロセス内に保持する Revocations です。
type MemoryRevocations struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryRevocations は MemoryRevocations を作成します。
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Revoke は sessionID を ttl の間だけ失効扱いにします。期限切れのエントリはここで掃除します。
func (m *MemoryRevocations) Revoke(ctx context.Context, sessionID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, until := range m.entries {
		if !now.Before(until) {
			delete(m.entries, id)
		}
	}
	m.entries[sessionID] = now.Add(ttl)
	return nil
}

// IsRevoked は sessionID が失効済みかを返します。
func (m *MemoryRevocations) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.entries[sessionID]
	return ok && m.now().Before(until), nil
}

// RedisRevocations は Redis に失効済みセッション ID を保存します。複数プロセスで共有できます。
type RedisRevocations struct {
	rdb *redis.Client
}

// NewRedisRevocations は RedisRevocations を作成します。
func NewRedisRevocations(rdb *redis.Client) *RedisRevocations {
	return &RedisRevocations{rdb: rdb}
}

func (r *RedisRevocations) Revoke(ctx context.Context, sessionID string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, revocationKey(sessionID), 1, ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, revocationKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revoked session: %w", err)
	}
	return n > 0, nil
}

func revocationKey(sessionID string) string {
	return "revoked_session:" + sessionID
}
