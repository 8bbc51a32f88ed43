package users

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore はプロセス内にアカウントを保持する Store です。開発とテスト用です。
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

// FindByUsername はアカウントを取得します。
func (s *MemoryStore) FindByUsername(ctx context.Context, username string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[username]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

// Create はアカウントを追加します。
func (s *MemoryStore) Create(ctx context.Context, account *Account) error {
	if account == nil || account.Username == "" {
		return fmt.Errorf("username is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.Username]; ok {
		return ErrExists
	}
	prepare(account)
	s.accounts[account.Username] = account.clone()
	return nil
}
