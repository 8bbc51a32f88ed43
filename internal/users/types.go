// Package users はログイン認証で参照するアカウントの保存と登録を提供します。
package users

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound はアカウントが存在しないことを示します。
	ErrNotFound = errors.New("account not found")
	// ErrExists は同じユーザー名のアカウントが既に存在することを示します。
	ErrExists = errors.New("account already exists")
)

// Account は保存されているアカウント情報です。
type Account struct {
	ID                 string    `json:"id"`
	Username           string    `json:"username"`
	PasswordHash       string    `json:"passwordHash"`
	Roles              []string  `json:"roles"`
	Locked             bool      `json:"locked"`
	Disabled           bool      `json:"disabled"`
	AccountExpired     bool      `json:"accountExpired"`
	CredentialsExpired bool      `json:"credentialsExpired"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Lookup はユーザー名からアカウントを取得します。存在しない場合は ErrNotFound を返します。
type Lookup interface {
	FindByUsername(ctx context.Context, username string) (*Account, error)
}

// Store はアカウントの参照と作成を提供します。
type Store interface {
	Lookup
	Create(ctx context.Context, account *Account) error
}

func (a *Account) clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Roles = append([]string(nil), a.Roles...)
	return &c
}

// prepare は保存前に ID と時刻を補完します。
func prepare(a *Account) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
}
