package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    roles TEXT NOT NULL DEFAULT '',
    locked INTEGER NOT NULL DEFAULT 0,
    disabled INTEGER NOT NULL DEFAULT 0,
    account_expired INTEGER NOT NULL DEFAULT 0,
    credentials_expired INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
`

// SQLiteStore は SQLite にアカウントを保存します。
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite は path のデータベースを開き、スキーマを適用します。
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// :memory: は接続ごとに別 DB になるため 1 本に固定する
	if strings.HasPrefix(path, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore は接続済みの db から SQLiteStore を作成します。
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close はデータベースを閉じます。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// FindByUsername はアカウントを取得します。
func (s *SQLiteStore) FindByUsername(ctx context.Context, username string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, roles, locked, disabled,
		       account_expired, credentials_expired, created_at, updated_at
		FROM accounts WHERE username = ?`, username)

	var (
		a     Account
		roles string
	)
	err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &roles, &a.Locked, &a.Disabled,
		&a.AccountExpired, &a.CredentialsExpired, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query account %s: %w", username, err)
	}
	a.Roles = splitRoles(roles)
	return &a, nil
}

// Create はアカウントを追加します。既に存在する場合は ErrExists を返します。
func (s *SQLiteStore) Create(ctx context.Context, account *Account) error {
	if account == nil || account.Username == "" {
		return fmt.Errorf("username is required")
	}
	prepare(account)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, username, password_hash, roles, locked, disabled,
		                      account_expired, credentials_expired, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO NOTHING`,
		account.ID, account.Username, account.PasswordHash, strings.Join(account.Roles, ","),
		account.Locked, account.Disabled, account.AccountExpired, account.CredentialsExpired,
		account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert account %s: %w", account.Username, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func splitRoles(s string) []string {
	var roles []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}
