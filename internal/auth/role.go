// Package auth は URL 単位のアクセス制御、フォームログイン、ログアウトを提供します。
package auth

import "strings"

// Role はユーザーに付与される権限を表します。
type Role struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

// 起動時に一度だけ定義され、以降は変更されません。
var (
	RoleUser  = Role{Name: "user", Label: "用户"}
	RoleAdmin = Role{Name: "admin", Label: "管理员"}
)

var roleRegistry = map[string]Role{
	RoleUser.Name:  RoleUser,
	RoleAdmin.Name: RoleAdmin,
}

// LookupRole はロール名から Role を取得します。
func LookupRole(name string) (Role, bool) {
	r, ok := roleRegistry[strings.TrimSpace(name)]
	return r, ok
}

// Roles は登録済みのロールを定義順で返します。
func Roles() []Role {
	return []Role{RoleUser, RoleAdmin}
}

// Principal は認証済みユーザーと付与ロールです。
type Principal struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// HasRole は指定ロールを持っているかを返します。
func (p *Principal) HasRole(role Role) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role.Name {
			return true
		}
	}
	return false
}
