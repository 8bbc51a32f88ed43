package auth

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/store-gateway/internal/users"
)

const (
	SessionCookieName    = "sg_session"
	sessionKeyID         = "session_id"
	sessionKeyUserID     = "auth_user_id"
	sessionKeyUser       = "auth_user"
	sessionKeyRoles      = "auth_roles"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
)

// ContextPrincipalKey は、ハンドラー間で認証済みプリンシパルを共有するためのキーです。
const ContextPrincipalKey = "auth.principal"

const (
	DefaultLoginURL       = "/api/login"
	DefaultLoginPageURL   = "/loginPage"
	DefaultLogoutURL      = "/api/logout"
	DefaultLogoutRedirect = "/"

	DefaultMaxSessionLifetime = 12 * time.Hour
	DefaultIdleTimeout        = 30 * time.Minute
)

// activityResolution より短い間隔では最終操作時刻を書き戻しません。
const activityResolution = time.Minute

// Options は Gateway の動作設定です。ゼロ値の項目には既定値が使われます。
type Options struct {
	LoginURL       string
	LoginPageURL   string
	LogoutURL      string
	LogoutRedirect string

	MaxSessionLifetime time.Duration
	IdleTimeout        time.Duration

	// Revocations はログアウト済みセッションの記録先です。nil ならプロセス内に保持します。
	Revocations Revocations

	Logger *log.Logger
}

func (o Options) withDefaults() Options {
	if o.LoginURL == "" {
		o.LoginURL = DefaultLoginURL
	}
	if o.LoginPageURL == "" {
		o.LoginPageURL = DefaultLoginPageURL
	}
	if o.LogoutURL == "" {
		o.LogoutURL = DefaultLogoutURL
	}
	if o.LogoutRedirect == "" {
		o.LogoutRedirect = DefaultLogoutRedirect
	}
	if o.MaxSessionLifetime <= 0 {
		o.MaxSessionLifetime = DefaultMaxSessionLifetime
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.Revocations == nil {
		o.Revocations = NewMemoryRevocations()
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// Gateway はルール表・アカウント参照・パスワードハッシュを組み合わせたアクセス制御です。
type Gateway struct {
	policy  *Policy
	lookup  users.Lookup
	hasher  PasswordHasher
	opts    Options
	now     func() time.Time
	ownURLs map[string]struct{}
}

// NewGateway は Gateway を作成します。
func NewGateway(policy *Policy, lookup users.Lookup, hasher PasswordHasher, opts Options) (*Gateway, error) {
	if policy == nil {
		return nil, errors.New("policy is nil")
	}
	if lookup == nil {
		return nil, errors.New("lookup is nil")
	}
	if hasher == nil {
		return nil, errors.New("hasher is nil")
	}
	opts = opts.withDefaults()
	return &Gateway{
		policy: policy,
		lookup: lookup,
		hasher: hasher,
		opts:   opts,
		now:    time.Now,
		ownURLs: map[string]struct{}{
			opts.LoginURL:     {},
			opts.LoginPageURL: {},
			opts.LogoutURL:    {},
		},
	}, nil
}

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func (g *Gateway) SessionMaxAgeSeconds() int {
	return int(g.opts.MaxSessionLifetime.Seconds())
}

// Routes はログイン・ログアウト関連のエンドポイントを登録します。
func (g *Gateway) Routes(r gin.IRoutes) {
	r.POST(g.opts.LoginURL, g.Login)
	r.GET(g.opts.LoginPageURL, g.LoginPage)
	r.POST(g.opts.LogoutURL, g.Logout)
	r.GET(g.opts.LogoutURL, g.Logout)
}

// Authorize はルール表に従ってリクエストを通すか判定するミドルウェアを返します。
// sessions.Sessions の後に登録してください。
// ルーターは URL.Path をそのまま使うため、正規形でないパスは判定前に 400 で拒否します。
func (g *Gateway) Authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestPath := c.Request.URL.Path
		if !IsCanonicalPath(requestPath) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"status": http.StatusBadRequest,
				"msg":    "请求路径无效",
			})
			return
		}
		if g.policy.IsIgnored(requestPath) {
			c.Next()
			return
		}

		principal := g.restore(c)
		if principal != nil {
			c.Set(ContextPrincipalKey, principal)
		}

		if _, ok := g.ownURLs[requestPath]; ok {
			c.Next()
			return
		}

		decision := g.policy.Decide(requestPath, principal)
		if !decision.Allowed() {
			msg := "请先登录"
			switch decision.Outcome {
			case DenyForbidden:
				msg = "权限不足"
			case DenyMalformed:
				msg = "请求路径无效"
			}
			c.AbortWithStatusJSON(decision.Status(), gin.H{
				"status": decision.Status(),
				"msg":    msg,
			})
			return
		}
		c.Next()
	}
}

// Authenticate はユーザー名とパスワードを検証します。失敗時は *LoginError を返します。
// ロック・無効・期限切れの判定はパスワード照合より先に行い、パスワード期限切れは照合後に判定します。
func (g *Gateway) Authenticate(ctx context.Context, username, password string) (*Principal, error) {
	if username == "" {
		return nil, fail(FailureBadCredentials)
	}
	account, err := g.lookup.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return nil, fail(FailureBadCredentials)
		}
		return nil, &LoginError{Kind: FailureUnknown, Cause: err}
	}
	if account == nil {
		return nil, fail(FailureBadCredentials)
	}

	switch {
	case account.Locked:
		return nil, fail(FailureLockedAccount)
	case account.Disabled:
		return nil, fail(FailureDisabledAccount)
	case account.AccountExpired:
		return nil, fail(FailureExpiredAccount)
	}

	if !g.hasher.Verify(account.PasswordHash, password) {
		return nil, fail(FailureBadCredentials)
	}

	if account.CredentialsExpired {
		return nil, fail(FailureExpiredCredentials)
	}

	return &Principal{
		ID:       account.ID,
		Username: account.Username,
		Roles:    knownRoles(account.Roles),
	}, nil
}

// Login は /api/login のハンドラーです。
func (g *Gateway) Login(c *gin.Context) {
	username := strings.TrimSpace(c.PostForm("username"))
	password := c.PostForm("password")

	principal, err := g.Authenticate(c.Request.Context(), username, password)
	if err != nil {
		kind := FailureUnknown
		var loginErr *LoginError
		if errors.As(err, &loginErr) {
			kind = loginErr.Kind
			if loginErr.Cause != nil {
				g.opts.Logger.Printf("login lookup failed user=%s: %v", username, loginErr.Cause)
			}
		}
		respond(c, http.StatusUnauthorized, kind.Message())
		return
	}

	session := sessions.Default(c)
	now := g.now()
	session.Clear()
	session.Set(sessionKeyID, uuid.NewString())
	session.Set(sessionKeyUserID, principal.ID)
	session.Set(sessionKeyUser, principal.Username)
	session.Set(sessionKeyRoles, strings.Join(principal.Roles, ","))
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	if err := session.Save(); err != nil {
		g.opts.Logger.Printf("session save failed user=%s: %v", principal.Username, err)
		respond(c, http.StatusInternalServerError, FailureUnknown.Message())
		return
	}

	c.Set(ContextPrincipalKey, principal)
	respond(c, http.StatusOK, principal)
}

// Logout は /api/logout のハンドラーです。セッションを破棄して / へリダイレクトします。
// セッション ID を失効一覧に載せるので、ログアウト前のクッキーを再送しても復元されません。
func (g *Gateway) Logout(c *gin.Context) {
	session := sessions.Default(c)
	if id, ok := session.Get(sessionKeyID).(string); ok && id != "" {
		if err := g.opts.Revocations.Revoke(c.Request.Context(), id, g.opts.MaxSessionLifetime); err != nil {
			g.opts.Logger.Printf("session revoke failed: %v", err)
		}
	}
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1, HttpOnly: true})
	if err := session.Save(); err != nil {
		g.opts.Logger.Printf("session clear failed: %v", err)
	}
	c.Set(ContextPrincipalKey, (*Principal)(nil))
	c.Redirect(http.StatusFound, g.opts.LogoutRedirect)
}

// LoginPage は /loginPage のハンドラーです。
func (g *Gateway) LoginPage(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(strings.ReplaceAll(loginPageHTML, "{{action}}", g.opts.LoginURL)))
}

// Me は現在のプリンシパルを返すハンドラーです。
func (g *Gateway) Me(c *gin.Context) {
	principal := PrincipalFrom(c)
	if principal == nil {
		respond(c, http.StatusUnauthorized, "请先登录")
		return
	}
	respond(c, http.StatusOK, principal)
}

// PrincipalFrom は Authorize が設定したプリンシパルを取得します。未ログインなら nil です。
func PrincipalFrom(c *gin.Context) *Principal {
	v, ok := c.Get(ContextPrincipalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*Principal)
	return p
}

// restore はセッションからプリンシパルを復元します。期限切れ・失効済みのセッションは破棄します。
func (g *Gateway) restore(c *gin.Context) *Principal {
	session := sessions.Default(c)
	user, ok := session.Get(sessionKeyUser).(string)
	if !ok || user == "" {
		return nil
	}

	now := g.now()
	sessionID, _ := session.Get(sessionKeyID).(string)
	issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
	lastActive := readUnix(session.Get(sessionKeyLastActive))
	if sessionID == "" || g.revoked(c.Request.Context(), sessionID) ||
		issuedAt.IsZero() || now.Sub(issuedAt) > g.opts.MaxSessionLifetime ||
		lastActive.IsZero() || now.Sub(lastActive) > g.opts.IdleTimeout {
		session.Clear()
		if err := session.Save(); err != nil {
			g.opts.Logger.Printf("session clear failed user=%s: %v", user, err)
		}
		return nil
	}

	if now.Sub(lastActive) >= activityResolution {
		session.Set(sessionKeyLastActive, now.Unix())
		if err := session.Save(); err != nil {
			g.opts.Logger.Printf("session touch failed user=%s: %v", user, err)
		}
	}

	id, _ := session.Get(sessionKeyUserID).(string)
	roles, _ := session.Get(sessionKeyRoles).(string)
	return &Principal{
		ID:       id,
		Username: user,
		Roles:    knownRoles(strings.Split(roles, ",")),
	}
}

// revoked は失効一覧を確認します。確認できない場合は失効扱いにします。
func (g *Gateway) revoked(ctx context.Context, sessionID string) bool {
	revoked, err := g.opts.Revocations.IsRevoked(ctx, sessionID)
	if err != nil {
		g.opts.Logger.Printf("session revocation check failed: %v", err)
		return true
	}
	return revoked
}

// knownRoles は登録済みロールのみを残します。
func knownRoles(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if r, ok := LookupRole(name); ok {
			out = append(out, r.Name)
		}
	}
	return out
}

func respond(c *gin.Context, status int, msg any) {
	c.JSON(status, gin.H{
		"status": status,
		"msg":    msg,
	})
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

const loginPageHTML = `<!DOCTYPE html>
<html lang="zh-CN">
<head><meta charset="utf-8"><title>登录</title></head>
<body>
<form method="post" action="{{action}}">
  <label>用户名 <input type="text" name="username" autocomplete="username"></label>
  <label>密码 <input type="password" name="password" autocomplete="current-password"></label>
  <button type="submit">登录</button>
</form>
</body>
</html>
`
