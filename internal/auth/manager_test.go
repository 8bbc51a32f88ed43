package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-contrib/sessions/memstore"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/store-gateway/internal/users"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSessionSecret = "test-session-secret"

type testEnv struct {
	router  *gin.Engine
	gateway *Gateway
	store   *users.MemoryStore
	hasher  *BcryptHasher
}

func newTestEnv(t *testing.T, sessionStore sessions.Store) *testEnv {
	t.Helper()
	return newTestEnvWithOptions(t, sessionStore, Options{})
}

func newTestEnvWithOptions(t *testing.T, sessionStore sessions.Store, opts Options) *testEnv {
	t.Helper()

	store := users.NewMemoryStore()
	hasher := NewBcryptHasher(bcrypt.MinCost)
	gateway, err := NewGateway(newDefaultPolicy(t), store, hasher, opts)
	if err != nil {
		t.Fatalf("NewGateway returned error: %v", err)
	}

	if sessionStore == nil {
		sessionStore = memstore.NewStore([]byte(testSessionSecret))
	}
	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, sessionStore))
	router.Use(gateway.Authorize())
	gateway.Routes(router)

	ok := func(c *gin.Context) { c.String(http.StatusOK, "ok") }
	router.GET("/", ok)
	router.GET("/api/order/:id", ok)
	router.GET("/api/cart", ok)
	router.GET("/api/admin/stats", ok)
	router.GET("/api/user/profile", ok)
	router.GET("/api/user/me", gateway.Me)
	router.GET("/api/items/:id", ok)
	router.POST("/api/user/register", ok)

	return &testEnv{router: router, gateway: gateway, store: store, hasher: hasher}
}

func (e *testEnv) addAccount(t *testing.T, account users.Account, password string) {
	t.Helper()
	hash, err := e.hasher.Hash(password)
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}
	account.PasswordHash = hash
	if err := e.store.Create(context.Background(), &account); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
}

func (e *testEnv) do(method, target string, form url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for _, c := range cookies {
		if c != nil {
			req.AddCookie(c)
		}
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, username, password string) (*httptest.ResponseRecorder, *http.Cookie) {
	t.Helper()
	rec := e.do(http.MethodPost, "/api/login", url.Values{"username": {username}, "password": {password}})
	return rec, sessionCookie(rec)
}

// sessionCookie は最後に発行されたセッションクッキーを返します。
func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	var found *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			found = c
		}
	}
	return found
}

type loginResponse struct {
	Status int             `json:"status"`
	Msg    json.RawMessage `json:"msg"`
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) loginResponse {
	t.Helper()
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var msg string
	if err := json.Unmarshal(decodeResponse(t, rec).Msg, &msg); err != nil {
		t.Fatalf("msg is not a string: %s", rec.Body.String())
	}
	return msg
}

func TestLoginSuccess(t *testing.T) {
	t.Parallel()

	for name, store := range map[string]sessions.Store{
		"memstore": memstore.NewStore([]byte(testSessionSecret)),
		"cookie":   cookie.NewStore([]byte(testSessionSecret)),
	} {
		store := store
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, store)
			env.addAccount(t, users.Account{Username: "alice", Roles: []string{"user"}}, "pass")

			rec, c := env.login(t, "alice", "pass")
			if rec.Code != http.StatusOK {
				t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
				t.Fatalf("unexpected content-type: %s", ct)
			}
			resp := decodeResponse(t, rec)
			if resp.Status != http.StatusOK {
				t.Fatalf("status field = %d", resp.Status)
			}
			var principal Principal
			if err := json.Unmarshal(resp.Msg, &principal); err != nil {
				t.Fatalf("msg is not a principal: %s", rec.Body.String())
			}
			if principal.Username != "alice" || principal.ID == "" || len(principal.Roles) != 1 || principal.Roles[0] != "user" {
				t.Fatalf("unexpected principal: %+v", principal)
			}
			if c == nil {
				t.Fatal("expected session cookie")
			}

			if rec := env.do(http.MethodGet, "/api/order/1", nil, c); rec.Code != http.StatusOK {
				t.Fatalf("order after login status = %d body=%s", rec.Code, rec.Body.String())
			}
			rec = env.do(http.MethodGet, "/api/user/me", nil, c)
			if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"username":"alice"`) {
				t.Fatalf("me status = %d body=%s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestLoginFailures(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.addAccount(t, users.Account{Username: "alice", Roles: []string{"user"}}, "pass")
	env.addAccount(t, users.Account{Username: "locked", Locked: true}, "pass")
	env.addAccount(t, users.Account{Username: "disabled", Disabled: true}, "pass")
	env.addAccount(t, users.Account{Username: "expired", AccountExpired: true}, "pass")
	env.addAccount(t, users.Account{Username: "stale", CredentialsExpired: true}, "pass")

	tests := []struct {
		name     string
		username string
		password string
		want     string
	}{
		{"パスワード誤り", "alice", "nope", "用户名或密码错误"},
		{"存在しないユーザー", "ghost", "pass", "用户名或密码错误"},
		{"ユーザー名なし", "", "pass", "用户名或密码错误"},
		{"ロック済み", "locked", "pass", "账户被锁定，登录失败"},
		{"ロック済みでパスワード誤り", "locked", "nope", "账户被锁定，登录失败"},
		{"無効化済み", "disabled", "pass", "账户被禁用，登录失败"},
		{"アカウント期限切れ", "expired", "nope", "账户过期，登录失败"},
		{"パスワード期限切れ", "stale", "pass", "密码过期，登录失败"},
		{"パスワード期限切れでパスワード誤り", "stale", "nope", "用户名或密码错误"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec, c := env.login(t, tt.username, tt.password)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
			}
			if resp := decodeResponse(t, rec); resp.Status != http.StatusUnauthorized {
				t.Fatalf("status field = %d", resp.Status)
			}
			if got := decodeMessage(t, rec); got != tt.want {
				t.Fatalf("msg = %q, want %q", got, tt.want)
			}
			if c != nil {
				if rec := env.do(http.MethodGet, "/api/user/profile", nil, c); rec.Code != http.StatusUnauthorized {
					t.Fatalf("failed login must not authenticate, status = %d", rec.Code)
				}
			}
		})
	}
}

type failingLookup struct{}

func (failingLookup) FindByUsername(ctx context.Context, username string) (*users.Account, error) {
	return nil, errors.New("connection refused")
}

func TestLoginLookupError(t *testing.T) {
	t.Parallel()

	gateway, err := NewGateway(newDefaultPolicy(t), failingLookup{}, NewBcryptHasher(bcrypt.MinCost), Options{})
	if err != nil {
		t.Fatalf("NewGateway returned error: %v", err)
	}

	_, err = gateway.Authenticate(context.Background(), "alice", "pass")
	var loginErr *LoginError
	if !errors.As(err, &loginErr) || loginErr.Kind != FailureUnknown || loginErr.Cause == nil {
		t.Fatalf("unexpected error: %v", err)
	}

	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, memstore.NewStore([]byte(testSessionSecret))))
	router.Use(gateway.Authorize())
	gateway.Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader("username=alice&password=pass"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if got := decodeMessage(t, rec); got != "登录失败" {
		t.Fatalf("msg = %q", got)
	}
}

func TestAuthorizeRoutes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.addAccount(t, users.Account{Username: "alice", Roles: []string{"user"}}, "pass")
	env.addAccount(t, users.Account{Username: "root", Roles: []string{"admin"}}, "pass")

	_, userCookie := env.login(t, "alice", "pass")
	_, adminCookie := env.login(t, "root", "pass")
	if userCookie == nil || adminCookie == nil {
		t.Fatal("expected session cookies")
	}

	tests := []struct {
		name   string
		method string
		path   string
		cookie *http.Cookie
		want   int
	}{
		{"userロールでは管理APIは403", http.MethodGet, "/api/admin/stats", userCookie, http.StatusForbidden},
		{"adminロールで管理APIは200", http.MethodGet, "/api/admin/stats", adminCookie, http.StatusOK},
		{"未ログインで管理APIは401", http.MethodGet, "/api/admin/stats", nil, http.StatusUnauthorized},
		{"未ログインで注文は401", http.MethodGet, "/api/order/7", nil, http.StatusUnauthorized},
		{"未ログインでカートは401", http.MethodGet, "/api/cart", nil, http.StatusUnauthorized},
		{"adminのみでカートは403", http.MethodGet, "/api/cart", adminCookie, http.StatusForbidden},
		{"商品は未ログインで200", http.MethodGet, "/api/items/1", nil, http.StatusOK},
		{"登録は未ログインで200", http.MethodPost, "/api/user/register", nil, http.StatusOK},
		{"ユーザーAPIはadminでも200", http.MethodGet, "/api/user/profile", adminCookie, http.StatusOK},
		{"ログインページは未ログインで200", http.MethodGet, "/loginPage", nil, http.StatusOK},
		{"一致しない未登録パスは401", http.MethodGet, "/api/unknown", nil, http.StatusUnauthorized},
		{"一致しない未登録パスはログイン済みなら404", http.MethodGet, "/api/unknown", userCookie, http.StatusNotFound},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := env.do(tt.method, tt.path, nil, tt.cookie)
			if rec.Code != tt.want {
				t.Fatalf("%s %s status = %d, want %d body=%s", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
			if tt.want == http.StatusUnauthorized || tt.want == http.StatusForbidden {
				if resp := decodeResponse(t, rec); resp.Status != tt.want {
					t.Fatalf("status field = %d, want %d", resp.Status, tt.want)
				}
			}
		})
	}
}

func TestIgnoredPathSkipsSessionAccess(t *testing.T) {
	t.Parallel()

	gateway, err := NewGateway(newDefaultPolicy(t), users.NewMemoryStore(), NewBcryptHasher(bcrypt.MinCost), Options{})
	if err != nil {
		t.Fatalf("NewGateway returned error: %v", err)
	}

	// セッションミドルウェアを登録しない。セッションに触れると sessions.Default が panic する
	router := gin.New()
	router.Use(gateway.Authorize())
	var principalSet bool
	router.POST("/api/user/register", func(c *gin.Context) {
		_, principalSet = c.Get(ContextPrincipalKey)
		c.Status(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/user/register", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if principalSet {
		t.Fatal("ignored path must not resolve a principal")
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	t.Parallel()

	for name, newStore := range map[string]func() sessions.Store{
		"memstore": func() sessions.Store { return memstore.NewStore([]byte(testSessionSecret)) },
		"cookie":   func() sessions.Store { return cookie.NewStore([]byte(testSessionSecret)) },
	} {
		newStore := newStore
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, newStore())
			env.addAccount(t, users.Account{Username: "alice", Roles: []string{"user"}}, "pass")

			_, c := env.login(t, "alice", "pass")
			if c == nil {
				t.Fatal("expected session cookie")
			}
			if rec := env.do(http.MethodGet, "/api/cart", nil, c); rec.Code != http.StatusOK {
				t.Fatalf("cart before logout status = %d", rec.Code)
			}

			rec := env.do(http.MethodPost, "/api/logout", nil, c)
			if rec.Code != http.StatusFound {
				t.Fatalf("logout status = %d", rec.Code)
			}
			if loc := rec.Header().Get("Location"); loc != "/" {
				t.Fatalf("logout redirect = %q", loc)
			}

			// ログアウト前のクッキーを再送しても拒否される
			if rec := env.do(http.MethodGet, "/api/cart", nil, c); rec.Code != http.StatusUnauthorized {
				t.Fatalf("cart after logout with old cookie status = %d", rec.Code)
			}
			if after := sessionCookie(rec); after != nil {
				if rec := env.do(http.MethodGet, "/api/cart", nil, after); rec.Code != http.StatusUnauthorized {
					t.Fatalf("cart after logout with new cookie status = %d", rec.Code)
				}
			}

			// 再ログインすれば新しいセッションで通る
			_, again := env.login(t, "alice", "pass")
			if rec := env.do(http.MethodGet, "/api/cart", nil, again); rec.Code != http.StatusOK {
				t.Fatalf("cart after re-login status = %d", rec.Code)
			}
		})
	}
}

type failingRevocations struct{}

func (failingRevocations) Revoke(ctx context.Context, sessionID string, ttl time.Duration) error {
	return errors.New("redis down")
}

func (failingRevocations) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	return false, errors.New("redis down")
}

func TestRevocationCheckFailureRejectsSession(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	env := newTestEnvWithOptions(t, nil, Options{
		Revocations: failingRevocations{},
		Logger:      log.New(&logs, "", 0),
	})
	env.addAccount(t, users.Account{Username: "alice", Roles: []string{"user"}}, "pass")

	rec, c := env.login(t, "alice", "pass")
	if rec.Code != http.StatusOK || c == nil {
		t.Fatalf("login status = %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/user/profile", nil, c); rec.Code != http.StatusUnauthorized {
		t.Fatalf("profile status = %d, want 401", rec.Code)
	}
	if !strings.Contains(logs.String(), "session revocation check failed") {
		t.Fatalf("expected log output, got %q", logs.String())
	}
}

func TestLogoutWithoutSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/api/logout", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("logout status = %d", rec.Code)
	}
}

func TestSessionTimeouts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		step  time.Duration
		steps int
		want  int
	}{
		{"無操作で失効", 31 * time.Minute, 1, http.StatusUnauthorized},
		{"操作が続けば有効", 20 * time.Minute, 2, http.StatusOK},
		{"最大有効期間で失効", 25 * time.Minute, 29, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, nil)
			now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
			env.gateway.now = func() time.Time { return now }
			env.addAccount(t, users.Account{Username: "alice", Roles: []string{"user"}}, "pass")

			_, c := env.login(t, "alice", "pass")
			if c == nil {
				t.Fatal("expected session cookie")
			}

			var rec *httptest.ResponseRecorder
			for i := 0; i < tt.steps; i++ {
				now = now.Add(tt.step)
				rec = env.do(http.MethodGet, "/api/user/profile", nil, c)
				if rec.Code != http.StatusOK {
					break
				}
			}
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestSessionActivityWrites(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	env.gateway.now = func() time.Time { return now }
	env.addAccount(t, users.Account{Username: "alice", Roles: []string{"user"}}, "pass")

	_, c := env.login(t, "alice", "pass")
	if c == nil {
		t.Fatal("expected session cookie")
	}

	now = now.Add(10 * time.Second)
	rec := env.do(http.MethodGet, "/api/user/profile", nil, c)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile status = %d", rec.Code)
	}
	if got := sessionCookie(rec); got != nil {
		t.Fatalf("session should not be rewritten within a minute: %v", got)
	}

	now = now.Add(2 * time.Minute)
	rec = env.do(http.MethodGet, "/api/user/profile", nil, c)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile status = %d", rec.Code)
	}
	if sessionCookie(rec) == nil {
		t.Fatal("expected last activity to be written back")
	}

	// 公開パスでもセッションがあれば同じ規則で書き戻す
	rec = env.do(http.MethodGet, "/api/items/1", nil, c)
	if rec.Code != http.StatusOK || sessionCookie(rec) != nil {
		t.Fatalf("items status = %d cookie = %v", rec.Code, sessionCookie(rec))
	}
}

func TestAuthorizeRejectsNonCanonicalPaths(t *testing.T) {
	t.Parallel()

	gateway, err := NewGateway(newDefaultPolicy(t), users.NewMemoryStore(), NewBcryptHasher(bcrypt.MinCost), Options{})
	if err != nil {
		t.Fatalf("NewGateway returned error: %v", err)
	}

	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, memstore.NewStore([]byte(testSessionSecret))))
	router.Use(gateway.Authorize())
	gateway.Routes(router)
	var adminRan bool
	router.GET("/api/admin/*any", func(c *gin.Context) {
		adminRan = true
		c.String(http.StatusOK, "admin")
	})

	for _, target := range []string{
		"/api/admin/../items/1",
		"/api/admin/x/../../user/register",
		"/api/admin/../login",
		"/api/admin//stats",
		"/api/admin/./stats",
	} {
		adminRan = false
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400 body=%s", target, rec.Code, rec.Body.String())
		}
		if adminRan {
			t.Errorf("%s reached the admin handler", target)
		}
	}

	// 正規形の管理 API は従来どおり 401
	adminRan = false
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil))
	if rec.Code != http.StatusUnauthorized || adminRan {
		t.Fatalf("/api/admin/stats status = %d ran = %v", rec.Code, adminRan)
	}
}

func TestLoginPage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/loginPage", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `action="/api/login"`) || !strings.Contains(body, `name="password"`) {
		t.Fatalf("unexpected login page: %s", body)
	}
}

func TestNewGatewayValidation(t *testing.T) {
	t.Parallel()

	policy := newDefaultPolicy(t)
	hasher := NewBcryptHasher(bcrypt.MinCost)
	if _, err := NewGateway(nil, users.NewMemoryStore(), hasher, Options{}); err == nil {
		t.Error("expected error for nil policy")
	}
	if _, err := NewGateway(policy, nil, hasher, Options{}); err == nil {
		t.Error("expected error for nil lookup")
	}
	if _, err := NewGateway(policy, users.NewMemoryStore(), nil, Options{}); err == nil {
		t.Error("expected error for nil hasher")
	}
	gw, err := NewGateway(policy, users.NewMemoryStore(), hasher, Options{})
	if err != nil {
		t.Fatalf("NewGateway returned error: %v", err)
	}
	if gw.SessionMaxAgeSeconds() != int(DefaultMaxSessionLifetime.Seconds()) {
		t.Fatalf("SessionMaxAgeSeconds = %d", gw.SessionMaxAgeSeconds())
	}
}
