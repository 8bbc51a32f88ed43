// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-contrib/sessions/memstore"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/store-gateway/internal/auth"
	"github.com/yourusername/store-gateway/internal/config"
	"github.com/yourusername/store-gateway/internal/users"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	store, closeStore, err := setupUserStore(cfg)
	if err != nil {
		log.Fatalf("Failed to set up user store: %v", err)
	}
	defer closeStore()

	hasher := auth.NewBcryptHasher(cfg.BcryptCost)
	if err := seedAdmin(context.Background(), cfg, store, hasher); err != nil {
		log.Fatalf("Failed to seed admin account: %v", err)
	}

	revocations, closeRevocations, err := setupRevocations(cfg)
	if err != nil {
		log.Fatalf("Failed to set up session revocations: %v", err)
	}
	defer closeRevocations()

	gateway, err := newGateway(cfg, store, hasher, revocations)
	if err != nil {
		log.Fatalf("Failed to build access gateway: %v", err)
	}

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	router.Use(sessions.Sessions(auth.SessionCookieName, newSessionStore(cfg, gateway)))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
	}
	router.Use(cors.New(corsConfig))

	// 認可はルーティングより前に評価する
	router.Use(gateway.Authorize())

	setupRoutes(router, gateway, users.NewHandler(store, hasher, log.Default(), auth.RoleUser.Name))

	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s, user store: %s)", addr, cfg.GinMode, cfg.UserStore)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func newGateway(cfg *config.Config, store users.Store, hasher auth.PasswordHasher, revocations auth.Revocations) (*auth.Gateway, error) {
	unmatched, err := auth.ParseRequirement(cfg.UnmatchedAccess)
	if err != nil {
		return nil, err
	}
	rules := append(auth.DefaultRules(), auth.Rule{Patterns: []string{"/health"}, Requirement: auth.Public})
	policy, err := auth.NewPolicy(rules, auth.DefaultIgnored(), unmatched)
	if err != nil {
		return nil, err
	}
	return auth.NewGateway(policy, store, hasher, auth.Options{
		MaxSessionLifetime: cfg.SessionMaxLifetime,
		IdleTimeout:        cfg.SessionIdleTimeout,
		Revocations:        revocations,
		Logger:             log.Default(),
	})
}

// newSessionStore はセッションストアを作成します。
// どちらのストアでもログアウトしたセッションは失効一覧で拒否されます。
func newSessionStore(cfg *config.Config, gateway *auth.Gateway) sessions.Store {
	secret := []byte(cfg.SessionSecret)
	var store sessions.Store
	if cfg.SessionStore == "memory" {
		store = memstore.NewStore(secret)
	} else {
		store = cookie.NewStore(secret)
	}
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   gateway.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteLaxMode,
	})
	return store
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "store-gateway",
		"version": "0.1.0",
	})
}

// setupRoutes は認証周りと公開アカウント API の配線を行います。
func setupRoutes(router *gin.Engine, gateway *auth.Gateway, accounts *users.Handler) {
	router.GET("/health", handleHealth)

	gateway.Routes(router)

	api := router.Group("/api")
	{
		userRoutes := api.Group("/user")
		{
			userRoutes.POST("/register", accounts.Register)
			userRoutes.POST("/password/forget", accounts.ForgetPassword)
			userRoutes.GET("/me", gateway.Me)
		}

		// 注文・カート・商品・管理 API は各サービスがここにぶら下げる
	}
}
