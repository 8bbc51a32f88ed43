package users

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxPasswordBytes は bcrypt が扱えるパスワードの最大バイト数です。
const MaxPasswordBytes = 72

// Hasher は登録時にパスワードをハッシュ化します。
type Hasher interface {
	Hash(password string) (string, error)
}

// Handler は公開アカウント API のハンドラーです。
type Handler struct {
	store        Store
	hasher       Hasher
	logger       *log.Logger
	defaultRoles []string
}

// NewHandler は Handler を作成します。logger が nil の場合は log.Default() を使います。
// defaultRoles は新規登録したアカウントに付与するロール名です。
func NewHandler(store Store, hasher Hasher, logger *log.Logger, defaultRoles ...string) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		store:        store,
		hasher:       hasher,
		logger:       logger,
		defaultRoles: append([]string(nil), defaultRoles...),
	}
}

type registerRequest struct {
	Username string `form:"username" json:"username"`
	Password string `form:"password" json:"password"`
}

// Register は /api/user/register のハンドラーです。
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBind(&req); err != nil {
		respond(c, http.StatusBadRequest, "请求格式错误")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		respond(c, http.StatusBadRequest, "用户名和密码不能为空")
		return
	}
	if len(req.Password) > MaxPasswordBytes {
		respond(c, http.StatusBadRequest, "密码过长")
		return
	}

	account, err := CreateAccount(c.Request.Context(), h.store, h.hasher, username, req.Password, h.defaultRoles...)
	if err != nil {
		if errors.Is(err, ErrExists) {
			respond(c, http.StatusConflict, "用户名已存在")
			return
		}
		h.logger.Printf("register failed user=%s: %v", username, err)
		respond(c, http.StatusInternalServerError, "注册失败")
		return
	}

	respond(c, http.StatusOK, gin.H{
		"id":       account.ID,
		"username": account.Username,
		"roles":    account.Roles,
	})
}

type forgetRequest struct {
	Username string `form:"username" json:"username"`
}

// ForgetPassword は /api/user/password/forget のハンドラーです。
// アカウントの有無を推測されないよう、常に同じ応答を返します。
func (h *Handler) ForgetPassword(c *gin.Context) {
	var req forgetRequest
	if err := c.ShouldBind(&req); err != nil {
		respond(c, http.StatusBadRequest, "请求格式错误")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		respond(c, http.StatusBadRequest, "用户名不能为空")
		return
	}

	if _, err := h.store.FindByUsername(c.Request.Context(), username); err == nil {
		h.logger.Printf("password reset requested user=%s", username)
	} else if !errors.Is(err, ErrNotFound) {
		h.logger.Printf("password reset lookup failed user=%s: %v", username, err)
	}

	respond(c, http.StatusOK, "如果账户存在，重置说明已发送")
}

// CreateAccount はパスワードをハッシュ化してアカウントを作成します。
func CreateAccount(ctx context.Context, store Store, hasher Hasher, username, password string, roles ...string) (*Account, error) {
	hash, err := hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	account := &Account{
		Username:     username,
		PasswordHash: hash,
		Roles:        roles,
	}
	if err := store.Create(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func respond(c *gin.Context, status int, msg any) {
	c.JSON(status, gin.H{
		"status": status,
		"msg":    msg,
	})
}
