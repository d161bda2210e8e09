package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const DefaultVerifyTimeout = 1200 * time.Millisecond

const identityKey = "realtime.identity"

var (
	// ErrTokenRejected 上游明确拒绝（401 或非 access token）
	ErrTokenRejected = errors.New("token rejected")
	// ErrAuthUpstream 上游不可用或返回无法解析的内容
	ErrAuthUpstream = errors.New("auth upstream error")
)

// Identity 协作会话和 websocket 连接里使用的调用方身份
type Identity struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
}

// SetIdentity 写入已校验的身份，测试里也用它伪造登录用户
func SetIdentity(c *gin.Context, id Identity) {
	c.Set(identityKey, id)
}

// IdentityFrom 取 SetIdentity 写入的身份；UserID 为 0 视为未登录
func IdentityFrom(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	if !ok || id.UserID == 0 {
		return Identity{}, false
	}
	return id, true
}

// Verifier 把 token 换成 Identity
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type verifyClaims struct {
	Identity
	Type string `json:"type"` // 只接受 "access"
}

type verifyErrResp struct {
	Error string `json:"error"`
}

// TokenVerifier 调用外部鉴权服务的 POST /v1/auth/verify
type TokenVerifier struct {
	client    *http.Client
	verifyURL string
	timeout   time.Duration
}

// NewTokenVerifier authBaseURL 不带路径，例如 http://localhost:3001
func NewTokenVerifier(authBaseURL string, timeout time.Duration) *TokenVerifier {
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	return &TokenVerifier{
		client:    &http.Client{},
		verifyURL: strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify",
		timeout:   timeout,
	}
}

func (v *TokenVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: build request: %v", ErrAuthUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		// 包含超时：context deadline exceeded
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthUpstream, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = "invalid token"
		}
		return Identity{}, fmt.Errorf("%w: %s", ErrTokenRejected, e.Error)
	default:
		return Identity{}, fmt.Errorf("%w: status %d", ErrAuthUpstream, resp.StatusCode)
	}

	var claims verifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return Identity{}, fmt.Errorf("%w: decode claims: %v", ErrAuthUpstream, err)
	}
	if claims.Type != "" && claims.Type != "access" {
		return Identity{}, fmt.Errorf("%w: access token required", ErrTokenRejected)
	}
	if claims.UserID == 0 {
		return Identity{}, fmt.Errorf("%w: missing userId", ErrTokenRejected)
	}
	return claims.Identity, nil
}

// AuthMiddleware 远程校验 token，通过后写入 Identity
func AuthMiddleware(authBaseURL string, timeout time.Duration) gin.HandlerFunc {
	return Authenticate(NewTokenVerifier(authBaseURL, timeout))
}

func Authenticate(v Verifier) gin.HandlerFunc {
	logger := slog.Default().With("component", "auth")

	return func(c *gin.Context) {
		token := extractBearer(c.Request.Header.Get("Authorization"))
		if token == "" {
			// 浏览器的 WebSocket 无法自定义 Header，允许 ?token=
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		id, err := v.Verify(c.Request.Context(), token)
		switch {
		case err == nil:
			SetIdentity(c, id)
			c.Next()
		case errors.Is(err, ErrTokenRejected):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": strings.TrimPrefix(err.Error(), ErrTokenRejected.Error()+": "),
			})
		default:
			logger.WarnContext(c.Request.Context(), "verify token failed", "path", c.FullPath(), "error", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "auth service unavailable",
			})
		}
	}
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	// 前缀大小写不敏感
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
