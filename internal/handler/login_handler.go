package handler

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/hitoshi/iamcore/internal/middleware"
	"github.com/hitoshi/iamcore/internal/model"
	"github.com/hitoshi/iamcore/internal/security"
)

// LoginServiceInterface はログインハンドラーが必要とするサービスインターフェース。
type LoginServiceInterface interface {
	Login(ctx context.Context, userName, password string) (bool, error)
}

// UserLimiter はユーザー名ごとのログイン試行制限。
type UserLimiter interface {
	AllowUser(userName string) bool
	RetryRate() rate.Limit
}

// LoginHandler はログイン照合のHTTPハンドラー。
type LoginHandler struct {
	service LoginServiceInterface
	limiter UserLimiter
	logger  *slog.Logger
}

// NewLoginHandler はLoginHandlerを生成する。limiterはnilでもよい。
func NewLoginHandler(service LoginServiceInterface, limiter UserLimiter, logger *slog.Logger) *LoginHandler {
	return &LoginHandler{service: service, limiter: limiter, logger: logger}
}

type loginRequest struct {
	UserName string `json:"userName"`
	Password string `json:"password"`
}

type loginResponse struct {
	Authenticated bool `json:"authenticated"`
}

// Login はユーザー名とパスワードを照合する。
// 一致しない場合は理由を区別せず401を返す。
// POST /api/login
func (h *LoginHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.UserName = security.NormalizeKey(req.UserName)

	if h.limiter != nil && req.UserName != "" && !h.limiter.AllowUser(req.UserName) {
		middleware.WriteRateLimitResponse(w, h.limiter.RetryRate())
		return
	}

	ok, err := h.service.Login(r.Context(), req.UserName, req.Password)
	if err != nil {
		handleServiceError(h.logger, w, err)
		return
	}
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
			Code:     model.ErrCodeAuthFailed,
			Message:  "ユーザー名またはパスワードが正しくありません。",
			Category: "auth",
			Action:   "入力内容を確認してください。",
		})
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Authenticated: true})
}
