package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/iamcore/internal/middleware"
	"github.com/hitoshi/iamcore/internal/security"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// 稼働モード
	Mode ModeReporter

	// Identity
	IdentityService IdentityServiceInterface
	IdentityLookup  IdentityResolver

	// Credential
	CredentialService CredentialServiceInterface
	LoginService      LoginServiceInterface
	LoginLimiter      *middleware.LoginLimiter

	Sanitizer security.TextSanitizer

	// MetricsHandler はnilの場合/metricsを公開しない。
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestIDMiddleware → LoggingMiddleware → RecoveryMiddleware
//
// POST /api/login にはさらにLoginLimiterのIP単位の制限を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sanitizer := deps.Sanitizer
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))

	statusHandler := NewStatusHandler(deps.Mode)
	identityHandler := NewIdentityHandler(deps.IdentityService, sanitizer, logger)
	credentialHandler := NewCredentialHandler(deps.CredentialService, deps.IdentityLookup, logger)

	var userLimiter UserLimiter
	if deps.LoginLimiter != nil {
		userLimiter = deps.LoginLimiter
	}
	loginHandler := NewLoginHandler(deps.LoginService, userLimiter, logger)

	r.Get("/health", statusHandler.Health)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/mode", statusHandler.Mode)

		// Identity管理
		r.Route("/identities", func(r chi.Router) {
			r.Get("/", identityHandler.Search)
			r.Post("/", identityHandler.Create)

			r.Route("/{uid}", func(r chi.Router) {
				r.Get("/", identityHandler.Get)
				r.Put("/", identityHandler.Update)
				r.Delete("/", identityHandler.Delete)
				r.Get("/id", identityHandler.ResolveID)
			})
		})

		// Credential管理
		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", credentialHandler.Search)
			r.Post("/", credentialHandler.Create)
			r.Get("/exists", credentialHandler.UsernameExists)

			r.Route("/{identityRef}", func(r chi.Router) {
				r.Put("/", credentialHandler.Update)
				r.Delete("/", credentialHandler.Delete)
				r.Post("/password-check", credentialHandler.CheckPassword)
			})
		})

		// ログイン照合（IP単位のレート制限を追加）
		if deps.LoginLimiter != nil {
			r.With(deps.LoginLimiter.Middleware()).Post("/login", loginHandler.Login)
		} else {
			r.Post("/login", loginHandler.Login)
		}
	})

	return r
}
