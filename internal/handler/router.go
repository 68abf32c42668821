package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/coursehub/internal/auth"
	"github.com/hitoshi/coursehub/internal/metrics"
	"github.com/hitoshi/coursehub/internal/middleware"
	"github.com/hitoshi/coursehub/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

// HealthChecker はヘルスチェックで疎通を確認する依存。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Validator         middleware.RequestValidator
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFEnabled       bool
	Logger            *slog.Logger

	// 認証
	AuthService  AuthServiceInterface
	AdminService AdminServiceInterface
	Cookies      auth.CookieConfig

	// 運用
	HealthChecker HealthChecker
	Metrics       metrics.MetricsCollector
	Gatherer      prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → Metrics → Recovery → SecurityHeaders → CORS → [Auth → RateLimit(General) → CSRF → RequireRoles]
//
// サインアップとログインは認証前のためIP単位のレート制限のみを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.Cookies)
	instructorHandler := NewInstructorHandler()
	adminHandler := NewAdminHandler(deps.AdminService)

	csrfConfig := middleware.CSRFConfig{
		CookieSecure: deps.Cookies.Secure,
		CookieDomain: deps.Cookies.Domain,
	}
	csrf := func(next http.Handler) http.Handler { return next }
	if deps.CSRFEnabled {
		csrf = middleware.NewCSRFMiddleware(csrfConfig)
	}

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		if deps.CSRFEnabled {
			r.Get("/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig).ServeHTTP)
		}

		// --- 認証不要のルート ---
		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.AuthMiddleware())
				r.Use(csrf)
				r.Post("/signup", authHandler.SignUp)
				r.Post("/login", authHandler.Login)
				r.Post("/refresh", authHandler.Refresh)
			})

			// ログアウトはトークンが無効でも常に成功させる
			r.Post("/logout", authHandler.Logout)

			// --- 認証が必要なルート ---
			r.Group(func(r chi.Router) {
				r.Use(middleware.NewAuthMiddleware(deps.Validator))
				r.Use(deps.RateLimiter.GeneralMiddleware())
				r.Use(csrf)

				r.Get("/profile", authHandler.Profile)
				r.Post("/profile", authHandler.Profile)
				r.Post("/reconcile", authHandler.Reconcile)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewAuthMiddleware(deps.Validator))
			r.Use(deps.RateLimiter.GeneralMiddleware())
			r.Use(csrf)

			r.With(middleware.RequireRoles(model.RoleInstructor, model.RoleAdmin)).
				Get("/instructor/dashboard", instructorHandler.Dashboard)

			r.With(middleware.RequireRoles(model.RoleAdmin)).
				Post("/admin/users/{id}/reconcile", adminHandler.ReconcileUser)
		})
	})

	return r
}

// healthHandler はDBへの疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
