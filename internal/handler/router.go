package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/kokoro/internal/guard"
	"github.com/hitoshi/kokoro/internal/metrics"
	"github.com/hitoshi/kokoro/internal/middleware"
	"github.com/hitoshi/kokoro/internal/model"
)

// HealthChecker はヘルスチェックで疎通を確認する依存先。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Providers         middleware.ProviderSource
	Cookies           middleware.CookieConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Flash             *middleware.FlashStore
	Logger            *slog.Logger
	GuardWait         time.Duration

	// 運用
	HealthChecker  HealthChecker
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface

	// 気分記録
	MoodService MoodServiceInterface

	// 写真
	Uploader PhotoUploader
	Capturer PhotoCapturer
	Importer PhotoImporter
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → SecurityHeaders
//	  → Client → Logging → Metrics → RateLimit(General) → BodyLimit → CSRF
//
// /health と /metrics はクライアントミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) (http.Handler, error) {
	pages, err := NewRenderer(deps.Flash)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop{}
	}
	csrfConfig := middleware.CSRFConfig{
		CookieSecure: deps.Cookies.Secure,
		CookieDomain: deps.Cookies.Domain,
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.Uploader, deps.Capturer, pages, deps.Flash, AuthHandlerConfig{
		Cookies:   deps.Cookies,
		GuardWait: deps.GuardWait,
	})
	dashboardHandler := NewDashboardHandler(deps.MoodService, deps.Uploader, deps.Importer, pages)
	apiHandler := NewAPIHandler(deps.MoodService, deps.Uploader, deps.Capturer, deps.Importer)
	g := guard.New(deps.GuardWait, pages)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- アプリケーション ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewClientMiddleware(deps.Providers, deps.Cookies))
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(middleware.NewMetricsMiddleware(m))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewBodyLimitMiddleware(maxBodyBytes(deps.Uploader)))
		r.Use(middleware.NewCSRFMiddleware(csrfConfig))

		authLimit := deps.RateLimiter.AuthMiddleware()

		r.Get("/", pages.Landing)

		r.Get("/signup", authHandler.SignupPage)
		r.With(authLimit).Post("/signup", authHandler.Signup)
		r.Get("/login", authHandler.LoginPage)
		r.With(authLimit).Post("/login", authHandler.Login)
		r.Post("/logout", authHandler.Logout)

		r.Route("/password", func(r chi.Router) {
			r.Use(authLimit)
			r.Get("/forgot", authHandler.ForgotPasswordPage)
			r.Post("/forgot", authHandler.ForgotPassword)
			r.Get("/reset", authHandler.ResetPasswordPage)
			r.Post("/reset", authHandler.ResetPassword)
		})

		r.Route("/auth", func(r chi.Router) {
			r.Get("/verify", authHandler.VerifyEmail)
			r.Post("/verify/refresh", authHandler.RefreshVerification)
			r.Get("/google/login", authHandler.GoogleLogin)
			r.Get("/google/callback", authHandler.GoogleCallback)
		})

		// ガード付きページ
		r.Route("/dashboard", func(r chi.Router) {
			r.Use(g.Page)
			r.Get("/", dashboardHandler.Dashboard)
			r.Post("/mood", dashboardHandler.SubmitMood)
			r.Post("/profile", dashboardHandler.UpdateProfile)
		})

		// JSON API
		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
			r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig))

			r.Group(func(r chi.Router) {
				r.Use(g.API)
				r.Get("/me", apiHandler.Me)
				r.Get("/moods", apiHandler.ListMoods)
				r.Post("/moods", apiHandler.SubmitMood)
				r.Get("/moods/stream", apiHandler.StreamMoods)
				r.Patch("/profile", apiHandler.UpdateProfile)
				r.Post("/photo/capture", apiHandler.CapturePhoto)
			})
		})
	})

	r.NotFound(notFoundHandler)
	return r, nil
}

// notFoundHandler は未定義のパスをランディングページへリダイレクトする。
// /api 配下はJSONで404を返す。
func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		middleware.WriteErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "NOT_FOUND",
			Message:  "The requested resource was not found.",
			Category: "validation",
			Action:   "Check the request path.",
		})
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// healthHandler はDBへの疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
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

// formOverhead は写真以外のフォーム項目とmultipartの区切りに見込むバイト数。
const formOverhead = 1 << 20

// maxBodyBytes はリクエストボディの上限を返す。写真の上限にフォーム分を足す。
func maxBodyBytes(uploader PhotoUploader) int64 {
	if uploader == nil {
		return middleware.DefaultMaxBodyBytes
	}
	return uploader.MaxSize() + formOverhead
}
