package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/postboard/internal/metrics"
	"github.com/hitoshi/postboard/internal/middleware"
)

// HealthChecker はストアの疎通を確認する。
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	SessionResolver   middleware.SessionResolver
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	TrustProxy        bool

	// 運用
	HealthChecker  HealthChecker
	Gatherer       prometheus.Gatherer
	StatusRecorder middleware.StatusRecorder

	// 認証
	AuthService   AuthServiceInterface
	SessionIssuer SessionIssuer
	AuthConfig    AuthHandlerConfig

	// ユーザー
	UserService UserServiceInterface

	// 投稿
	PostService   PostServiceInterface
	MaxImageBytes int64
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Session → Logging → SecurityHeaders → CORS
//
// /api 以下にはさらにGeneralレート制限、サインアップ・ログインにはAuthレート制限、
// 認証が必要なルートにはRequireUserを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if deps.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSessionMiddleware(deps.SessionResolver))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.SessionIssuer, deps.AuthConfig)
	userHandler := NewUserHandler(deps.UserService)
	postHandler := NewPostHandler(deps.PostService, deps.MaxImageBytes)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// --- 認証不要のルート ---
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())
			r.Post("/signup", authHandler.Signup)
			r.Post("/login", authHandler.Login)
		})
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
		r.Post("/me", authHandler.Me)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser)

			r.Patch("/me", userHandler.UpdateMe)
			r.Get("/user-info/{id}", userHandler.UserInfo)
			r.Get("/profile-pic/{id}", userHandler.ProfilePicture)

			r.Get("/recent-posts", postHandler.RecentPosts)
			r.Get("/search-posts", postHandler.SearchPosts)
			r.Get("/post-image/{id}", postHandler.PostImage)
			r.Post("/create-post", postHandler.CreatePost)
			r.Post("/set-post-image/{id}", postHandler.SetPostImage)
		})
	})

	return r
}

// healthHandler はストアに疎通できれば200、できなければ503を返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.Ping(ctx); err != nil {
			slog.Warn("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
