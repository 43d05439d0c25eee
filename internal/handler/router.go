package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/achievedex/internal/middleware"
)

// HealthChecker はヘルスチェックでDB疎通を確認するためのインターフェース。
// *sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	TokenVerifier     middleware.TokenVerifier
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 認証・プロフィール
	AuthService AuthServiceInterface
	Profiles    ProfileServiceInterface
	Tokens      TokenInspector
	Cookies     CookieConfig

	// アカウント連携
	Accounts      AccountStoreInterface
	Steam         SteamOpenIDInterface
	SubjectLinker SubjectLinkerInterface
	UpstreamURLs  URLFilterInterface
	APIBaseURL    string

	// 実績
	Achievements AchievementServiceInterface
	Views        AggregateServiceInterface
	GameNames    GameNameResolverInterface
	OwnedGames   OwnedGamesInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS → CSRF → RateLimit(General)
//
// 認証が必要なルートでは Auth → RateLimit(General) の順に適用し、
// Steam APIを呼び出すルートにはさらに RateLimit(Upstream) を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.Profiles, deps.Cookies)
	userHandler := NewUserHandler(deps.Profiles, deps.Tokens, deps.Accounts)
	steamHandler := NewSteamHandler(deps.Steam, deps.SubjectLinker, deps.Accounts, deps.UpstreamURLs, deps.Cookies, deps.APIBaseURL)
	achHandler := NewAchievementHandler(deps.Achievements, deps.Views, deps.GameNames, deps.OwnedGames, deps.Accounts)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		// --- 認証不要のルート ---
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/auth/google/login", authHandler.Login)
			r.Get("/auth/google/callback", authHandler.Callback)
			r.Post("/auth/bridge", authHandler.Bridge)
			r.Post("/auth/logout", authHandler.Logout)

			r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

			r.Route("/api/achievements", func(r chi.Router) {
				r.Get("/community", achHandler.Community)
				r.Get("/player/{id}", achHandler.Player)
				r.Get("/recent", achHandler.Recent)
			})

			r.With(deps.RateLimiter.UpstreamMiddleware()).Get("/api/steam/game-names", achHandler.GameName)

			// ログイン中なら既存Subjectへの連携、未ログインならSteamでのサインイン
			r.Group(func(r chi.Router) {
				r.Use(middleware.NewOptionalAuthMiddleware(deps.TokenVerifier))
				r.Get("/api/steam/connect", steamHandler.Connect)
				r.Get("/api/steam/callback", steamHandler.Callback)
			})
		})

		// --- 認証が必要なルート ---
		// ミドルウェアスタック: Auth → RateLimit(General)
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewAuthMiddleware(deps.TokenVerifier))
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/auth/me", authHandler.Me)
			r.Get("/api/user/profile", userHandler.Profile)
			r.Post("/api/accounts/{platform}/disconnect", userHandler.Disconnect)

			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.UpstreamMiddleware())
				r.Get("/api/steam/achievements", achHandler.GameAchievements)
				r.Get("/api/steam/check-achievement", achHandler.CheckAchievement)
				r.Get("/api/steam/games", achHandler.OwnedGames)
			})
		})
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
