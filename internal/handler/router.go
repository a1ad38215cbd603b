package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/examgate/internal/metrics"
	"github.com/hitoshi/examgate/internal/middleware"
)

// HealthChecker はヘルスチェックに必要なデータベース接続の部分インターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	JWTSecret         string
	Logger            *slog.Logger

	// サービス
	InvitationService InvitationServiceInterface
	SessionService    SessionServiceInterface

	// 運用
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → CORS → SecurityHeaders → Recovery → Logging → RateLimit(General)
//
// 採用担当者向けルートにはActorMiddlewareを追加で適用する。
// 候補者向けルート（トークン解決・セッション操作）は認証不要。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewRecoveryMiddleware())

	invHandler := NewInvitationHandler(deps.InvitationService)
	sessHandler := NewSessionHandler(deps.SessionService)

	// --- 運用ルート（レート制限の対象外） ---

	r.Get("/health", newHealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- APIルート ---

	actorMw := middleware.NewActorMiddleware(deps.JWTSecret)

	r.Group(func(r chi.Router) {
		if deps.Logger != nil {
			r.Use(middleware.NewLoggingMiddleware(deps.Logger))
		}
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/invitations", func(r chi.Router) {
			// 候補者向けルート（認証不要）
			r.Get("/token/{token}", invHandler.ResolveInvitationByToken)
			r.Post("/{id}/start", invHandler.StartInvitationAttempt)

			// 採用担当者向けルート（Bearerトークン必須）
			r.Group(func(r chi.Router) {
				r.Use(actorMw)

				r.Get("/", invHandler.ListInvitations)

				// 招待作成は一括送信対策の専用レート制限を追加
				r.With(deps.RateLimiter.InvitationMiddleware()).Post("/", invHandler.CreateInvitation)
				r.With(deps.RateLimiter.InvitationMiddleware()).Post("/bulk", invHandler.CreateBulkInvitations)

				r.Get("/{id}", invHandler.GetInvitation)
				r.Patch("/{id}", invHandler.UpdateInvitation)
				r.Delete("/{id}", invHandler.DeleteInvitation)
				r.Post("/{id}/resend", invHandler.ResendInvitation)
			})
		})

		r.Route("/api/sessions", func(r chi.Router) {
			// 候補者向けルート（認証不要）
			r.Post("/", sessHandler.CreateSession)
			r.Post("/{id}/answers", sessHandler.RecordAnswer)
			r.Post("/{id}/violations", sessHandler.AddViolation)
			r.Post("/{id}/tracking", sessHandler.AddTracking)
			r.Post("/{id}/submit", sessHandler.SubmitSession)
			r.Patch("/{id}/behavior", sessHandler.UpdateBehavior)
			r.Patch("/{id}/device-info", sessHandler.UpdateDeviceInfo)
			r.Patch("/{id}/screen-recording", sessHandler.UpdateScreenRecording)

			// 採用担当者向けルート（Bearerトークン必須）
			r.Group(func(r chi.Router) {
				r.Use(actorMw)

				r.Get("/", sessHandler.ListSessions)
				r.Get("/{id}", sessHandler.GetSession)
				r.Get("/{id}/answers", sessHandler.ListAnswers)
				r.Get("/{id}/trust-score", sessHandler.GetTrustScore)
			})
		})
	})

	return r
}

// newHealthHandler はデータベース疎通を確認するヘルスチェックハンドラーを返す。
func newHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if checker != nil {
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSONResponse(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
				})
				return
			}
		}

		writeJSONResponse(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	}
}
