// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// actorContextKey はリクエストコンテキストに操作者情報を格納するためのキー。
var actorContextKey = contextKey("actor")

// Actor は認証済みの操作者（採用担当者）を表す。
// 認証自体はプラットフォームのゲートウェイで完了しており、
// ここではBearerトークンのクレームを検証して取り出すのみ。
type Actor struct {
	ID        string
	Name      string
	CompanyID string
}

// actorClaims はBearerトークンに含まれるクレーム。
type actorClaims struct {
	Name      string `json:"name"`
	CompanyID string `json:"companyId"`
	jwt.RegisteredClaims
}

// NewActorMiddleware はAuthorizationヘッダーのBearerトークンを検証し、
// 操作者情報をリクエストコンテキストに注入するミドルウェアを返す。
// トークンが無い、または無効なリクエストには401 Unauthorizedを返す。
func NewActorMiddleware(secret string) func(next http.Handler) http.Handler {
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			claims := &actorClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, keyFunc,
				jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				slog.Warn("invalid bearer token",
					slog.String("path", r.URL.Path),
				)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if claims.Subject == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			actor := &Actor{
				ID:        claims.Subject,
				Name:      claims.Name,
				CompanyID: claims.CompanyID,
			}
			ctx := context.WithValue(r.Context(), actorContextKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromContext はリクエストコンテキストから操作者情報を取得する。
// 操作者ミドルウェアを通過したリクエストでのみ有効。
func ActorFromContext(ctx context.Context) (*Actor, error) {
	actor, ok := ctx.Value(actorContextKey).(*Actor)
	if !ok || actor == nil || actor.ID == "" {
		return nil, fmt.Errorf("actor not found in context")
	}
	return actor, nil
}

// ContextWithActor はコンテキストに操作者情報を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}
