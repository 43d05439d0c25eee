// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/achievedex/internal/model"
)

// IDTokenCookieName はベアラートークンを保持するCookieの名前。
const IDTokenCookieName = "idToken"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// subjectIDContextKey はリクエストコンテキストにSubjectIDを格納するためのキー。
var subjectIDContextKey = contextKey("subject_id")

// subjectSlotContextKey は認証済みSubjectIDをロギングミドルウェアへ返すためのスロット。
var subjectSlotContextKey = contextKey("subject_slot")

// TokenVerifier はベアラートークンの検証に必要なインターフェース。
// identity.Bridgeが実装する。
type TokenVerifier interface {
	Verify(ctx context.Context, bearerToken string) (string, error)
}

// BearerToken はidToken CookieまたはAuthorizationヘッダーからトークンを取り出す。
// Cookieを優先する。
func BearerToken(r *http.Request) string {
	if c, err := r.Cookie(IDTokenCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// NewAuthMiddleware はベアラートークンを検証し、SubjectIDをコンテキストに注入するミドルウェアを返す。
// トークンが無い、または検証に失敗した場合は401を返す。匿名として扱うことはしない。
func NewAuthMiddleware(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				WriteAPIError(w, model.NewUnauthenticatedError("missing token"))
				return
			}

			subjectID, err := verifier.Verify(r.Context(), token)
			if err != nil {
				slog.Info("ベアラートークンの検証に失敗しました",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteAPIError(w, model.NewUnauthenticatedError("invalid token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithSubjectID(r.Context(), subjectID)))
		})
	}
}

// NewOptionalAuthMiddleware はトークンが有効な場合のみSubjectIDを注入するミドルウェアを返す。
// ログイン中・未ログインのどちらでも動くエンドポイントに使う。
func NewOptionalAuthMiddleware(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := BearerToken(r); token != "" {
				if subjectID, err := verifier.Verify(r.Context(), token); err == nil {
					r = r.WithContext(ContextWithSubjectID(r.Context(), subjectID))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SubjectIDFromContext はリクエストコンテキストからSubjectIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func SubjectIDFromContext(ctx context.Context) (string, error) {
	subjectID, ok := ctx.Value(subjectIDContextKey).(string)
	if !ok || subjectID == "" {
		return "", fmt.Errorf("subject ID not found in context")
	}
	return subjectID, nil
}

// ContextWithSubjectID はコンテキストにSubjectIDを注入する。
// 外側のロギングミドルウェアが用意したスロットがあればそこにも書き込む。
func ContextWithSubjectID(ctx context.Context, subjectID string) context.Context {
	if slot, ok := ctx.Value(subjectSlotContextKey).(*string); ok {
		*slot = subjectID
	}
	return context.WithValue(ctx, subjectIDContextKey, subjectID)
}
