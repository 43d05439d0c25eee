package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/achievedex/internal/model"
)

const (
	// CSRFCookieName はダブルサブミット用トークンのCookie名。
	// SPAがJavaScriptで読み取ってヘッダーに載せるためHttpOnlyにしない。
	CSRFCookieName = "csrf_token"

	// CSRFHeaderName はトークンを送り返すリクエストヘッダー名。
	CSRFHeaderName = "X-CSRF-Token"

	defaultCSRFMaxAge = 24 * time.Hour
	csrfTokenBytes    = 32
)

var errCSRFTokenEmpty = errors.New("csrf token is empty")

// CSRFConfig はCSRFミドルウェアの設定。
type CSRFConfig struct {
	CookieSecure bool
	CookieDomain string
	// MaxAge はトークンCookieの有効期間。0の場合は24時間。
	MaxAge time.Duration
}

func (c CSRFConfig) maxAgeSeconds() int {
	if c.MaxAge <= 0 {
		return int(defaultCSRFMaxAge.Seconds())
	}
	return int(c.MaxAge.Seconds())
}

// NewCSRFMiddleware はダブルサブミット方式のCSRF検証ミドルウェアを返す。
// GET/HEAD/OPTIONSは検証せず、トークンCookieが無ければ発行する。
// それ以外のメソッドはCookieとX-CSRF-Tokenヘッダーの一致を要求する。
func NewCSRFMiddleware(config CSRFConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				if _, err := csrfTokenFromCookie(r); err != nil {
					if _, err := issueCSRFToken(w, config); err != nil {
						slog.Error("failed to issue csrf token", slog.String("error", err.Error()))
					}
				}
				next.ServeHTTP(w, r)
				return
			}

			if reason := verifyCSRF(r); reason != "" {
				slog.Warn("csrf verification failed",
					slog.String("reason", reason),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewCSRFValidationError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewCSRFTokenHandler は GET /api/csrf-token のハンドラーを返す。
// 既存のトークンがあればそれを、なければ新規発行したものを {"token": ...} で返す。
func NewCSRFTokenHandler(config CSRFConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := csrfTokenFromCookie(r)
		if err != nil {
			token, err = issueCSRFToken(w, config)
			if err != nil {
				slog.Error("failed to issue csrf token", slog.String("error", err.Error()))
				WriteInternalServerError(w)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	})
}

// verifyCSRF は検証に失敗した理由を返す。成功時は空文字。
func verifyCSRF(r *http.Request) string {
	cookieToken, err := csrfTokenFromCookie(r)
	if err != nil {
		return "missing cookie token"
	}
	headerToken := r.Header.Get(CSRFHeaderName)
	if headerToken == "" {
		return "missing header token"
	}
	if subtle.ConstantTimeCompare([]byte(cookieToken), []byte(headerToken)) != 1 {
		return "token mismatch"
	}
	return ""
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func csrfTokenFromCookie(r *http.Request) (string, error) {
	c, err := r.Cookie(CSRFCookieName)
	if err != nil {
		return "", err
	}
	if c.Value == "" {
		return "", errCSRFTokenEmpty
	}
	return c.Value, nil
}

func issueCSRFToken(w http.ResponseWriter, config CSRFConfig) (string, error) {
	b := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(b)
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   config.maxAgeSeconds(),
		HttpOnly: false,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return token, nil
}
