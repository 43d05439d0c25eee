package handler

import (
	"net/http"
	"time"

	"github.com/hitoshi/achievedex/internal/middleware"
)

// Cookie名。
const (
	idTokenCookieName     = middleware.IDTokenCookieName
	bridgeTokenCookieName = "bridgeToken"
	oauthStateCookie      = "oauth_state"
	steamStateCookie      = "steam_auth_state"
)

// stateCookieMaxAge はOAuth/OpenIDのstate Cookieの有効期間（秒）。
const stateCookieMaxAge = 600

// CookieConfig はCookie発行の共通設定。
type CookieConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int           // idToken Cookieの有効期間（秒）
	BridgeTTL     time.Duration // bridgeToken Cookieの有効期間
}

// setCookie はHttpOnlyのCookieを設定する。maxAgeが負の場合は削除する。
func (c CookieConfig) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c CookieConfig) clearCookie(w http.ResponseWriter, name string) {
	c.setCookie(w, name, "", -1)
}

// setIDToken はベアラートークンをidToken Cookieに設定する。
func (c CookieConfig) setIDToken(w http.ResponseWriter, token string) {
	c.setCookie(w, idTokenCookieName, token, c.SessionMaxAge)
}

// setBridgeToken はブリッジ資格情報をbridgeToken Cookieに設定する。
func (c CookieConfig) setBridgeToken(w http.ResponseWriter, token string) {
	c.setCookie(w, bridgeTokenCookieName, token, int(c.BridgeTTL/time.Second))
}
