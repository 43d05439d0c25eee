// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/achievedex/internal/auth"
	"github.com/hitoshi/achievedex/internal/identity"
	"github.com/hitoshi/achievedex/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code string) (*auth.LoginResult, error)
	ExchangeBridge(ctx context.Context, bridgeToken string) (*auth.LoginResult, error)
}

// ProfileServiceInterface はSubjectのプロフィール取得に必要なインターフェース。
// identity.Bridgeが実装する。
type ProfileServiceInterface interface {
	Subject(ctx context.Context, subjectID string) (*model.Subject, error)
	BackfillProfile(ctx context.Context, subjectID string, claims identity.Claims) (*model.Subject, error)
}

// AuthHandler はログイン・ログアウト関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	profiles ProfileServiceInterface
	cookies  CookieConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, profiles ProfileServiceInterface, cookies CookieConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		profiles: profiles,
		cookies:  cookies,
	}
}

// Login はGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, model.NewInternalError())
		return
	}

	// stateをCookieに保存（CSRF対策）
	h.cookies.setCookie(w, oauthStateCookie, state, stateCookieMaxAge)

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理し、idToken Cookieを設定する。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("query_state", state))
		writeAPIErrorResponse(w, model.NewInvalidParameterError("state"))
		return
	}
	h.cookies.clearCookie(w, oauthStateCookie)

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		writeAPIErrorResponse(w, model.NewInvalidParameterError("code"))
		return
	}

	// 3. 認証処理
	result, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, model.NewUnauthenticatedError("oauth callback failed"))
		return
	}

	// 4. ベアラートークンをCookieに設定してフロントエンドへ
	h.cookies.setIDToken(w, result.Token)
	http.Redirect(w, r, h.cookies.BaseURL+"/dashboard", http.StatusTemporaryRedirect)
}

// Bridge はbridgeToken Cookieのブリッジ資格情報をidToken Cookieに交換する。
// POST /auth/bridge
func (h *AuthHandler) Bridge(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(bridgeTokenCookieName)
	if err != nil || cookie.Value == "" {
		writeAPIErrorResponse(w, model.NewUnauthenticatedError("bridge credential missing"))
		return
	}

	// ブリッジ資格情報は一度きり
	h.cookies.clearCookie(w, bridgeTokenCookieName)

	result, err := h.service.ExchangeBridge(r.Context(), cookie.Value)
	if err != nil {
		slog.Info("ブリッジ資格情報の交換に失敗しました", slog.String("error", err.Error()))
		handleServiceError(w, err)
		return
	}

	h.cookies.setIDToken(w, result.Token)
	writeJSON(w, http.StatusOK, map[string]string{"subjectId": result.SubjectID})
}

// Logout はidToken・bridgeToken Cookieを削除する。
// トークンはステートレスなため、サーバー側で破棄するものはない。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.cookies.clearCookie(w, idTokenCookieName)
	h.cookies.clearCookie(w, bridgeTokenCookieName)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインSubjectの情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := requireSubject(w, r)
	if !ok {
		return
	}

	subject, err := h.profiles.Subject(r.Context(), subjectID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSubjectResponse(subject))
}

// subjectResponse はSubjectのAPIレスポンス。
type subjectResponse struct {
	ID                string                     `json:"uid"`
	DisplayName       string                     `json:"displayName"`
	PhotoURL          string                     `json:"photoURL"`
	Email             string                     `json:"email,omitempty"`
	CreatedAt         time.Time                  `json:"createdAt"`
	ConnectedAccounts map[string]accountResponse `json:"connectedAccounts"`
}

// accountResponse は外部アカウント連携のAPIレスポンス。
type accountResponse struct {
	ExternalID  string    `json:"externalId"`
	DisplayName string    `json:"personaName,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	ProfileURL  string    `json:"profileUrl,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

func toSubjectResponse(s *model.Subject) subjectResponse {
	accounts := make(map[string]accountResponse, len(s.ConnectedAccounts))
	for platform, link := range s.ConnectedAccounts {
		accounts[platform] = accountResponse{
			ExternalID:  link.ExternalID,
			DisplayName: link.DisplayName,
			AvatarURL:   link.AvatarURL,
			ProfileURL:  link.ProfileURL,
			ConnectedAt: link.ConnectedAt,
		}
	}
	return subjectResponse{
		ID:                s.ID,
		DisplayName:       s.DisplayName,
		PhotoURL:          s.PhotoURL,
		Email:             s.Email,
		CreatedAt:         s.CreatedAt,
		ConnectedAccounts: accounts,
	}
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
