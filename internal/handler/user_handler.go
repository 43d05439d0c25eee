package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/achievedex/internal/identity"
	"github.com/hitoshi/achievedex/internal/middleware"
	"github.com/hitoshi/achievedex/internal/model"
)

// TokenInspector はベアラートークンのクレームを読むためのインターフェース。
// identity.Bridgeが実装する。
type TokenInspector interface {
	VerifyToken(ctx context.Context, bearerToken string) (*identity.VerifiedToken, error)
}

// AccountStoreInterface は外部アカウント連携の読み書きに必要なインターフェース。
// account.Storeが実装する。
type AccountStoreInterface interface {
	GetLink(ctx context.Context, subjectID, platform string) (*model.ExternalAccountLink, error)
	SetLink(ctx context.Context, subjectID, platform string, link model.ExternalAccountLink) error
	ClearLink(ctx context.Context, subjectID, platform string) error
	FindSubjectByExternalID(ctx context.Context, platform, externalID string) (string, error)
}

// UserHandler はプロフィールと連携解除のHTTPハンドラー。
type UserHandler struct {
	profiles ProfileServiceInterface
	tokens   TokenInspector
	accounts AccountStoreInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(profiles ProfileServiceInterface, tokens TokenInspector, accounts AccountStoreInterface) *UserHandler {
	return &UserHandler{
		profiles: profiles,
		tokens:   tokens,
		accounts: accounts,
	}
}

// Profile はSubjectのプロフィールを返す。
// 表示名・アバターが未設定の場合はトークンのクレームで補完してから返す。
// GET /api/user/profile
func (h *UserHandler) Profile(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := requireSubject(w, r)
	if !ok {
		return
	}

	var claims identity.Claims
	if v, err := h.tokens.VerifyToken(r.Context(), middleware.BearerToken(r)); err == nil {
		claims = v.Claims
	}

	subject, err := h.profiles.BackfillProfile(r.Context(), subjectID, claims)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSubjectResponse(subject))
}

// Disconnect は指定プラットフォームの連携を解除する。未連携でも成功を返す。
// POST /api/accounts/{platform}/disconnect
func (h *UserHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := requireSubject(w, r)
	if !ok {
		return
	}

	platform := chi.URLParam(r, "platform")
	if err := h.accounts.ClearLink(r.Context(), subjectID, platform); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "platform": platform})
}
