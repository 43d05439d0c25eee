// Package auth はGoogle OAuthによるネイティブログインとベアラートークンの発行を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/achievedex/internal/identity"
	"github.com/hitoshi/achievedex/internal/model"
)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Picture        string
	Provider       string // "google"
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// IdentityBridge はSubjectの解決とトークン発行に必要な操作。
// identity.Bridgeが実装する。
type IdentityBridge interface {
	LinkExternalAccount(ctx context.Context, provider, externalID string, hints model.ProfileHints) (string, error)
	IssueSessionToken(subjectID string, claims identity.Claims) (string, error)
	ExchangeBridgeCredential(ctx context.Context, token string) (*identity.VerifiedToken, error)
}

// LoginResult はログイン完了時に発行したベアラートークンとSubjectID。
type LoginResult struct {
	SubjectID string
	Token     string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth  OAuthProvider
	bridge IdentityBridge
}

// NewService はServiceを生成する。
func NewService(oauth OAuthProvider, bridge IdentityBridge) *Service {
	return &Service{oauth: oauth, bridge: bridge}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理し、ベアラートークンを発行する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*LoginResult, error) {
	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}
	return s.ResolveNativeLogin(ctx, userInfo)
}

// ResolveNativeLogin はIdPのユーザー情報からSubjectを解決（未登録なら作成）し、
// ベアラートークンを発行する。
func (s *Service) ResolveNativeLogin(ctx context.Context, userInfo *OAuthUserInfo) (*LoginResult, error) {
	provider := userInfo.Provider
	if provider == "" {
		provider = model.ProviderGoogle
	}

	subjectID, err := s.bridge.LinkExternalAccount(ctx, provider, userInfo.ProviderUserID, model.ProfileHints{
		DisplayName: userInfo.Name,
		PhotoURL:    userInfo.Picture,
		Email:       userInfo.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subject: %w", err)
	}

	token, err := s.bridge.IssueSessionToken(subjectID, identity.Claims{
		Name:    userInfo.Name,
		Picture: userInfo.Picture,
		Email:   userInfo.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}

	slog.Info("ネイティブログインが完了しました",
		slog.String("subject_id", subjectID),
		slog.String("provider", provider),
	)
	return &LoginResult{SubjectID: subjectID, Token: token}, nil
}

// ExchangeBridge はブリッジ資格情報をベアラートークンに交換する。
// ブリッジ資格情報のクレームはそのまま引き継ぐ。
func (s *Service) ExchangeBridge(ctx context.Context, bridgeToken string) (*LoginResult, error) {
	v, err := s.bridge.ExchangeBridgeCredential(ctx, bridgeToken)
	if err != nil {
		return nil, err
	}
	token, err := s.bridge.IssueSessionToken(v.SubjectID, v.Claims)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}
	return &LoginResult{SubjectID: v.SubjectID, Token: token}, nil
}
