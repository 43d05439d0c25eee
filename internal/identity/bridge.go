// Package identity はベアラートークンの検証、外部アカウントとSubjectの紐付け、
// リダイレクト型ログイン完了用のブリッジ資格情報の発行を提供する。
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/achievedex/internal/model"
	"github.com/hitoshi/achievedex/internal/repository"
)

// Config はIdentity Bridgeの設定。
type Config struct {
	SessionTTL time.Duration // ベアラートークンの有効期間
	BridgeTTL  time.Duration // ブリッジ資格情報の有効期間（MaxBridgeTTLで切り詰める）
}

// Bridge はSubjectの解決と資格情報の発行を行う。
type Bridge struct {
	signer     *TokenSigner
	subjects   repository.SubjectRepository
	identities repository.IdentityRepository
	config     Config
	now        func() time.Time
}

// NewBridge はBridgeを生成する。
func NewBridge(
	signer *TokenSigner,
	subjects repository.SubjectRepository,
	identities repository.IdentityRepository,
	config Config,
) *Bridge {
	if config.SessionTTL <= 0 {
		config.SessionTTL = time.Hour
	}
	if config.BridgeTTL <= 0 || config.BridgeTTL > MaxBridgeTTL {
		config.BridgeTTL = MaxBridgeTTL
	}
	return &Bridge{
		signer:     signer,
		subjects:   subjects,
		identities: identities,
		config:     config,
		now:        time.Now,
	}
}

// SessionTTL はベアラートークンの有効期間を返す。
func (b *Bridge) SessionTTL() time.Duration { return b.config.SessionTTL }

// BridgeTTL はブリッジ資格情報の有効期間を返す。
func (b *Bridge) BridgeTTL() time.Duration { return b.config.BridgeTTL }

// Verify はベアラートークンを検証しSubjectIDを返す。
// 失敗は理由に関わらず model.ErrUnauthenticated として返す。
func (b *Bridge) Verify(ctx context.Context, bearerToken string) (string, error) {
	v, err := b.VerifyToken(ctx, bearerToken)
	if err != nil {
		return "", err
	}
	return v.SubjectID, nil
}

// VerifyToken はベアラートークンを検証し、クレームを含む内容を返す。
func (b *Bridge) VerifyToken(_ context.Context, bearerToken string) (*VerifiedToken, error) {
	if bearerToken == "" {
		return nil, fmt.Errorf("%w: token missing", model.ErrUnauthenticated)
	}
	v, err := b.signer.Parse(bearerToken, TokenTypeSession)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUnauthenticated, err)
	}
	return v, nil
}

// LinkExternalAccount は (provider, externalID) に紐付くSubjectを返す。
// 未登録の場合はhintsを初期値としてSubjectとidentityを作成する。
// 同時作成で一意制約違反になった場合は再検索して既存のSubjectを返す。
func (b *Bridge) LinkExternalAccount(ctx context.Context, provider, externalID string, hints model.ProfileHints) (string, error) {
	if provider == "" || externalID == "" {
		return "", errors.New("provider and external ID are required")
	}

	existing, err := b.identities.FindByProviderAndProviderUserID(ctx, provider, externalID)
	if err != nil {
		return "", fmt.Errorf("failed to find identity: %w", err)
	}
	if existing != nil {
		slog.Info("既存のSubjectを解決しました",
			slog.String("subject_id", existing.SubjectID),
			slog.String("provider", provider),
		)
		return existing.SubjectID, nil
	}

	now := b.now().UTC()
	subject := &model.Subject{
		ID:          uuid.New().String(),
		DisplayName: hints.DisplayName,
		PhotoURL:    hints.PhotoURL,
		Email:       hints.Email,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	identity := &model.Identity{
		ID:             uuid.New().String(),
		SubjectID:      subject.ID,
		Provider:       provider,
		ProviderUserID: externalID,
		CreatedAt:      now,
	}

	if err := b.subjects.CreateWithIdentity(ctx, subject, identity); err != nil {
		if !repository.IsUniqueViolation(err) {
			return "", fmt.Errorf("failed to create subject and identity: %w", err)
		}
		// 同じidentityが並行して作成された
		winner, findErr := b.identities.FindByProviderAndProviderUserID(ctx, provider, externalID)
		if findErr != nil {
			return "", fmt.Errorf("failed to find identity after conflict: %w", findErr)
		}
		if winner == nil {
			return "", fmt.Errorf("identity missing after conflict: %w", err)
		}
		slog.Info("作成競合のため既存のSubjectを使用します",
			slog.String("subject_id", winner.SubjectID),
			slog.String("provider", provider),
		)
		return winner.SubjectID, nil
	}

	slog.Info("新しいSubjectを作成しました",
		slog.String("subject_id", subject.ID),
		slog.String("provider", provider),
	)
	return subject.ID, nil
}

// AttachExternalAccount はログイン中のSubjectに (provider, externalID) のidentityを追加する。
// 既に同じSubjectに紐付いている場合は何もしない。
// 別のSubjectに紐付いている場合は model.ErrExternalAccountOwned を返す。
func (b *Bridge) AttachExternalAccount(ctx context.Context, subjectID, provider, externalID string) error {
	if subjectID == "" || provider == "" || externalID == "" {
		return errors.New("subject ID, provider and external ID are required")
	}

	existing, err := b.identities.FindByProviderAndProviderUserID(ctx, provider, externalID)
	if err != nil {
		return fmt.Errorf("failed to find identity: %w", err)
	}
	if existing != nil {
		return ownedBy(existing, subjectID)
	}

	err = b.identities.Create(ctx, &model.Identity{
		ID:             uuid.New().String(),
		SubjectID:      subjectID,
		Provider:       provider,
		ProviderUserID: externalID,
		CreatedAt:      b.now().UTC(),
	})
	if err == nil {
		slog.Info("外部アカウントのidentityを追加しました",
			slog.String("subject_id", subjectID),
			slog.String("provider", provider),
		)
		return nil
	}
	if !repository.IsUniqueViolation(err) {
		return fmt.Errorf("failed to create identity: %w", err)
	}

	winner, findErr := b.identities.FindByProviderAndProviderUserID(ctx, provider, externalID)
	if findErr != nil {
		return fmt.Errorf("failed to find identity after conflict: %w", findErr)
	}
	if winner == nil {
		return fmt.Errorf("identity missing after conflict: %w", err)
	}
	return ownedBy(winner, subjectID)
}

func ownedBy(identity *model.Identity, subjectID string) error {
	if identity.SubjectID != subjectID {
		return fmt.Errorf("%w: %s/%s", model.ErrExternalAccountOwned, identity.Provider, identity.ProviderUserID)
	}
	return nil
}

// MintBridgeCredential はリダイレクト型ログインを完了させるための短命な資格情報を発行する。
func (b *Bridge) MintBridgeCredential(subjectID string, claims Claims) (string, error) {
	return b.signer.Sign(subjectID, TokenTypeBridge, claims, b.config.BridgeTTL)
}

// ExchangeBridgeCredential はブリッジ資格情報を検証し、SubjectIDとクレームを返す。
func (b *Bridge) ExchangeBridgeCredential(_ context.Context, token string) (*VerifiedToken, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: bridge credential missing", model.ErrUnauthenticated)
	}
	v, err := b.signer.Parse(token, TokenTypeBridge)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUnauthenticated, err)
	}
	return v, nil
}

// IssueSessionToken はベアラートークンを発行する。
func (b *Bridge) IssueSessionToken(subjectID string, claims Claims) (string, error) {
	return b.signer.Sign(subjectID, TokenTypeSession, claims, b.config.SessionTTL)
}

// Subject は連携情報付きのSubjectを返す。存在しない場合は model.ErrSubjectNotFound を返す。
func (b *Bridge) Subject(ctx context.Context, subjectID string) (*model.Subject, error) {
	subject, err := b.subjects.FindByID(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to find subject: %w", err)
	}
	if subject == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrSubjectNotFound, subjectID)
	}
	return subject, nil
}

// BackfillProfile はSubjectの表示名・アバターが空の場合に限り、トークンのクレームで補完する。
// 既に値がある項目は上書きしない。
func (b *Bridge) BackfillProfile(ctx context.Context, subjectID string, claims Claims) (*model.Subject, error) {
	subject, err := b.Subject(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	displayName, photoURL := subject.DisplayName, subject.PhotoURL
	if displayName == "" {
		displayName = claims.Name
	}
	if photoURL == "" {
		photoURL = claims.Picture
	}
	if displayName == subject.DisplayName && photoURL == subject.PhotoURL {
		return subject, nil
	}

	if err := b.subjects.UpdateProfile(ctx, subjectID, displayName, photoURL); err != nil {
		return nil, fmt.Errorf("failed to backfill profile: %w", err)
	}
	slog.Info("プロフィールを補完しました", slog.String("subject_id", subjectID))

	subject.DisplayName = displayName
	subject.PhotoURL = photoURL
	return subject, nil
}
