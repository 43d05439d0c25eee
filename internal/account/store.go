// Package account はSubjectごとの外部アカウント連携情報を管理する。
package account

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/achievedex/internal/model"
	"github.com/hitoshi/achievedex/internal/repository"
)

// Store は外部アカウント連携の読み書きを提供する。
type Store struct {
	links repository.AccountLinkRepository
	now   func() time.Time
}

// NewStore はStoreを生成する。
func NewStore(links repository.AccountLinkRepository) *Store {
	return &Store{links: links, now: time.Now}
}

// ValidatePlatform はプラットフォーム名を正規化し、既知のものか検証する。
func ValidatePlatform(platform string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(platform))
	if !model.IsKnownPlatform(p) {
		return "", model.NewUnknownPlatformError(platform)
	}
	return p, nil
}

// GetLink は指定プラットフォームの連携情報を返す。未連携の場合はnilを返す。
func (s *Store) GetLink(ctx context.Context, subjectID, platform string) (*model.ExternalAccountLink, error) {
	p, err := ValidatePlatform(platform)
	if err != nil {
		return nil, err
	}
	links, err := s.links.FindBySubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account link: %w", err)
	}
	link, ok := links[p]
	if !ok || link.ExternalID == "" {
		return nil, nil
	}
	return &link, nil
}

// SetLink は連携情報を上書き保存する。ConnectedAtが未設定の場合は現在時刻を入れる。
func (s *Store) SetLink(ctx context.Context, subjectID, platform string, link model.ExternalAccountLink) error {
	p, err := ValidatePlatform(platform)
	if err != nil {
		return err
	}
	if link.ExternalID == "" {
		return model.NewInvalidParameterError("externalId")
	}
	link.Platform = p
	if link.ConnectedAt.IsZero() {
		link.ConnectedAt = s.now().UTC()
	}
	if err := s.links.Upsert(ctx, subjectID, &link); err != nil {
		return fmt.Errorf("failed to set account link: %w", err)
	}
	slog.Info("外部アカウントを連携しました",
		slog.String("subject_id", subjectID),
		slog.String("platform", p),
		slog.String("external_id", link.ExternalID),
	)
	return nil
}

// ClearLink は連携を解除する。未連携の場合も成功として扱う。
func (s *Store) ClearLink(ctx context.Context, subjectID, platform string) error {
	p, err := ValidatePlatform(platform)
	if err != nil {
		return err
	}
	if err := s.links.Delete(ctx, subjectID, p); err != nil {
		return fmt.Errorf("failed to clear account link: %w", err)
	}
	slog.Info("外部アカウントの連携を解除しました",
		slog.String("subject_id", subjectID),
		slog.String("platform", p),
	)
	return nil
}

// FindSubjectByExternalID は外部アカウントIDから連携済みSubjectを逆引きする。
// 見つからない場合は空文字を返す。
func (s *Store) FindSubjectByExternalID(ctx context.Context, platform, externalID string) (string, error) {
	owners, err := s.FindSubjectsByExternalIDs(ctx, platform, []string{externalID})
	if err != nil {
		return "", err
	}
	return owners[externalID], nil
}

// FindSubjectsByExternalIDs は複数の外部アカウントIDをまとめて逆引きする。
func (s *Store) FindSubjectsByExternalIDs(ctx context.Context, platform string, externalIDs []string) (map[string]string, error) {
	p, err := ValidatePlatform(platform)
	if err != nil {
		return nil, err
	}
	if len(externalIDs) == 0 {
		return map[string]string{}, nil
	}
	owners, err := s.links.FindSubjectIDsByExternalIDs(ctx, p, externalIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to find subjects by external IDs: %w", err)
	}
	return owners, nil
}
