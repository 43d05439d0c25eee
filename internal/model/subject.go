// Package model はドメインモデルを定義する。
package model

import "time"

// 連携先プラットフォーム名。
const (
	PlatformSteam       = "steam"
	PlatformRiot        = "riot"
	PlatformEpic        = "epic"
	PlatformPlayStation = "playstation"
	PlatformXbox        = "xbox"

	// ProviderGoogle はネイティブログインに使用するIdPのプロバイダー名。
	ProviderGoogle = "google"
)

// KnownPlatforms は連携可能なプラットフォームの一覧。
// 実データ取得が実装されているのはSteamのみで、その他は連携解除のみ扱う。
var KnownPlatforms = []string{
	PlatformSteam,
	PlatformRiot,
	PlatformEpic,
	PlatformPlayStation,
	PlatformXbox,
}

// IsKnownPlatform はプラットフォーム名が既知かを判定する。
func IsKnownPlatform(platform string) bool {
	for _, p := range KnownPlatforms {
		if p == platform {
			return true
		}
	}
	return false
}

// Subject はサービス内部のユーザーアイデンティティを表す。
// 初回認証成功時に作成され、このスコープではハード削除しない。
type Subject struct {
	ID                string
	DisplayName       string
	PhotoURL          string
	Email             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ConnectedAccounts map[string]ExternalAccountLink
}

// Link は指定プラットフォームの連携情報を返す。未連携の場合はnilを返す。
func (s *Subject) Link(platform string) *ExternalAccountLink {
	if s == nil || s.ConnectedAccounts == nil {
		return nil
	}
	link, ok := s.ConnectedAccounts[platform]
	if !ok {
		return nil
	}
	return &link
}

// ExternalAccountLink は外部プラットフォームアカウントとの連携情報を表す。
// Subjectごと・プラットフォームごとに最大1件。
type ExternalAccountLink struct {
	Platform    string
	ExternalID  string
	DisplayName string // Steamの場合はペルソナ名
	AvatarURL   string
	ProfileURL  string
	ConnectedAt time.Time
}

// Identity は外部IdP上のアカウントとSubjectの紐付け情報を表す。
// (provider, provider_user_id) は一意。
type Identity struct {
	ID             string
	SubjectID      string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// ProfileHints は新規Subject作成時に初期値として使うプロフィール情報。
type ProfileHints struct {
	DisplayName string
	PhotoURL    string
	Email       string
	AvatarURL   string
	ProfileURL  string
}
