// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/achievedex/internal/model"
)

// InQueryBatchSize はIN句に渡すIDの最大件数。
// 大量のIDを一度に渡さず、この件数ごとに分割して順次問い合わせる。
const InQueryBatchSize = 10

// SubjectRepository はSubjectデータの永続化インターフェース。
type SubjectRepository interface {
	// FindByID は指定IDのSubjectを連携情報付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Subject, error)

	// FindByIDs は複数IDのSubjectを取得する。見つからないIDは結果に含まれない。
	FindByIDs(ctx context.Context, ids []string) ([]*model.Subject, error)

	// CreateWithIdentity はSubjectとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, subject *model.Subject, identity *model.Identity) error

	// UpdateProfile は表示名とアバターURLを更新する。
	UpdateProfile(ctx context.Context, id, displayName, photoURL string) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// Create は既存Subjectにidentityを追加する。
	// (provider, provider_user_id) の一意制約違反はIsUniqueViolationで判定できる形で返す。
	Create(ctx context.Context, identity *model.Identity) error
}

// AccountLinkRepository は外部アカウント連携情報の永続化インターフェース。
type AccountLinkRepository interface {
	// FindBySubject はSubjectの全連携情報をプラットフォーム名をキーに返す。
	FindBySubject(ctx context.Context, subjectID string) (map[string]model.ExternalAccountLink, error)

	// Upsert は連携情報を作成または上書きする。
	Upsert(ctx context.Context, subjectID string, link *model.ExternalAccountLink) error

	// Delete は連携情報を削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, subjectID, platform string) error

	// FindSubjectIDsByExternalIDs は外部アカウントIDから連携済みSubjectのIDを逆引きする。
	// 戻り値は外部アカウントID→SubjectID。
	FindSubjectIDsByExternalIDs(ctx context.Context, platform string, externalIDs []string) (map[string]string, error)
}

// AchievementCacheRepository は実績キャッシュの永続化インターフェース。
type AchievementCacheRepository interface {
	// Get はキャッシュキーでエントリを取得する。見つからない場合はnilを返す。
	Get(ctx context.Context, key string) (*model.CachedGameAchievements, error)

	// Put はエントリを全体上書きで保存する。
	Put(ctx context.Context, key string, entry *model.CachedGameAchievements) error

	// ListByKeyRange はキーが [from, to) の範囲にあるエントリを返す。
	ListByKeyRange(ctx context.Context, from, to string) ([]*model.CachedGameAchievements, error)

	// ListAll は全エントリを返す。
	ListAll(ctx context.Context) ([]*model.CachedGameAchievements, error)

	// ListStale はcached_atが指定時刻より古いエントリを古い順に最大limit件返す。
	// 指定時刻以降に更新を試行済みのエントリは含めない。
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*model.CachedGameAchievements, error)

	// MarkRefreshAttempted はエントリの内容を変えずに更新の試行時刻を記録する。
	// エントリが存在しない場合は何もしない。
	MarkRefreshAttempted(ctx context.Context, key string, at time.Time) error

	// DeleteOlderThan はcached_atが指定時刻より古いエントリを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// GameNameRepository はゲーム名参照データの永続化インターフェース。
type GameNameRepository interface {
	// FindByGameID はゲーム名を取得する。見つからない場合はnilを返す。
	FindByGameID(ctx context.Context, gameID string) (*model.GameName, error)

	// Upsert はゲーム名を作成または更新する。
	Upsert(ctx context.Context, name *model.GameName) error
}

// chunkIDs はIDスライスをInQueryBatchSize件ずつに分割する。
func chunkIDs(ids []string) [][]string {
	var chunks [][]string
	for start := 0; start < len(ids); start += InQueryBatchSize {
		end := start + InQueryBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
