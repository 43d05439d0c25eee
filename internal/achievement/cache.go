package achievement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/achievedex/internal/model"
	"github.com/hitoshi/achievedex/internal/repository"
)

// DefaultTTL はキャッシュエントリの鮮度期間。
const DefaultTTL = 24 * time.Hour

// keySeparator は外部アカウントIDとゲームIDの区切り文字。
// keyRangeEnd はkeySeparatorの次のバイトで、前方一致の範囲検索の上端に使う。
const (
	keySeparator = "_"
	keyRangeEnd  = "`"
)

// maxGameIDLength はゲームIDの最大長。game_names.game_id の列長に合わせる。
const maxGameIDLength = 32

// ValidGameID はゲームIDが数字のみで構成されているかを返す。
// キャッシュキーは最後のアンダースコアで分割するため、ゲームIDに区切り文字を含めてはならない。
func ValidGameID(gameID string) bool {
	if gameID == "" || len(gameID) > maxGameIDLength {
		return false
	}
	for i := 0; i < len(gameID); i++ {
		if gameID[i] < '0' || gameID[i] > '9' {
			return false
		}
	}
	return true
}

// CacheKey はキャッシュキー "{accountID}_{gameID}" を生成する。
func CacheKey(accountID, gameID string) string {
	return accountID + keySeparator + gameID
}

// SplitCacheKey はキャッシュキーを外部アカウントIDとゲームIDに分解する。
// 最後のアンダースコアで分割するため、アカウントIDがアンダースコアを含んでも復元できる。
func SplitCacheKey(key string) (accountID, gameID string, ok bool) {
	i := strings.LastIndex(key, keySeparator)
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// Cache は実績キャッシュの読み書きと鮮度判定を行う。
type Cache struct {
	repo repository.AchievementCacheRepository
	ttl  time.Duration
	now  func() time.Time
}

// NewCache はCacheの新しいインスタンスを生成する。ttlが0以下の場合は24時間。
func NewCache(repo repository.AchievementCacheRepository, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{repo: repo, ttl: ttl, now: time.Now}
}

// TTL は鮮度期間を返す。
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get はキャッシュエントリを取得する。存在しない場合は nil, nil を返す。
func (c *Cache) Get(ctx context.Context, accountID, gameID string) (*model.CachedGameAchievements, error) {
	entry, err := c.repo.Get(ctx, CacheKey(accountID, gameID))
	if err != nil {
		return nil, fmt.Errorf("キャッシュの取得に失敗しました: %w", err)
	}
	return entry, nil
}

// Put はエントリを全体上書きで保存する。保存時刻は現在時刻。
// 書き込みに失敗しても組み立てたエントリは返す。
func (c *Cache) Put(ctx context.Context, accountID, gameID string, records []model.Achievement, flags model.CacheFlags) (*model.CachedGameAchievements, error) {
	if records == nil {
		records = []model.Achievement{}
	}
	entry := &model.CachedGameAchievements{
		ExternalAccountID: accountID,
		GameID:            gameID,
		GameName:          flags.GameName,
		Achievements:      records,
		CachedAt:          c.now(),
		IsPrivate:         flags.IsPrivate,
		BypassedPrivacy:   flags.BypassedPrivacy,
	}
	if err := c.repo.Put(ctx, CacheKey(accountID, gameID), entry); err != nil {
		return entry, fmt.Errorf("キャッシュの保存に失敗しました: %w", err)
	}
	return entry, nil
}

// IsFresh はエントリが鮮度期間内かを判定する。
// 保存からちょうどTTL経過した時点まではfresh。
func (c *Cache) IsFresh(entry *model.CachedGameAchievements) bool {
	if entry == nil {
		return false
	}
	return c.now().Sub(entry.CachedAt) <= c.ttl
}

// ListByAccount は外部アカウントIDのキャッシュエントリを前方一致の範囲検索で取得する。
// "a_b" のようにアンダースコアを含む別アカウントのエントリは除外する。
func (c *Cache) ListByAccount(ctx context.Context, accountID string) ([]*model.CachedGameAchievements, error) {
	entries, err := c.repo.ListByKeyRange(ctx, accountID+keySeparator, accountID+keyRangeEnd)
	if err != nil {
		return nil, fmt.Errorf("キャッシュの範囲検索に失敗しました: %w", err)
	}

	filtered := make([]*model.CachedGameAchievements, 0, len(entries))
	for _, e := range entries {
		if e.ExternalAccountID == accountID {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// ListAll は全キャッシュエントリを取得する。
func (c *Cache) ListAll(ctx context.Context) ([]*model.CachedGameAchievements, error) {
	entries, err := c.repo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("キャッシュの全件取得に失敗しました: %w", err)
	}
	return entries, nil
}

// ListStale は鮮度期間を過ぎたエントリを古い順に最大limit件取得する。
func (c *Cache) ListStale(ctx context.Context, limit int) ([]*model.CachedGameAchievements, error) {
	entries, err := c.repo.ListStale(ctx, c.now().Add(-c.ttl), limit)
	if err != nil {
		return nil, fmt.Errorf("期限切れキャッシュの取得に失敗しました: %w", err)
	}
	return entries, nil
}

// MarkRefreshAttempted はデータを取得できなかった更新の試行を記録する。
// 記録したエントリは鮮度期間が過ぎるまでListStaleに現れない。
func (c *Cache) MarkRefreshAttempted(ctx context.Context, accountID, gameID string) error {
	if err := c.repo.MarkRefreshAttempted(ctx, CacheKey(accountID, gameID), c.now().UTC()); err != nil {
		return fmt.Errorf("更新試行の記録に失敗しました: %w", err)
	}
	return nil
}

// DeleteOlderThan は保存から指定期間以上経過したエントリを削除する。
func (c *Cache) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := c.repo.DeleteOlderThan(ctx, c.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("古いキャッシュの削除に失敗しました: %w", err)
	}
	return n, nil
}
