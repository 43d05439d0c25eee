package achievement

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/achievedex/internal/metrics"
	"github.com/hitoshi/achievedex/internal/model"
)

// RefreshState は1回の取得試行の結果状態。
type RefreshState string

const (
	StatePlayerDataAvailable         RefreshState = "PLAYER_DATA_AVAILABLE"
	StatePlayerDataPrivateWithSchema RefreshState = "PLAYER_DATA_PRIVATE_WITH_SCHEMA"
	StateForcedBypass                RefreshState = "FORCED_BYPASS"
	StateNoData                      RefreshState = "NO_DATA"
)

// GetOptions はGetの動作指定。
type GetOptions struct {
	// ForceRefresh は鮮度に関わらず上流から取得する。
	ForceRefresh bool
	// BypassPrivacy はプレイヤーデータが非公開の場合に前回の解除状況を引き継ぐ。
	BypassPrivacy bool
}

// GameAchievements はゲーム単位の実績取得結果。
type GameAchievements struct {
	ExternalAccountID string
	GameID            string
	GameName          string
	Achievements      []model.Achievement
	IsPrivate         bool
	BypassedPrivacy   bool
	FromCache         bool
	Stale             bool
	CachedAt          time.Time
	State             RefreshState
}

// UnlockedCount は解除済み実績数を返す。
func (g *GameAchievements) UnlockedCount() int {
	n := 0
	for _, a := range g.Achievements {
		if a.Unlocked {
			n++
		}
	}
	return n
}

func fromEntry(entry *model.CachedGameAchievements) *GameAchievements {
	return &GameAchievements{
		ExternalAccountID: entry.ExternalAccountID,
		GameID:            entry.GameID,
		GameName:          entry.GameName,
		Achievements:      entry.Achievements,
		IsPrivate:         entry.IsPrivate,
		BypassedPrivacy:   entry.BypassedPrivacy,
		CachedAt:          entry.CachedAt,
	}
}

// Service は実績の取得・更新・キャッシュを統括する。
type Service struct {
	fetcher *Fetcher
	cache   *Cache
	names   *NameResolver
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。namesはnil可。
func NewService(fetcher *Fetcher, cache *Cache, names *NameResolver, collector metrics.MetricsCollector, logger *slog.Logger) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		fetcher: fetcher,
		cache:   cache,
		names:   names,
		metrics: collector,
		logger:  logger,
	}
}

// Cache は内部のキャッシュ層を返す。集計ビューとワーカーが利用する。
func (s *Service) Cache() *Cache { return s.cache }

// Names はゲーム名の解決器を返す。
func (s *Service) Names() *NameResolver { return s.names }

// Get はゲームの実績を返す。鮮度期間内のキャッシュがあればそれを返し、
// なければ上流から取得してキャッシュを更新する。
// 取得に失敗してもキャッシュは消さず、古いエントリをStale付きで返す。
// 返すエラーはAPIキー未設定のみ。
func (s *Service) Get(ctx context.Context, steamID, gameID string, opts GetOptions) (*GameAchievements, error) {
	cached, err := s.cache.Get(ctx, steamID, gameID)
	if err != nil {
		s.logger.Warn("キャッシュの読み取りに失敗しました",
			slog.String("steam_id", steamID),
			slog.String("game_id", gameID),
			slog.String("error", err.Error()),
		)
		cached = nil
	}

	if cached != nil && !opts.ForceRefresh && s.cache.IsFresh(cached) {
		s.metrics.RecordCacheHit()
		result := fromEntry(cached)
		result.FromCache = true
		return result, nil
	}
	s.metrics.RecordCacheMiss()

	entry, state, err := s.Refresh(ctx, steamID, gameID, cached, opts.BypassPrivacy)
	if err != nil {
		return nil, err
	}

	if state == StateNoData {
		if cached != nil {
			result := fromEntry(cached)
			result.FromCache = true
			result.Stale = true
			result.State = state
			return result, nil
		}
		return &GameAchievements{
			ExternalAccountID: steamID,
			GameID:            gameID,
			Achievements:      []model.Achievement{},
			IsPrivate:         true,
			State:             state,
		}, nil
	}

	result := fromEntry(entry)
	result.State = state
	return result, nil
}

// Refresh は上流から取得して状態を判定し、NO_DATA以外ならキャッシュを上書きする。
// priorは前回のキャッシュエントリ（FORCED_BYPASSで解除状況を引き継ぐ）でnil可。
// キャッシュの書き込み失敗はログに残して握りつぶす。
func (s *Service) Refresh(ctx context.Context, steamID, gameID string, prior *model.CachedGameAchievements, bypassPrivacy bool) (*model.CachedGameAchievements, RefreshState, error) {
	res, err := s.fetcher.Fetch(ctx, steamID, gameID)
	if err != nil {
		s.logger.Error("上流APIの設定が不足しています",
			slog.String("game_id", gameID),
			slog.String("error", err.Error()),
		)
		return nil, "", err
	}

	var (
		records []model.Achievement
		flags   model.CacheFlags
		state   RefreshState
	)
	switch {
	case res.PlayerOK:
		state = StatePlayerDataAvailable
		records = Merge(res.Definitions, res.Unlocks, res.Rarity)
	case len(res.Definitions) > 0 && bypassPrivacy:
		state = StateForcedBypass
		var priorRecords []model.Achievement
		if prior != nil {
			priorRecords = prior.Achievements
		}
		records = MergeWithPrior(res.Definitions, priorRecords, res.Rarity)
		flags.IsPrivate = true
		flags.BypassedPrivacy = true
	case len(res.Definitions) > 0:
		state = StatePlayerDataPrivateWithSchema
		records = Merge(res.Definitions, nil, res.Rarity)
		flags.IsPrivate = true
	default:
		s.metrics.RecordRefreshState(string(StateNoData))
		s.logger.Info("実績データを取得できませんでした",
			slog.String("steam_id", steamID),
			slog.String("game_id", gameID),
		)
		return nil, StateNoData, nil
	}
	s.metrics.RecordRefreshState(string(state))

	flags.GameName = s.gameName(ctx, gameID, res.GameName, prior)

	entry, err := s.cache.Put(ctx, steamID, gameID, records, flags)
	if err != nil {
		s.metrics.RecordCacheWriteFailure()
		s.logger.Error("実績キャッシュの書き込みに失敗しました",
			slog.String("steam_id", steamID),
			slog.String("game_id", gameID),
			slog.String("error", err.Error()),
		)
	}
	return entry, state, nil
}

// gameName はスキーマのゲーム名を優先し、無ければ前回値、名前解決の順で決める。
func (s *Service) gameName(ctx context.Context, gameID, schemaName string, prior *model.CachedGameAchievements) string {
	if isUsableName(gameID, schemaName) {
		if s.names != nil {
			s.names.Remember(ctx, gameID, schemaName)
		}
		return schemaName
	}
	if prior != nil && isUsableName(gameID, prior.GameName) {
		return prior.GameName
	}
	if s.names != nil {
		name, _ := s.names.Resolve(ctx, gameID, false)
		return name
	}
	return DefaultGameName(gameID)
}

// AchievementCheck は単一実績の確認結果。
type AchievementCheck struct {
	Achievement  model.Achievement
	InSchema     bool
	PlayerRecord *model.AchievementUnlockRecord
	APISuccess   bool
	Rarity       *float64
}

// CheckAchievement はキャッシュを経由せず上流から単一実績の状態を確認する。
// スキーマにもプレイヤーデータにも存在しない場合はNotFoundエラーを返す。
func (s *Service) CheckAchievement(ctx context.Context, steamID, gameID, achievementID string) (*AchievementCheck, error) {
	res, err := s.fetcher.Fetch(ctx, steamID, gameID)
	if err != nil {
		return nil, err
	}

	check := &AchievementCheck{APISuccess: res.PlayerOK}

	var def *model.AchievementDefinition
	for i := range res.Definitions {
		if res.Definitions[i].AchievementID == achievementID {
			def = &res.Definitions[i]
			break
		}
	}
	for i := range res.Unlocks {
		if res.Unlocks[i].AchievementID == achievementID {
			rec := res.Unlocks[i]
			check.PlayerRecord = &rec
			break
		}
	}
	if p, ok := res.Rarity[achievementID]; ok {
		check.Rarity = &p
	}

	if def == nil {
		if check.PlayerRecord == nil {
			return nil, model.NewNotFoundError("achievement")
		}
		// スキーマに無くてもプレイヤーデータにあれば最小限の定義で返す
		def = &model.AchievementDefinition{GameID: gameID, AchievementID: achievementID}
	} else {
		check.InSchema = true
	}

	var unlocks []model.AchievementUnlockRecord
	if check.PlayerRecord != nil {
		unlocks = []model.AchievementUnlockRecord{*check.PlayerRecord}
	}
	check.Achievement = Merge([]model.AchievementDefinition{*def}, unlocks, res.Rarity)[0]
	return check, nil
}
