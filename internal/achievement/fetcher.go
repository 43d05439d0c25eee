package achievement

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/achievedex/internal/model"
	"github.com/hitoshi/achievedex/internal/security"
	"github.com/hitoshi/achievedex/internal/steam"
)

// Upstream は実績データの上流APIインターフェース。
type Upstream interface {
	FetchSchema(ctx context.Context, gameID string) (*steam.Schema, error)
	FetchPlayerUnlocks(ctx context.Context, steamID, gameID string) (bool, []model.AchievementUnlockRecord, error)
	FetchGlobalRarity(ctx context.Context, gameID string) (map[string]float64, error)
}

// FetchResult は3つの上流呼び出しの結合結果。
// 個々の失敗は空の結果として表現される。
type FetchResult struct {
	GameName    string
	Definitions []model.AchievementDefinition
	PlayerOK    bool
	Unlocks     []model.AchievementUnlockRecord
	Rarity      map[string]float64
}

// Fetcher はスキーマ・解除状況・達成率を並行に取得する。
type Fetcher struct {
	upstream  Upstream
	sanitizer *security.TextSanitizer
	guard     *security.UpstreamGuard
	logger    *slog.Logger
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
// guardはアイコンURLの検証に使う。nilの場合はSteamの既定ホストのみ許可する。
func NewFetcher(upstream Upstream, sanitizer *security.TextSanitizer, guard *security.UpstreamGuard, logger *slog.Logger) *Fetcher {
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	if guard == nil {
		guard = security.NewUpstreamGuard()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{upstream: upstream, sanitizer: sanitizer, guard: guard, logger: logger}
}

// Fetch は3つの上流呼び出しを並行に実行し、すべて完了してから結果を結合する。
// 各呼び出しの失敗はその場で空の結果に置き換え、他の呼び出しは中断しない。
// APIキー未設定のみエラーとして返す。
func (f *Fetcher) Fetch(ctx context.Context, steamID, gameID string) (*FetchResult, error) {
	result := &FetchResult{Rarity: map[string]float64{}}

	// 失敗時に他を中断しないよう、WithContextは使わない
	var g errgroup.Group

	g.Go(func() error {
		schema, err := f.upstream.FetchSchema(ctx, gameID)
		if err != nil {
			if errors.Is(err, model.ErrUpstreamNotConfigured) {
				return err
			}
			f.logger.Warn("実績スキーマの取得に失敗しました",
				slog.String("game_id", gameID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if schema == nil {
			return nil
		}
		result.GameName = f.sanitizer.Sanitize(schema.GameName)
		result.Definitions = f.normalize(schema.Definitions)
		return nil
	})

	g.Go(func() error {
		ok, unlocks, err := f.upstream.FetchPlayerUnlocks(ctx, steamID, gameID)
		if err != nil {
			if errors.Is(err, model.ErrUpstreamNotConfigured) {
				return err
			}
			f.logger.Warn("プレイヤー実績の取得に失敗しました",
				slog.String("steam_id", steamID),
				slog.String("game_id", gameID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		result.PlayerOK = ok
		result.Unlocks = unlocks
		return nil
	})

	var rarity map[string]float64
	g.Go(func() error {
		r, err := f.upstream.FetchGlobalRarity(ctx, gameID)
		if err != nil {
			f.logger.Warn("グローバル達成率の取得に失敗しました",
				slog.String("game_id", gameID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		rarity = r
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if rarity != nil {
		result.Rarity = rarity
	}
	return result, nil
}

// normalize は表示用文字列からマークアップを除去し、許可ホスト外のアイコンURLを空にする。
func (f *Fetcher) normalize(defs []model.AchievementDefinition) []model.AchievementDefinition {
	out := make([]model.AchievementDefinition, len(defs))
	for i, d := range defs {
		d.DisplayName = f.sanitizer.Sanitize(d.DisplayName)
		d.Description = f.sanitizer.Sanitize(d.Description)
		d.IconURL = f.guard.SafeURL(d.IconURL)
		d.IconGrayURL = f.guard.SafeURL(d.IconGrayURL)
		out[i] = d
	}
	return out
}
