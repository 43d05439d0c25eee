package achievement

import (
	"context"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hitoshi/achievedex/internal/model"
	"github.com/hitoshi/achievedex/internal/repository"
)

// DefaultNameCacheSize はゲーム名メモリキャッシュの既定の上限件数。
const DefaultNameCacheSize = 1024

const unknownGameName = "Unknown Game"

// NameSource はゲーム名の取得元。
type NameSource string

const (
	NameSourceMemory     NameSource = "memory"
	NameSourceStore      NameSource = "store"
	NameSourceSteamStore NameSource = "steam_store"
	NameSourceSteamAPI   NameSource = "steam_api"
	NameSourceDefault    NameSource = "default"
)

// NameLookup はゲーム名を上流から引くインターフェース。
type NameLookup interface {
	GetStoreAppName(ctx context.Context, gameID string) (string, error)
	FindAppListName(ctx context.Context, gameID string) (string, error)
}

// NameResolver はゲームIDから表示名を解決する。
// メモリ → ゲーム名テーブル → Steam Store → Steam アプリ一覧 の順に探し、
// 見つからなければ "Game {id}" を返す。
type NameResolver struct {
	repo     repository.GameNameRepository
	upstream NameLookup
	logger   *slog.Logger
	now      func() time.Time
	memory   *lru.Cache[string, string]
}

// NewNameResolver はNameResolverの新しいインスタンスを生成する。
func NewNameResolver(repo repository.GameNameRepository, upstream NameLookup, capacity int, logger *slog.Logger) *NameResolver {
	if capacity <= 0 {
		capacity = DefaultNameCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	// 容量が正ならエラーにならない
	memory, _ := lru.New[string, string](capacity)
	return &NameResolver{
		repo:     repo,
		upstream: upstream,
		logger:   logger,
		now:      time.Now,
		memory:   memory,
	}
}

// DefaultGameName は名前が解決できないゲームの表示名。
func DefaultGameName(gameID string) string {
	return "Game " + gameID
}

// isUsableName はプレースホルダーでない有効な名前かを判定する。
func isUsableName(gameID, name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && name != unknownGameName && name != DefaultGameName(gameID)
}

// Resolve はゲーム名と取得元を返す。forceRefreshの場合はメモリとテーブルを飛ばして上流に問い合わせる。
// 途中の失敗はログに残して次の取得元へ進む。
func (r *NameResolver) Resolve(ctx context.Context, gameID string, forceRefresh bool) (string, NameSource) {
	if !forceRefresh {
		if name, ok := r.memory.Get(gameID); ok {
			return name, NameSourceMemory
		}

		if r.repo != nil {
			stored, err := r.repo.FindByGameID(ctx, gameID)
			if err != nil {
				r.logger.Warn("ゲーム名の取得に失敗しました",
					slog.String("game_id", gameID),
					slog.String("error", err.Error()),
				)
			} else if stored != nil && isUsableName(gameID, stored.Name) {
				r.memory.Add(gameID, stored.Name)
				return stored.Name, NameSourceStore
			}
		}
	}

	if r.upstream != nil {
		if name, err := r.upstream.GetStoreAppName(ctx, gameID); err != nil {
			r.logger.Warn("Steam Storeからのゲーム名取得に失敗しました",
				slog.String("game_id", gameID),
				slog.String("error", err.Error()),
			)
		} else if isUsableName(gameID, name) {
			r.Remember(ctx, gameID, name)
			return name, NameSourceSteamStore
		}

		if name, err := r.upstream.FindAppListName(ctx, gameID); err != nil {
			r.logger.Warn("アプリ一覧からのゲーム名取得に失敗しました",
				slog.String("game_id", gameID),
				slog.String("error", err.Error()),
			)
		} else if isUsableName(gameID, name) {
			r.Remember(ctx, gameID, name)
			return name, NameSourceSteamAPI
		}
	}

	return DefaultGameName(gameID), NameSourceDefault
}

// Remember はゲーム名をメモリとテーブルに保存する。プレースホルダーは保存しない。
func (r *NameResolver) Remember(ctx context.Context, gameID, name string) {
	if !isUsableName(gameID, name) {
		return
	}
	r.memory.Add(gameID, name)

	if r.repo == nil {
		return
	}
	if err := r.repo.Upsert(ctx, &model.GameName{GameID: gameID, Name: name, UpdatedAt: r.now()}); err != nil {
		r.logger.Warn("ゲーム名の保存に失敗しました",
			slog.String("game_id", gameID),
			slog.String("error", err.Error()),
		)
	}
}
