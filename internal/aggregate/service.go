package aggregate

import (
	"context"
	"log/slog"
	"sort"

	"github.com/hitoshi/achievedex/internal/achievement"
	"github.com/hitoshi/achievedex/internal/metrics"
	"github.com/hitoshi/achievedex/internal/model"
)

const (
	// DefaultRecentLimit は最近の実績ビューの既定件数。
	DefaultRecentLimit = 5
	// MaxRecentLimit は最近の実績ビューの最大件数。
	MaxRecentLimit = 50
)

// SubjectReader はSubjectの参照インターフェース。
type SubjectReader interface {
	FindByID(ctx context.Context, id string) (*model.Subject, error)
	FindByIDs(ctx context.Context, ids []string) ([]*model.Subject, error)
}

// LinkResolver は外部アカウントIDからSubjectを逆引きするインターフェース。
type LinkResolver interface {
	FindSubjectsByExternalIDs(ctx context.Context, platform string, externalIDs []string) (map[string]string, error)
}

// CacheReader は実績キャッシュの参照インターフェース。
type CacheReader interface {
	ListByAccount(ctx context.Context, accountID string) ([]*model.CachedGameAchievements, error)
	ListAll(ctx context.Context) ([]*model.CachedGameAchievements, error)
}

// Service は集計ビューを組み立てる。
// データ取得に失敗してもエラーは返さず、IsFallback付きの代替ペイロードを返す。
type Service struct {
	subjects SubjectReader
	links    LinkResolver
	cache    CacheReader
	fallback *Fallback
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	subjects SubjectReader,
	links LinkResolver,
	cache CacheReader,
	fallback *Fallback,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	if fallback == nil {
		fallback = NewFallback(nil)
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		subjects: subjects,
		links:    links,
		cache:    cache,
		fallback: fallback,
		metrics:  collector,
		logger:   logger,
	}
}

// Player はSubjectのプレイヤービューを返す。
// Subjectが存在しない、Steam未連携、またはキャッシュ取得に失敗した場合は代替ペイロードを返す。
func (s *Service) Player(ctx context.Context, subjectID string) PlayerView {
	subject, err := s.subjects.FindByID(ctx, subjectID)
	if err != nil {
		s.logger.Error("Subjectの取得に失敗しました",
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()),
		)
		return s.playerFallback(subjectID, nil)
	}
	if subject == nil {
		s.logger.Info("Subjectが見つかりません", slog.String("subject_id", subjectID))
		return s.playerFallback(subjectID, nil)
	}

	link := subject.Link(model.PlatformSteam)
	if link == nil || link.ExternalID == "" {
		return s.playerFallback(subjectID, subject)
	}

	entries, err := s.cache.ListByAccount(ctx, link.ExternalID)
	if err != nil {
		s.logger.Error("プレイヤーの実績キャッシュ取得に失敗しました",
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()),
		)
		return s.playerFallback(subjectID, subject)
	}

	rollup := rollupEntries(subject.ID, entries)
	applySubject(&rollup, subject)
	return PlayerView{Player: rollup}
}

func (s *Service) playerFallback(id string, subject *model.Subject) PlayerView {
	s.metrics.RecordFallbackServed("player")
	return s.fallback.Player(id, subject)
}

// Community は全プレイヤーのコミュニティビューを返す。
// 解除数の降順に並べ、実績総数は (実績ID, ゲームID) の重複を除いた件数。
func (s *Service) Community(ctx context.Context) CommunityView {
	entries, err := s.cache.ListAll(ctx)
	if err != nil {
		s.logger.Error("実績キャッシュの全件取得に失敗しました", slog.String("error", err.Error()))
		s.metrics.RecordFallbackServed("community")
		return s.fallback.Community()
	}
	if len(entries) == 0 {
		return CommunityView{Users: []PlayerRollup{}}
	}

	type achievementKey struct{ achievementID, gameID string }
	unique := make(map[achievementKey]struct{})

	byAccount := make(map[string][]*model.CachedGameAchievements)
	var accountIDs []string
	for _, e := range entries {
		if e.ExternalAccountID == "" || e.GameID == "" {
			continue
		}
		if _, ok := byAccount[e.ExternalAccountID]; !ok {
			accountIDs = append(accountIDs, e.ExternalAccountID)
		}
		byAccount[e.ExternalAccountID] = append(byAccount[e.ExternalAccountID], e)
		for _, a := range e.Achievements {
			unique[achievementKey{a.AchievementID, e.GameID}] = struct{}{}
		}
	}

	subjectsByAccount := s.resolveSubjects(ctx, accountIDs)

	users := make([]PlayerRollup, 0, len(accountIDs))
	for _, accountID := range accountIDs {
		subject := subjectsByAccount[accountID]
		userID := accountID
		if subject != nil {
			userID = subject.ID
		}
		rollup := rollupEntries(userID, byAccount[accountID])
		if subject != nil {
			applySubject(&rollup, subject)
		} else {
			rollup.DisplayName = FriendlyName(accountID, "")
		}
		users = append(users, rollup)
	}

	sort.SliceStable(users, func(i, j int) bool {
		if users[i].UnlockedAchievements != users[j].UnlockedAchievements {
			return users[i].UnlockedAchievements > users[j].UnlockedAchievements
		}
		return users[i].UserID < users[j].UserID
	})

	return CommunityView{Users: users, TotalAchievements: len(unique)}
}

// resolveSubjects は外部アカウントIDから連携済みSubjectを引く。
// 失敗した場合はSubject無しとして扱い、集計は続ける。
func (s *Service) resolveSubjects(ctx context.Context, accountIDs []string) map[string]*model.Subject {
	result := make(map[string]*model.Subject, len(accountIDs))

	subjectIDByAccount, err := s.links.FindSubjectsByExternalIDs(ctx, model.PlatformSteam, accountIDs)
	if err != nil {
		s.logger.Warn("連携Subjectの逆引きに失敗しました", slog.String("error", err.Error()))
		return result
	}
	if len(subjectIDByAccount) == 0 {
		return result
	}

	subjectIDs := make([]string, 0, len(subjectIDByAccount))
	for _, id := range subjectIDByAccount {
		subjectIDs = append(subjectIDs, id)
	}
	sort.Strings(subjectIDs)

	subjects, err := s.subjects.FindByIDs(ctx, subjectIDs)
	if err != nil {
		s.logger.Warn("Subjectの一括取得に失敗しました", slog.String("error", err.Error()))
		return result
	}
	byID := make(map[string]*model.Subject, len(subjects))
	for _, subj := range subjects {
		byID[subj.ID] = subj
	}
	for accountID, subjectID := range subjectIDByAccount {
		if subj, ok := byID[subjectID]; ok {
			result[accountID] = subj
		}
	}
	return result
}

// Recent は外部アカウントの解除済み実績を新しい順にlimit件返す。
// limitが0以下なら既定値、上限を超える場合は上限に丸める。
func (s *Service) Recent(ctx context.Context, accountID string, limit int) (RecentView, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	entries, err := s.cache.ListByAccount(ctx, accountID)
	if err != nil {
		return RecentView{}, err
	}

	var unlocked []RecentAchievement
	for _, e := range entries {
		gameName := e.GameName
		if gameName == "" {
			gameName = achievement.DefaultGameName(e.GameID)
		}
		for _, a := range e.Achievements {
			if !a.Unlocked {
				continue
			}
			unlocked = append(unlocked, RecentAchievement{
				Achievement: a,
				ID:          a.AchievementID + "_" + e.GameID,
				GameID:      e.GameID,
				GameName:    gameName,
			})
		}
	}

	sort.SliceStable(unlocked, func(i, j int) bool {
		return unlocked[i].UnlockTime > unlocked[j].UnlockTime
	})

	view := RecentView{Achievements: []RecentAchievement{}, Total: len(unlocked)}
	if len(unlocked) > limit {
		unlocked = unlocked[:limit]
	}
	view.Achievements = append(view.Achievements, unlocked...)
	return view, nil
}

// rollupEntries はキャッシュエントリ群を1プレイヤー分に集計する。
// ゲームは解除数の降順。
func rollupEntries(userID string, entries []*model.CachedGameAchievements) PlayerRollup {
	rollup := PlayerRollup{UserID: userID, Games: make([]GameSummary, 0, len(entries))}

	for _, e := range entries {
		game := GameSummary{
			GameID:            e.GameID,
			GameName:          e.GameName,
			AchievementsTotal: len(e.Achievements),
			IsPrivate:         e.IsPrivate,
		}
		if game.GameName == "" {
			game.GameName = achievement.DefaultGameName(e.GameID)
		}
		for _, a := range e.Achievements {
			if !a.Unlocked {
				continue
			}
			game.AchievementsUnlocked++
			if a.UnlockTime > game.LastPlayed {
				game.LastPlayed = a.UnlockTime
			}
		}
		if game.AchievementsUnlocked > game.AchievementsTotal {
			game.AchievementsUnlocked = game.AchievementsTotal
		}

		rollup.TotalAchievements += game.AchievementsTotal
		rollup.UnlockedAchievements += game.AchievementsUnlocked
		if game.LastPlayed > rollup.LastUnlocked {
			rollup.LastUnlocked = game.LastPlayed
		}
		rollup.Games = append(rollup.Games, game)
	}

	if rollup.TotalAchievements > 0 {
		rollup.AchievementRate = float64(rollup.UnlockedAchievements) / float64(rollup.TotalAchievements) * 100
	}

	sort.SliceStable(rollup.Games, func(i, j int) bool {
		if rollup.Games[i].AchievementsUnlocked != rollup.Games[j].AchievementsUnlocked {
			return rollup.Games[i].AchievementsUnlocked > rollup.Games[j].AchievementsUnlocked
		}
		return rollup.Games[i].GameID < rollup.Games[j].GameID
	})
	return rollup
}

// applySubject はプロフィール情報と連携情報を反映し、ゲームにSteamのペルソナ名を付ける。
func applySubject(rollup *PlayerRollup, subject *model.Subject) {
	rollup.DisplayName = FriendlyName(subject.ID, subject.DisplayName)
	rollup.PhotoURL = subject.PhotoURL
	rollup.Email = subject.Email
	rollup.ConnectedAccounts = linkViews(subject.ConnectedAccounts)

	link := subject.Link(model.PlatformSteam)
	if link == nil || link.DisplayName == "" {
		return
	}
	for i := range rollup.Games {
		if rollup.Games[i].PlayerName == "" {
			rollup.Games[i].PlayerName = link.DisplayName
		}
	}
}
