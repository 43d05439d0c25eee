// Package refresh は期限切れの実績キャッシュをバックグラウンドで更新するワーカーを提供する。
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/achievedex/internal/achievement"
	"github.com/hitoshi/achievedex/internal/model"
)

// StaleLister は更新対象のキャッシュエントリを取得するインターフェース。
// achievement.Cacheが実装する。
type StaleLister interface {
	ListStale(ctx context.Context, limit int) ([]*model.CachedGameAchievements, error)
	MarkRefreshAttempted(ctx context.Context, accountID, gameID string) error
}

// Refresher は1エントリの更新を行うインターフェース。
// achievement.Serviceが実装する。
type Refresher interface {
	Refresh(ctx context.Context, steamID, gameID string, prior *model.CachedGameAchievements, bypassPrivacy bool) (*model.CachedGameAchievements, achievement.RefreshState, error)
}

// Config はSchedulerの動作設定。
type Config struct {
	MaxConcurrency int
	BatchSize      int
}

// CycleResult は1サイクルの実行結果。
type CycleResult struct {
	Total     int
	Refreshed int
	NoData    int
	Failed    int
	Skipped   bool // バックオフ中でサイクルを実行しなかった
}

// Scheduler は期限切れキャッシュの定期更新を行う。
// ティッカーごとに古い順で最大BatchSize件を取得し、semaphoreで並列数を抑えて更新する。
// サイクル全体が失敗した場合は指数バックオフで次サイクルを遅らせる。
type Scheduler struct {
	lister    StaleLister
	refresher Refresher
	logger    *slog.Logger
	config    Config
	now       func() time.Time

	mu                sync.Mutex
	consecutiveErrors int
	nextRunAt         time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// MaxConcurrencyが0以下の場合は4、BatchSizeが0以下の場合は50を使用する。
func NewScheduler(lister StaleLister, refresher Refresher, logger *slog.Logger, config Config) *Scheduler {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		lister:    lister,
		refresher: refresher,
		logger:    logger,
		config:    config,
		now:       time.Now,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("実績更新スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.config.MaxConcurrency),
		slog.Int("batch_size", s.config.BatchSize),
	)

	// 起動直後に1回実行
	s.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("実績更新スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scheduler) runAndLog(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("実績更新サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は更新対象を1回取得し、並列で更新する。
// バックオフ中の場合は何もせずSkipped=trueを返す。
func (s *Scheduler) RunOnce(ctx context.Context) (CycleResult, error) {
	start := s.now()

	s.mu.Lock()
	if start.Before(s.nextRunAt) {
		next := s.nextRunAt
		s.mu.Unlock()
		s.logger.Info("バックオフ中のため実績更新サイクルをスキップします",
			slog.Time("next_run_at", next),
		)
		return CycleResult{Skipped: true}, nil
	}
	s.mu.Unlock()

	entries, err := s.lister.ListStale(ctx, s.config.BatchSize)
	if err != nil {
		s.recordCycle(false)
		return CycleResult{}, err
	}

	if len(entries) == 0 {
		s.recordCycle(true)
		s.logger.Info("更新対象の実績キャッシュはありません")
		return CycleResult{}, nil
	}

	s.logger.Info("実績更新サイクルを開始します",
		slog.Int("entry_count", len(entries)),
	)

	var refreshed, noData, failed atomic.Int64

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.config.MaxConcurrency)
	var wg sync.WaitGroup

	for _, entry := range entries {
		wg.Add(1)
		sem <- struct{}{}

		go func(e *model.CachedGameAchievements) {
			defer wg.Done()
			defer func() { <-sem }()

			// 前回の取得経路を引き継ぐ
			_, state, err := s.refresher.Refresh(ctx, e.ExternalAccountID, e.GameID, e, e.BypassedPrivacy)
			switch {
			case err != nil:
				failed.Add(1)
				s.logger.Error("実績キャッシュの更新に失敗しました",
					slog.String("steam_id", e.ExternalAccountID),
					slog.String("game_id", e.GameID),
					slog.String("error", err.Error()),
				)
			case state == achievement.StateNoData:
				noData.Add(1)
				// 内容は残したまま次回の選択対象から外す
				if err := s.lister.MarkRefreshAttempted(ctx, e.ExternalAccountID, e.GameID); err != nil {
					s.logger.Warn("更新試行の記録に失敗しました",
						slog.String("steam_id", e.ExternalAccountID),
						slog.String("game_id", e.GameID),
						slog.String("error", err.Error()),
					)
				}
			default:
				refreshed.Add(1)
			}
		}(entry)
	}

	wg.Wait()

	result := CycleResult{
		Total:     len(entries),
		Refreshed: int(refreshed.Load()),
		NoData:    int(noData.Load()),
		Failed:    int(failed.Load()),
	}
	s.recordCycle(result.Failed < result.Total)

	s.logger.Info("実績更新サイクルが完了しました",
		slog.Int("entry_count", result.Total),
		slog.Int("refreshed", result.Refreshed),
		slog.Int("no_data", result.NoData),
		slog.Int("failed", result.Failed),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)

	return result, nil
}

// recordCycle はサイクルの成否を記録し、失敗が続く場合は次回実行時刻を遅らせる。
func (s *Scheduler) recordCycle(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok {
		s.consecutiveErrors = 0
		s.nextRunAt = time.Time{}
		return
	}

	delay := CalculateBackoff(s.consecutiveErrors)
	s.consecutiveErrors++
	s.nextRunAt = s.now().Add(delay)
	s.logger.Warn("実績更新サイクルが失敗したためバックオフします",
		slog.Int("consecutive_errors", s.consecutiveErrors),
		slog.Duration("backoff", delay),
	)
}
