// Package cleanup は長期間更新されていない実績キャッシュの自動削除ジョブを提供する。
// 保持期間（デフォルト90日）を超過したエントリを日次バッチで削除する。
// 期限切れ（TTL超過）のエントリは更新対象として残し、削除するのは保持期間を過ぎたものだけ。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CachePruner は保存日時が古いキャッシュエントリを削除するインターフェース。
// achievement.Cacheが実装する。
type CachePruner interface {
	DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// CleanupJob は保持期間を超過した実績キャッシュの自動削除ジョブ。
// 冪等で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	cache         CachePruner
	logger        *slog.Logger
	RetentionDays int // キャッシュの保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(cache CachePruner, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		cache:         cache,
		logger:        logger,
		RetentionDays: 90,
	}
}

// Run は保持期間を超過したキャッシュエントリを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	retention := time.Duration(j.RetentionDays) * 24 * time.Hour
	deletedCount, err := j.cache.DeleteOlderThan(ctx, retention)
	if err != nil {
		j.logger.Error("キャッシュクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("キャッシュクリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("キャッシュクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降はinterval間隔で実行する。
// コンテキストがキャンセルされるまで戻らない。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
