package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/achievedex/internal/model"
)

// PostgresAchievementCacheRepo はPostgreSQLを使用した実績キャッシュリポジトリ。
// 実績リストはJSONB列にそのまま保存する。
type PostgresAchievementCacheRepo struct {
	db *sql.DB
}

// NewPostgresAchievementCacheRepo はPostgresAchievementCacheRepoを生成する。
func NewPostgresAchievementCacheRepo(db *sql.DB) *PostgresAchievementCacheRepo {
	return &PostgresAchievementCacheRepo{db: db}
}

const cacheColumns = `external_account_id, game_id, game_name, achievements, is_private, bypassed_privacy, cached_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCacheEntry(s rowScanner) (*model.CachedGameAchievements, error) {
	entry := &model.CachedGameAchievements{}
	var raw []byte
	if err := s.Scan(
		&entry.ExternalAccountID, &entry.GameID, &entry.GameName,
		&raw, &entry.IsPrivate, &entry.BypassedPrivacy, &entry.CachedAt,
	); err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &entry.Achievements); err != nil {
			return nil, fmt.Errorf("failed to decode achievements: %w", err)
		}
	}
	if entry.Achievements == nil {
		entry.Achievements = []model.Achievement{}
	}
	return entry, nil
}

// Get はキャッシュキーでエントリを取得する。見つからない場合はnilを返す。
func (r *PostgresAchievementCacheRepo) Get(ctx context.Context, key string) (*model.CachedGameAchievements, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+cacheColumns+` FROM achievement_cache WHERE cache_key = $1`,
		key,
	)
	entry, err := scanCacheEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get achievement cache: %w", err)
	}
	return entry, nil
}

// Put はエントリを全体上書きで保存する。
func (r *PostgresAchievementCacheRepo) Put(ctx context.Context, key string, entry *model.CachedGameAchievements) error {
	achievements := entry.Achievements
	if achievements == nil {
		achievements = []model.Achievement{}
	}
	raw, err := json.Marshal(achievements)
	if err != nil {
		return fmt.Errorf("failed to encode achievements: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO achievement_cache (cache_key, `+cacheColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (cache_key) DO UPDATE SET
			external_account_id = EXCLUDED.external_account_id,
			game_id = EXCLUDED.game_id,
			game_name = EXCLUDED.game_name,
			achievements = EXCLUDED.achievements,
			is_private = EXCLUDED.is_private,
			bypassed_privacy = EXCLUDED.bypassed_privacy,
			cached_at = EXCLUDED.cached_at,
			refresh_attempted_at = NULL`,
		key, entry.ExternalAccountID, entry.GameID, entry.GameName,
		raw, entry.IsPrivate, entry.BypassedPrivacy, entry.CachedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put achievement cache: %w", err)
	}
	return nil
}

// ListByKeyRange はキーが [from, to) の範囲にあるエントリを返す。
// cache_keyはCOLLATE "C"のためバイト順で比較される。
func (r *PostgresAchievementCacheRepo) ListByKeyRange(ctx context.Context, from, to string) ([]*model.CachedGameAchievements, error) {
	return r.list(ctx,
		`SELECT `+cacheColumns+` FROM achievement_cache
		 WHERE cache_key >= $1 AND cache_key < $2
		 ORDER BY cache_key`,
		from, to,
	)
}

// ListAll は全エントリを返す。
func (r *PostgresAchievementCacheRepo) ListAll(ctx context.Context) ([]*model.CachedGameAchievements, error) {
	return r.list(ctx, `SELECT `+cacheColumns+` FROM achievement_cache ORDER BY cache_key`)
}

// ListStale はcached_atが指定時刻より古いエントリを古い順に最大limit件返す。
// 指定時刻以降に更新を試行済みのエントリは除外する。
func (r *PostgresAchievementCacheRepo) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*model.CachedGameAchievements, error) {
	return r.list(ctx,
		`SELECT `+cacheColumns+` FROM achievement_cache
		 WHERE cached_at < $1
		   AND (refresh_attempted_at IS NULL OR refresh_attempted_at < $1)
		 ORDER BY GREATEST(cached_at, COALESCE(refresh_attempted_at, cached_at)) ASC
		 LIMIT $2`,
		olderThan, limit,
	)
}

// MarkRefreshAttempted は更新を試行した時刻を記録する。保存済みの実績には触れない。
func (r *PostgresAchievementCacheRepo) MarkRefreshAttempted(ctx context.Context, key string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE achievement_cache SET refresh_attempted_at = $2 WHERE cache_key = $1`,
		key, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark refresh attempt: %w", err)
	}
	return nil
}

func (r *PostgresAchievementCacheRepo) list(ctx context.Context, query string, args ...any) ([]*model.CachedGameAchievements, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list achievement cache: %w", err)
	}
	defer rows.Close()

	var entries []*model.CachedGameAchievements
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan achievement cache: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate achievement cache: %w", err)
	}

	return entries, nil
}

// DeleteOlderThan はcached_atが指定時刻より古いエントリを削除し、削除件数を返す。
func (r *PostgresAchievementCacheRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM achievement_cache WHERE cached_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old achievement cache: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ AchievementCacheRepository = (*PostgresAchievementCacheRepo)(nil)
