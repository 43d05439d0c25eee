package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/achievedex/internal/model"
)

// PostgresGameNameRepo はPostgreSQLを使用したゲーム名リポジトリ。
type PostgresGameNameRepo struct {
	db *sql.DB
}

// NewPostgresGameNameRepo はPostgresGameNameRepoを生成する。
func NewPostgresGameNameRepo(db *sql.DB) *PostgresGameNameRepo {
	return &PostgresGameNameRepo{db: db}
}

// FindByGameID はゲーム名を取得する。見つからない場合はnilを返す。
func (r *PostgresGameNameRepo) FindByGameID(ctx context.Context, gameID string) (*model.GameName, error) {
	name := &model.GameName{}
	err := r.db.QueryRowContext(ctx,
		`SELECT game_id, name, updated_at FROM game_names WHERE game_id = $1`,
		gameID,
	).Scan(&name.GameID, &name.Name, &name.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find game name: %w", err)
	}
	return name, nil
}

// Upsert はゲーム名を作成または更新する。
func (r *PostgresGameNameRepo) Upsert(ctx context.Context, name *model.GameName) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO game_names (game_id, name, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (game_id) DO UPDATE SET
			name = EXCLUDED.name,
			updated_at = EXCLUDED.updated_at`,
		name.GameID, name.Name, name.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert game name: %w", err)
	}
	return nil
}

// compile-time interface check
var _ GameNameRepository = (*PostgresGameNameRepo)(nil)
