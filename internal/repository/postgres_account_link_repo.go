package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/achievedex/internal/model"
)

// PostgresAccountLinkRepo はPostgreSQLを使用した外部アカウント連携リポジトリ。
type PostgresAccountLinkRepo struct {
	db *sql.DB
}

// NewPostgresAccountLinkRepo はPostgresAccountLinkRepoを生成する。
func NewPostgresAccountLinkRepo(db *sql.DB) *PostgresAccountLinkRepo {
	return &PostgresAccountLinkRepo{db: db}
}

// FindBySubject はSubjectの全連携情報をプラットフォーム名をキーに返す。
func (r *PostgresAccountLinkRepo) FindBySubject(ctx context.Context, subjectID string) (map[string]model.ExternalAccountLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT platform, external_id, display_name, avatar_url, profile_url, connected_at
		 FROM account_links WHERE subject_id = $1`,
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find account links: %w", err)
	}
	defer rows.Close()

	links := make(map[string]model.ExternalAccountLink)
	for rows.Next() {
		var link model.ExternalAccountLink
		if err := rows.Scan(&link.Platform, &link.ExternalID, &link.DisplayName, &link.AvatarURL, &link.ProfileURL, &link.ConnectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account link: %w", err)
		}
		links[link.Platform] = link
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate account links: %w", err)
	}

	return links, nil
}

// Upsert は連携情報を作成または上書きする。
// PRIMARY KEY(subject_id, platform) によりプラットフォームごとに1件を保証する。
func (r *PostgresAccountLinkRepo) Upsert(ctx context.Context, subjectID string, link *model.ExternalAccountLink) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO account_links (subject_id, platform, external_id, display_name, avatar_url, profile_url, connected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (subject_id, platform) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			profile_url = EXCLUDED.profile_url,
			connected_at = EXCLUDED.connected_at`,
		subjectID, link.Platform, link.ExternalID, link.DisplayName, link.AvatarURL, link.ProfileURL, link.ConnectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account link: %w", err)
	}
	return nil
}

// Delete は連携情報を削除する。存在しない場合もエラーにしない。
func (r *PostgresAccountLinkRepo) Delete(ctx context.Context, subjectID, platform string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM account_links WHERE subject_id = $1 AND platform = $2`,
		subjectID, platform,
	)
	if err != nil {
		return fmt.Errorf("failed to delete account link: %w", err)
	}
	return nil
}

// FindSubjectIDsByExternalIDs は外部アカウントIDから連携済みSubjectのIDを逆引きする。
// 同じ外部IDが複数Subjectに連携されている場合は最も新しい連携を採用する。
func (r *PostgresAccountLinkRepo) FindSubjectIDsByExternalIDs(ctx context.Context, platform string, externalIDs []string) (map[string]string, error) {
	result := make(map[string]string, len(externalIDs))

	for _, chunk := range chunkIDs(externalIDs) {
		rows, err := r.db.QueryContext(ctx,
			`SELECT external_id, subject_id
			 FROM account_links
			 WHERE platform = $1 AND external_id = ANY($2)
			 ORDER BY connected_at ASC`,
			platform, pq.Array(chunk),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to find subjects by external IDs: %w", err)
		}

		for rows.Next() {
			var externalID, subjectID string
			if err := rows.Scan(&externalID, &subjectID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan account link: %w", err)
			}
			result[externalID] = subjectID
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to iterate account links: %w", err)
		}
		rows.Close()
	}

	return result, nil
}

// compile-time interface check
var _ AccountLinkRepository = (*PostgresAccountLinkRepo)(nil)
