package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/achievedex/internal/model"
)

// PostgresSubjectRepo はPostgreSQLを使用したSubjectリポジトリ。
type PostgresSubjectRepo struct {
	db *sql.DB
}

// NewPostgresSubjectRepo はPostgresSubjectRepoを生成する。
func NewPostgresSubjectRepo(db *sql.DB) *PostgresSubjectRepo {
	return &PostgresSubjectRepo{db: db}
}

// FindByID は指定IDのSubjectを連携情報付きで取得する。見つからない場合はnilを返す。
// UUID形式でないIDは存在しないものとして扱う。
func (r *PostgresSubjectRepo) FindByID(ctx context.Context, id string) (*model.Subject, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	subject := &model.Subject{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, display_name, photo_url, email, created_at, updated_at
		 FROM subjects WHERE id = $1`,
		id,
	).Scan(&subject.ID, &subject.DisplayName, &subject.PhotoURL, &subject.Email, &subject.CreatedAt, &subject.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subject by ID: %w", err)
	}

	links, err := r.findLinks(ctx, []string{subject.ID})
	if err != nil {
		return nil, err
	}
	subject.ConnectedAccounts = links[subject.ID]
	if subject.ConnectedAccounts == nil {
		subject.ConnectedAccounts = map[string]model.ExternalAccountLink{}
	}

	return subject, nil
}

// FindByIDs は複数IDのSubjectを連携情報付きで取得する。
// IN句はInQueryBatchSize件ずつに分割して順次実行する。
func (r *PostgresSubjectRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.Subject, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}

	var subjects []*model.Subject
	for _, chunk := range chunkIDs(valid) {
		rows, err := r.db.QueryContext(ctx,
			`SELECT id, display_name, photo_url, email, created_at, updated_at
			 FROM subjects WHERE id = ANY($1::uuid[])`,
			pq.Array(chunk),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to find subjects: %w", err)
		}

		var found []*model.Subject
		for rows.Next() {
			s := &model.Subject{}
			if err := rows.Scan(&s.ID, &s.DisplayName, &s.PhotoURL, &s.Email, &s.CreatedAt, &s.UpdatedAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan subject: %w", err)
			}
			found = append(found, s)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to iterate subjects: %w", err)
		}
		rows.Close()

		links, err := r.findLinks(ctx, chunk)
		if err != nil {
			return nil, err
		}
		for _, s := range found {
			s.ConnectedAccounts = links[s.ID]
			if s.ConnectedAccounts == nil {
				s.ConnectedAccounts = map[string]model.ExternalAccountLink{}
			}
		}
		subjects = append(subjects, found...)
	}

	return subjects, nil
}

// findLinks は指定Subject群の連携情報をSubjectID→プラットフォーム→連携情報の形で返す。
func (r *PostgresSubjectRepo) findLinks(ctx context.Context, subjectIDs []string) (map[string]map[string]model.ExternalAccountLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT subject_id, platform, external_id, display_name, avatar_url, profile_url, connected_at
		 FROM account_links WHERE subject_id = ANY($1::uuid[])`,
		pq.Array(subjectIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find account links: %w", err)
	}
	defer rows.Close()

	result := make(map[string]map[string]model.ExternalAccountLink)
	for rows.Next() {
		var subjectID string
		var link model.ExternalAccountLink
		if err := rows.Scan(&subjectID, &link.Platform, &link.ExternalID, &link.DisplayName, &link.AvatarURL, &link.ProfileURL, &link.ConnectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account link: %w", err)
		}
		if result[subjectID] == nil {
			result[subjectID] = make(map[string]model.ExternalAccountLink)
		}
		result[subjectID][link.Platform] = link
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate account links: %w", err)
	}

	return result, nil
}

// CreateWithIdentity はSubjectとidentityを同一トランザクションで作成する。
// (provider, provider_user_id) の一意制約違反は *pq.Error のままラップして返す。
func (r *PostgresSubjectRepo) CreateWithIdentity(ctx context.Context, subject *model.Subject, identity *model.Identity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO subjects (id, display_name, photo_url, email, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		subject.ID, subject.DisplayName, subject.PhotoURL, subject.Email, subject.CreatedAt, subject.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert subject: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO identities (id, subject_id, provider, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		identity.ID, identity.SubjectID, identity.Provider, identity.ProviderUserID, identity.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// UpdateProfile は表示名とアバターURLを更新する。
func (r *PostgresSubjectRepo) UpdateProfile(ctx context.Context, id, displayName, photoURL string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subjects SET display_name = $2, photo_url = $3, updated_at = now() WHERE id = $1`,
		id, displayName, photoURL,
	)
	if err != nil {
		return fmt.Errorf("failed to update subject profile: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("subject not found: %s", id)
	}
	return nil
}

// IsUniqueViolation はエラーがPostgreSQLの一意制約違反(23505)かを判定する。
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// compile-time interface check
var _ SubjectRepository = (*PostgresSubjectRepo)(nil)
