package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/achievedex/internal/model"
)

const selectIdentityByProvider = `
	SELECT id, subject_id, provider, provider_user_id, created_at
	  FROM identities
	 WHERE provider = $1 AND provider_user_id = $2`

const insertIdentity = `
	INSERT INTO identities (id, subject_id, provider, provider_user_id, created_at)
	VALUES ($1, $2, $3, $4, $5)`

// PostgresIdentityRepo はidentitiesテーブルへのアクセスを提供する。
// 新規Subjectと同時の作成は PostgresSubjectRepo.CreateWithIdentity が担う。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// FindByProviderAndProviderUserID は (provider, provider_user_id) でidentityを引く。無ければnil。
func (r *PostgresIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	var id model.Identity
	err := r.db.QueryRowContext(ctx, selectIdentityByProvider, provider, providerUserID).
		Scan(&id.ID, &id.SubjectID, &id.Provider, &id.ProviderUserID, &id.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity %s/%s: %w", provider, providerUserID, err)
	}
	return &id, nil
}

// Create は既存Subjectにidentityを追加する。一意制約違反は *pq.Error のままラップして返す。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	_, err := r.db.ExecContext(ctx, insertIdentity,
		identity.ID, identity.SubjectID, identity.Provider, identity.ProviderUserID, identity.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", err)
	}
	return nil
}

var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
