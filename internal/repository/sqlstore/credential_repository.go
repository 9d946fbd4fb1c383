package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"inbox-router/internal/model"
)

type CredentialRepository struct {
	db *sqlx.DB
}

func NewCredentialRepository(db *sqlx.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

const credentialColumns = `user_id, system, access_token, refresh_token, token_expiry, identity,
	instance_url, account_id, resource_id, resource_name, baseline_at, baseline_ready,
	last_poll_at, created_at, updated_at`

func (r *CredentialRepository) Get(ctx context.Context, userID string, system model.System) (*model.Credential, error) {
	var credential model.Credential
	query := r.db.Rebind(`SELECT ` + credentialColumns + ` FROM credentials WHERE user_id = ? AND system = ?`)
	if err := r.db.GetContext(ctx, &credential, query, userID, string(system)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrCredentialNotFound
		}
		return nil, err
	}
	return &credential, nil
}

func (r *CredentialRepository) Save(ctx context.Context, credential *model.Credential) error {
	c := *credential
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	query := `
		INSERT INTO credentials (` + credentialColumns + `)
		VALUES (:user_id, :system, :access_token, :refresh_token, :token_expiry, :identity,
			:instance_url, :account_id, :resource_id, :resource_name, :baseline_at, :baseline_ready,
			:last_poll_at, :created_at, :updated_at)
		ON CONFLICT (user_id, system) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expiry = EXCLUDED.token_expiry,
			identity = EXCLUDED.identity,
			instance_url = EXCLUDED.instance_url,
			account_id = EXCLUDED.account_id,
			resource_id = EXCLUDED.resource_id,
			resource_name = EXCLUDED.resource_name,
			baseline_at = EXCLUDED.baseline_at,
			baseline_ready = EXCLUDED.baseline_ready,
			last_poll_at = EXCLUDED.last_poll_at,
			updated_at = EXCLUDED.updated_at`

	if _, err := r.db.NamedExecContext(ctx, query, &c); err != nil {
		return fmt.Errorf("saving %s credential: %w", c.System, err)
	}
	credential.CreatedAt = c.CreatedAt
	credential.UpdatedAt = c.UpdatedAt
	return nil
}

func (r *CredentialRepository) Delete(ctx context.Context, userID string, system model.System) error {
	query := r.db.Rebind(`DELETE FROM credentials WHERE user_id = ? AND system = ?`)
	result, err := r.db.ExecContext(ctx, query, userID, string(system))
	if err != nil {
		return fmt.Errorf("deleting %s credential: %w", system, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return model.ErrCredentialNotFound
	}
	return nil
}

func (r *CredentialRepository) ListBySystem(ctx context.Context, system model.System) ([]*model.Credential, error) {
	var credentials []*model.Credential
	query := r.db.Rebind(`SELECT ` + credentialColumns + ` FROM credentials WHERE system = ? ORDER BY user_id`)
	if err := r.db.SelectContext(ctx, &credentials, query, string(system)); err != nil {
		return nil, fmt.Errorf("listing %s credentials: %w", system, err)
	}
	return credentials, nil
}
