package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	exporterrors "github.com/record-exporter/internal/errors"
	"github.com/record-exporter/internal/models"
)

// CredentialRepository reads and writes the per-tenant bearer credential pair
type CredentialRepository struct {
	db *PostgresDB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *PostgresDB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Get returns the current credential for a tenant
func (r *CredentialRepository) Get(ctx context.Context, tenantID string) (*models.TenantCredential, error) {
	query := `
		SELECT tenant_id, access_token, refresh_token, expires_at, updated_at
		FROM tenant_credentials
		WHERE tenant_id = $1
	`

	var cred models.TenantCredential
	var expiresAt *time.Time

	err := r.db.Pool().QueryRow(ctx, query, tenantID).Scan(
		&cred.TenantID,
		&cred.AccessToken,
		&cred.RefreshToken,
		&expiresAt,
		&cred.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", exporterrors.ErrCredentialNotFound, tenantID)
		}
		return nil, fmt.Errorf("failed to get tenant credential: %w", err)
	}

	if expiresAt != nil {
		cred.ExpiresAt = *expiresAt
	}
	return &cred, nil
}

// Save upserts a renewed credential pair
func (r *CredentialRepository) Save(ctx context.Context, cred *models.TenantCredential) error {
	query := `
		INSERT INTO tenant_credentials (tenant_id, access_token, refresh_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`

	var expiresAt *time.Time
	if !cred.ExpiresAt.IsZero() {
		expiresAt = &cred.ExpiresAt
	}
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now().UTC()
	}

	_, err := r.db.Pool().Exec(ctx, query,
		cred.TenantID,
		cred.AccessToken,
		cred.RefreshToken,
		expiresAt,
		cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save tenant credential: %w", err)
	}
	return nil
}
