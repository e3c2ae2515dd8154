package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/mcp-auth-gateway/internal/auth/credential"
	"github.com/pysugar/mcp-auth-gateway/internal/crypto"
	"github.com/pysugar/mcp-auth-gateway/internal/db/models"
	"github.com/pysugar/mcp-auth-gateway/internal/store"
	"gorm.io/gorm"
)

// CredentialRepo persists Credential rows. Rows are never hard-deleted here;
// revocation is a status change.
type CredentialRepo struct {
	db     *gorm.DB
	sealer *crypto.Sealer
}

// NewCredentialRepo wraps an initialised database.
func NewCredentialRepo(db *gorm.DB, sealer *crypto.Sealer) *CredentialRepo {
	return &CredentialRepo{db: db, sealer: sealer}
}

// Create seals payload and inserts a new active credential.
func (r *CredentialRepo) Create(ctx context.Context, userID, serviceType string, payload *credential.Decrypted) (*models.Credential, error) {
	raw, err := payload.Encode()
	if err != nil {
		return nil, err
	}
	cred := &models.Credential{
		ID:          uuid.New().String(),
		UserID:      userID,
		ServiceType: serviceType,
		AuthType:    payload.AuthType,
		Status:      credential.StatusActive,
	}
	if cred.EncryptedPayload, err = r.sealer.Seal(cred.ID, raw); err != nil {
		return nil, fmt.Errorf("sealing payload: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(cred).Error; err != nil {
		return nil, err
	}
	return cred, nil
}

// Get loads a credential by id.
func (r *CredentialRepo) Get(ctx context.Context, id string) (*models.Credential, error) {
	var cred models.Credential
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// ListByUser returns the user's credentials, newest first.
func (r *CredentialRepo) ListByUser(ctx context.Context, userID string) ([]models.Credential, error) {
	var creds []models.Credential
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&creds).Error
	return creds, err
}

// UpdatePayload replaces the sealed payload.
func (r *CredentialRepo) UpdatePayload(ctx context.Context, id string, sealed []byte) error {
	return r.update(ctx, id, "encrypted_payload", sealed)
}

// UpdateStatus changes the lifecycle status.
func (r *CredentialRepo) UpdateStatus(ctx context.Context, id string, status credential.Status) error {
	return r.update(ctx, id, "status", status)
}

// SetValidationCachedUntil mirrors the validation cache expiry onto the row.
func (r *CredentialRepo) SetValidationCachedUntil(ctx context.Context, id string, until *time.Time) error {
	return r.update(ctx, id, "validation_cached_until", until)
}

func (r *CredentialRepo) update(ctx context.Context, id, column string, value any) error {
	res := r.db.WithContext(ctx).Model(&models.Credential{}).Where("id = ?", id).Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}
