package models

import (
	"time"

	"github.com/pysugar/mcp-auth-gateway/internal/auth/credential"
)

// Credential stores one user's secret for one upstream service.
type Credential struct {
	ID          string              `gorm:"primaryKey" json:"id"` // UUID
	UserID      string              `gorm:"index;not null" json:"user_id"`
	ServiceType string              `gorm:"index;not null" json:"service_type"` // e.g. "xano", "gmail"
	AuthType    credential.AuthType `gorm:"not null" json:"auth_type"`
	// EncryptedPayload is nonce||ciphertext of the flat secret document.
	EncryptedPayload      []byte            `gorm:"not null" json:"-"`
	ValidationCachedUntil *time.Time        `json:"validation_cached_until,omitempty"`
	Status                credential.Status `gorm:"default:active" json:"status"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}
