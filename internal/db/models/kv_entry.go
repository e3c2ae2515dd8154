package models

import "time"

// KVEntry is one credential-store entry. ExpiresAt is unix milliseconds,
// zero meaning no expiry.
type KVEntry struct {
	Key       string `gorm:"primaryKey"`
	Value     []byte
	ExpiresAt int64 `gorm:"index"`
	UpdatedAt time.Time
}
