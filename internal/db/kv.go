package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pysugar/mcp-auth-gateway/internal/db/models"
	"github.com/pysugar/mcp-auth-gateway/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// KVStore implements store.Store on a gorm table.
type KVStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ store.Store = (*KVStore)(nil)

// NewKVStore wraps an initialised database.
func NewKVStore(db *gorm.DB) *KVStore {
	return &KVStore{db: db, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (s *KVStore) WithClock(now func() time.Time) *KVStore {
	s.now = now
	return s
}

func (s *KVStore) expired(e *models.KVEntry) bool {
	return e.ExpiresAt != 0 && e.ExpiresAt <= s.now().UnixMilli()
}

func toEntry(e models.KVEntry) store.Entry {
	out := store.Entry{Key: e.Key, Value: e.Value}
	if e.ExpiresAt != 0 {
		t := time.UnixMilli(e.ExpiresAt).UTC()
		out.ExpiresAt = &t
	}
	return out
}

// Get returns the live entry for key. Expired entries are removed on sight.
func (s *KVStore) Get(ctx context.Context, key string) (*store.Entry, error) {
	var row models.KVEntry
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.expired(&row) {
		s.db.WithContext(ctx).Where("key = ? AND expires_at = ?", key, row.ExpiresAt).Delete(&models.KVEntry{})
		return nil, store.ErrNotFound
	}
	e := toEntry(row)
	return &e, nil
}

// Put upserts key. ttl <= 0 stores without expiry.
func (s *KVStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	row := models.KVEntry{Key: key, Value: value, UpdatedAt: s.now()}
	if ttl > 0 {
		row.ExpiresAt = s.now().Add(ttl).UnixMilli()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&row).Error
}

// Delete removes key. Deleting an absent key is not an error.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&models.KVEntry{}).Error
}

// List returns live entries under prefix ordered by key.
func (s *KVStore) List(ctx context.Context, prefix string, limit int) ([]store.Entry, error) {
	q := s.db.WithContext(ctx).
		Where(`key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%").
		Where("expires_at = 0 OR expires_at > ?", s.now().UnixMilli()).
		Order("key")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []models.KVEntry
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, toEntry(r))
	}
	return out, nil
}

// PurgeExpired deletes every expired entry. Request paths never call it;
// expiry there is lazy.
func (s *KVStore) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <> 0 AND expires_at <= ?", s.now().UnixMilli()).
		Delete(&models.KVEntry{})
	return res.RowsAffected, res.Error
}

// RunPurge deletes expired entries every interval until ctx is done.
// Entries that are never read again (sessions minted per call, stale
// validation results) would otherwise stay in the table forever.
func (s *KVStore) RunPurge(ctx context.Context, interval time.Duration, logger *zap.Logger) error {
	if interval <= 0 {
		return fmt.Errorf("store purge: non-positive interval %s", interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("store purge started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			logger.Info("store purge stopped")
			return nil
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("store purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("expired store entries purged", zap.Int64("count", n))
			}
		}
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
