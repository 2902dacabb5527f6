// Package repo implements the durable local storage layer of the engine,
// backed by GORM. This file provides the cache-entry persistence used by the
// local cache store.
//
// Error semantics: callers (the cache store) treat every error as a miss, so
// these functions propagate raw GORM errors without translation.
package repo

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/localloop/msgsync/internal/domain"
)

// CacheKV adapts the cache-entry table to the cache.Backend interface.
type CacheKV struct {
	DB *gorm.DB
}

// Load returns the payload and write time stored under key.
func (c CacheKV) Load(key string) ([]byte, time.Time, bool, error) {
	var e domain.CacheEntry
	err := c.DB.Where("key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, err
	}
	return e.Payload, e.WrittenAt, true, nil
}

// Store upserts the entry, refreshing its write time.
func (c CacheKV) Store(key string, payload []byte, writtenAt time.Time) error {
	e := domain.CacheEntry{Key: key, Payload: payload, WrittenAt: writtenAt.UTC()}
	return c.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "written_at"}),
	}).Create(&e).Error
}

// RemoveContains deletes every entry whose key contains substr.
func (c CacheKV) RemoveContains(substr string) error {
	return c.DB.
		Where("key LIKE ? ESCAPE '\\'", "%"+escapeLike(substr)+"%").
		Delete(&domain.CacheEntry{}).Error
}

// escapeLike escapes LIKE metacharacters so substring matching stays literal.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
