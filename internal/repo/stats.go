// Package repo implements the durable local storage layer, backed by GORM.
// This file provides small aggregate queries over the local tables, used for
// response metadata in the HTTP layer and for startup diagnostics. Each
// function is context-aware and safe to call from services or handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/localloop/msgsync/internal/domain"
)

// OutboxStats returns aggregate metadata for a user's retained failed sends:
// the total number of rows and the maximum UpdatedAt timestamp among them.
// When conversationID is non-empty the aggregates are scoped to one thread.
//
// When the user has no retained sends, count is 0 and maxUpdatedAt is nil.
func OutboxStats(ctx context.Context, db *gorm.DB, userID, conversationID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.PendingSend{}).Where("sender_id = ?", userID)
	if conversationID != "" {
		q = q.Where("conversation_id = ?", conversationID)
	}

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// CacheStats returns the number of persisted cache entries and the newest
// write timestamp, for startup diagnostics. An empty cache returns 0 and nil.
func CacheStats(ctx context.Context, db *gorm.DB) (count int64, newest *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.CacheEntry{})

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	var row struct {
		WrittenAt time.Time
	}
	if err = q.Select("written_at").Order("written_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.WrittenAt, nil
}
