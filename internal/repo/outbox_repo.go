// Package repo implements the durable local storage layer of the engine,
// backed by GORM. This file provides persistence for pending sends, so a
// failed send survives a restart and can still be retried or discarded.
//
// All functions are context-aware and accept a *gorm.DB handle. They follow
// the "thin repository" approach: no business logic, only CRUD persistence.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/localloop/msgsync/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist. It aliases
// gorm.ErrRecordNotFound for consistency across the service layer.
var ErrNotFound = gorm.ErrRecordNotFound

// SavePendingSend upserts a failed send keyed by its temporary identifier.
func SavePendingSend(ctx context.Context, db *gorm.DB, p *domain.PendingSend) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"retries", "last_error", "updated_at",
		}),
	}).Create(p).Error
}

// GetPendingSend fetches one pending send by id, or ErrNotFound.
func GetPendingSend(ctx context.Context, db *gorm.DB, id string) (*domain.PendingSend, error) {
	var p domain.PendingSend
	err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPendingSends returns the failed sends of one user, oldest first. The
// conversationID filter is optional (empty matches all).
func ListPendingSends(ctx context.Context, db *gorm.DB, senderID, conversationID string) ([]domain.PendingSend, error) {
	q := db.WithContext(ctx).Where("sender_id = ?", senderID)
	if conversationID != "" {
		q = q.Where("conversation_id = ?", conversationID)
	}
	var out []domain.PendingSend
	err := q.Order("created_at asc").Find(&out).Error
	return out, err
}

// DeletePendingSend removes a pending send after a successful retry or a
// user-initiated discard. Deleting a missing record returns ErrNotFound.
func DeletePendingSend(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.PendingSend{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// IsNotFound reports whether err is the repo's not-found sentinel.
func IsNotFound(err error) bool { return errors.Is(err, gorm.ErrRecordNotFound) }
