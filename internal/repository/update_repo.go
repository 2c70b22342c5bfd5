package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/kylephillipsau/nosdesk-collab/internal/models"
)

// UpdateRepository persists the append-only document update log. The hub
// replays it to joining clients; the server never decodes an update.
type UpdateRepository struct {
	db *gorm.DB
}

// NewUpdateRepository creates an update repository.
func NewUpdateRepository(db *gorm.DB) *UpdateRepository {
	return &UpdateRepository{db: db}
}

// StoreUpdate appends one binary update to the document's log.
func (r *UpdateRepository) StoreUpdate(ctx context.Context, documentID string, update []byte, clientID int) error {
	row := &models.DocUpdate{
		DocumentID: documentID,
		Update:     update,
		ClientID:   clientID,
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to store update: %w", err)
	}

	return nil
}

// GetAllUpdates returns the full log for a document in arrival order.
// Used for initial sync.
func (r *UpdateRepository) GetAllUpdates(ctx context.Context, documentID string) ([]*models.DocUpdate, error) {
	var updates []*models.DocUpdate

	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Find(&updates).Error

	if err != nil {
		return nil, fmt.Errorf("failed to get updates: %w", err)
	}

	return updates, nil
}

// CountUpdates returns the log length for a document.
func (r *UpdateRepository) CountUpdates(ctx context.Context, documentID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.DocUpdate{}).
		Where("document_id = ?", documentID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count updates: %w", err)
	}
	return count, nil
}

// PruneUpdates trims the log to the newest keepCount entries. Called
// periodically so the log does not grow without bound.
func (r *UpdateRepository) PruneUpdates(ctx context.Context, documentID string, keepCount int) error {
	count, err := r.CountUpdates(ctx, documentID)
	if err != nil {
		return err
	}
	if count <= int64(keepCount) {
		return nil
	}

	var cutoff models.DocUpdate
	offset := count - int64(keepCount)
	if err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Offset(int(offset)).
		First(&cutoff).Error; err != nil {
		return err
	}

	result := r.db.WithContext(ctx).
		Where("document_id = ? AND created_at < ?", documentID, cutoff.CreatedAt).
		Delete(&models.DocUpdate{})

	if result.Error != nil {
		return fmt.Errorf("failed to prune updates: %w", result.Error)
	}

	return nil
}
