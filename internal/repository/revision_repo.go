package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/kylephillipsau/nosdesk-collab/internal/models"
)

// ErrRevisionNotFound is returned when a requested revision does not exist.
var ErrRevisionNotFound = errors.New("revision not found")

// RevisionRepository stores numbered, immutable document snapshots.
type RevisionRepository struct {
	db *gorm.DB
}

// NewRevisionRepository creates a revision repository.
func NewRevisionRepository(db *gorm.DB) *RevisionRepository {
	return &RevisionRepository{db: db}
}

// CreateSnapshot stores content as the next revision of the document and
// returns the created row. Numbering is per-document, starting at 1.
func (r *RevisionRepository) CreateSnapshot(ctx context.Context, documentID, content, createdBy string) (*models.RevisionSnapshot, error) {
	snap := &models.RevisionSnapshot{
		DocumentID: documentID,
		Content:    content,
		CreatedBy:  createdBy,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest int
		row := tx.Model(&models.RevisionSnapshot{}).
			Where("document_id = ?", documentID).
			Select("COALESCE(MAX(revision), 0)").
			Row()
		if err := row.Scan(&latest); err != nil {
			return fmt.Errorf("failed to find latest revision: %w", err)
		}

		snap.Revision = latest + 1
		if err := tx.Create(snap).Error; err != nil {
			return fmt.Errorf("failed to create snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// GetSnapshot fetches one revision of a document.
func (r *RevisionRepository) GetSnapshot(ctx context.Context, documentID string, revision int) (*models.RevisionSnapshot, error) {
	var snap models.RevisionSnapshot

	err := r.db.WithContext(ctx).
		Where("document_id = ? AND revision = ?", documentID, revision).
		First(&snap).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRevisionNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	return &snap, nil
}

// ListSnapshots returns a document's revisions, newest first, without the
// (potentially large) content column.
func (r *RevisionRepository) ListSnapshots(ctx context.Context, documentID string) ([]*models.RevisionSnapshot, error) {
	var snaps []*models.RevisionSnapshot

	err := r.db.WithContext(ctx).
		Select("id", "document_id", "revision", "created_by", "created_at").
		Where("document_id = ?", documentID).
		Order("revision DESC").
		Find(&snaps).Error

	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	return snaps, nil
}
