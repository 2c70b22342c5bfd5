package api

import (
	"context"

	"github.com/kylephillipsau/nosdesk-collab/internal/models"
)

// Interfaces are defined here, by the consumer. repository satisfies them;
// tests swap in fakes without touching the database.

// RevisionStore is what the REST handlers need from snapshot persistence.
type RevisionStore interface {
	CreateSnapshot(ctx context.Context, documentID, content, createdBy string) (*models.RevisionSnapshot, error)
	GetSnapshot(ctx context.Context, documentID string, revision int) (*models.RevisionSnapshot, error)
	ListSnapshots(ctx context.Context, documentID string) ([]*models.RevisionSnapshot, error)
}

// UpdateLog exposes the update log's size for the document stats endpoint.
type UpdateLog interface {
	CountUpdates(ctx context.Context, documentID string) (int64, error)
}
