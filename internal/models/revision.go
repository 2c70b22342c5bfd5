package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
PERSISTED DOCUMENT STATE

Two tables back the collaboration server:

  doc_updates        - the append-only binary update log. New clients replay
                       it on connect to reconstruct the document; the server
                       itself never decodes an update.
  revision_snapshots - numbered, immutable captures of the whole document,
                       created on demand. The client's revision viewer fetches
                       these (base64-encoded) for read-only history browsing.
*/

// DocUpdate stores a single binary document update.
type DocUpdate struct {
	ID         string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	DocumentID string    `gorm:"type:varchar(64);not null;index:idx_doc_time" json:"document_id"`
	Update     []byte    `gorm:"type:bytea;not null" json:"-"`
	ClientID   int       `gorm:"not null" json:"client_id"`
	CreatedAt  time.Time `gorm:"index:idx_doc_time" json:"created_at"`
}

// BeforeCreate generates a KSUID primary key.
func (u *DocUpdate) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	return nil
}

func (DocUpdate) TableName() string {
	return "doc_updates"
}

// RevisionSnapshot is an immutable capture of a document at a revision
// number. Content is base64 of the binary document encoding, which keeps the
// REST surface JSON-friendly and matches what the viewer decodes.
type RevisionSnapshot struct {
	ID         string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	DocumentID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_doc_rev,priority:1" json:"document_id"`
	Revision   int       `gorm:"not null;uniqueIndex:idx_doc_rev,priority:2" json:"revision_number"`
	Content    string    `gorm:"type:text;not null" json:"document_content"`
	CreatedBy  string    `gorm:"type:varchar(64)" json:"created_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// BeforeCreate generates a KSUID primary key.
func (s *RevisionSnapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

func (RevisionSnapshot) TableName() string {
	return "revision_snapshots"
}
