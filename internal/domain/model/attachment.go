package model

import (
	"errors"
	"strings"
	"time"
)

// Attachment is the metadata row for an uploaded image stored in the
// artifact store. OwnerID is the authenticated user the upload belongs to;
// all list and mutation paths are scoped to it.
type Attachment struct {
	ID         string    `json:"id"          db:"id"`
	OwnerID    string    `json:"owner_id"    db:"owner_id"`
	FileName   string    `json:"file_name"   db:"file_name"`
	StoredName string    `json:"stored_name" db:"stored_name"`
	MimeType   string    `json:"mime_type"   db:"mime_type"`
	ByteSize   int64     `json:"byte_size"   db:"byte_size"`
	CreatedAt  time.Time `json:"created_at"  db:"created_at"`
}

// CreateAttachmentRequest carries the fields needed to record an upload.
type CreateAttachmentRequest struct {
	OwnerID    string
	FileName   string
	StoredName string
	MimeType   string
	ByteSize   int64
}

// Validate validates the CreateAttachmentRequest fields.
func (r *CreateAttachmentRequest) Validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return errors.New("owner id is required")
	}
	if strings.TrimSpace(r.FileName) == "" {
		return errors.New("file name is required")
	}
	if strings.TrimSpace(r.StoredName) == "" {
		return errors.New("stored name is required")
	}
	if r.ByteSize <= 0 {
		return errors.New("byte size must be positive")
	}
	return nil
}

// AttachmentListOptions groups parameters for listing a user's attachments.
type AttachmentListOptions struct {
	OwnerID  string
	MimeType *string
	Limit    int
	Offset   int
}
