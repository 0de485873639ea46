package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder for upload verification
	_ "image/jpeg" // register decoder for upload verification
	_ "image/png"  // register decoder for upload verification
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gridline/imagevault/config"
	"github.com/gridline/imagevault/internal/adapters/artifactstore"
	"github.com/gridline/imagevault/internal/core"
	"github.com/gridline/imagevault/internal/data"
	"github.com/gridline/imagevault/internal/domain/model"
)

// Validation sentinels for uploads. The HTTP boundary maps these to
// field-level client errors.
var (
	ErrUploadFileNameRequired = errors.New("file name is required and cannot be empty")
	ErrUploadOwnerRequired    = errors.New("owner is required and cannot be empty")
	ErrUploadExtension        = errors.New("file extension must be one of the allowed image types")
	ErrUploadNotAnImage       = errors.New("file content is not a recognized image")
)

// ArtifactStorage is the slice of the artifact store the attachment service
// uses. Satisfied by *artifactstore.Store.
type ArtifactStorage interface {
	Save(ctx context.Context, name string, r io.Reader) (*artifactstore.Artifact, error)
	Open(name string) (io.ReadCloser, error)
	Delete(name string) error
}

// AttachmentServiceOptions groups dependencies for AttachmentService.
type AttachmentServiceOptions struct {
	Repo    core.AttachmentRepository // Required: attachment metadata repository
	Store   ArtifactStorage           // Required: artifact byte storage
	Storage config.StorageConfig      // Extension allow-list and size cap
	Logger  *slog.Logger              // Optional: structured logger
}

// AttachmentService manages user image uploads: validation, byte storage
// under a generated name, and owner-scoped metadata CRUD.
type AttachmentService struct {
	repo    core.AttachmentRepository
	store   ArtifactStorage
	storage config.StorageConfig
	logger  *slog.Logger
}

// NewAttachmentService constructs a new AttachmentService.
func NewAttachmentService(opts AttachmentServiceOptions) (*AttachmentService, error) {
	if opts.Repo == nil {
		return nil, errors.New("AttachmentRepository is required")
	}
	if opts.Store == nil {
		return nil, errors.New("artifact store is required")
	}

	storage := opts.Storage
	storage.Sanitize()

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "attachment_service")
	}

	return &AttachmentService{
		repo:    opts.Repo,
		store:   opts.Store,
		storage: storage,
		logger:  logger,
	}, nil
}

// MustNewAttachmentService constructs a new AttachmentService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewAttachmentService(opts AttachmentServiceOptions) *AttachmentService {
	svc, err := NewAttachmentService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create AttachmentService: %v", err))
	}
	return svc
}

// UploadAttachmentRequest carries one upload from the API boundary.
type UploadAttachmentRequest struct {
	OwnerID  string
	FileName string
	Content  io.Reader
}

// Upload validates and stores one image upload. The artifact is written
// under a generated name so uploads never collide; the caller's file name
// is kept as metadata only.
func (s *AttachmentService) Upload(
	ctx context.Context,
	req UploadAttachmentRequest,
) (*model.Attachment, error) {
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return nil, ErrUploadOwnerRequired
	}
	fileName := strings.TrimSpace(req.FileName)
	if fileName == "" {
		return nil, ErrUploadFileNameRequired
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	if !s.storage.ExtensionAllowed(ext) {
		return nil, ErrUploadExtension
	}

	data, mimeType, err := s.sniffImage(req.Content)
	if err != nil {
		return nil, err
	}

	storedName := uuid.NewString() + ext
	artifact, err := s.store.Save(ctx, storedName, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	attachment, err := s.repo.Create(ctx, &model.CreateAttachmentRequest{
		OwnerID:    ownerID,
		FileName:   fileName,
		StoredName: artifact.Name,
		MimeType:   mimeType,
		ByteSize:   artifact.ByteSize,
	})
	if err != nil {
		// The artifact is unreachable without its metadata row; clean it up.
		if delErr := s.store.Delete(artifact.Name); delErr != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "failed to remove orphaned upload",
				"stored_name", artifact.Name, "error", delErr)
		}
		return nil, fmt.Errorf("record upload: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "attachment uploaded",
			"attachment_id", attachment.ID,
			"owner_id", ownerID,
			"stored_name", attachment.StoredName,
			"byte_size", attachment.ByteSize,
		)
	}

	return attachment, nil
}

// sniffImage reads the upload and verifies it decodes as an image, not just
// that its magic bytes look image-like. The bytes are returned for storage;
// the store enforces the byte-size cap on oversized reads.
func (s *AttachmentService) sniffImage(r io.Reader) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.storage.MaxFileSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read upload: %w", err)
	}

	if _, format, decErr := image.DecodeConfig(bytes.NewReader(data)); decErr == nil {
		return data, "image/" + format, nil
	}
	// webp has no stdlib decoder; accept it on its container magic.
	if mt := http.DetectContentType(data); mt == "image/webp" {
		return data, mt, nil
	}
	return nil, "", ErrUploadNotAnImage
}

// Get returns an attachment owned by ownerID. Attachments belonging to other
// users read as not found rather than forbidden.
func (s *AttachmentService) Get(
	ctx context.Context,
	ownerID, id string,
) (*model.Attachment, error) {
	if id == "" {
		return nil, errors.New("attachment id is required and cannot be empty")
	}

	attachment, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get attachment %s: %w", id, err)
	}
	if attachment.OwnerID != ownerID {
		return nil, data.ErrAttachmentNotFound
	}
	return attachment, nil
}

// Open returns the attachment metadata plus a reader over its bytes.
// The caller owns closing the reader.
func (s *AttachmentService) Open(
	ctx context.Context,
	ownerID, id string,
) (*model.Attachment, io.ReadCloser, error) {
	attachment, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, nil, err
	}

	rc, err := s.store.Open(attachment.StoredName)
	if err != nil {
		if errors.Is(err, artifactstore.ErrNotFound) {
			// Metadata without bytes means the artifact was removed out of band.
			return nil, nil, data.ErrAttachmentNotFound
		}
		return nil, nil, fmt.Errorf("open attachment %s: %w", id, err)
	}
	return attachment, rc, nil
}

// AttachmentPage is one page of attachments plus the total count.
type AttachmentPage struct {
	Attachments []*model.Attachment
	Total       int
}

// ListWithCount fetches a page of the owner's attachments and the total
// match count concurrently.
func (s *AttachmentService) ListWithCount(
	ctx context.Context,
	opts model.AttachmentListOptions,
) (*AttachmentPage, error) {
	if strings.TrimSpace(opts.OwnerID) == "" {
		return nil, ErrUploadOwnerRequired
	}

	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset

	var (
		attachments []*model.Attachment
		total       int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		attachments, err = s.repo.List(gctx, opts)
		if err != nil {
			return fmt.Errorf("list attachments: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		total, err = s.repo.Count(gctx, opts)
		if err != nil {
			return fmt.Errorf("count attachments: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &AttachmentPage{Attachments: attachments, Total: total}, nil
}

// Delete removes an attachment's metadata row and its stored bytes.
// A missing artifact is tolerated; the metadata row is authoritative.
func (s *AttachmentService) Delete(ctx context.Context, ownerID, id string) error {
	attachment, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}

	deleted, err := s.repo.Delete(ctx, attachment.ID)
	if err != nil {
		return fmt.Errorf("delete attachment %s: %w", id, err)
	}
	if !deleted {
		return data.ErrAttachmentNotFound
	}

	if err := s.store.Delete(attachment.StoredName); err != nil && !errors.Is(err, artifactstore.ErrNotFound) {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to remove attachment artifact",
				"attachment_id", id, "stored_name", attachment.StoredName, "error", err)
		}
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "attachment deleted", "attachment_id", id, "owner_id", ownerID)
	}
	return nil
}
