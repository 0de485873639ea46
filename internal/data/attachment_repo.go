package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gridline/imagevault/internal/data/database"
	"github.com/gridline/imagevault/internal/data/pgxutil"
	"github.com/gridline/imagevault/internal/domain/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrAttachmentExists is returned when an upload collides with an existing stored name.
var ErrAttachmentExists = errors.New("attachment stored name already exists")

const (
	sortDirAsc  = "ASC"
	sortDirDesc = "DESC"
)

// AttachmentRepo provides database operations for uploaded image metadata.
type AttachmentRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewAttachmentRepo creates a new AttachmentRepo with real time provider.
func NewAttachmentRepo(db *sql.DB) *AttachmentRepo {
	return &AttachmentRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewAttachmentRepoWithTimeProvider creates a new AttachmentRepo with a custom time provider (useful for tests).
func NewAttachmentRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *AttachmentRepo {
	return &AttachmentRepo{DB: db, timeProvider: tp}
}

// Create inserts a new attachment row.
func (r *AttachmentRepo) Create(ctx context.Context, req *model.CreateAttachmentRequest) (*model.Attachment, error) {
	if req == nil {
		return nil, errors.New("create attachment request is required")
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	createdAt := r.timeProvider.Now().UTC()
	var out model.Attachment
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			INSERT INTO attachments (
				owner_id, file_name, stored_name, mime_type, byte_size, created_at
			) VALUES (
				$1, $2, $3, $4, $5, $6
			) RETURNING id, owner_id, file_name, stored_name, mime_type, byte_size, created_at
		`,
			strings.TrimSpace(req.OwnerID),
			strings.TrimSpace(req.FileName),
			strings.TrimSpace(req.StoredName),
			req.MimeType,
			req.ByteSize,
			createdAt,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Attachment])
		return err
	}); err != nil {
		return nil, r.mapWriteErr(err)
	}
	return &out, nil
}

// GetByID retrieves an attachment by ID.
func (r *AttachmentRepo) GetByID(ctx context.Context, id string) (*model.Attachment, error) {
	var att model.Attachment
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, attachmentGetByIDQuery, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		att, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Attachment])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttachmentNotFound
		}
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return &att, nil
}

// List retrieves attachments for an owner with optional mime type filtering.
func (r *AttachmentRepo) List(ctx context.Context, opts model.AttachmentListOptions) ([]*model.Attachment, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := max(opts.Offset, 0)

	queryOpts := r.buildAttachmentQueryOptions(opts, attachmentQueryParams{Limit: limit, Offset: offset})
	query, args := database.BuildListQuery(queryOpts)

	var rowsOut []model.Attachment
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		rowsOut, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.Attachment])
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}

	res := make([]*model.Attachment, len(rowsOut))
	for i := range rowsOut {
		res[i] = &rowsOut[i]
	}
	return res, nil
}

// Count returns the number of attachments matching the filters in opts.
func (r *AttachmentRepo) Count(ctx context.Context, opts model.AttachmentListOptions) (int, error) {
	queryOpts := r.buildAttachmentQueryOptions(opts, attachmentQueryParams{CountOnly: true})
	query, args := database.BuildListQuery(queryOpts)

	var n int
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count attachments: %w", err)
	}
	return n, nil
}

// Delete deletes an attachment row by ID.
func (r *AttachmentRepo) Delete(ctx context.Context, id string) (bool, error) {
	var rows int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, err := conn.Exec(ctx, `DELETE FROM attachments WHERE id = $1`, id)
		if err != nil {
			return err
		}
		rows = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete attachment: %w", err)
	}
	return rows > 0, nil
}

// --- helpers ---

const attachmentGetByIDQuery = `
	SELECT id, owner_id, file_name, stored_name, mime_type, byte_size, created_at
	FROM attachments
	WHERE id = $1`

// attachmentColumns returns the standard column list for attachment queries.
func attachmentColumns() []string {
	return []string{
		"id",
		"owner_id",
		"file_name",
		"stored_name",
		"mime_type",
		"byte_size",
		"created_at",
	}
}

// attachmentQueryParams groups pagination and count-only settings for query building.
type attachmentQueryParams struct {
	Limit     int
	Offset    int
	CountOnly bool
}

// buildAttachmentQueryOptions builds query options for attachment listing with filters.
func (r *AttachmentRepo) buildAttachmentQueryOptions(
	opts model.AttachmentListOptions,
	params attachmentQueryParams,
) *database.ListQueryOptions {
	queryOpts := []database.ListQueryOption{
		database.WithColumns(attachmentColumns()...),
	}
	if params.CountOnly {
		queryOpts = append(queryOpts, database.WithCountOnly())
	} else {
		queryOpts = append(queryOpts,
			database.WithOrderBy("created_at", sortDirDesc),
			database.WithLimit(params.Limit),
			database.WithOffset(params.Offset),
		)
	}

	if strings.TrimSpace(opts.OwnerID) != "" {
		queryOpts = append(queryOpts, database.WithCondition(
			database.WhereCond("owner_id", database.Equal, strings.TrimSpace(opts.OwnerID)),
		))
	}
	if opts.MimeType != nil && strings.TrimSpace(*opts.MimeType) != "" {
		queryOpts = append(queryOpts, database.WithCondition(
			database.WhereCond("mime_type", database.Equal, strings.TrimSpace(*opts.MimeType)),
		))
	}

	return database.NewListQueryOptions("attachments", queryOpts...)
}

func (r *AttachmentRepo) mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAttachmentExists
	}
	return err
}
