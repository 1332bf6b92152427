package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Pratyush2586/release-assessment-portal/internal/models"
)

// AttachmentRepository reads attachment metadata. Writes happen inside
// the submission transaction owned by RequestRepository.
type AttachmentRepository struct {
	db *sqlx.DB
}

// NewAttachmentRepository constructs the repository.
func NewAttachmentRepository(db *sqlx.DB) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

// ListByRequest returns a request's attachments in upload order.
func (r *AttachmentRepository) ListByRequest(ctx context.Context, requestID string) ([]models.Attachment, error) {
	const query = `SELECT id, request_id, filename, file_path, file_size, file_type, uploaded_at FROM attachments WHERE request_id = $1 ORDER BY uploaded_at ASC, filename ASC`
	var attachments []models.Attachment
	if err := r.db.SelectContext(ctx, &attachments, query, requestID); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return attachments, nil
}

// GetByID returns one attachment row.
func (r *AttachmentRepository) GetByID(ctx context.Context, id string) (*models.Attachment, error) {
	const query = `SELECT id, request_id, filename, file_path, file_size, file_type, uploaded_at FROM attachments WHERE id = $1`
	var attachment models.Attachment
	if err := r.db.GetContext(ctx, &attachment, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return &attachment, nil
}
