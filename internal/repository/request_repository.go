package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Pratyush2586/release-assessment-portal/internal/models"
)

const requestColumns = `id, user_id, report_type, current_release_id, target_release_id, environment, title, description, status, error_message, notify_on_completion, notify_on_failure, created_at, updated_at, completed_at`

// RequestRepository persists assessment requests and their attachments.
type RequestRepository struct {
	db *sqlx.DB
}

// NewRequestRepository constructs the repository.
func NewRequestRepository(db *sqlx.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// CreateWithAttachments inserts the request row and its attachment rows
// in a single transaction. The request and its attachments exist as one
// logical unit or not at all.
func (r *RequestRepository) CreateWithAttachments(ctx context.Context, request *models.AssessmentRequest, attachments []models.Attachment) error {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	if request.Status == "" {
		request.Status = models.StatusQueued
	}
	now := time.Now().UTC()
	if request.CreatedAt.IsZero() {
		request.CreatedAt = now
	}
	request.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin submission: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insertRequest = `INSERT INTO assessment_requests (id, user_id, report_type, current_release_id, target_release_id, environment, title, description, status, error_message, notify_on_completion, notify_on_failure, created_at, updated_at, completed_at)
VALUES (:id, :user_id, :report_type, :current_release_id, :target_release_id, :environment, :title, :description, :status, :error_message, :notify_on_completion, :notify_on_failure, :created_at, :updated_at, :completed_at)`
	if _, err := tx.NamedExecContext(ctx, insertRequest, request); err != nil {
		return fmt.Errorf("create assessment request: %w", err)
	}

	const insertAttachment = `INSERT INTO attachments (id, request_id, filename, file_path, file_size, file_type, uploaded_at)
VALUES (:id, :request_id, :filename, :file_path, :file_size, :file_type, :uploaded_at)`
	for i := range attachments {
		if attachments[i].ID == "" {
			attachments[i].ID = uuid.NewString()
		}
		attachments[i].RequestID = request.ID
		if attachments[i].UploadedAt.IsZero() {
			attachments[i].UploadedAt = now
		}
		if _, err := tx.NamedExecContext(ctx, insertAttachment, attachments[i]); err != nil {
			return fmt.Errorf("create attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit submission: %w", err)
	}
	return nil
}

// GetByID returns one request row.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*models.AssessmentRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM assessment_requests WHERE id = $1`, requestColumns)
	var request models.AssessmentRequest
	if err := r.db.GetContext(ctx, &request, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get assessment request: %w", err)
	}
	return &request, nil
}

// ListByUser returns the caller's rows newest first, optionally narrowed
// by an id-prefix/title search and an exact status.
func (r *RequestRepository) ListByUser(ctx context.Context, userID string, filter models.RequestFilter) ([]models.AssessmentRequest, error) {
	conditions := []string{"user_id = $1"}
	args := []interface{}{userID}

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(id::text LIKE $%d OR LOWER(COALESCE(title, '')) LIKE $%d)", len(args)+1, len(args)+2))
		args = append(args, filter.Search+"%", "%"+strings.ToLower(filter.Search)+"%")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`SELECT %s FROM assessment_requests WHERE %s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		requestColumns, strings.Join(conditions, " AND "), limit, offset)

	var requests []models.AssessmentRequest
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, fmt.Errorf("list assessment requests: %w", err)
	}
	return requests, nil
}

// UpdateStatus applies one lifecycle transition with an optimistic guard
// on the expected current status. sql.ErrNoRows means the row moved on
// under the caller (or does not exist) and the transition is rejected.
func (r *RequestRepository) UpdateStatus(ctx context.Context, id string, from, to models.RequestStatus, errorMessage *string, completedAt *time.Time) (*models.AssessmentRequest, error) {
	query := fmt.Sprintf(`UPDATE assessment_requests
SET status = $2, error_message = $3, completed_at = $4, updated_at = $5
WHERE id = $1 AND status = $6
RETURNING %s`, requestColumns)
	var request models.AssessmentRequest
	err := r.db.QueryRowxContext(ctx, query, id, to, errorMessage, completedAt, time.Now().UTC(), from).StructScan(&request)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("update request status: %w", err)
	}
	return &request, nil
}

// CancelByOwner fails a non-terminal request on behalf of its owner. The
// guard doubles as the authorization check: only the owning user's row
// in a cancelable state matches.
func (r *RequestRepository) CancelByOwner(ctx context.Context, id, userID string) (*models.AssessmentRequest, error) {
	query := fmt.Sprintf(`UPDATE assessment_requests
SET status = $3, error_message = $4, completed_at = $5, updated_at = $5
WHERE id = $1 AND user_id = $2 AND status IN ('Queued', 'Running')
RETURNING %s`, requestColumns)
	now := time.Now().UTC()
	var request models.AssessmentRequest
	err := r.db.QueryRowxContext(ctx, query, id, userID, models.StatusFailed, models.CancelErrorMessage, now).StructScan(&request)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("cancel request: %w", err)
	}
	return &request, nil
}

// ListQueued fetches queued requests oldest first for the engine poller.
func (r *RequestRepository) ListQueued(ctx context.Context, limit int) ([]models.AssessmentRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT %s FROM assessment_requests WHERE status = 'Queued' ORDER BY created_at ASC LIMIT $1`, requestColumns)
	var requests []models.AssessmentRequest
	if err := r.db.SelectContext(ctx, &requests, query, limit); err != nil {
		return nil, fmt.Errorf("list queued requests: %w", err)
	}
	return requests, nil
}
