package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Pratyush2586/release-assessment-portal/internal/models"
)

// ResultsRepository persists assessment results, one row per request.
type ResultsRepository struct {
	db *sqlx.DB
}

// NewResultsRepository constructs the repository.
func NewResultsRepository(db *sqlx.DB) *ResultsRepository {
	return &ResultsRepository{db: db}
}

// Upsert writes the unique result row for a request. The engine may
// retry its callback, so a replay overwrites rather than conflicts.
func (r *ResultsRepository) Upsert(ctx context.Context, results *models.AssessmentResults) error {
	if results.ID == "" {
		results.ID = uuid.NewString()
	}
	if results.GeneratedAt.IsZero() {
		results.GeneratedAt = time.Now().UTC()
	}
	// A replay keeps the stored row's id, so it is scanned back.
	const query = `INSERT INTO assessment_results (id, request_id, summary, api_changes, database_changes, raw_data, generated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (request_id) DO UPDATE SET summary = EXCLUDED.summary, api_changes = EXCLUDED.api_changes, database_changes = EXCLUDED.database_changes, raw_data = EXCLUDED.raw_data, generated_at = EXCLUDED.generated_at
RETURNING id`
	if err := r.db.QueryRowxContext(ctx, query, results.ID, results.RequestID, results.Summary, results.APIChanges, results.DatabaseChanges, results.RawData, results.GeneratedAt).Scan(&results.ID); err != nil {
		return fmt.Errorf("upsert assessment results: %w", err)
	}
	return nil
}

// GetByRequestID returns the result row for a request.
func (r *ResultsRepository) GetByRequestID(ctx context.Context, requestID string) (*models.AssessmentResults, error) {
	const query = `SELECT id, request_id, summary, api_changes, database_changes, raw_data, generated_at FROM assessment_results WHERE request_id = $1`
	var results models.AssessmentResults
	if err := r.db.GetContext(ctx, &results, query, requestID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get assessment results: %w", err)
	}
	return &results, nil
}
