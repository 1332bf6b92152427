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

// ReleaseRepository persists the release catalog.
type ReleaseRepository struct {
	db *sqlx.DB
}

// NewReleaseRepository constructs the repository.
func NewReleaseRepository(db *sqlx.DB) *ReleaseRepository {
	return &ReleaseRepository{db: db}
}

// releaseOrdinalLock serializes ordinal assignment; two concurrent
// creates reading MAX(ordinal) outside a lock would mint duplicates.
const releaseOrdinalLock = int64(0x52454C5345)

// Create inserts a release, assigning the next ordinal so the catalog
// order never depends on version label text.
func (r *ReleaseRepository) Create(ctx context.Context, release *models.Release) error {
	if release.ID == "" {
		release.ID = uuid.NewString()
	}
	if release.CreatedAt.IsZero() {
		release.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create release: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, releaseOrdinalLock); err != nil {
		return fmt.Errorf("create release: lock ordinal: %w", err)
	}

	const query = `INSERT INTO releases (id, version, ordinal, release_date, is_active, created_at)
VALUES ($1, $2, (SELECT COALESCE(MAX(ordinal), 0) + 1 FROM releases), $3, $4, $5)
RETURNING ordinal`
	if err := tx.QueryRowxContext(ctx, query, release.ID, release.Version, release.ReleaseDate, release.IsActive, release.CreatedAt).Scan(&release.Ordinal); err != nil {
		return fmt.Errorf("create release: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create release: %w", err)
	}
	return nil
}

// GetByID returns one release.
func (r *ReleaseRepository) GetByID(ctx context.Context, id string) (*models.Release, error) {
	const query = `SELECT id, version, ordinal, release_date, is_active, created_at FROM releases WHERE id = $1`
	var release models.Release
	if err := r.db.GetContext(ctx, &release, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get release: %w", err)
	}
	return &release, nil
}

// ListActive returns active releases in catalog order.
func (r *ReleaseRepository) ListActive(ctx context.Context) ([]models.Release, error) {
	const query = `SELECT id, version, ordinal, release_date, is_active, created_at FROM releases WHERE is_active = TRUE ORDER BY ordinal ASC`
	var releases []models.Release
	if err := r.db.SelectContext(ctx, &releases, query); err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	return releases, nil
}
