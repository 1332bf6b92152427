package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Pratyush2586/release-assessment-portal/internal/dto"
	"github.com/Pratyush2586/release-assessment-portal/internal/models"
	appErrors "github.com/Pratyush2586/release-assessment-portal/pkg/errors"
)

type releaseRepository interface {
	Create(ctx context.Context, release *models.Release) error
	GetByID(ctx context.Context, id string) (*models.Release, error)
	ListActive(ctx context.Context) ([]models.Release, error)
}

type releaseAuditor interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// ReleaseService manages the catalog of releases offered for assessment.
type ReleaseService struct {
	repo      releaseRepository
	audit     releaseAuditor
	validator *validator.Validate
	logger    *zap.Logger
}

// NewReleaseService constructs a ReleaseService instance.
func NewReleaseService(repo releaseRepository, audit releaseAuditor, validate *validator.Validate, logger *zap.Logger) *ReleaseService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &ReleaseService{repo: repo, audit: audit, validator: validate, logger: logger}
}

// ListActive returns selectable releases ordered oldest to newest.
func (s *ReleaseService) ListActive(ctx context.Context) ([]models.Release, error) {
	releases, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list releases")
	}
	return releases, nil
}

// Get returns a single release by ID.
func (s *ReleaseService) Get(ctx context.Context, id string) (*models.Release, error) {
	release, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "release not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load release")
	}
	return release, nil
}

// Create registers a new release at the end of the ordinal sequence.
func (s *ReleaseService) Create(ctx context.Context, actorID string, req dto.CreateReleaseRequest) (*models.Release, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid release payload")
	}

	releaseDate, err := time.Parse("2006-01-02", req.ReleaseDate)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "release_date must be formatted as YYYY-MM-DD")
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	release := &models.Release{
		Version:     req.Version,
		ReleaseDate: releaseDate,
		IsActive:    active,
	}
	if err := s.repo.Create(ctx, release); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create release")
	}

	if s.audit != nil {
		if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
			UserID:     &actorID,
			Action:     models.AuditActionReleaseCreate,
			Resource:   "releases",
			ResourceID: &release.ID,
			NewValues:  []byte(`{"version":"` + release.Version + `"}`),
		}); err != nil {
			s.logger.Warn("failed to record release audit log", zap.Error(err))
		}
	}

	return release, nil
}
