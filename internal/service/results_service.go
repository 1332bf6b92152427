package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/Pratyush2586/release-assessment-portal/internal/dto"
	"github.com/Pratyush2586/release-assessment-portal/internal/models"
	appErrors "github.com/Pratyush2586/release-assessment-portal/pkg/errors"
)

type resultsRepository interface {
	Upsert(ctx context.Context, results *models.AssessmentResults) error
	GetByRequestID(ctx context.Context, requestID string) (*models.AssessmentResults, error)
}

type requestGetter interface {
	GetByID(ctx context.Context, id string) (*models.AssessmentRequest, error)
}

// Export formats accepted by the results exporter. The pdf format is an
// alias for json until a real PDF renderer lands; callers get the same
// bytes under either name.
const (
	ExportFormatJSON     = "json"
	ExportFormatMarkdown = "markdown"
	ExportFormatPDF      = "pdf"
)

// ResultsService serves engine-produced assessment results to owners and
// renders the export formats.
type ResultsService struct {
	results   resultsRepository
	requests  requestGetter
	audit     requestAuditor
	validator *validator.Validate
	logger    *zap.Logger
}

// NewResultsService constructs a ResultsService instance.
func NewResultsService(results resultsRepository, requests requestGetter, audit requestAuditor, validate *validator.Validate, logger *zap.Logger) *ResultsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &ResultsService{results: results, requests: requests, audit: audit, validator: validate, logger: logger}
}

// Store persists the engine's results payload for a request. Replays
// overwrite the previous row so a retried callback converges.
func (s *ResultsService) Store(ctx context.Context, requestID string, payload dto.SubmitResults) (*models.AssessmentResults, error) {
	if err := s.validator.Struct(payload); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid results payload")
	}
	if err := validateResultsPayload(payload); err != nil {
		return nil, err
	}

	if _, err := s.requests.GetByID(ctx, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}

	results := &models.AssessmentResults{
		RequestID:       requestID,
		Summary:         payload.Summary,
		APIChanges:      payload.APIChanges,
		DatabaseChanges: payload.DatabaseChanges,
		RawData:         types.JSONText(payload.RawData),
	}
	if err := s.results.Upsert(ctx, results); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store results")
	}
	return results, nil
}

// Get returns the results for a request the caller may see.
func (s *ResultsService) Get(ctx context.Context, userID string, role models.UserRole, requestID string) (*models.AssessmentResults, error) {
	if err := s.authorize(ctx, userID, role, requestID); err != nil {
		return nil, err
	}
	return s.load(ctx, requestID)
}

// APIChanges returns the endpoint-level changes, optionally narrowed to
// one change type. An empty or "all" filter returns everything.
func (s *ResultsService) APIChanges(ctx context.Context, userID string, role models.UserRole, requestID, filter string) ([]models.APIChange, error) {
	changeType, err := parseChangeFilter(filter)
	if err != nil {
		return nil, err
	}
	results, err := s.Get(ctx, userID, role, requestID)
	if err != nil {
		return nil, err
	}
	if changeType == "" {
		return results.APIChanges, nil
	}
	filtered := make([]models.APIChange, 0, len(results.APIChanges))
	for _, change := range results.APIChanges {
		if change.ChangeType == changeType {
			filtered = append(filtered, change)
		}
	}
	return filtered, nil
}

// DatabaseChanges returns the table-level changes with the same filter
// semantics as APIChanges.
func (s *ResultsService) DatabaseChanges(ctx context.Context, userID string, role models.UserRole, requestID, filter string) ([]models.DatabaseChange, error) {
	changeType, err := parseChangeFilter(filter)
	if err != nil {
		return nil, err
	}
	results, err := s.Get(ctx, userID, role, requestID)
	if err != nil {
		return nil, err
	}
	if changeType == "" {
		return results.DatabaseChanges, nil
	}
	filtered := make([]models.DatabaseChange, 0, len(results.DatabaseChanges))
	for _, change := range results.DatabaseChanges {
		if change.ChangeType == changeType {
			filtered = append(filtered, change)
		}
	}
	return filtered, nil
}

// Raw returns the verbatim engine payload.
func (s *ResultsService) Raw(ctx context.Context, userID string, role models.UserRole, requestID string) (types.JSONText, error) {
	results, err := s.Get(ctx, userID, role, requestID)
	if err != nil {
		return nil, err
	}
	return results.RawData, nil
}

// Export renders the results in the requested format and returns the
// bytes plus a content type and suggested filename.
func (s *ResultsService) Export(ctx context.Context, userID string, role models.UserRole, requestID, format string) ([]byte, string, string, error) {
	results, err := s.Get(ctx, userID, role, requestID)
	if err != nil {
		return nil, "", "", err
	}

	var (
		data        []byte
		contentType string
		extension   string
	)
	switch format {
	case ExportFormatJSON, ExportFormatPDF, "":
		data, err = json.MarshalIndent(results, "", "  ")
		if err != nil {
			return nil, "", "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode results")
		}
		contentType = "application/json"
		extension = "json"
	case ExportFormatMarkdown:
		data = []byte(renderMarkdown(results))
		contentType = "text/markdown; charset=utf-8"
		extension = "md"
	default:
		return nil, "", "", appErrors.Clone(appErrors.ErrValidation, "format must be one of json, markdown, pdf")
	}

	if s.audit != nil {
		actor := userID
		payload, _ := json.Marshal(map[string]string{"format": format})
		if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
			UserID:     &actor,
			Action:     models.AuditActionResultsExport,
			Resource:   "assessment_results",
			ResourceID: &requestID,
			NewValues:  payload,
		}); err != nil {
			s.logger.Warn("failed to record export audit log", zap.Error(err))
		}
	}

	filename := fmt.Sprintf("assessment-%s.%s", requestID, extension)
	return data, contentType, filename, nil
}

func (s *ResultsService) authorize(ctx context.Context, userID string, role models.UserRole, requestID string) error {
	request, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}
	if request.UserID != userID && role != models.RoleAdmin {
		return appErrors.Clone(appErrors.ErrForbidden, "request belongs to another user")
	}
	return nil
}

func (s *ResultsService) load(ctx context.Context, requestID string) (*models.AssessmentResults, error) {
	results, err := s.results.GetByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrResultsNotReady, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load results")
	}
	return results, nil
}

func parseChangeFilter(filter string) (models.ChangeType, error) {
	switch filter {
	case "", "all":
		return "", nil
	case string(models.ChangeAdded):
		return models.ChangeAdded, nil
	case string(models.ChangeModified):
		return models.ChangeModified, nil
	case string(models.ChangeRemoved):
		return models.ChangeRemoved, nil
	}
	return "", appErrors.Clone(appErrors.ErrValidation, "filter must be one of all, Added, Modified, Removed")
}

func validateResultsPayload(payload dto.SubmitResults) error {
	switch payload.Summary.RiskLevel {
	case models.RiskLow, models.RiskMedium, models.RiskHigh:
	default:
		return appErrors.Clone(appErrors.ErrValidation, "summary.risk_level must be one of Low, Medium, High")
	}
	for _, change := range payload.APIChanges {
		if !validChangeType(change.ChangeType) {
			return appErrors.Clone(appErrors.ErrValidation, "api_changes contains an unknown change_type")
		}
	}
	for _, change := range payload.DatabaseChanges {
		if !validChangeType(change.ChangeType) {
			return appErrors.Clone(appErrors.ErrValidation, "database_changes contains an unknown change_type")
		}
	}
	return nil
}

func validChangeType(t models.ChangeType) bool {
	return t == models.ChangeAdded || t == models.ChangeModified || t == models.ChangeRemoved
}

// renderMarkdown produces the human-readable report. Section order and
// formatting are fixed so the same results always render byte for byte
// identically.
func renderMarkdown(results *models.AssessmentResults) string {
	var b strings.Builder

	b.WriteString("# Release Impact Assessment\n\n")

	b.WriteString("## Summary\n\n")
	b.WriteString(fmt.Sprintf("- Risk level: %s\n", results.Summary.RiskLevel))
	b.WriteString(fmt.Sprintf("- Breaking changes: %s\n", yesNo(results.Summary.BreakingChanges)))
	b.WriteString(fmt.Sprintf("- Endpoints: %d added, %d modified, %d removed\n",
		results.Summary.EndpointsAdded, results.Summary.EndpointsModified, results.Summary.EndpointsRemoved))
	b.WriteString(fmt.Sprintf("- Tables: %d added, %d modified, %d removed\n",
		results.Summary.TablesAdded, results.Summary.TablesModified, results.Summary.TablesRemoved))
	b.WriteString(fmt.Sprintf("- Generated at: %s\n", results.GeneratedAt.UTC().Format("2006-01-02 15:04:05 UTC")))
	b.WriteString("\n")

	b.WriteString("## Key Findings\n\n")
	if len(results.Summary.KeyFindings) == 0 {
		b.WriteString("No key findings.\n")
	} else {
		for _, finding := range results.Summary.KeyFindings {
			b.WriteString(fmt.Sprintf("- %s\n", finding))
		}
	}
	b.WriteString("\n")

	b.WriteString("## API Changes\n\n")
	if len(results.APIChanges) == 0 {
		b.WriteString("No API changes.\n")
	} else {
		b.WriteString("| Method | Endpoint | Change | Summary |\n")
		b.WriteString("| --- | --- | --- | --- |\n")
		for _, change := range results.APIChanges {
			b.WriteString(fmt.Sprintf("| %s | %s | %s | %s |\n",
				change.Method, change.Endpoint, change.ChangeType, escapeCell(change.Summary)))
		}
	}
	b.WriteString("\n")

	b.WriteString("## Database Changes\n\n")
	if len(results.DatabaseChanges) == 0 {
		b.WriteString("No database changes.\n")
	} else {
		b.WriteString("| Table | Change | Summary |\n")
		b.WriteString("| --- | --- | --- |\n")
		for _, change := range results.DatabaseChanges {
			b.WriteString(fmt.Sprintf("| %s | %s | %s |\n",
				change.Table, change.ChangeType, escapeCell(change.Summary)))
		}
	}

	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}
