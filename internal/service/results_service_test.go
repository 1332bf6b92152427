package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Pratyush2586/release-assessment-portal/internal/dto"
	"github.com/Pratyush2586/release-assessment-portal/internal/models"
	appErrors "github.com/Pratyush2586/release-assessment-portal/pkg/errors"
)

type resultsRepoStub struct {
	byRequest map[string]*models.AssessmentResults
}

func newResultsRepoStub() *resultsRepoStub {
	return &resultsRepoStub{byRequest: map[string]*models.AssessmentResults{}}
}

func (r *resultsRepoStub) Upsert(ctx context.Context, results *models.AssessmentResults) error {
	if results.ID == "" {
		results.ID = "res-" + results.RequestID
	}
	if results.GeneratedAt.IsZero() {
		results.GeneratedAt = time.Now().UTC()
	}
	copied := *results
	r.byRequest[results.RequestID] = &copied
	return nil
}

func (r *resultsRepoStub) GetByRequestID(ctx context.Context, requestID string) (*models.AssessmentResults, error) {
	results, ok := r.byRequest[requestID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *results
	return &copied, nil
}

func newResultsTestService() (*ResultsService, *resultsRepoStub, *requestRepoStub) {
	resultsRepo := newResultsRepoStub()
	requestRepo := newRequestRepoStub()
	requestRepo.requests["req-1"] = &models.AssessmentRequest{
		ID: "req-1", UserID: "user-1", Status: models.StatusCompleted,
	}
	svc := NewResultsService(resultsRepo, requestRepo, &auditStub{}, nil, nil)
	return svc, resultsRepo, requestRepo
}

func sampleResults() *models.AssessmentResults {
	return &models.AssessmentResults{
		ID:        "res-1",
		RequestID: "req-1",
		Summary: models.ResultsSummary{
			EndpointsAdded:    2,
			EndpointsModified: 1,
			EndpointsRemoved:  1,
			TablesAdded:       1,
			RiskLevel:         models.RiskHigh,
			BreakingChanges:   true,
			KeyFindings:       []string{"Login endpoint contract changed", "orders table gained a column"},
		},
		APIChanges: models.APIChangeList{
			{Endpoint: "/v1/login", Method: "POST", ChangeType: models.ChangeModified, Summary: "auth header renamed"},
			{Endpoint: "/v1/legacy", Method: "GET", ChangeType: models.ChangeRemoved, Summary: "endpoint retired"},
			{Endpoint: "/v1/orders", Method: "POST", ChangeType: models.ChangeAdded, Summary: "new endpoint"},
		},
		DatabaseChanges: models.DatabaseChangeList{
			{Table: "orders", ChangeType: models.ChangeModified, Summary: "added discount column"},
		},
		RawData:     []byte(`{"engine":"v3","elapsed_ms":1200}`),
		GeneratedAt: time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC),
	}
}

func TestResultsServiceNotReady(t *testing.T) {
	svc, _, _ := newResultsTestService()

	_, err := svc.Get(context.Background(), "user-1", models.RoleUser, "req-1")
	require.Error(t, err)
	require.Equal(t, appErrors.ErrResultsNotReady.Code, appErrors.FromError(err).Code)
}

func TestResultsServiceGetEnforcesOwnership(t *testing.T) {
	svc, resultsRepo, _ := newResultsTestService()
	resultsRepo.byRequest["req-1"] = sampleResults()

	_, err := svc.Get(context.Background(), "user-2", models.RoleUser, "req-1")
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	results, err := svc.Get(context.Background(), "user-2", models.RoleAdmin, "req-1")
	require.NoError(t, err)
	require.Equal(t, models.RiskHigh, results.Summary.RiskLevel)
}

func TestResultsServiceChangeFilters(t *testing.T) {
	svc, resultsRepo, _ := newResultsTestService()
	resultsRepo.byRequest["req-1"] = sampleResults()

	all, err := svc.APIChanges(context.Background(), "user-1", models.RoleUser, "req-1", "all")
	require.NoError(t, err)
	require.Len(t, all, 3)

	removed, err := svc.APIChanges(context.Background(), "user-1", models.RoleUser, "req-1", "Removed")
	require.NoError(t, err)
	require.Len(t, removed, 1)
	require.Equal(t, "/v1/legacy", removed[0].Endpoint)

	dbModified, err := svc.DatabaseChanges(context.Background(), "user-1", models.RoleUser, "req-1", "Modified")
	require.NoError(t, err)
	require.Len(t, dbModified, 1)

	_, err = svc.APIChanges(context.Background(), "user-1", models.RoleUser, "req-1", "Deleted")
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestResultsServiceJSONExportRoundTrips(t *testing.T) {
	svc, resultsRepo, _ := newResultsTestService()
	resultsRepo.byRequest["req-1"] = sampleResults()

	data, contentType, filename, err := svc.Export(context.Background(), "user-1", models.RoleUser, "req-1", ExportFormatJSON)
	require.NoError(t, err)
	require.Equal(t, "application/json", contentType)
	require.Equal(t, "assessment-req-1.json", filename)

	var decoded models.AssessmentResults
	require.NoError(t, json.Unmarshal(data, &decoded))
	expected := sampleResults()
	require.Equal(t, expected.Summary, decoded.Summary)
	require.Equal(t, expected.APIChanges, decoded.APIChanges)
	require.Equal(t, expected.DatabaseChanges, decoded.DatabaseChanges)
	require.JSONEq(t, string(expected.RawData), string(decoded.RawData))
	require.True(t, expected.GeneratedAt.Equal(decoded.GeneratedAt))
}

func TestResultsServicePDFExportMatchesJSON(t *testing.T) {
	svc, resultsRepo, _ := newResultsTestService()
	resultsRepo.byRequest["req-1"] = sampleResults()

	jsonData, _, _, err := svc.Export(context.Background(), "user-1", models.RoleUser, "req-1", ExportFormatJSON)
	require.NoError(t, err)
	pdfData, _, _, err := svc.Export(context.Background(), "user-1", models.RoleUser, "req-1", ExportFormatPDF)
	require.NoError(t, err)
	require.Equal(t, jsonData, pdfData)
}

func TestResultsServiceMarkdownExportIsDeterministic(t *testing.T) {
	svc, resultsRepo, _ := newResultsTestService()
	resultsRepo.byRequest["req-1"] = sampleResults()

	first, contentType, filename, err := svc.Export(context.Background(), "user-1", models.RoleUser, "req-1", ExportFormatMarkdown)
	require.NoError(t, err)
	require.Equal(t, "text/markdown; charset=utf-8", contentType)
	require.Equal(t, "assessment-req-1.md", filename)

	second, _, _, err := svc.Export(context.Background(), "user-1", models.RoleUser, "req-1", ExportFormatMarkdown)
	require.NoError(t, err)
	require.Equal(t, first, second)

	report := string(first)
	summaryIdx := indexOf(t, report, "## Summary")
	findingsIdx := indexOf(t, report, "## Key Findings")
	apiIdx := indexOf(t, report, "## API Changes")
	dbIdx := indexOf(t, report, "## Database Changes")
	require.Less(t, summaryIdx, findingsIdx)
	require.Less(t, findingsIdx, apiIdx)
	require.Less(t, apiIdx, dbIdx)
	require.Contains(t, report, "- Risk level: High")
	require.Contains(t, report, "| POST | /v1/login | Modified | auth header renamed |")
}

func TestResultsServiceExportRejectsUnknownFormat(t *testing.T) {
	svc, resultsRepo, _ := newResultsTestService()
	resultsRepo.byRequest["req-1"] = sampleResults()

	_, _, _, err := svc.Export(context.Background(), "user-1", models.RoleUser, "req-1", "xlsx")
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestResultsServiceStoreValidatesPayload(t *testing.T) {
	svc, resultsRepo, _ := newResultsTestService()

	payload := dto.SubmitResults{
		Summary: models.ResultsSummary{RiskLevel: "Severe"},
	}
	_, err := svc.Store(context.Background(), "req-1", payload)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	require.Empty(t, resultsRepo.byRequest)
}

func TestResultsServiceStoreOverwritesOnReplay(t *testing.T) {
	svc, resultsRepo, _ := newResultsTestService()

	first := dto.SubmitResults{Summary: models.ResultsSummary{RiskLevel: models.RiskLow}}
	_, err := svc.Store(context.Background(), "req-1", first)
	require.NoError(t, err)

	second := dto.SubmitResults{Summary: models.ResultsSummary{RiskLevel: models.RiskHigh}}
	_, err = svc.Store(context.Background(), "req-1", second)
	require.NoError(t, err)

	stored, err := resultsRepo.GetByRequestID(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, models.RiskHigh, stored.Summary.RiskLevel)
}

func indexOf(t *testing.T, haystack, needle string) int {
	t.Helper()
	idx := strings.Index(haystack, needle)
	require.GreaterOrEqual(t, idx, 0, "section %q missing", needle)
	return idx
}
