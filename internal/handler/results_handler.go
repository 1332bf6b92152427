package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx/types"

	"github.com/Pratyush2586/release-assessment-portal/internal/models"
	"github.com/Pratyush2586/release-assessment-portal/internal/service"
	appErrors "github.com/Pratyush2586/release-assessment-portal/pkg/errors"
	"github.com/Pratyush2586/release-assessment-portal/pkg/response"
)

type resultsService interface {
	Get(ctx context.Context, userID string, role models.UserRole, requestID string) (*models.AssessmentResults, error)
	APIChanges(ctx context.Context, userID string, role models.UserRole, requestID, filter string) ([]models.APIChange, error)
	DatabaseChanges(ctx context.Context, userID string, role models.UserRole, requestID, filter string) ([]models.DatabaseChange, error)
	Raw(ctx context.Context, userID string, role models.UserRole, requestID string) (types.JSONText, error)
	Export(ctx context.Context, userID string, role models.UserRole, requestID, format string) ([]byte, string, string, error)
}

// ResultsHandler serves assessment results views and exports.
type ResultsHandler struct {
	service resultsService
}

// NewResultsHandler creates a new handler.
func NewResultsHandler(service resultsService) *ResultsHandler {
	return &ResultsHandler{service: service}
}

// Get godoc
// @Summary Get assessment results
// @Tags Results
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id}/results [get]
func (h *ResultsHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	results, err := h.service.Get(c.Request.Context(), claims.UserID, claims.Role, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, results, nil)
}

// APIChanges godoc
// @Summary List endpoint-level changes
// @Tags Results
// @Produce json
// @Param id path string true "Request ID"
// @Param filter query string false "all, Added, Modified or Removed"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id}/results/api-changes [get]
func (h *ResultsHandler) APIChanges(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	changes, err := h.service.APIChanges(c.Request.Context(), claims.UserID, claims.Role, c.Param("id"), c.Query("filter"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, changes, nil)
}

// DatabaseChanges godoc
// @Summary List table-level changes
// @Tags Results
// @Produce json
// @Param id path string true "Request ID"
// @Param filter query string false "all, Added, Modified or Removed"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id}/results/database-changes [get]
func (h *ResultsHandler) DatabaseChanges(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	changes, err := h.service.DatabaseChanges(c.Request.Context(), claims.UserID, claims.Role, c.Param("id"), c.Query("filter"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, changes, nil)
}

// Raw godoc
// @Summary Get the verbatim engine payload
// @Tags Results
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id}/results/raw [get]
func (h *ResultsHandler) Raw(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	raw, err := h.service.Raw(c.Request.Context(), claims.UserID, claims.Role, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Data(http.StatusOK, "application/json", raw)
}

// Export godoc
// @Summary Export results as a file
// @Tags Results
// @Produce json
// @Param id path string true "Request ID"
// @Param format query string false "json, markdown or pdf" default(json)
// @Success 200 {file} binary
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id}/results/export [get]
func (h *ResultsHandler) Export(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	data, contentType, filename, err := h.service.Export(c.Request.Context(), claims.UserID, claims.Role, c.Param("id"), c.DefaultQuery("format", service.ExportFormatJSON))
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, contentType, data)
}
