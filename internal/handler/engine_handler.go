package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Pratyush2586/release-assessment-portal/internal/dto"
	"github.com/Pratyush2586/release-assessment-portal/internal/service"
	appErrors "github.com/Pratyush2586/release-assessment-portal/pkg/errors"
	"github.com/Pratyush2586/release-assessment-portal/pkg/response"
)

// EngineHandler serves the assessment engine callback surface. All of
// its routes sit behind the engine token middleware.
type EngineHandler struct {
	requests *service.RequestService
	results  *service.ResultsService
}

// NewEngineHandler creates a new handler.
func NewEngineHandler(requests *service.RequestService, results *service.ResultsService) *EngineHandler {
	return &EngineHandler{requests: requests, results: results}
}

// ListQueued godoc
// @Summary List queued requests for processing
// @Tags Engine
// @Produce json
// @Param limit query int false "Batch size"
// @Success 200 {object} response.Envelope
// @Router /engine/requests [get]
func (h *EngineHandler) ListQueued(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	requests, err := h.requests.ListQueued(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, requests, nil)
}

// UpdateStatus godoc
// @Summary Report a status transition
// @Tags Engine
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.TransitionRequest true "Transition payload"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /engine/requests/{id}/status [patch]
func (h *EngineHandler) UpdateStatus(c *gin.Context) {
	var req dto.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid transition payload"))
		return
	}

	request, err := h.requests.ApplyTransition(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, request, nil)
}

// SubmitResults godoc
// @Summary Store assessment results
// @Tags Engine
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.SubmitResults true "Results payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /engine/requests/{id}/results [put]
func (h *EngineHandler) SubmitResults(c *gin.Context) {
	var req dto.SubmitResults
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid results payload"))
		return
	}

	results, err := h.results.Store(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, results, nil)
}
