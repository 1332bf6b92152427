package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Pratyush2586/release-assessment-portal/internal/dto"
	"github.com/Pratyush2586/release-assessment-portal/internal/service"
	appErrors "github.com/Pratyush2586/release-assessment-portal/pkg/errors"
	"github.com/Pratyush2586/release-assessment-portal/pkg/response"
)

// ReleaseHandler serves the release catalog.
type ReleaseHandler struct {
	service *service.ReleaseService
}

// NewReleaseHandler creates a new handler.
func NewReleaseHandler(svc *service.ReleaseService) *ReleaseHandler {
	return &ReleaseHandler{service: svc}
}

// List godoc
// @Summary List selectable releases
// @Description Active releases ordered from oldest to newest
// @Tags Releases
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /releases [get]
func (h *ReleaseHandler) List(c *gin.Context) {
	releases, err := h.service.ListActive(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, releases, nil)
}

// Create godoc
// @Summary Register a release
// @Description Append a new release to the catalog (admin only)
// @Tags Releases
// @Accept json
// @Produce json
// @Param payload body dto.CreateReleaseRequest true "Release payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /releases [post]
func (h *ReleaseHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.CreateReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid release payload"))
		return
	}

	release, err := h.service.Create(c.Request.Context(), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusCreated, release, nil)
}
