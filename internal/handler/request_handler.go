package handler

import (
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Pratyush2586/release-assessment-portal/internal/dto"
	"github.com/Pratyush2586/release-assessment-portal/internal/models"
	"github.com/Pratyush2586/release-assessment-portal/internal/service"
	appErrors "github.com/Pratyush2586/release-assessment-portal/pkg/errors"
	"github.com/Pratyush2586/release-assessment-portal/pkg/response"
)

// RequestHandler serves the assessment request endpoints.
type RequestHandler struct {
	service *service.RequestService
}

// NewRequestHandler creates a new handler.
func NewRequestHandler(svc *service.RequestService) *RequestHandler {
	return &RequestHandler{service: svc}
}

// Submit godoc
// @Summary Submit an assessment request
// @Description Create a request comparing two releases, optionally with attachments. Send multipart/form-data with a "payload" JSON field and "attachments" files, or a plain JSON body without files.
// @Tags Requests
// @Accept multipart/form-data
// @Produce json
// @Param payload formData string true "Request payload JSON"
// @Param attachments formData file false "Supporting documents"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /requests [post]
func (h *RequestHandler) Submit(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var (
		req   dto.SubmitRequest
		files []*multipart.FileHeader
	)

	contentType := c.GetHeader("Content-Type")
	if strings.HasPrefix(contentType, "multipart/") {
		form, err := c.MultipartForm()
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid multipart form"))
			return
		}
		payload := c.PostForm("payload")
		if payload == "" {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "missing payload field"))
			return
		}
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload JSON"))
			return
		}
		files = form.File["attachments"]
	} else {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid request payload"))
			return
		}
	}

	res, err := h.service.Submit(c.Request.Context(), claims.UserID, req, files)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusCreated, res, nil)
}

// List godoc
// @Summary List own assessment requests
// @Description Requests owned by the caller, newest first
// @Tags Requests
// @Produce json
// @Param status query string false "Status filter"
// @Param search query string false "ID prefix or title fragment"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} response.Envelope
// @Router /requests [get]
func (h *RequestHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	filter := models.RequestFilter{
		Search: c.Query("search"),
		Status: models.RequestStatus(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	}

	requests, err := h.service.List(c.Request.Context(), claims.UserID, filter)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, requests, nil)
}

// Get godoc
// @Summary Get a request with releases and attachments
// @Tags Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id} [get]
func (h *RequestHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	detail, err := h.service.GetDetail(c.Request.Context(), claims.UserID, claims.Role, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, detail, nil)
}

// Cancel godoc
// @Summary Cancel an own request
// @Description Moves a Queued or Running request to Failed
// @Tags Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id}/cancel [post]
func (h *RequestHandler) Cancel(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	request, err := h.service.Cancel(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, request, nil)
}

// SignAttachment godoc
// @Summary Issue a signed attachment download URL
// @Tags Requests
// @Produce json
// @Param id path string true "Request ID"
// @Param attachmentId path string true "Attachment ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id}/attachments/{attachmentId}/download-url [get]
func (h *RequestHandler) SignAttachment(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	res, err := h.service.SignAttachmentDownload(c.Request.Context(), claims.UserID, claims.Role, c.Param("id"), c.Param("attachmentId"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res, nil)
}

// Download godoc
// @Summary Download an attachment with a signed token
// @Tags Requests
// @Produce octet-stream
// @Param token query string true "Signed download token"
// @Success 200 {file} binary
// @Failure 401 {object} response.Envelope
// @Router /attachments/download [get]
func (h *RequestHandler) Download(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "missing token"))
		return
	}

	file, attachment, err := h.service.ResolveDownload(c.Request.Context(), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close() //nolint:errcheck

	headers := map[string]string{
		"Content-Disposition": `attachment; filename="` + attachment.Filename + `"`,
	}
	c.DataFromReader(http.StatusOK, attachment.FileSize, attachment.FileType, file, headers)
}
