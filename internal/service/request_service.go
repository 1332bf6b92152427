package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Pratyush2586/release-assessment-portal/internal/dto"
	"github.com/Pratyush2586/release-assessment-portal/internal/models"
	"github.com/Pratyush2586/release-assessment-portal/pkg/config"
	appErrors "github.com/Pratyush2586/release-assessment-portal/pkg/errors"
	"github.com/Pratyush2586/release-assessment-portal/pkg/realtime"
)

type requestRepository interface {
	CreateWithAttachments(ctx context.Context, request *models.AssessmentRequest, attachments []models.Attachment) error
	GetByID(ctx context.Context, id string) (*models.AssessmentRequest, error)
	ListByUser(ctx context.Context, userID string, filter models.RequestFilter) ([]models.AssessmentRequest, error)
	UpdateStatus(ctx context.Context, id string, from, to models.RequestStatus, errorMessage *string, completedAt *time.Time) (*models.AssessmentRequest, error)
	CancelByOwner(ctx context.Context, id, userID string) (*models.AssessmentRequest, error)
	ListQueued(ctx context.Context, limit int) ([]models.AssessmentRequest, error)
}

type attachmentRepository interface {
	ListByRequest(ctx context.Context, requestID string) ([]models.Attachment, error)
	GetByID(ctx context.Context, id string) (*models.Attachment, error)
}

type releaseGetter interface {
	GetByID(ctx context.Context, id string) (*models.Release, error)
}

type blobStore interface {
	SaveStream(filename string, r io.Reader) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
}

type attachmentSigner interface {
	Generate(fileID, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (fileID, relPath string, expiresAt time.Time, err error)
}

type changeFeed interface {
	Publish(ctx context.Context, event realtime.Event) error
}

type terminalNotifier interface {
	NotifyTerminal(request models.AssessmentRequest)
}

type requestAuditor interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// RequestService implements the assessment request lifecycle: submission
// with attachments, listing, cancellation, and the engine-driven status
// transitions.
type RequestService struct {
	requests    requestRepository
	attachments attachmentRepository
	releases    releaseGetter
	blobs       blobStore
	signer      attachmentSigner
	feed        changeFeed
	notifier    terminalNotifier
	audit       requestAuditor
	metrics     *MetricsService
	validator   *validator.Validate
	logger      *zap.Logger

	uploads        config.AttachmentsConfig
	queueFetchSize int
}

// RequestServiceDeps bundles the collaborators; optional fields may be nil.
type RequestServiceDeps struct {
	Requests    requestRepository
	Attachments attachmentRepository
	Releases    releaseGetter
	Blobs       blobStore
	Signer      attachmentSigner
	Feed        changeFeed
	Notifier    terminalNotifier
	Audit       requestAuditor
	Metrics     *MetricsService
	Validator   *validator.Validate
	Logger      *zap.Logger
	Uploads     config.AttachmentsConfig
	QueueFetch  int
}

// NewRequestService constructs a RequestService instance.
func NewRequestService(deps RequestServiceDeps) *RequestService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Validator == nil {
		deps.Validator = validator.New()
	}
	if deps.QueueFetch <= 0 {
		deps.QueueFetch = 20
	}
	return &RequestService{
		requests:       deps.Requests,
		attachments:    deps.Attachments,
		releases:       deps.Releases,
		blobs:          deps.Blobs,
		signer:         deps.Signer,
		feed:           deps.Feed,
		notifier:       deps.Notifier,
		audit:          deps.Audit,
		metrics:        deps.Metrics,
		validator:      deps.Validator,
		logger:         deps.Logger,
		uploads:        deps.Uploads,
		queueFetchSize: deps.QueueFetch,
	}
}

// Submit validates the payload, screens attachments, persists the
// request and attachment rows in one transaction, and only keeps blobs
// whose database rows committed.
func (s *RequestService) Submit(ctx context.Context, userID string, req dto.SubmitRequest, files []*multipart.FileHeader) (*dto.SubmitResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request payload")
	}

	current, err := s.loadRelease(ctx, req.CurrentReleaseID, "current_release_id")
	if err != nil {
		return nil, err
	}
	target, err := s.loadRelease(ctx, req.TargetReleaseID, "target_release_id")
	if err != nil {
		return nil, err
	}
	if !target.NewerThan(*current) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "target release must be newer than current release")
	}

	accepted, dropped, err := s.screenUploads(files)
	if err != nil {
		return nil, err
	}

	// The ID is minted up front because attachment blob paths embed it.
	request := &models.AssessmentRequest{
		ID:                 uuid.NewString(),
		UserID:             userID,
		ReportType:         req.ReportType,
		CurrentReleaseID:   current.ID,
		TargetReleaseID:    target.ID,
		Environment:        req.Environment,
		Title:              req.Title,
		Description:        req.Description,
		Status:             models.StatusQueued,
		NotifyOnCompletion: req.NotifyOnCompletion,
		NotifyOnFailure:    req.NotifyOnFailure,
	}

	attachments, savedPaths, err := s.storeUploads(userID, request, accepted)
	if err != nil {
		s.discardBlobs(savedPaths)
		return nil, err
	}

	if err := s.requests.CreateWithAttachments(ctx, request, attachments); err != nil {
		s.discardBlobs(savedPaths)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist request")
	}

	var totalBytes int64
	for _, att := range attachments {
		totalBytes += att.FileSize
	}
	s.metrics.ObserveSubmissionBytes(totalBytes)

	s.publish(ctx, realtime.ChangeInsert, request)
	s.recordAudit(ctx, userID, models.AuditActionRequestSubmit, request.ID, map[string]any{"status": request.Status})

	resp := &dto.SubmitResponse{
		Request:      request,
		Attachments:  attachments,
		DroppedFiles: dropped,
	}
	if len(dropped) > 0 {
		resp.Warning = fmt.Sprintf("%d file(s) were not attached (unsupported type or too large): %s",
			len(dropped), strings.Join(dropped, ", "))
	}
	return resp, nil
}

// List returns the caller's requests, newest first.
func (s *RequestService) List(ctx context.Context, userID string, filter models.RequestFilter) ([]models.AssessmentRequest, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown status filter")
	}
	requests, err := s.requests.ListByUser(ctx, userID, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list requests")
	}
	return requests, nil
}

// GetDetail loads a request with its releases and attachments. Access is
// restricted to the owner unless the caller is an admin.
func (s *RequestService) GetDetail(ctx context.Context, userID string, role models.UserRole, requestID string) (*dto.RequestDetail, error) {
	request, err := s.authorizedRequest(ctx, userID, role, requestID)
	if err != nil {
		return nil, err
	}

	current, err := s.loadRelease(ctx, request.CurrentReleaseID, "current_release_id")
	if err != nil {
		return nil, err
	}
	target, err := s.loadRelease(ctx, request.TargetReleaseID, "target_release_id")
	if err != nil {
		return nil, err
	}

	attachments, err := s.attachments.ListByRequest(ctx, request.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list attachments")
	}

	return &dto.RequestDetail{
		Request:        request,
		CurrentRelease: current,
		TargetRelease:  target,
		Attachments:    attachments,
		Cancelable:     request.Status.Cancelable(),
	}, nil
}

// Cancel moves an owned request to Failed with the canonical cancel
// message. The row-level guard makes concurrent engine transitions lose
// or win atomically.
func (s *RequestService) Cancel(ctx context.Context, userID, requestID string) (*models.AssessmentRequest, error) {
	request, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}
	if request.UserID != userID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "request belongs to another user")
	}
	if !request.Status.Cancelable() {
		return nil, appErrors.Clone(appErrors.ErrCancelNotAllowed, "")
	}

	canceled, err := s.requests.CancelByOwner(ctx, requestID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The engine reached a terminal state between the read and the
			// guarded update.
			return nil, appErrors.Clone(appErrors.ErrCancelNotAllowed, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel request")
	}

	s.metrics.ObserveTransition(request.Status, canceled.Status)
	s.publish(ctx, realtime.ChangeUpdate, canceled)
	s.recordAudit(ctx, userID, models.AuditActionRequestCancel, canceled.ID, map[string]any{"status": canceled.Status})
	return canceled, nil
}

// ListQueued returns the oldest queued requests for the engine to claim.
func (s *RequestService) ListQueued(ctx context.Context, limit int) ([]models.AssessmentRequest, error) {
	if limit <= 0 || limit > s.queueFetchSize {
		limit = s.queueFetchSize
	}
	requests, err := s.requests.ListQueued(ctx, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list queued requests")
	}
	return requests, nil
}

// ApplyTransition performs an engine status callback. Illegal edges are
// rejected before touching the row; legal ones go through a guarded
// update so a concurrent cancel cannot be overwritten.
func (s *RequestService) ApplyTransition(ctx context.Context, requestID string, req dto.TransitionRequest) (*models.AssessmentRequest, error) {
	if !req.Status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown status")
	}
	if req.ErrorMessage != nil && req.Status != models.StatusFailed {
		return nil, appErrors.Clone(appErrors.ErrValidation, "error_message is only valid for Failed")
	}

	request, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}
	if !request.Status.CanTransitionTo(req.Status) {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("cannot move from %s to %s", request.Status, req.Status))
	}

	var completedAt *time.Time
	if req.Status.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	updated, err := s.requests.UpdateStatus(ctx, requestID, request.Status, req.Status, req.ErrorMessage, completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "request changed concurrently")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update status")
	}

	s.metrics.ObserveTransition(request.Status, updated.Status)
	s.publish(ctx, realtime.ChangeUpdate, updated)

	if updated.Status.Terminal() && s.notifier != nil {
		wantsNotice := (updated.Status == models.StatusCompleted && updated.NotifyOnCompletion) ||
			(updated.Status == models.StatusFailed && updated.NotifyOnFailure)
		if wantsNotice {
			s.notifier.NotifyTerminal(*updated)
		}
	}

	return updated, nil
}

// SignAttachmentDownload checks ownership and issues a short-lived URL.
func (s *RequestService) SignAttachmentDownload(ctx context.Context, userID string, role models.UserRole, requestID, attachmentID string) (*dto.AttachmentDownloadResponse, error) {
	if _, err := s.authorizedRequest(ctx, userID, role, requestID); err != nil {
		return nil, err
	}

	attachment, err := s.attachments.GetByID(ctx, attachmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "attachment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attachment")
	}
	if attachment.RequestID != requestID {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "attachment not found")
	}

	token, _, err := s.signer.Generate(attachment.ID, attachment.FilePath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download")
	}

	return &dto.AttachmentDownloadResponse{
		Attachment:  *attachment,
		DownloadURL: "/attachments/download?token=" + token,
	}, nil
}

// ResolveDownload validates a signed token and opens the stored blob.
func (s *RequestService) ResolveDownload(ctx context.Context, token string) (*os.File, *models.Attachment, error) {
	attachmentID, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired download token")
	}

	attachment, err := s.attachments.GetByID(ctx, attachmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "attachment not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attachment")
	}
	if attachment.FilePath != relPath {
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid download token")
	}

	file, err := s.blobs.Open(attachment.FilePath)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open attachment")
	}
	return file, attachment, nil
}

// AuthorizeView checks that the caller may observe a request without
// returning the row. The realtime endpoints use it before subscribing.
func (s *RequestService) AuthorizeView(ctx context.Context, userID string, role models.UserRole, requestID string) error {
	_, err := s.authorizedRequest(ctx, userID, role, requestID)
	return err
}

func (s *RequestService) authorizedRequest(ctx context.Context, userID string, role models.UserRole, requestID string) (*models.AssessmentRequest, error) {
	request, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}
	if request.UserID != userID && role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "request belongs to another user")
	}
	return request, nil
}

func (s *RequestService) loadRelease(ctx context.Context, id, field string) (*models.Release, error) {
	release, err := s.releases.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown release for %s", field))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load release")
	}
	return release, nil
}

// screenUploads drops individual files that violate the type or per-file
// size rules and rejects the whole batch when count or combined size
// limits are exceeded by the surviving files.
func (s *RequestService) screenUploads(files []*multipart.FileHeader) (accepted []*multipart.FileHeader, dropped []string, err error) {
	seen := make(map[string]bool, len(files))
	var totalBytes int64

	for _, fh := range files {
		if fh == nil {
			continue
		}
		name := safeFilename(fh.Filename)
		if name == "" {
			continue
		}
		contentType := normalizeMIME(fh.Header.Get("Content-Type"))
		switch {
		case !s.mimeAllowed(contentType):
			dropped = append(dropped, name)
		case s.uploads.MaxFileSizeBytes > 0 && fh.Size > s.uploads.MaxFileSizeBytes:
			dropped = append(dropped, name)
		case seen[name]:
			dropped = append(dropped, name)
		default:
			seen[name] = true
			totalBytes += fh.Size
			accepted = append(accepted, fh)
		}
	}

	if s.uploads.MaxFiles > 0 && len(accepted) > s.uploads.MaxFiles {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("at most %d attachments are allowed", s.uploads.MaxFiles))
	}
	if s.uploads.MaxTotalBytes > 0 && totalBytes > s.uploads.MaxTotalBytes {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("attachments exceed the combined size limit of %d bytes", s.uploads.MaxTotalBytes))
	}
	return accepted, dropped, nil
}

func (s *RequestService) storeUploads(userID string, request *models.AssessmentRequest, files []*multipart.FileHeader) ([]models.Attachment, []string, error) {
	attachments := make([]models.Attachment, 0, len(files))
	savedPaths := make([]string, 0, len(files))

	for _, fh := range files {
		name := safeFilename(fh.Filename)
		relPath := fmt.Sprintf("%s/%s/%s", userID, request.ID, name)
		src, err := fh.Open()
		if err != nil {
			return nil, savedPaths, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read upload")
		}
		_, err = s.blobs.SaveStream(relPath, src)
		_ = src.Close()
		if err != nil {
			return nil, savedPaths, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store attachment")
		}
		savedPaths = append(savedPaths, relPath)

		attachments = append(attachments, models.Attachment{
			RequestID: request.ID,
			Filename:  name,
			FilePath:  relPath,
			FileSize:  fh.Size,
			FileType:  normalizeMIME(fh.Header.Get("Content-Type")),
		})
	}
	return attachments, savedPaths, nil
}

func (s *RequestService) discardBlobs(paths []string) {
	for _, path := range paths {
		if err := s.blobs.Delete(path); err != nil {
			s.logger.Warn("failed to remove orphaned attachment blob", zap.String("path", path), zap.Error(err))
		}
	}
}

func (s *RequestService) mimeAllowed(contentType string) bool {
	for _, allowed := range s.uploads.AllowedMIMEs {
		if contentType == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

func (s *RequestService) publish(ctx context.Context, changeType realtime.ChangeType, request *models.AssessmentRequest) {
	if s.feed == nil {
		return
	}
	row, err := json.Marshal(request)
	if err != nil {
		s.logger.Warn("failed to encode change event row", zap.Error(err))
		row = nil
	}
	event := realtime.Event{
		Type:      changeType,
		RequestID: request.ID,
		OwnerID:   request.UserID,
		Row:       row,
	}
	if err := s.feed.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish change event", zap.String("request_id", request.ID), zap.Error(err))
		return
	}
	s.metrics.ObserveFeedPublish()
}

func (s *RequestService) recordAudit(ctx context.Context, userID, action, resourceID string, values map[string]any) {
	if s.audit == nil {
		return
	}
	payload, _ := json.Marshal(values)
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "assessment_requests",
		ResourceID: &resourceID,
		NewValues:  payload,
	}); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}

func normalizeMIME(contentType string) string {
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// safeFilename reduces a client-supplied filename to its base name so
// blob paths stay inside the {owner}/{request}/ prefix.
func safeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}
