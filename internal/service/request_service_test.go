package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Pratyush2586/release-assessment-portal/internal/dto"
	"github.com/Pratyush2586/release-assessment-portal/internal/models"
	"github.com/Pratyush2586/release-assessment-portal/pkg/config"
	appErrors "github.com/Pratyush2586/release-assessment-portal/pkg/errors"
	"github.com/Pratyush2586/release-assessment-portal/pkg/realtime"
	"github.com/Pratyush2586/release-assessment-portal/pkg/storage"
)

type requestRepoStub struct {
	requests  map[string]*models.AssessmentRequest
	createErr error
}

func newRequestRepoStub() *requestRepoStub {
	return &requestRepoStub{requests: map[string]*models.AssessmentRequest{}}
}

func (r *requestRepoStub) CreateWithAttachments(ctx context.Context, request *models.AssessmentRequest, attachments []models.Attachment) error {
	if r.createErr != nil {
		return r.createErr
	}
	now := time.Now().UTC()
	request.CreatedAt = now
	request.UpdatedAt = now
	copied := *request
	r.requests[request.ID] = &copied
	return nil
}

func (r *requestRepoStub) GetByID(ctx context.Context, id string) (*models.AssessmentRequest, error) {
	request, ok := r.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *request
	return &copied, nil
}

func (r *requestRepoStub) ListByUser(ctx context.Context, userID string, filter models.RequestFilter) ([]models.AssessmentRequest, error) {
	var out []models.AssessmentRequest
	for _, request := range r.requests {
		if request.UserID == userID {
			out = append(out, *request)
		}
	}
	return out, nil
}

func (r *requestRepoStub) UpdateStatus(ctx context.Context, id string, from, to models.RequestStatus, errorMessage *string, completedAt *time.Time) (*models.AssessmentRequest, error) {
	request, ok := r.requests[id]
	if !ok || request.Status != from {
		return nil, sql.ErrNoRows
	}
	request.Status = to
	request.ErrorMessage = errorMessage
	request.CompletedAt = completedAt
	request.UpdatedAt = time.Now().UTC()
	copied := *request
	return &copied, nil
}

func (r *requestRepoStub) CancelByOwner(ctx context.Context, id, userID string) (*models.AssessmentRequest, error) {
	request, ok := r.requests[id]
	if !ok || request.UserID != userID || !request.Status.Cancelable() {
		return nil, sql.ErrNoRows
	}
	now := time.Now().UTC()
	msg := models.CancelErrorMessage
	request.Status = models.StatusFailed
	request.ErrorMessage = &msg
	request.CompletedAt = &now
	request.UpdatedAt = now
	copied := *request
	return &copied, nil
}

func (r *requestRepoStub) ListQueued(ctx context.Context, limit int) ([]models.AssessmentRequest, error) {
	var queued []models.AssessmentRequest
	for _, request := range r.requests {
		if request.Status == models.StatusQueued {
			queued = append(queued, *request)
		}
	}
	return queued, nil
}

type attachmentRepoStub struct {
	byID map[string]*models.Attachment
}

func newAttachmentRepoStub() *attachmentRepoStub {
	return &attachmentRepoStub{byID: map[string]*models.Attachment{}}
}

func (r *attachmentRepoStub) ListByRequest(ctx context.Context, requestID string) ([]models.Attachment, error) {
	var out []models.Attachment
	for _, att := range r.byID {
		if att.RequestID == requestID {
			out = append(out, *att)
		}
	}
	return out, nil
}

func (r *attachmentRepoStub) GetByID(ctx context.Context, id string) (*models.Attachment, error) {
	att, ok := r.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *att
	return &copied, nil
}

type releaseStub struct {
	releases map[string]*models.Release
}

func (r *releaseStub) GetByID(ctx context.Context, id string) (*models.Release, error) {
	release, ok := r.releases[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return release, nil
}

type feedStub struct {
	events []realtime.Event
}

func (f *feedStub) Publish(ctx context.Context, event realtime.Event) error {
	f.events = append(f.events, event)
	return nil
}

type notifierStub struct {
	notified []models.AssessmentRequest
}

func (n *notifierStub) NotifyTerminal(request models.AssessmentRequest) {
	n.notified = append(n.notified, request)
}

type auditStub struct {
	logs []models.AuditLog
}

func (a *auditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	a.logs = append(a.logs, *log)
	return nil
}

func defaultUploadsConfig() config.AttachmentsConfig {
	return config.AttachmentsConfig{
		MaxFileSizeBytes: 10 * 1024 * 1024,
		MaxFiles:         5,
		MaxTotalBytes:    50 * 1024 * 1024,
		AllowedMIMEs:     []string{"application/pdf", "text/plain", "text/markdown", "application/json", "application/xml", "text/xml"},
	}
}

type testEnv struct {
	svc      *RequestService
	requests *requestRepoStub
	atts     *attachmentRepoStub
	releases *releaseStub
	feed     *feedStub
	notifier *notifierStub
	audit    *auditStub
	blobs    *storage.LocalStorage
	blobDir  string
	signer   *storage.SignedURLSigner
}

func newTestEnv(t *testing.T, uploads config.AttachmentsConfig) *testEnv {
	blobDir := t.TempDir()
	blobs, err := storage.NewLocalStorage(blobDir)
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("test-secret", time.Minute)

	env := &testEnv{
		requests: newRequestRepoStub(),
		atts:     newAttachmentRepoStub(),
		releases: &releaseStub{releases: map[string]*models.Release{
			"rel-20": {ID: "rel-20", Version: "EB20", Ordinal: 20, IsActive: true},
			"rel-21": {ID: "rel-21", Version: "EB21", Ordinal: 21, IsActive: true},
		}},
		feed:     &feedStub{},
		notifier: &notifierStub{},
		audit:    &auditStub{},
		blobs:    blobs,
		blobDir:  blobDir,
		signer:   signer,
	}
	env.svc = NewRequestService(RequestServiceDeps{
		Requests:    env.requests,
		Attachments: env.atts,
		Releases:    env.releases,
		Blobs:       blobs,
		Signer:      signer,
		Feed:        env.feed,
		Notifier:    env.notifier,
		Audit:       env.audit,
		Uploads:     uploads,
		QueueFetch:  20,
	})
	return env
}

func validSubmit() dto.SubmitRequest {
	return dto.SubmitRequest{
		ReportType:       models.ReportTypeBoth,
		CurrentReleaseID: "550e8400-e29b-41d4-a716-446655440020",
		TargetReleaseID:  "550e8400-e29b-41d4-a716-446655440021",
		Environment:      models.EnvironmentTest,
	}
}

func uploadFiles(t *testing.T, files map[string]struct {
	content string
	mime    string
}) []*multipart.FileHeader {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for name, file := range files {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments"; filename="%s"`, name))
		header.Set("Content-Type", file.mime)
		part, err := writer.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write([]byte(file.content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	reader := multipart.NewReader(&body, writer.Boundary())
	form, err := reader.ReadForm(32 << 20)
	require.NoError(t, err)
	return form.File["attachments"]
}

func withCatalogReleases(env *testEnv, req *dto.SubmitRequest) {
	env.releases.releases[req.CurrentReleaseID] = &models.Release{ID: req.CurrentReleaseID, Version: "EB20", Ordinal: 20}
	env.releases.releases[req.TargetReleaseID] = &models.Release{ID: req.TargetReleaseID, Version: "EB21", Ordinal: 21}
}

func TestRequestServiceSubmitQueuesRequest(t *testing.T) {
	env := newTestEnv(t, defaultUploadsConfig())
	req := validSubmit()
	withCatalogReleases(env, &req)

	res, err := env.svc.Submit(context.Background(), "user-1", req, nil)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, res.Request.Status)
	require.Empty(t, res.DroppedFiles)
	require.Len(t, env.feed.events, 1)
	require.Equal(t, realtime.ChangeInsert, env.feed.events[0].Type)
	require.Equal(t, "user-1", env.feed.events[0].OwnerID)
	require.Len(t, env.audit.logs, 1)
	require.Equal(t, models.AuditActionRequestSubmit, env.audit.logs[0].Action)
}

func TestRequestServiceSubmitRejectsOlderTarget(t *testing.T) {
	env := newTestEnv(t, defaultUploadsConfig())
	req := validSubmit()
	withCatalogReleases(env, &req)
	// Swap so the target is older than the current release.
	req.CurrentReleaseID, req.TargetReleaseID = req.TargetReleaseID, req.CurrentReleaseID

	_, err := env.svc.Submit(context.Background(), "user-1", req, nil)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	require.Empty(t, env.requests.requests)
}

func TestRequestServiceSubmitRejectsSameRelease(t *testing.T) {
	env := newTestEnv(t, defaultUploadsConfig())
	req := validSubmit()
	withCatalogReleases(env, &req)
	req.TargetReleaseID = req.CurrentReleaseID

	_, err := env.svc.Submit(context.Background(), "user-1", req, nil)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestRequestServiceSubmitDropsViolatingFiles(t *testing.T) {
	uploads := defaultUploadsConfig()
	uploads.MaxFileSizeBytes = 16
	env := newTestEnv(t, uploads)
	req := validSubmit()
	withCatalogReleases(env, &req)

	files := uploadFiles(t, map[string]struct {
		content string
		mime    string
	}{
		"keep.txt":   {content: "short", mime: "text/plain"},
		"binary.exe": {content: "short", mime: "application/octet-stream"},
		"huge.txt":   {content: "this one is definitely too large", mime: "text/plain"},
	})

	res, err := env.svc.Submit(context.Background(), "user-1", req, files)
	require.NoError(t, err)
	require.Len(t, res.Attachments, 1)
	require.Equal(t, "keep.txt", res.Attachments[0].Filename)
	require.Len(t, res.DroppedFiles, 2)
	require.Contains(t, res.Warning, "2 file(s)")
	require.Contains(t, res.DroppedFiles, "binary.exe")
	require.Contains(t, res.DroppedFiles, "huge.txt")
}

func TestRequestServiceSubmitBaseNamesUploadFilenames(t *testing.T) {
	env := newTestEnv(t, defaultUploadsConfig())
	req := validSubmit()
	withCatalogReleases(env, &req)

	files := uploadFiles(t, map[string]struct {
		content string
		mime    string
	}{
		"notes.txt": {content: "plan", mime: "text/plain"},
	})
	// Forge a path-carrying filename; the stored blob path must stay
	// inside the owner/request prefix.
	files[0].Filename = `../../escape.txt`

	res, err := env.svc.Submit(context.Background(), "user-1", req, files)
	require.NoError(t, err)
	require.Len(t, res.Attachments, 1)
	require.Equal(t, "escape.txt", res.Attachments[0].Filename)
	require.Equal(t, fmt.Sprintf("user-1/%s/escape.txt", res.Request.ID), res.Attachments[0].FilePath)

	var outside []string
	require.NoError(t, filepath.WalkDir(env.blobDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(env.blobDir, path)
		require.NoError(t, relErr)
		if filepath.Dir(filepath.Dir(rel)) != "user-1" {
			outside = append(outside, rel)
		}
		return nil
	}))
	require.Empty(t, outside)
}

func TestSafeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":        "report.pdf",
		"../../escape.txt":  "escape.txt",
		`..\..\escape.txt`:  "escape.txt",
		"dir/nested/f.json": "f.json",
		"..":                "",
		".":                 "",
		"":                  "",
	}
	for in, want := range cases {
		require.Equal(t, want, safeFilename(in), "input %q", in)
	}
}

func TestRequestServiceSubmitRejectsTooManyFiles(t *testing.T) {
	uploads := defaultUploadsConfig()
	uploads.MaxFiles = 2
	env := newTestEnv(t, uploads)
	req := validSubmit()
	withCatalogReleases(env, &req)

	files := uploadFiles(t, map[string]struct {
		content string
		mime    string
	}{
		"a.txt": {content: "a", mime: "text/plain"},
		"b.txt": {content: "b", mime: "text/plain"},
		"c.txt": {content: "c", mime: "text/plain"},
	})

	_, err := env.svc.Submit(context.Background(), "user-1", req, files)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	require.Empty(t, env.requests.requests)
}

func TestRequestServiceSubmitRemovesBlobsWhenPersistFails(t *testing.T) {
	env := newTestEnv(t, defaultUploadsConfig())
	env.requests.createErr = errors.New("db down")
	req := validSubmit()
	withCatalogReleases(env, &req)

	files := uploadFiles(t, map[string]struct {
		content string
		mime    string
	}{
		"notes.txt": {content: "hello", mime: "text/plain"},
	})

	_, err := env.svc.Submit(context.Background(), "user-1", req, files)
	require.Error(t, err)

	// The blob written before the failed insert must be gone.
	var remaining int
	require.NoError(t, filepath.WalkDir(env.blobDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			remaining++
		}
		return nil
	}))
	require.Zero(t, remaining)
}

func TestRequestServiceCancelQueuedRequest(t *testing.T) {
	env := newTestEnv(t, defaultUploadsConfig())
	env.requests.requests["req-1"] = &models.AssessmentRequest{
		ID: "req-1", UserID: "user-1", Status: models.StatusQueued,
	}

	canceled, err := env.svc.Cancel(context.Background(), "user-1", "req-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, canceled.Status)
	require.NotNil(t, canceled.ErrorMessage)
	require.Equal(t, models.CancelErrorMessage, *canceled.ErrorMessage)
	require.NotNil(t, canceled.CompletedAt)
	require.Len(t, env.feed.events, 1)
	require.Equal(t, realtime.ChangeUpdate, env.feed.events[0].Type)
}

func TestRequestServiceCancelRejectsTerminal(t *testing.T) {
	env := newTestEnv(t, defaultUploadsConfig())
	env.requests.requests["req-1"] = &models.AssessmentRequest{
		ID: "req-1", UserID: "user-1", Status: models.StatusCompleted,
	}

	_, err := env.svc.Cancel(context.Background(), "user-1", "req-1")
	require.Error(t, err)
	require.Equal(t, appErrors.ErrCancelNotAllowed.Code, appErrors.FromError(err).Code)
}

func TestRequestServiceCancelRejectsForeignRequest(t *testing.T) {
	env := newTestEnv(t, defaultUploadsConfig())
	env.requests.requests["req-1"] = &models.AssessmentRequest{
		ID: "req-1", UserID: "user-1", Status: models.StatusQueued,
	}

	_, err := env.svc.Cancel(context.Background(), "user-2", "req-1")
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestRequestServiceApplyTransitionHappyPath(t *testing.T) {
	env := newTestEnv(t, defaultUploadsConfig())
	env.requests.requests["req-1"] = &models.AssessmentRequest{
		ID: "req-1", UserID: "user-1", Status: models.StatusQueued,
	}

	updated, err := env.svc.ApplyTransition(context.Background(), "req-1", dto.TransitionRequest{Status: models.StatusRunning})
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, updated.Status)
	require.Nil(t, updated.CompletedAt)
}

func TestRequestServiceApplyTransitionRejectsIllegalEdge(t *testing.T) {
	env := newTestEnv(t, defaultUploadsConfig())
	env.requests.requests["req-1"] = &models.AssessmentRequest{
		ID: "req-1", UserID: "user-1", Status: models.StatusQueued,
	}

	_, err := env.svc.ApplyTransition(context.Background(), "req-1", dto.TransitionRequest{Status: models.StatusCompleted})
	require.Error(t, err)
	require.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
}

func TestRequestServiceApplyTransitionNotifiesOnCompletion(t *testing.T) {
	env := newTestEnv(t, defaultUploadsConfig())
	env.requests.requests["req-1"] = &models.AssessmentRequest{
		ID: "req-1", UserID: "user-1", Status: models.StatusRunning, NotifyOnCompletion: true,
	}

	updated, err := env.svc.ApplyTransition(context.Background(), "req-1", dto.TransitionRequest{Status: models.StatusCompleted})
	require.NoError(t, err)
	require.NotNil(t, updated.CompletedAt)
	require.Len(t, env.notifier.notified, 1)
	require.Equal(t, models.StatusCompleted, env.notifier.notified[0].Status)
}

func TestRequestServiceApplyTransitionSkipsUnwantedNotice(t *testing.T) {
	env := newTestEnv(t, defaultUploadsConfig())
	env.requests.requests["req-1"] = &models.AssessmentRequest{
		ID: "req-1", UserID: "user-1", Status: models.StatusRunning, NotifyOnCompletion: false,
	}

	_, err := env.svc.ApplyTransition(context.Background(), "req-1", dto.TransitionRequest{Status: models.StatusCompleted})
	require.NoError(t, err)
	require.Empty(t, env.notifier.notified)
}

func TestRequestServiceAttachmentDownloadRoundTrip(t *testing.T) {
	env := newTestEnv(t, defaultUploadsConfig())
	env.requests.requests["req-1"] = &models.AssessmentRequest{
		ID: "req-1", UserID: "user-1", Status: models.StatusCompleted,
	}
	relPath := "user-1/req-1/notes.txt"
	_, err := env.blobs.Save(relPath, []byte("hello"))
	require.NoError(t, err)
	env.atts.byID["att-1"] = &models.Attachment{
		ID: "att-1", RequestID: "req-1", Filename: "notes.txt",
		FilePath: relPath, FileSize: 5, FileType: "text/plain",
	}

	signed, err := env.svc.SignAttachmentDownload(context.Background(), "user-1", models.RoleUser, "req-1", "att-1")
	require.NoError(t, err)
	require.Contains(t, signed.DownloadURL, "token=")

	token := signed.DownloadURL[len("/attachments/download?token="):]
	file, attachment, err := env.svc.ResolveDownload(context.Background(), token)
	require.NoError(t, err)
	defer file.Close()
	require.Equal(t, "notes.txt", attachment.Filename)
}

func TestRequestServiceGetDetailEnforcesOwnership(t *testing.T) {
	env := newTestEnv(t, defaultUploadsConfig())
	env.requests.requests["req-1"] = &models.AssessmentRequest{
		ID: "req-1", UserID: "user-1", Status: models.StatusQueued,
		CurrentReleaseID: "rel-20", TargetReleaseID: "rel-21",
	}

	_, err := env.svc.GetDetail(context.Background(), "user-2", models.RoleUser, "req-1")
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	// Admins can inspect any request.
	detail, err := env.svc.GetDetail(context.Background(), "user-2", models.RoleAdmin, "req-1")
	require.NoError(t, err)
	require.True(t, detail.Cancelable)
	require.Equal(t, "EB20", detail.CurrentRelease.Version)
	require.Equal(t, "EB21", detail.TargetRelease.Version)
}
