package dto

import "github.com/Pratyush2586/release-assessment-portal/internal/models"

// SubmitRequest is the JSON part of the multipart POST /requests payload.
type SubmitRequest struct {
	ReportType         models.ReportType  `json:"report_type" validate:"required,oneof=API Database API+Database"`
	CurrentReleaseID   string             `json:"current_release_id" validate:"required,uuid4"`
	TargetReleaseID    string             `json:"target_release_id" validate:"required,uuid4"`
	Environment        models.Environment `json:"environment" validate:"required,oneof=Development Test Staging Production 'Not Applicable'"`
	Title              *string            `json:"title,omitempty" validate:"omitempty,max=100"`
	Description        *string            `json:"description,omitempty" validate:"omitempty,max=1000"`
	NotifyOnCompletion bool               `json:"notify_on_completion"`
	NotifyOnFailure    bool               `json:"notify_on_failure"`
}

// SubmitResponse returns the created row plus upload bookkeeping so the
// caller can navigate to the detail view and surface dropped files.
type SubmitResponse struct {
	Request      *models.AssessmentRequest `json:"request"`
	Attachments  []models.Attachment       `json:"attachments"`
	DroppedFiles []string                  `json:"dropped_files,omitempty"`
	Warning      string                    `json:"warning,omitempty"`
}

// RequestDetail bundles a request with its referenced releases and
// attachments for the detail view.
type RequestDetail struct {
	Request        *models.AssessmentRequest `json:"request"`
	CurrentRelease *models.Release           `json:"current_release"`
	TargetRelease  *models.Release           `json:"target_release"`
	Attachments    []models.Attachment       `json:"attachments"`
	Cancelable     bool                      `json:"cancelable"`
}

// TransitionRequest is the engine status callback payload.
type TransitionRequest struct {
	Status       models.RequestStatus `json:"status" validate:"required"`
	ErrorMessage *string              `json:"error_message,omitempty" validate:"omitempty,max=1000"`
}

// AttachmentDownloadResponse enriches metadata with a signed URL.
type AttachmentDownloadResponse struct {
	models.Attachment
	DownloadURL string `json:"download_url"`
}
