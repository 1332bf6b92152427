package models

import "time"

// ReportType enumerates what an assessment compares.
type ReportType string

const (
	ReportTypeAPI      ReportType = "API"
	ReportTypeDatabase ReportType = "Database"
	ReportTypeBoth     ReportType = "API+Database"
)

// Environment identifies the deployment environment a request targets.
type Environment string

const (
	EnvironmentDevelopment   Environment = "Development"
	EnvironmentTest          Environment = "Test"
	EnvironmentStaging       Environment = "Staging"
	EnvironmentProduction    Environment = "Production"
	EnvironmentNotApplicable Environment = "Not Applicable"
)

// RequestStatus captures the assessment request lifecycle states.
type RequestStatus string

const (
	StatusQueued    RequestStatus = "Queued"
	StatusRunning   RequestStatus = "Running"
	StatusCompleted RequestStatus = "Completed"
	StatusFailed    RequestStatus = "Failed"
)

// CancelErrorMessage is recorded when the owner cancels a request.
const CancelErrorMessage = "Canceled by user"

// transitions holds the directed edges of the lifecycle graph. The
// engine drives Queued→Running and Running→Completed/Failed; the portal
// itself only ever authors {Queued,Running}→Failed via cancellation.
var transitions = map[RequestStatus][]RequestStatus{
	StatusQueued:  {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// Valid reports whether s is a known lifecycle state.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether the edge s→next exists in the graph.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Cancelable reports whether the owner may still cancel. Cancellation is
// a {Queued,Running}→Failed transition and must never be offered once a
// terminal state is reached.
func (s RequestStatus) Cancelable() bool {
	return s == StatusQueued || s == StatusRunning
}

// AssessmentRequest is the central entity: one user-submitted comparison
// of two releases. The owner is immutable after creation and status only
// moves along the transition graph.
type AssessmentRequest struct {
	ID                 string        `db:"id" json:"id"`
	UserID             string        `db:"user_id" json:"user_id"`
	ReportType         ReportType    `db:"report_type" json:"report_type"`
	CurrentReleaseID   string        `db:"current_release_id" json:"current_release_id"`
	TargetReleaseID    string        `db:"target_release_id" json:"target_release_id"`
	Environment        Environment   `db:"environment" json:"environment"`
	Title              *string       `db:"title" json:"title,omitempty"`
	Description        *string       `db:"description" json:"description,omitempty"`
	Status             RequestStatus `db:"status" json:"status"`
	ErrorMessage       *string       `db:"error_message" json:"error_message,omitempty"`
	NotifyOnCompletion bool          `db:"notify_on_completion" json:"notify_on_completion"`
	NotifyOnFailure    bool          `db:"notify_on_failure" json:"notify_on_failure"`
	CreatedAt          time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updated_at"`
	CompletedAt        *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
}

// RequestFilter narrows listing queries.
type RequestFilter struct {
	// Search matches an id prefix or a case-insensitive title fragment.
	Search string
	Status RequestStatus
	Limit  int
	Offset int
}
