package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// RiskLevel grades the overall impact of a release comparison.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// ChangeType categorizes a single API or database change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "Added"
	ChangeModified ChangeType = "Modified"
	ChangeRemoved  ChangeType = "Removed"
)

// ResultsSummary aggregates counts and findings, persisted as JSONB.
type ResultsSummary struct {
	EndpointsAdded    int       `json:"endpoints_added"`
	EndpointsModified int       `json:"endpoints_modified"`
	EndpointsRemoved  int       `json:"endpoints_removed"`
	TablesAdded       int       `json:"tables_added"`
	TablesModified    int       `json:"tables_modified"`
	TablesRemoved     int       `json:"tables_removed"`
	RiskLevel         RiskLevel `json:"risk_level"`
	BreakingChanges   bool      `json:"breaking_changes"`
	KeyFindings       []string  `json:"key_findings"`
}

// Value marshals the summary to JSON for persistence.
func (s ResultsSummary) Value() (driver.Value, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal results summary: %w", err)
	}
	return data, nil
}

// Scan unmarshals a JSONB payload into the summary struct.
func (s *ResultsSummary) Scan(value interface{}) error {
	return scanJSON(value, s, "ResultsSummary")
}

// APIChange describes one endpoint-level difference between releases.
type APIChange struct {
	Endpoint   string         `json:"endpoint"`
	Method     string         `json:"method"`
	ChangeType ChangeType     `json:"change_type"`
	Summary    string         `json:"summary"`
	Detail     types.JSONText `json:"detail,omitempty"`
}

// DatabaseChange describes one table-level difference between releases.
type DatabaseChange struct {
	Table      string         `json:"table"`
	ChangeType ChangeType     `json:"change_type"`
	Summary    string         `json:"summary"`
	Detail     types.JSONText `json:"detail,omitempty"`
}

// APIChangeList persists the ordered change list as JSONB.
type APIChangeList []APIChange

func (l APIChangeList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal api changes: %w", err)
	}
	return data, nil
}

func (l *APIChangeList) Scan(value interface{}) error {
	return scanJSON(value, l, "APIChangeList")
}

// DatabaseChangeList persists the ordered change list as JSONB.
type DatabaseChangeList []DatabaseChange

func (l DatabaseChangeList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal database changes: %w", err)
	}
	return data, nil
}

func (l *DatabaseChangeList) Scan(value interface{}) error {
	return scanJSON(value, l, "DatabaseChangeList")
}

// AssessmentResults is the one-per-request result record written by the
// external assessment engine and read-only for portal users.
type AssessmentResults struct {
	ID              string             `db:"id" json:"id"`
	RequestID       string             `db:"request_id" json:"request_id"`
	Summary         ResultsSummary     `db:"summary" json:"summary"`
	APIChanges      APIChangeList      `db:"api_changes" json:"api_changes,omitempty"`
	DatabaseChanges DatabaseChangeList `db:"database_changes" json:"database_changes,omitempty"`
	RawData         types.JSONText     `db:"raw_data" json:"raw_data"`
	GeneratedAt     time.Time          `db:"generated_at" json:"generated_at"`
}

func scanJSON(value interface{}, dest interface{}, name string) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for %s", value, name)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}
