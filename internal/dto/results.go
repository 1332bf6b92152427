package dto

import (
	"encoding/json"

	"github.com/Pratyush2586/release-assessment-portal/internal/models"
)

// SubmitResults is the engine results callback payload. RawData is kept
// verbatim; its format belongs to the engine.
type SubmitResults struct {
	Summary         models.ResultsSummary     `json:"summary" validate:"required"`
	APIChanges      models.APIChangeList      `json:"api_changes,omitempty"`
	DatabaseChanges models.DatabaseChangeList `json:"database_changes,omitempty"`
	RawData         json.RawMessage           `json:"raw_data,omitempty"`
}
