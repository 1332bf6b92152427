package dto

// CreateReleaseRequest seeds one release into the catalog. The ordinal
// is assigned server-side.
type CreateReleaseRequest struct {
	Version     string `json:"version" validate:"required,max=50"`
	ReleaseDate string `json:"release_date" validate:"required"`
	IsActive    *bool  `json:"is_active,omitempty"`
}
