package models

import "time"

// Release is an immutable reference entity describing one software
// release. Ordinal is assigned at creation and strictly increases with
// release recency; all "newer than" comparisons use it rather than the
// display version, which is free-form text.
type Release struct {
	ID          string    `db:"id" json:"id"`
	Version     string    `db:"version" json:"version"`
	Ordinal     int       `db:"ordinal" json:"ordinal"`
	ReleaseDate time.Time `db:"release_date" json:"release_date"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// NewerThan reports whether r was released after other.
func (r Release) NewerThan(other Release) bool {
	return r.Ordinal > other.Ordinal
}
