package models

import "time"

// Attachment represents one uploaded file owned by an assessment
// request. FilePath is the blob location relative to the storage root:
// {owner_id}/{request_id}/{original_filename}.
type Attachment struct {
	ID         string    `db:"id" json:"id"`
	RequestID  string    `db:"request_id" json:"request_id"`
	Filename   string    `db:"filename" json:"filename"`
	FilePath   string    `db:"file_path" json:"file_path"`
	FileSize   int64     `db:"file_size" json:"file_size"`
	FileType   string    `db:"file_type" json:"file_type"`
	UploadedAt time.Time `db:"uploaded_at" json:"uploaded_at"`
}
