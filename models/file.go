package models

import "time"

// Upload states of a StoredFile row. Only complete rows are ever returned to callers.
const (
	FileStatusPending  = "pending"
	FileStatusComplete = "complete"
)

// FileRecord is the metadata of one stored object as exposed over the API.
type FileRecord struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Length      int64     `json:"length"`
	ChunkSize   int       `json:"chunkSize"`
	UploadedAt  time.Time `json:"uploadedAt"`
	Bucket      string    `json:"bucket"`
}

// StoredFile is the SQL row behind a FileRecord.
type StoredFile struct {
	ID          string    `gorm:"primaryKey;size:36"`
	Bucket      string    `gorm:"size:64;index:idx_files_bucket_name;not null"`
	Filename    string    `gorm:"size:255;index:idx_files_bucket_name;not null"`
	ContentType string    `gorm:"size:255;not null"`
	Length      int64     `gorm:"not null;default:0"`
	ChunkSize   int       `gorm:"not null"`
	Status      string    `gorm:"size:16;index;not null"`
	Chunks      int       `gorm:"not null;default:0"` // chunks written so far
	UploadedAt  time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

func (StoredFile) TableName() string { return "filebox_files" }

// Record converts the row into its API shape.
func (f StoredFile) Record() FileRecord {
	return FileRecord{
		ID:          f.ID,
		Filename:    f.Filename,
		ContentType: f.ContentType,
		Length:      f.Length,
		ChunkSize:   f.ChunkSize,
		UploadedAt:  f.UploadedAt,
		Bucket:      f.Bucket,
	}
}

// StoredChunk holds one fragment of a file's content.
type StoredChunk struct {
	ID     uint   `gorm:"primaryKey"`
	FileID string `gorm:"size:36;not null;uniqueIndex:idx_chunk_file_n"`
	N      int    `gorm:"not null;uniqueIndex:idx_chunk_file_n"`
	Data   []byte `gorm:"type:longblob"`
}

func (StoredChunk) TableName() string { return "filebox_chunks" }
