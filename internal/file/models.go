package file

import "time"

// Record is the lifecycle metadata kept for one uploaded blob. Values are
// immutable once built by NewRecord; metadata stores assign ID on insert.
type Record struct {
	ID            int64
	StorageID     string
	DeletionKey   string
	EncryptedSize int64
	UploadedAt    time.Time
	// ExpiresAt is nil for records that never expire.
	ExpiresAt *time.Time
}

// NewRecord builds a record uploaded at uploadedAt. A non-positive retention
// produces a record without expiry. Timestamps are normalized to UTC with
// microsecond precision so every metadata backend round-trips them unchanged.
func NewRecord(storageID, deletionKey string, size int64, uploadedAt time.Time, retention time.Duration) Record {
	uploadedAt = uploadedAt.UTC().Truncate(time.Microsecond)
	rec := Record{
		StorageID:     storageID,
		DeletionKey:   deletionKey,
		EncryptedSize: size,
		UploadedAt:    uploadedAt,
	}
	if retention > 0 {
		expiresAt := uploadedAt.Add(retention)
		rec.ExpiresAt = &expiresAt
	}
	return rec
}

// IsExpired reports whether the record is logically gone at now: it has an
// expiry that is not after now.
func (r Record) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

func (r Record) withID(id int64) Record {
	r.ID = id
	return r
}

// UploadResponse is returned to clients after a successful upload.
type UploadResponse struct {
	StorageIdentifier string `json:"storageIdentifier"`
	EncryptedFileSize int64  `json:"encryptedFileSize"`
	DownloadURL       string `json:"downloadUrl"`
	DeletionURL       string `json:"deletionUrl"`
}
