package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/abduss/nullpath/internal/blob"
	"github.com/abduss/nullpath/internal/logger"
	"github.com/abduss/nullpath/internal/metrics"
	"github.com/abduss/nullpath/internal/token"
	"go.uber.org/zap"
)

// maxTokenAttempts bounds regeneration after a token collision on insert.
const maxTokenAttempts = 3

type metadataStore interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	FindByStorageID(ctx context.Context, storageID string) (Record, error)
	FindByDeletionKey(ctx context.Context, deletionKey string) (Record, error)
	FindExpiredBefore(ctx context.Context, t time.Time) ([]Record, error)
	// Delete reports whether this call removed the record.
	Delete(ctx context.Context, rec Record) (bool, error)
}

type blobStore interface {
	Put(ctx context.Context, id string, r io.Reader, sizeHint int64) (int64, error)
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// Service manages file lifecycle operations: it keeps blobs and their metadata
// consistent across store, retrieve, delete and expiry.
type Service struct {
	repo      metadataStore
	blobs     blobStore
	retention time.Duration
	log       *zap.Logger
	nowFunc   func() time.Time
}

// NewService constructs a file service. Every upload expires retention after
// it was stored.
func NewService(repo metadataStore, blobs blobStore, retention time.Duration, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		blobs:     blobs,
		retention: retention,
		log:       log.Named("file"),
		nowFunc:   time.Now,
	}
}

// Store writes the payload under fresh tokens and records its metadata. The
// blob is fully written before metadata is inserted, so a record never points
// at a partial blob. declaredSize may be -1 when the length is not known up
// front; zero is rejected.
func (s *Service) Store(ctx context.Context, r io.Reader, declaredSize int64) (Record, error) {
	log := logger.With(ctx, s.log)

	if r == nil || declaredSize == 0 {
		log.Warn("rejected empty upload")
		return Record{}, ErrInvalidInput
	}

	for attempt := 1; ; attempt++ {
		storageID, deletionKey, err := newTokens()
		if err != nil {
			log.Error("generate tokens", zap.Error(err))
			return Record{}, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		log := log.With(zap.String("storage_id", storageID))

		written, err := s.blobs.Put(ctx, storageID, r, declaredSize)
		if err != nil {
			log.Error("write blob", zap.Error(err))
			return Record{}, fmt.Errorf("%w: write blob: %v", ErrStorageFailure, err)
		}
		if written == 0 {
			s.discardBlob(ctx, log, storageID)
			log.Warn("rejected empty upload")
			return Record{}, ErrInvalidInput
		}
		if declaredSize > 0 && written != declaredSize {
			log.Warn("stored size differs from declared size",
				zap.Int64("declared", declaredSize),
				zap.Int64("written", written),
			)
		}

		rec := NewRecord(storageID, deletionKey, written, s.nowFunc(), s.retention)
		stored, err := s.repo.Insert(ctx, rec)
		if err == nil {
			metrics.StoredFiles.Inc()
			metrics.StoredBytes.Add(float64(stored.EncryptedSize))
			log.Info("stored encrypted file",
				zap.Int64("id", stored.ID),
				zap.Int64("size", stored.EncryptedSize),
			)
			return stored, nil
		}

		s.discardBlob(ctx, log, storageID)
		if !errors.Is(err, ErrConflict) {
			log.Error("insert metadata", zap.Error(err))
			return Record{}, fmt.Errorf("%w: insert metadata: %v", ErrStorageFailure, err)
		}

		seeker, ok := r.(io.Seeker)
		if !ok || attempt >= maxTokenAttempts {
			log.Error("token collision, giving up", zap.Int("attempt", attempt))
			return Record{}, fmt.Errorf("%w: token collision", ErrStorageFailure)
		}
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			log.Error("rewind upload after token collision", zap.Error(err))
			return Record{}, fmt.Errorf("%w: rewind upload: %v", ErrStorageFailure, err)
		}
		log.Warn("token collision, retrying with fresh tokens", zap.Int("attempt", attempt))
	}
}

// Retrieve opens the blob behind storageID. Expired records are purged on the
// spot and reported exactly like unknown ones. The caller closes the reader.
func (s *Service) Retrieve(ctx context.Context, storageID string) (io.ReadCloser, Record, error) {
	log := logger.With(ctx, s.log).With(zap.String("storage_id", storageID))

	rec, err := s.repo.FindByStorageID(ctx, storageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Debug("file not found")
			return nil, Record{}, ErrNotFound
		}
		log.Error("find metadata", zap.Error(err))
		return nil, Record{}, fmt.Errorf("%w: find metadata: %v", ErrStorageFailure, err)
	}

	if rec.IsExpired(s.nowFunc()) {
		log.Info("expired file requested, purging", zap.Timep("expires_at", rec.ExpiresAt))
		if s.purge(context.WithoutCancel(ctx), rec) {
			metrics.PurgedFiles.WithLabelValues(metrics.PurgeReasonExpired).Inc()
		}
		return nil, Record{}, ErrNotFound
	}

	body, err := s.blobs.Open(ctx, rec.StorageID)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrInvalidIdentifier) {
			metrics.IntegrityErrors.Inc()
			log.Error("blob missing for live record", zap.Bool("integrity", true), zap.Int64("id", rec.ID))
			return nil, Record{}, ErrNotFound
		}
		log.Error("open blob", zap.Error(err))
		return nil, Record{}, fmt.Errorf("%w: open blob: %v", ErrStorageFailure, err)
	}
	return body, rec, nil
}

// DeleteByKey purges the file owned by deletionKey. It returns false for an
// unknown key and when a concurrent deletion already removed the record.
func (s *Service) DeleteByKey(ctx context.Context, deletionKey string) (bool, error) {
	log := logger.With(ctx, s.log)

	rec, err := s.repo.FindByDeletionKey(ctx, deletionKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn("deletion requested with unknown key")
			return false, nil
		}
		log.Error("find metadata by deletion key", zap.Error(err))
		return false, fmt.Errorf("%w: find metadata: %v", ErrStorageFailure, err)
	}

	removed := s.purge(context.WithoutCancel(ctx), rec)
	if removed {
		metrics.PurgedFiles.WithLabelValues(metrics.PurgeReasonDeleted).Inc()
	}
	return removed, nil
}

// SweepExpired purges every record whose expiry is strictly before now and
// returns how many were removed by this call.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	records, err := s.repo.FindExpiredBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("%w: find expired: %v", ErrStorageFailure, err)
	}

	purged := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if s.purge(ctx, rec) {
			purged++
		}
	}
	metrics.PurgedFiles.WithLabelValues(metrics.PurgeReasonSweep).Add(float64(purged))
	return purged, nil
}

// purge removes the blob, then the record. The record is removed even when the
// blob could not be, since an invisible orphan blob is cheaper than a visible
// record nobody can delete; that partial state reports false.
func (s *Service) purge(ctx context.Context, rec Record) bool {
	log := logger.With(ctx, s.log).With(
		zap.Int64("id", rec.ID),
		zap.String("storage_id", rec.StorageID),
	)

	var blobErr error
	if _, err := s.blobs.Delete(ctx, rec.StorageID); err != nil {
		blobErr = err
		log.Warn("delete blob failed, removing metadata anyway", zap.Error(err))
	}

	removed, err := s.repo.Delete(ctx, rec)
	if err != nil {
		if blobErr == nil {
			metrics.IntegrityErrors.Inc()
			log.Error("blob deleted but metadata delete failed", zap.Bool("integrity", true), zap.Error(err))
		} else {
			log.Error("delete metadata", zap.Error(err))
		}
		return false
	}
	if blobErr != nil {
		metrics.IntegrityErrors.Inc()
		log.Warn("metadata removed, blob left orphaned", zap.Bool("integrity", true))
		return false
	}
	if removed {
		log.Info("purged encrypted file")
	}
	return removed
}

// discardBlob is the compensating action for a blob written without metadata.
func (s *Service) discardBlob(ctx context.Context, log *zap.Logger, storageID string) {
	if _, err := s.blobs.Delete(context.WithoutCancel(ctx), storageID); err != nil {
		metrics.IntegrityErrors.Inc()
		log.Warn("orphaned blob left behind", zap.Bool("integrity", true), zap.Error(err))
	}
}

func newTokens() (storageID, deletionKey string, err error) {
	if storageID, err = token.NewStorageID(); err != nil {
		return "", "", err
	}
	if deletionKey, err = token.NewDeletionKey(); err != nil {
		return "", "", err
	}
	return storageID, deletionKey, nil
}
