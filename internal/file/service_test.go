package file

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/abduss/nullpath/internal/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

var t0 = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

func TestStoreRetrieveRoundTrip(t *testing.T) {
	svc, repo, blobs, _ := newTestService(day)
	payload := []byte("0123456789")

	rec, err := svc.Store(context.Background(), bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)

	assert.NotZero(t, rec.ID)
	assert.Equal(t, int64(len(payload)), rec.EncryptedSize)
	assert.Equal(t, t0, rec.UploadedAt)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, t0.Add(day), *rec.ExpiresAt)
	assert.Equal(t, 1, repo.count())
	assert.Equal(t, 1, blobs.count())

	body, got, err := svc.Retrieve(context.Background(), rec.StorageID)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, rec, got)
}

func TestStoreIssuesDistinctTokens(t *testing.T) {
	svc, _, _, _ := newTestService(day)
	seen := make(map[string]bool)

	for i := 0; i < 50; i++ {
		rec, err := svc.Store(context.Background(), bytes.NewReader([]byte("x")), 1)
		require.NoError(t, err)
		assert.NotEqual(t, rec.StorageID, rec.DeletionKey)
		assert.False(t, seen[rec.StorageID], "storage id reused")
		assert.False(t, seen[rec.DeletionKey], "deletion key reused")
		seen[rec.StorageID] = true
		seen[rec.DeletionKey] = true
	}
}

func TestStoreRecordsWrittenSize(t *testing.T) {
	svc, _, _, _ := newTestService(day)

	rec, err := svc.Store(context.Background(), bytes.NewReader([]byte("abc")), -1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.EncryptedSize)

	rec, err = svc.Store(context.Background(), bytes.NewReader([]byte("abcdef")), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), rec.EncryptedSize)
}

func TestStoreRejectsEmptyInput(t *testing.T) {
	svc, repo, blobs, _ := newTestService(day)

	_, err := svc.Store(context.Background(), bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Store(context.Background(), bytes.NewReader(nil), -1)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Store(context.Background(), nil, 10)
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Zero(t, repo.count(), "no metadata may be left behind")
	assert.Zero(t, blobs.count(), "no blob may be left behind")
}

func TestStoreBlobFailureCreatesNoMetadata(t *testing.T) {
	svc, repo, blobs, _ := newTestService(day)
	blobs.putErr = errors.New("no space left on device")

	_, err := svc.Store(context.Background(), bytes.NewReader([]byte("payload")), 7)
	require.ErrorIs(t, err, ErrStorageFailure)
	assert.False(t, errors.Is(err, blobs.putErr), "underlying error must not be matchable")
	assert.Zero(t, repo.count())
}

func TestStoreInsertFailureDiscardsBlob(t *testing.T) {
	svc, repo, blobs, _ := newTestService(day)
	repo.insertErr = errors.New("connection refused")

	_, err := svc.Store(context.Background(), bytes.NewReader([]byte("payload")), 7)
	require.ErrorIs(t, err, ErrStorageFailure)
	assert.Zero(t, repo.count())
	assert.Zero(t, blobs.count(), "compensating delete must remove the blob")
}

func TestStoreRetriesTokenCollision(t *testing.T) {
	svc, repo, blobs, _ := newTestService(day)
	repo.conflicts = 1
	payload := []byte("seekable payload")

	rec, err := svc.Store(context.Background(), bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, 1, repo.count())
	assert.Equal(t, 1, blobs.count(), "blob from the collided attempt must be discarded")
	assert.Equal(t, payload, blobs.get(rec.StorageID), "retry must rewind the upload")
}

func TestStoreCollisionWithoutSeekerFails(t *testing.T) {
	svc, repo, blobs, _ := newTestService(day)
	repo.conflicts = 1

	_, err := svc.Store(context.Background(), struct{ io.Reader }{bytes.NewReader([]byte("stream"))}, 6)
	require.ErrorIs(t, err, ErrStorageFailure)
	assert.False(t, errors.Is(err, ErrConflict), "conflicts stay internal")
	assert.Zero(t, repo.count())
	assert.Zero(t, blobs.count())
}

func TestStoreGivesUpAfterRepeatedCollisions(t *testing.T) {
	svc, repo, blobs, _ := newTestService(day)
	repo.conflicts = maxTokenAttempts

	_, err := svc.Store(context.Background(), bytes.NewReader([]byte("payload")), 7)
	require.ErrorIs(t, err, ErrStorageFailure)
	assert.Zero(t, repo.count())
	assert.Zero(t, blobs.count())
}

func TestRetrieveUnknownToken(t *testing.T) {
	svc, _, _, _ := newTestService(day)

	_, _, err := svc.Retrieve(context.Background(), "9b2e3f8a-5d61-4c1e-9a0f-3b7c2d4e5f60")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetrieveLookupFailure(t *testing.T) {
	svc, repo, _, _ := newTestService(day)
	repo.findErr = errors.New("timeout")

	_, _, err := svc.Retrieve(context.Background(), "9b2e3f8a-5d61-4c1e-9a0f-3b7c2d4e5f60")
	assert.ErrorIs(t, err, ErrStorageFailure)
}

func TestRetrieveMissingBlobIsNotFound(t *testing.T) {
	svc, repo, blobs, _ := newTestService(day)
	rec := storePayload(t, svc, "payload")
	blobs.remove(rec.StorageID)

	_, _, err := svc.Retrieve(context.Background(), rec.StorageID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, repo.count(), "integrity errors do not purge the record")
}

func TestDeleteByKey(t *testing.T) {
	svc, repo, blobs, _ := newTestService(day)
	rec := storePayload(t, svc, "payload")

	removed, err := svc.DeleteByKey(context.Background(), rec.DeletionKey)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Zero(t, repo.count())
	assert.Zero(t, blobs.count())

	_, _, err = svc.Retrieve(context.Background(), rec.StorageID)
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err = svc.DeleteByKey(context.Background(), rec.DeletionKey)
	require.NoError(t, err)
	assert.False(t, removed, "second delete must report false")
}

func TestDeleteByKeyRejectsStorageID(t *testing.T) {
	svc, repo, _, _ := newTestService(day)
	rec := storePayload(t, svc, "payload")

	removed, err := svc.DeleteByKey(context.Background(), rec.StorageID)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, 1, repo.count())
}

func TestDeleteByKeyBlobFailureStillRemovesRecord(t *testing.T) {
	svc, repo, blobs, _ := newTestService(day)
	rec := storePayload(t, svc, "payload")
	blobs.deleteErr = errors.New("permission denied")

	removed, err := svc.DeleteByKey(context.Background(), rec.DeletionKey)
	require.NoError(t, err)
	assert.False(t, removed, "partial purge reports failure")
	assert.Zero(t, repo.count(), "metadata must be removed even when the blob is not")

	_, _, err = svc.Retrieve(context.Background(), rec.StorageID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteByKeyMetadataFailure(t *testing.T) {
	svc, repo, _, _ := newTestService(day)
	rec := storePayload(t, svc, "payload")
	repo.deleteErr = errors.New("connection reset")

	removed, err := svc.DeleteByKey(context.Background(), rec.DeletionKey)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestConcurrentDeleteByKeyHasSingleWinner(t *testing.T) {
	svc, repo, blobs, _ := newTestService(day)
	rec := storePayload(t, svc, "payload")

	const callers = 8
	results := make(chan bool, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			removed, err := svc.DeleteByKey(context.Background(), rec.DeletionKey)
			assert.NoError(t, err)
			results <- removed
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	winners := 0
	for removed := range results {
		if removed {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, blobs.removals(), "blob must be removed exactly once")
	assert.Zero(t, repo.count())
}

func TestRetrieveExpiredPurgesLazily(t *testing.T) {
	svc, repo, blobs, clock := newTestService(day)
	rec := storePayload(t, svc, "0123456789")

	clock.set(t0.Add(time.Hour))
	body, _, err := svc.Retrieve(context.Background(), rec.StorageID)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, []byte("0123456789"), data)

	clock.set(t0.Add(25 * time.Hour))
	_, _, err = svc.Retrieve(context.Background(), rec.StorageID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, repo.count(), "expired record is purged on access")
	assert.Zero(t, blobs.count())
}

func TestRetrieveAtExactExpiryIsNotFound(t *testing.T) {
	svc, _, _, clock := newTestService(day)
	rec := storePayload(t, svc, "payload")

	clock.set(*rec.ExpiresAt)
	_, _, err := svc.Retrieve(context.Background(), rec.StorageID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetrieveIgnoresCallerCancellationWhilePurging(t *testing.T) {
	svc, repo, _, clock := newTestService(day)
	rec := storePayload(t, svc, "payload")
	clock.set(t0.Add(2 * day))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	repo.honorCancel = true

	_, _, err := svc.Retrieve(ctx, rec.StorageID)
	assert.ErrorIs(t, err, ErrNotFound)
	repo.honorCancel = false
	assert.Zero(t, repo.count())
}

func TestSweepExpired(t *testing.T) {
	svc, repo, blobs, clock := newTestService(day)

	for i := 0; i < 3; i++ {
		storePayload(t, svc, "old")
	}
	clock.set(t0.Add(12 * time.Hour))
	fresh := storePayload(t, svc, "fresh")

	now := t0.Add(25 * time.Hour)
	n, err := svc.SweepExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, repo.count())
	assert.Equal(t, 1, blobs.count())

	n, err = svc.SweepExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, n, "sweep is idempotent")

	clock.set(now)
	body, _, err := svc.Retrieve(context.Background(), fresh.StorageID)
	require.NoError(t, err)
	require.NoError(t, body.Close())
}

func TestSweepExcludesRecordsExpiringExactlyNow(t *testing.T) {
	svc, repo, _, _ := newTestService(day)
	rec := storePayload(t, svc, "payload")

	n, err := svc.SweepExpired(context.Background(), *rec.ExpiresAt)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, repo.count())

	n, err = svc.SweepExpired(context.Background(), rec.ExpiresAt.Add(time.Microsecond))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExpiryScenario(t *testing.T) {
	svc, _, _, clock := newTestService(day)
	accessed := storePayload(t, svc, "0123456789")
	untouched := storePayload(t, svc, "9876543210")

	clock.set(t0.Add(time.Hour))
	body, _, err := svc.Retrieve(context.Background(), accessed.StorageID)
	require.NoError(t, err)
	require.NoError(t, body.Close())

	later := t0.Add(25 * time.Hour)
	clock.set(later)
	_, _, err = svc.Retrieve(context.Background(), accessed.StorageID)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := svc.SweepExpired(context.Background(), later)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	_, _, err = svc.Retrieve(context.Background(), untouched.StorageID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepLookupFailure(t *testing.T) {
	svc, repo, _, _ := newTestService(day)
	repo.findErr = errors.New("timeout")

	_, err := svc.SweepExpired(context.Background(), t0)
	assert.ErrorIs(t, err, ErrStorageFailure)
}

func TestSweepStopsOnCancellation(t *testing.T) {
	svc, repo, _, _ := newTestService(day)
	storePayload(t, svc, "a")
	storePayload(t, svc, "b")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := svc.SweepExpired(ctx, t0.Add(2*day))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
	assert.Equal(t, 2, repo.count())
}

func TestConcurrentSweepAndDelete(t *testing.T) {
	svc, repo, blobs, _ := newTestService(day)
	var records []Record
	for i := 0; i < 20; i++ {
		records = append(records, storePayload(t, svc, "payload"))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		removed int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := svc.SweepExpired(context.Background(), t0.Add(2*day))
			assert.NoError(t, err)
			mu.Lock()
			removed += n
			mu.Unlock()
		}()
	}
	for _, rec := range records {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			ok, err := svc.DeleteByKey(context.Background(), key)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				removed++
				mu.Unlock()
			}
		}(rec.DeletionKey)
	}
	wg.Wait()

	assert.Equal(t, len(records), removed, "each record is purged by exactly one caller")
	assert.Zero(t, repo.count())
	assert.Zero(t, blobs.count())
}

// --- helpers & fakes ---

func newTestService(retention time.Duration) (*Service, *fakeRepo, *fakeBlobStore, *fakeClock) {
	repo := newFakeRepo()
	blobs := newFakeBlobStore()
	clock := &fakeClock{now: t0}
	svc := NewService(repo, blobs, retention, nil)
	svc.nowFunc = clock.Now
	return svc, repo, blobs, clock
}

func storePayload(t *testing.T, svc *Service, payload string) Record {
	t.Helper()
	rec, err := svc.Store(context.Background(), bytes.NewReader([]byte(payload)), int64(len(payload)))
	require.NoError(t, err)
	return rec
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type fakeRepo struct {
	mu      sync.Mutex
	seq     int64
	records map[string]Record

	conflicts   int
	insertErr   error
	findErr     error
	deleteErr   error
	honorCancel bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]Record)}
}

func (f *fakeRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeRepo) Insert(ctx context.Context, rec Record) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return Record{}, f.insertErr
	}
	if f.conflicts > 0 {
		f.conflicts--
		return Record{}, ErrConflict
	}
	for _, r := range f.records {
		if r.StorageID == rec.StorageID || r.DeletionKey == rec.DeletionKey {
			return Record{}, ErrConflict
		}
	}
	f.seq++
	stored := rec.withID(f.seq)
	f.records[stored.StorageID] = stored
	return stored, nil
}

func (f *fakeRepo) FindByStorageID(ctx context.Context, storageID string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return Record{}, f.findErr
	}
	rec, ok := f.records[storageID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (f *fakeRepo) FindByDeletionKey(ctx context.Context, deletionKey string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return Record{}, f.findErr
	}
	for _, rec := range f.records {
		if rec.DeletionKey == deletionKey {
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

func (f *fakeRepo) FindExpiredBefore(ctx context.Context, t time.Time) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	var list []Record
	for _, rec := range f.records {
		if rec.ExpiresAt != nil && rec.ExpiresAt.Before(t) {
			list = append(list, rec)
		}
	}
	return list, nil
}

func (f *fakeRepo) Delete(ctx context.Context, rec Record) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.honorCancel {
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	stored, ok := f.records[rec.StorageID]
	if !ok || stored.ID != rec.ID {
		return false, nil
	}
	delete(f.records, rec.StorageID)
	return true, nil
}

type fakeBlobStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	removed int

	putErr    error
	deleteErr error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (f *fakeBlobStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blobs)
}

func (f *fakeBlobStore) removals() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed
}

func (f *fakeBlobStore) get(id string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blobs[id]
}

func (f *fakeBlobStore) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, id)
}

func (f *fakeBlobStore) Put(ctx context.Context, id string, r io.Reader, sizeHint int64) (int64, error) {
	if f.putErr != nil {
		return 0, f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[id] = data
	return int64(len(data)), nil
}

func (f *fakeBlobStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[id]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	if _, ok := f.blobs[id]; !ok {
		return false, nil
	}
	delete(f.blobs, id)
	f.removed++
	return true, nil
}
