package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "nullpath:"
	redisSequenceKey = redisKeyPrefix + "file:seq"
	redisExpiryKey   = redisKeyPrefix + "file:expiry"
)

// RedisRepository keeps file metadata in Redis: one JSON value per storage
// identifier, a deletion key → storage identifier index, and a sorted set of
// storage identifiers scored by expiry in Unix milliseconds.
type RedisRepository struct {
	client *redis.Client
}

// NewRedisRepository wraps an established client.
func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client}
}

type redisRecord struct {
	ID            int64      `json:"id"`
	StorageID     string     `json:"storage_identifier"`
	DeletionKey   string     `json:"deletion_key"`
	EncryptedSize int64      `json:"encrypted_size"`
	UploadedAt    time.Time  `json:"uploaded_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// Insert stores rec under a fresh sequence ID. The existence check and writes
// run in one WATCH transaction so a concurrent insert of the same token fails
// with ErrConflict instead of overwriting.
func (r *RedisRepository) Insert(ctx context.Context, rec Record) (Record, error) {
	seq, err := r.client.Incr(ctx, redisSequenceKey).Result()
	if err != nil {
		return Record{}, fmt.Errorf("next sequence: %w", err)
	}
	stored := rec.withID(seq)
	payload, err := json.Marshal(redisRecord(stored))
	if err != nil {
		return Record{}, fmt.Errorf("marshal record: %w", err)
	}

	fileKey := redisFileKey(stored.StorageID)
	delKey := redisDeletionKey(stored.DeletionKey)

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, fileKey, delKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, fileKey, payload, 0)
			pipe.Set(ctx, delKey, stored.StorageID, 0)
			if stored.ExpiresAt != nil {
				pipe.ZAdd(ctx, redisExpiryKey, redis.Z{
					Score:  float64(stored.ExpiresAt.UnixMilli()),
					Member: stored.StorageID,
				})
			}
			return nil
		})
		return err
	}, fileKey, delKey)
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, redis.TxFailedErr) {
			return Record{}, ErrConflict
		}
		return Record{}, fmt.Errorf("insert record: %w", err)
	}
	return stored, nil
}

// FindByStorageID fetches the record for a download token.
func (r *RedisRepository) FindByStorageID(ctx context.Context, storageID string) (Record, error) {
	data, err := r.client.Get(ctx, redisFileKey(storageID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	var rr redisRecord
	if err := json.Unmarshal(data, &rr); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return Record(rr), nil
}

// FindByDeletionKey fetches the record for a deletion token.
func (r *RedisRepository) FindByDeletionKey(ctx context.Context, deletionKey string) (Record, error) {
	storageID, err := r.client.Get(ctx, redisDeletionKey(deletionKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get deletion key: %w", err)
	}
	return r.FindByStorageID(ctx, storageID)
}

// FindExpiredBefore returns records whose expiry is strictly before t. The
// index has millisecond resolution, so candidates are re-checked against the
// stored timestamp.
func (r *RedisRepository) FindExpiredBefore(ctx context.Context, t time.Time) ([]Record, error) {
	ids, err := r.client.ZRangeByScore(ctx, redisExpiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(t.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range expiry index: %w", err)
	}

	var records []Record
	for _, id := range ids {
		rec, err := r.FindByStorageID(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if rec.ExpiresAt != nil && rec.ExpiresAt.Before(t) {
			records = append(records, rec)
		}
	}
	return records, nil
}

// Delete removes the record and its index entries in one MULTI/EXEC. Only the
// call whose DEL actually removed the record reports true.
func (r *RedisRepository) Delete(ctx context.Context, rec Record) (bool, error) {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, redisFileKey(rec.StorageID))
		pipe.Del(ctx, redisDeletionKey(rec.DeletionKey))
		pipe.ZRem(ctx, redisExpiryKey, rec.StorageID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	return del.Val() > 0, nil
}

// Ping checks Redis connectivity.
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func redisFileKey(storageID string) string {
	return redisKeyPrefix + "file:" + storageID
}

func redisDeletionKey(deletionKey string) string {
	return redisKeyPrefix + "delkey:" + deletionKey
}
