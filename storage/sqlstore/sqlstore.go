// Package sqlstore keeps file records and chunks in SQL tables through gorm.
//
// Layout mirrors GridFS: filebox_files holds one row per object, filebox_chunks one row per
// fragment keyed by (file_id, n). A files row starts out pending and becomes complete only after
// its last chunk is written, so readers never observe a partial upload.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cppla/filebox/models"
	"github.com/cppla/filebox/storage"
)

// cleanupTimeout bounds the best-effort removal of a failed upload, which runs detached from
// the request context.
const cleanupTimeout = 30 * time.Second

// errUploadSwept means the pending row vanished or moved on while its chunks were being written.
var errUploadSwept = errors.New("upload was swept before it completed")

// Store implements storage.Store on a gorm connection.
type Store struct {
	db        *gorm.DB
	chunkSize int
}

// New wraps an open, migrated database.
func New(db *gorm.DB, chunkSize int) *Store {
	if chunkSize <= 0 {
		chunkSize = storage.DefaultChunkSize
	}
	return &Store{db: db, chunkSize: chunkSize}
}

// Models lists the tables the store needs migrated.
func Models() []interface{} {
	return []interface{}{&models.StoredFile{}, &models.StoredChunk{}}
}

func (s *Store) Put(ctx context.Context, bucket, filename, contentType string, r io.Reader) (*models.FileRecord, error) {
	now := time.Now().UTC()
	row := models.StoredFile{
		ID:          uuid.NewString(),
		Bucket:      bucket,
		Filename:    filename,
		ContentType: contentType,
		ChunkSize:   s.chunkSize,
		Status:      models.FileStatusPending,
		UploadedAt:  now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("%w: create record: %w", storage.ErrWrite, err)
	}

	total, err := storage.SplitChunks(ctx, r, s.chunkSize, func(n int, data []byte) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// counting the chunk on the pending row also tells the sweeper the upload is alive
			res := tx.Model(&models.StoredFile{}).
				Where("id = ? AND status = ?", row.ID, models.FileStatusPending).
				Updates(map[string]interface{}{
					"chunks":     gorm.Expr("chunks + 1"),
					"updated_at": time.Now().UTC(),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errUploadSwept
			}
			return tx.Create(&models.StoredChunk{FileID: row.ID, N: n, Data: data}).Error
		})
	})
	if err != nil {
		s.discard(row.ID)
		return nil, fmt.Errorf("%w: write chunks: %w", storage.ErrWrite, err)
	}

	completedAt := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.StoredFile{}).
		Where("id = ? AND status = ? AND chunks = ?", row.ID, models.FileStatusPending, storage.ChunkCount(total, s.chunkSize)).
		Updates(map[string]interface{}{
			"status":      models.FileStatusComplete,
			"length":      total,
			"uploaded_at": completedAt,
			"updated_at":  completedAt,
		})
	if res.Error == nil && res.RowsAffected == 0 {
		res.Error = errUploadSwept
	}
	if res.Error != nil {
		s.discard(row.ID)
		return nil, fmt.Errorf("%w: publish record: %w", storage.ErrWrite, res.Error)
	}

	row.Length = total
	row.UploadedAt = completedAt
	rec := row.Record()
	return &rec, nil
}

// discard removes whatever a failed Put managed to write. Leftovers are picked up by SweepOrphans.
func (s *Store) discard(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_ = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("file_id = ?", id).Delete(&models.StoredChunk{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.StoredFile{}).Error
	})
}

func (s *Store) complete(ctx context.Context, bucket string) *gorm.DB {
	return s.db.WithContext(ctx).Where("bucket = ? AND status = ?", bucket, models.FileStatusComplete)
}

func (s *Store) Get(ctx context.Context, bucket, id string) (*models.FileRecord, error) {
	var row models.StoredFile
	if err := s.complete(ctx, bucket).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(err)
	}
	rec := row.Record()
	return &rec, nil
}

func (s *Store) FindByName(ctx context.Context, bucket, filename string) (*models.FileRecord, error) {
	var row models.StoredFile
	err := s.complete(ctx, bucket).
		Where("filename = ?", filename).
		Order("uploaded_at DESC").
		First(&row).Error
	if err != nil {
		return nil, notFound(err)
	}
	rec := row.Record()
	return &rec, nil
}

func (s *Store) List(ctx context.Context, bucket string) ([]models.FileRecord, error) {
	var rows []models.StoredFile
	if err := s.complete(ctx, bucket).Order("uploaded_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.FileRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Record())
	}
	return out, nil
}

func (s *Store) OpenReadStream(ctx context.Context, bucket, id string) (io.ReadCloser, error) {
	rec, err := s.Get(ctx, bucket, id)
	if err != nil {
		return nil, err
	}
	return storage.NewChunkReader(ctx, rec.Length, rec.ChunkSize, func(ctx context.Context, n int) ([]byte, error) {
		var chunk models.StoredChunk
		err := s.db.WithContext(ctx).
			Select("data").
			Where("file_id = ? AND n = ?", id, n).
			Take(&chunk).Error
		if err != nil {
			return nil, notFound(err)
		}
		return chunk.Data, nil
	}), nil
}

func (s *Store) Delete(ctx context.Context, bucket, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND bucket = ? AND status = ?", id, bucket, models.FileStatusComplete).
			Delete(&models.StoredFile{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrNotFound
		}
		return tx.Where("file_id = ?", id).Delete(&models.StoredChunk{}).Error
	})
}

// SweepOrphans drops pending rows that have not gained a chunk since olderThan, along with chunks
// whose row is gone entirely.
func (s *Store) SweepOrphans(ctx context.Context, bucket string, olderThan time.Time) (int, error) {
	db := s.db.WithContext(ctx)
	cutoff := olderThan.UTC()

	var stale []string
	err := db.Model(&models.StoredFile{}).
		Where("bucket = ? AND status = ? AND updated_at < ?", bucket, models.FileStatusPending, cutoff).
		Pluck("id", &stale).Error
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range stale {
		gone := false
		err := db.Transaction(func(tx *gorm.DB) error {
			// the row may have moved on since it was listed
			res := tx.Where("id = ? AND status = ? AND updated_at < ?", id, models.FileStatusPending, cutoff).
				Delete(&models.StoredFile{})
			if res.Error != nil || res.RowsAffected == 0 {
				return res.Error
			}
			gone = true
			return tx.Where("file_id = ?", id).Delete(&models.StoredChunk{}).Error
		})
		if err != nil {
			return removed, err
		}
		if gone {
			removed++
		}
	}

	var orphaned []string
	err = db.Model(&models.StoredChunk{}).
		Distinct("file_id").
		Where("file_id NOT IN (?)", db.Model(&models.StoredFile{}).Select("id")).
		Pluck("file_id", &orphaned).Error
	if err != nil {
		return removed, err
	}
	if len(orphaned) == 0 {
		return removed, nil
	}
	if err := db.Where("file_id IN ?", orphaned).Delete(&models.StoredChunk{}).Error; err != nil {
		return removed, err
	}
	return removed + len(orphaned), nil
}

func (s *Store) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

var _ storage.Store = (*Store)(nil)
