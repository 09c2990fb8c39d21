// Package s3store keeps files in an S3-compatible object store.
//
// Each namespace is a key prefix inside one S3 bucket:
//
//	<ns>/files/<id>.json      record, written "pending" first and "complete" last
//	<ns>/chunks/<id>/<n>      one object per chunk, n zero-padded
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cppla/filebox/models"
	"github.com/cppla/filebox/storage"
)

const cleanupTimeout = 30 * time.Second

var errUploadSwept = errors.New("upload was swept before it completed")

type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

type Store struct {
	cl        *minio.Client
	bucket    string
	chunkSize int
}

// objectRecord is the JSON body of a record object.
type objectRecord struct {
	models.FileRecord
	Status string `json:"status"`
}

// New connects to the endpoint and creates the S3 bucket when it does not exist yet.
func New(ctx context.Context, cfg Config, chunkSize int) (*Store, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	cl, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, err
	}
	exists, err := cl.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("s3 bucket check: %w", err)
	}
	if !exists {
		if err := cl.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("s3 make bucket: %w", err)
		}
	}
	if chunkSize <= 0 {
		chunkSize = storage.DefaultChunkSize
	}
	return &Store{cl: cl, bucket: cfg.Bucket, chunkSize: chunkSize}, nil
}

func recordKey(ns, id string) string { return ns + "/files/" + id + ".json" }

func chunkPrefix(ns, id string) string { return ns + "/chunks/" + id + "/" }

func chunkKey(ns, id string, n int) string { return fmt.Sprintf("%s%06d", chunkPrefix(ns, id), n) }

// validID keeps ids from escaping their key prefix.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (s *Store) writeRecord(ctx context.Context, ns string, rec objectRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.cl.PutObject(ctx, s.bucket, recordKey(ns, rec.ID), bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (s *Store) readRecord(ctx context.Context, ns, id string) (*objectRecord, error) {
	obj, err := s.cl.GetObject(ctx, s.bucket, recordKey(ns, id), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	var rec objectRecord
	if err := json.NewDecoder(obj).Decode(&rec); err != nil {
		if isNoSuchKey(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Put(ctx context.Context, bucket, filename, contentType string, r io.Reader) (*models.FileRecord, error) {
	rec := objectRecord{
		FileRecord: models.FileRecord{
			ID:          uuid.NewString(),
			Filename:    filename,
			ContentType: contentType,
			ChunkSize:   s.chunkSize,
			UploadedAt:  time.Now().UTC(),
			Bucket:      bucket,
		},
		Status: models.FileStatusPending,
	}
	if err := s.writeRecord(ctx, bucket, rec); err != nil {
		return nil, fmt.Errorf("%w: create record: %w", storage.ErrWrite, err)
	}

	total, err := storage.SplitChunks(ctx, r, s.chunkSize, func(n int, data []byte) error {
		_, perr := s.cl.PutObject(ctx, s.bucket, chunkKey(bucket, rec.ID, n), bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: "application/octet-stream"})
		return perr
	})
	if err != nil {
		s.discard(bucket, rec.ID)
		return nil, fmt.Errorf("%w: write chunks: %w", storage.ErrWrite, err)
	}

	want := storage.ChunkCount(total, s.chunkSize)
	if err := s.verify(ctx, bucket, rec.ID, want, true); err != nil {
		s.discard(bucket, rec.ID)
		return nil, fmt.Errorf("%w: verify chunks: %w", storage.ErrWrite, err)
	}

	rec.Length = total
	rec.UploadedAt = time.Now().UTC()
	rec.Status = models.FileStatusComplete
	if err := s.writeRecord(ctx, bucket, rec); err != nil {
		s.discard(bucket, rec.ID)
		return nil, fmt.Errorf("%w: publish record: %w", storage.ErrWrite, err)
	}
	// S3 has no conditional write, so look again for a sweep that raced the publish.
	if err := s.verify(ctx, bucket, rec.ID, want, false); err != nil {
		s.discard(bucket, rec.ID)
		return nil, fmt.Errorf("%w: verify chunks: %w", storage.ErrWrite, err)
	}
	out := rec.FileRecord
	return &out, nil
}

// verify checks that all want chunks of an upload are in place and, when pending is set, that
// its record still waits to be published.
func (s *Store) verify(ctx context.Context, ns, id string, want int, pending bool) error {
	if pending {
		cur, err := s.readRecord(ctx, ns, id)
		if errors.Is(err, storage.ErrNotFound) {
			return errUploadSwept
		}
		if err != nil {
			return err
		}
		if cur.Status != models.FileStatusPending {
			return errUploadSwept
		}
	}
	have, err := s.countChunks(ctx, ns, id)
	if err != nil {
		return err
	}
	if have != want {
		return fmt.Errorf("%w: %d of %d chunks left", errUploadSwept, have, want)
	}
	return nil
}

func (s *Store) countChunks(ctx context.Context, ns, id string) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	n := 0
	for info := range s.cl.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: chunkPrefix(ns, id), Recursive: true}) {
		if info.Err != nil {
			return 0, info.Err
		}
		n++
	}
	return n, nil
}

// discard removes whatever a failed Put managed to write.
func (s *Store) discard(ns, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_ = s.removeChunks(ctx, ns, id)
	_ = s.cl.RemoveObject(ctx, s.bucket, recordKey(ns, id), minio.RemoveObjectOptions{})
}

func (s *Store) removeChunks(ctx context.Context, ns, id string) error {
	objects := s.cl.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: chunkPrefix(ns, id), Recursive: true})
	for rerr := range s.cl.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return rerr.Err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, bucket, id string) (*models.FileRecord, error) {
	if !validID(id) {
		return nil, storage.ErrNotFound
	}
	rec, err := s.readRecord(ctx, bucket, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.FileStatusComplete {
		return nil, storage.ErrNotFound
	}
	out := rec.FileRecord
	return &out, nil
}

func (s *Store) records(ctx context.Context, ns string) ([]objectRecord, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var out []objectRecord
	for info := range s.cl.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: ns + "/files/", Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		id := strings.TrimSuffix(strings.TrimPrefix(info.Key, ns+"/files/"), ".json")
		rec, err := s.readRecord(ctx, ns, id)
		if errors.Is(err, storage.ErrNotFound) {
			// deleted between list and read
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *Store) List(ctx context.Context, bucket string) ([]models.FileRecord, error) {
	recs, err := s.records(ctx, bucket)
	if err != nil {
		return nil, err
	}
	out := make([]models.FileRecord, 0, len(recs))
	for _, r := range recs {
		if r.Status == models.FileStatusComplete {
			out = append(out, r.FileRecord)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}

func (s *Store) FindByName(ctx context.Context, bucket, filename string) (*models.FileRecord, error) {
	list, err := s.List(ctx, bucket)
	if err != nil {
		return nil, err
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Filename == filename {
			rec := list[i]
			return &rec, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) OpenReadStream(ctx context.Context, bucket, id string) (io.ReadCloser, error) {
	rec, err := s.Get(ctx, bucket, id)
	if err != nil {
		return nil, err
	}
	return storage.NewChunkReader(ctx, rec.Length, rec.ChunkSize, func(ctx context.Context, n int) ([]byte, error) {
		obj, err := s.cl.GetObject(ctx, s.bucket, chunkKey(bucket, id, n), minio.GetObjectOptions{})
		if err != nil {
			return nil, err
		}
		defer obj.Close()
		data, err := io.ReadAll(obj)
		if err != nil && isNoSuchKey(err) {
			return nil, storage.ErrNotFound
		}
		return data, err
	}), nil
}

// Delete removes the record first so the file disappears from listings before its chunks go.
func (s *Store) Delete(ctx context.Context, bucket, id string) error {
	if !validID(id) {
		return storage.ErrInvalidID
	}
	if _, err := s.Get(ctx, bucket, id); err != nil {
		return err
	}
	if err := s.cl.RemoveObject(ctx, s.bucket, recordKey(bucket, id), minio.RemoveObjectOptions{}); err != nil {
		return err
	}
	return s.removeChunks(ctx, bucket, id)
}

func (s *Store) SweepOrphans(ctx context.Context, bucket string, olderThan time.Time) (int, error) {
	recs, err := s.records(ctx, bucket)
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(recs))
	removed := 0
	for _, r := range recs {
		known[r.ID] = true
		if r.Status != models.FileStatusPending || !r.UploadedAt.Before(olderThan) {
			continue
		}
		// an upload that started long ago but keeps writing chunks is still alive
		stale, err := s.chunksOlderThan(ctx, bucket, r.ID, olderThan)
		if err != nil {
			return removed, err
		}
		if !stale {
			continue
		}
		if err := s.removeChunks(ctx, bucket, r.ID); err != nil {
			return removed, err
		}
		if err := s.cl.RemoveObject(ctx, s.bucket, recordKey(bucket, r.ID), minio.RemoveObjectOptions{}); err != nil {
			return removed, err
		}
		removed++
	}

	// Chunk groups with no record at all: a discard that lost its connection halfway.
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	prefix := bucket + "/chunks/"
	for info := range s.cl.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if info.Err != nil {
			return removed, info.Err
		}
		id := strings.TrimSuffix(strings.TrimPrefix(info.Key, prefix), "/")
		if known[id] {
			continue
		}
		stale, err := s.chunksOlderThan(ctx, bucket, id, olderThan)
		if err != nil {
			return removed, err
		}
		if !stale {
			continue
		}
		if err := s.removeChunks(ctx, bucket, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) chunksOlderThan(ctx context.Context, ns, id string, olderThan time.Time) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for info := range s.cl.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: chunkPrefix(ns, id), Recursive: true}) {
		if info.Err != nil {
			return false, info.Err
		}
		if !info.LastModified.Before(olderThan) {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) Close(context.Context) error { return nil }

var _ storage.Store = (*Store)(nil)
