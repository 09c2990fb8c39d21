// Package memory is an in-process storage.Store. Nothing survives a restart; it backs the
// "memory" storage driver and the handler tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cppla/filebox/models"
	"github.com/cppla/filebox/storage"
)

var errUploadSwept = errors.New("upload was swept before it completed")

type bucket struct {
	records map[string]models.FileRecord
	chunks  map[string][][]byte
	active  map[string]time.Time // unpublished uploads, by time of their last chunk
}

// Store keeps records and chunks in maps guarded by one mutex.
type Store struct {
	chunkSize int

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// New creates an empty Store that splits content into chunkSize pieces.
func New(chunkSize int) *Store {
	if chunkSize <= 0 {
		chunkSize = storage.DefaultChunkSize
	}
	return &Store{chunkSize: chunkSize, buckets: map[string]*bucket{}}
}

func (s *Store) bucketLocked(name string) *bucket {
	b, ok := s.buckets[name]
	if !ok {
		b = &bucket{
			records: map[string]models.FileRecord{},
			chunks:  map[string][][]byte{},
			active:  map[string]time.Time{},
		}
		s.buckets[name] = b
	}
	return b
}

func (s *Store) Put(ctx context.Context, bucketName, filename, contentType string, r io.Reader) (*models.FileRecord, error) {
	id := uuid.NewString()
	s.mu.Lock()
	b := s.bucketLocked(bucketName)
	b.active[id] = time.Now()
	s.mu.Unlock()

	total, err := storage.SplitChunks(ctx, r, s.chunkSize, func(n int, data []byte) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := b.active[id]; !ok {
			return errUploadSwept
		}
		b.chunks[id] = append(b.chunks[id], append([]byte(nil), data...))
		b.active[id] = time.Now()
		return nil
	})
	if err != nil {
		s.mu.Lock()
		delete(b.chunks, id)
		delete(b.active, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", storage.ErrWrite, err)
	}

	rec := models.FileRecord{
		ID:          id,
		Filename:    filename,
		ContentType: contentType,
		Length:      total,
		ChunkSize:   s.chunkSize,
		UploadedAt:  time.Now().UTC(),
		Bucket:      bucketName,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := b.active[id]; !ok {
		delete(b.chunks, id)
		return nil, fmt.Errorf("%w: %w", storage.ErrWrite, errUploadSwept)
	}
	b.records[id] = rec
	delete(b.active, id)
	return &rec, nil
}

func (s *Store) Get(_ context.Context, bucketName, id string) (*models.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucketName]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec, ok := b.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) FindByName(_ context.Context, bucketName, filename string) (*models.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucketName]
	if !ok {
		return nil, storage.ErrNotFound
	}
	var found *models.FileRecord
	for _, rec := range b.records {
		if rec.Filename != filename {
			continue
		}
		if found == nil || rec.UploadedAt.After(found.UploadedAt) {
			r := rec
			found = &r
		}
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	return found, nil
}

func (s *Store) List(_ context.Context, bucketName string) ([]models.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.FileRecord{}
	b, ok := s.buckets[bucketName]
	if !ok {
		return out, nil
	}
	for _, rec := range b.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}

func (s *Store) OpenReadStream(ctx context.Context, bucketName, id string) (io.ReadCloser, error) {
	rec, err := s.Get(ctx, bucketName, id)
	if err != nil {
		return nil, err
	}
	return storage.NewChunkReader(ctx, rec.Length, rec.ChunkSize, func(_ context.Context, n int) ([]byte, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		chunks := s.buckets[bucketName].chunks[id]
		if n >= len(chunks) {
			return nil, storage.ErrNotFound
		}
		return chunks[n], nil
	}), nil
}

func (s *Store) Delete(_ context.Context, bucketName, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketName]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := b.records[id]; !ok {
		return storage.ErrNotFound
	}
	delete(b.records, id)
	delete(b.chunks, id)
	return nil
}

func (s *Store) SweepOrphans(_ context.Context, bucketName string, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketName]
	if !ok {
		return 0, nil
	}
	removed := 0
	for id := range b.chunks {
		if _, ok := b.records[id]; ok {
			continue
		}
		if last, ok := b.active[id]; ok && !last.Before(olderThan) {
			continue
		}
		delete(b.chunks, id)
		delete(b.active, id)
		removed++
	}
	// uploads that have not produced a chunk yet
	for id, last := range b.active {
		if _, ok := b.chunks[id]; !ok && last.Before(olderThan) {
			delete(b.active, id)
		}
	}
	return removed, nil
}

func (s *Store) Close(context.Context) error { return nil }

var _ storage.Store = (*Store)(nil)
