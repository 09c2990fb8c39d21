// Package storage defines the chunked blob store shared by every bucket namespace.
//
// A Store keeps, per bucket, a set of file records and the ordered chunks that make up each
// file's content. Implementations live in the subpackages (memory, sqlstore, gridfs, s3store).
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cppla/filebox/models"
)

// DefaultChunkSize matches the GridFS default of 255 KiB.
const DefaultChunkSize = 255 * 1024

var (
	// ErrNotFound is returned when a record does not exist in the bucket.
	ErrNotFound = errors.New("file not found")
	// ErrInvalidID is returned when an identifier cannot be parsed by the backend.
	ErrInvalidID = errors.New("invalid file id")
	// ErrWrite wraps every failure while storing an upload.
	ErrWrite = errors.New("storage write failed")
	// ErrRead wraps every failure while streaming an existing object.
	ErrRead = errors.New("storage read failed")
)

// Store is the blob store contract.
type Store interface {
	// Put consumes r in fixed-size chunks and publishes the record once every chunk is stored.
	Put(ctx context.Context, bucket, filename, contentType string, r io.Reader) (*models.FileRecord, error)
	// Get looks up metadata only.
	Get(ctx context.Context, bucket, id string) (*models.FileRecord, error)
	// FindByName returns the most recently uploaded record with the given filename.
	FindByName(ctx context.Context, bucket, filename string) (*models.FileRecord, error)
	// List returns every record in the bucket. An empty bucket yields an empty slice.
	List(ctx context.Context, bucket string) ([]models.FileRecord, error)
	// OpenReadStream returns a forward-only reader over the object's chunks.
	OpenReadStream(ctx context.Context, bucket, id string) (io.ReadCloser, error)
	// Delete removes the record and all of its chunks.
	Delete(ctx context.Context, bucket, id string) error
	// SweepOrphans removes unfinished uploads older than olderThan and chunks without a record.
	SweepOrphans(ctx context.Context, bucket string, olderThan time.Time) (int, error)
	// Close releases the connection to the medium.
	Close(ctx context.Context) error
}
