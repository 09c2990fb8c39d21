// Package gridfs stores files in MongoDB GridFS, one GridFS bucket per namespace
// (<bucket>.files and <bucket>.chunks).
package gridfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cppla/filebox/models"
	"github.com/cppla/filebox/storage"
)

// cleanupTimeout bounds work that runs detached from the request context.
const cleanupTimeout = 30 * time.Second

type fileMeta struct {
	ContentType string `bson:"contentType"`
}

// fileDoc is a <bucket>.files document. Files written by other GridFS clients may carry
// contentType at the top level instead of inside metadata.
type fileDoc struct {
	ID          primitive.ObjectID `bson:"_id"`
	Length      int64              `bson:"length"`
	ChunkSize   int32              `bson:"chunkSize"`
	UploadDate  time.Time          `bson:"uploadDate"`
	Filename    string             `bson:"filename"`
	ContentType string             `bson:"contentType,omitempty"`
	Metadata    *fileMeta          `bson:"metadata,omitempty"`
}

func (d fileDoc) record(bucket string) models.FileRecord {
	contentType := d.ContentType
	if d.Metadata != nil && d.Metadata.ContentType != "" {
		contentType = d.Metadata.ContentType
	}
	return models.FileRecord{
		ID:          d.ID.Hex(),
		Filename:    d.Filename,
		ContentType: contentType,
		Length:      d.Length,
		ChunkSize:   int(d.ChunkSize),
		UploadedAt:  d.UploadDate.UTC(),
		Bucket:      bucket,
	}
}

// Store implements storage.Store on a MongoDB database.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	chunkSize int32

	mu      sync.Mutex
	buckets map[string]*gridfs.Bucket
}

// Connect dials uri, verifies the connection and uses the named database.
func Connect(ctx context.Context, uri, database string, chunkSize int) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return New(client, database, chunkSize), nil
}

// New uses an already connected client.
func New(client *mongo.Client, database string, chunkSize int) *Store {
	if chunkSize <= 0 {
		chunkSize = storage.DefaultChunkSize
	}
	return &Store{
		client:    client,
		db:        client.Database(database),
		chunkSize: int32(chunkSize),
		buckets:   map[string]*gridfs.Bucket{},
	}
}

func (s *Store) bucket(name string) (*gridfs.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b, err := gridfs.NewBucket(s.db, options.GridFSBucket().SetName(name).SetChunkSizeBytes(s.chunkSize))
	if err != nil {
		return nil, err
	}
	s.buckets[name] = b
	return b, nil
}

func (s *Store) Put(ctx context.Context, bucket, filename, contentType string, r io.Reader) (*models.FileRecord, error) {
	b, err := s.bucket(bucket)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrWrite, err)
	}
	us, err := b.OpenUploadStream(filename, options.GridFSUpload().SetMetadata(fileMeta{ContentType: contentType}))
	if err != nil {
		return nil, fmt.Errorf("%w: open upload stream: %w", storage.ErrWrite, err)
	}
	oid, ok := us.FileID.(primitive.ObjectID)
	if !ok {
		_ = us.Abort()
		return nil, fmt.Errorf("%w: unexpected file id type %T", storage.ErrWrite, us.FileID)
	}
	if err := s.touch(ctx, bucket, oid); err != nil {
		_ = us.Abort()
		return nil, fmt.Errorf("%w: register upload: %w", storage.ErrWrite, err)
	}
	defer s.untouch(bucket, oid)

	total, err := storage.SplitChunks(ctx, r, int(s.chunkSize), func(_ int, data []byte) error {
		if _, werr := us.Write(data); werr != nil {
			return werr
		}
		return s.touch(ctx, bucket, oid)
	})
	if err != nil {
		// Abort removes the chunks written so far; the files document is never created.
		_ = us.Abort()
		return nil, fmt.Errorf("%w: %w", storage.ErrWrite, err)
	}
	if err := us.Close(); err != nil {
		return nil, fmt.Errorf("%w: finalize upload: %w", storage.ErrWrite, err)
	}

	// A sweep that ran mid-upload leaves a files document over missing chunks.
	have, err := b.GetChunksCollection().CountDocuments(ctx, bson.M{"files_id": oid})
	if err == nil && int(have) != storage.ChunkCount(total, int(s.chunkSize)) {
		err = fmt.Errorf("%d of %d chunks survived", have, storage.ChunkCount(total, int(s.chunkSize)))
	}
	if err != nil {
		s.discard(b, oid)
		return nil, fmt.Errorf("%w: verify chunks: %w", storage.ErrWrite, err)
	}
	return s.findOne(ctx, b, bucket, bson.M{"_id": oid}, nil)
}

// uploads tracks in-flight uploads of a bucket by the time of their last chunk.
func (s *Store) uploads(bucket string) *mongo.Collection {
	return s.db.Collection(bucket + ".uploads")
}

func (s *Store) touch(ctx context.Context, bucket string, id primitive.ObjectID) error {
	_, err := s.uploads(bucket).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"touchedAt": time.Now().UTC()}},
		options.Update().SetUpsert(true))
	return err
}

func (s *Store) untouch(bucket string, id primitive.ObjectID) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_, _ = s.uploads(bucket).DeleteOne(ctx, bson.M{"_id": id})
}

// discard removes a finished upload that failed verification.
func (s *Store) discard(b *gridfs.Bucket, id primitive.ObjectID) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_ = b.DeleteContext(ctx, id)
	_, _ = b.GetChunksCollection().DeleteMany(ctx, bson.M{"files_id": id})
}

func (s *Store) findOne(ctx context.Context, b *gridfs.Bucket, bucket string, filter bson.M, opts *options.FindOneOptions) (*models.FileRecord, error) {
	var doc fileDoc
	var err error
	if opts != nil {
		err = b.GetFilesCollection().FindOne(ctx, filter, opts).Decode(&doc)
	} else {
		err = b.GetFilesCollection().FindOne(ctx, filter).Decode(&doc)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := doc.record(bucket)
	return &rec, nil
}

func (s *Store) Get(ctx context.Context, bucket, id string) (*models.FileRecord, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, storage.ErrNotFound
	}
	b, err := s.bucket(bucket)
	if err != nil {
		return nil, err
	}
	return s.findOne(ctx, b, bucket, bson.M{"_id": oid}, nil)
}

func (s *Store) FindByName(ctx context.Context, bucket, filename string) (*models.FileRecord, error) {
	b, err := s.bucket(bucket)
	if err != nil {
		return nil, err
	}
	newest := options.FindOne().SetSort(bson.D{{Key: "uploadDate", Value: -1}})
	return s.findOne(ctx, b, bucket, bson.M{"filename": filename}, newest)
}

func (s *Store) List(ctx context.Context, bucket string) ([]models.FileRecord, error) {
	b, err := s.bucket(bucket)
	if err != nil {
		return nil, err
	}
	cur, err := b.GetFilesCollection().Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "uploadDate", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []fileDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]models.FileRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.record(bucket))
	}
	return out, nil
}

func (s *Store) OpenReadStream(ctx context.Context, bucket, id string) (io.ReadCloser, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, storage.ErrNotFound
	}
	b, err := s.bucket(bucket)
	if err != nil {
		return nil, err
	}
	ds, err := b.OpenDownloadStream(oid)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &downloadReader{ctx: ctx, ds: ds}, nil
}

// downloadReader stops pulling chunks once the request context is done and tags driver
// failures as storage.ErrRead.
type downloadReader struct {
	ctx context.Context
	ds  *gridfs.DownloadStream
}

func (r *downloadReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := r.ds.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: %w", storage.ErrRead, err)
	}
	return n, err
}

func (r *downloadReader) Close() error { return r.ds.Close() }

func (s *Store) Delete(ctx context.Context, bucket, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return storage.ErrInvalidID
	}
	b, err := s.bucket(bucket)
	if err != nil {
		return err
	}
	err = b.DeleteContext(ctx, oid)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return storage.ErrNotFound
	}
	return err
}

// SweepOrphans removes chunk groups whose files document never appeared. ObjectIDs embed their
// creation time, so uploads started after olderThan are left alone, and so are older ones that
// wrote a chunk since.
func (s *Store) SweepOrphans(ctx context.Context, bucket string, olderThan time.Time) (int, error) {
	b, err := s.bucket(bucket)
	if err != nil {
		return 0, err
	}
	chunks := b.GetChunksCollection()
	files := b.GetFilesCollection()
	uploads := s.uploads(bucket)

	cutoff := primitive.NewObjectIDFromTimestamp(olderThan)
	ids, err := chunks.Distinct(ctx, "files_id", bson.M{"files_id": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, raw := range ids {
		n, err := files.CountDocuments(ctx, bson.M{"_id": raw})
		if err != nil {
			return removed, err
		}
		if n > 0 {
			continue
		}
		active, err := uploads.CountDocuments(ctx, bson.M{"_id": raw, "touchedAt": bson.M{"$gte": olderThan.UTC()}})
		if err != nil {
			return removed, err
		}
		if active > 0 {
			continue
		}
		if _, err := chunks.DeleteMany(ctx, bson.M{"files_id": raw}); err != nil {
			return removed, err
		}
		removed++
	}

	// entries left by a process that died mid-upload
	if _, err := uploads.DeleteMany(ctx, bson.M{"touchedAt": bson.M{"$lt": olderThan.UTC()}}); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

var _ storage.Store = (*Store)(nil)
