package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/cppla/filebox/models"
)

var (
	storeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebox_store_operations_total",
			Help: "Blob store operations by operation, bucket and result",
		},
		[]string{"op", "bucket", "result"},
	)

	storeBytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebox_store_bytes_written_total",
			Help: "Bytes accepted by successful uploads",
		},
		[]string{"bucket"},
	)

	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filebox_store_operation_duration_seconds",
			Help:    "Blob store operation latency (excludes streaming reads)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

type instrumented struct {
	next   Store
	logger *zap.Logger
}

// Instrument wraps a Store with Prometheus counters and debug logging.
func Instrument(next Store, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &instrumented{next: next, logger: logger.Named("store")}
}

func (s *instrumented) observe(op, bucket string, start time.Time, err error) {
	storeOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	storeOperationsTotal.WithLabelValues(op, bucket, resultLabel(err)).Inc()
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("store operation failed", zap.String("op", op), zap.String("bucket", bucket), zap.Error(err))
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidID):
		return "invalid_id"
	default:
		return "error"
	}
}

func (s *instrumented) Put(ctx context.Context, bucket, filename, contentType string, r io.Reader) (*models.FileRecord, error) {
	start := time.Now()
	rec, err := s.next.Put(ctx, bucket, filename, contentType, r)
	s.observe("put", bucket, start, err)
	if err == nil {
		storeBytesWritten.WithLabelValues(bucket).Add(float64(rec.Length))
		s.logger.Debug("stored file",
			zap.String("bucket", bucket),
			zap.String("id", rec.ID),
			zap.String("filename", rec.Filename),
			zap.Int64("length", rec.Length),
		)
	}
	return rec, err
}

func (s *instrumented) Get(ctx context.Context, bucket, id string) (*models.FileRecord, error) {
	start := time.Now()
	rec, err := s.next.Get(ctx, bucket, id)
	s.observe("get", bucket, start, err)
	return rec, err
}

func (s *instrumented) FindByName(ctx context.Context, bucket, filename string) (*models.FileRecord, error) {
	start := time.Now()
	rec, err := s.next.FindByName(ctx, bucket, filename)
	s.observe("find_by_name", bucket, start, err)
	return rec, err
}

func (s *instrumented) List(ctx context.Context, bucket string) ([]models.FileRecord, error) {
	start := time.Now()
	recs, err := s.next.List(ctx, bucket)
	s.observe("list", bucket, start, err)
	return recs, err
}

func (s *instrumented) OpenReadStream(ctx context.Context, bucket, id string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.next.OpenReadStream(ctx, bucket, id)
	s.observe("open", bucket, start, err)
	return rc, err
}

func (s *instrumented) Delete(ctx context.Context, bucket, id string) error {
	start := time.Now()
	err := s.next.Delete(ctx, bucket, id)
	s.observe("delete", bucket, start, err)
	return err
}

func (s *instrumented) SweepOrphans(ctx context.Context, bucket string, olderThan time.Time) (int, error) {
	start := time.Now()
	n, err := s.next.SweepOrphans(ctx, bucket, olderThan)
	s.observe("sweep", bucket, start, err)
	return n, err
}

func (s *instrumented) Close(ctx context.Context) error {
	return s.next.Close(ctx)
}
