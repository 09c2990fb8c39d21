package utils

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cppla/filebox/storage"
)

// releaseLock deletes the lock only if this instance still owns it.
var releaseLock = redis.NewScript(`if redis.call('GET', KEYS[1]) == ARGV[1] then return redis.call('DEL', KEYS[1]) end return 0`)

// Sweeper periodically removes abandoned uploads from every bucket. With a Redis client only
// one instance sweeps a bucket at a time.
type Sweeper struct {
	store    storage.Store
	buckets  []string
	interval time.Duration
	grace    time.Duration
	redis    *redis.Client
	logger   *zap.Logger
	now      func() time.Time
}

// NewSweeper builds a sweeper; rc may be nil.
func NewSweeper(store storage.Store, buckets []string, interval, grace time.Duration, rc *redis.Client) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if grace <= 0 {
		grace = time.Hour
	}
	return &Sweeper{
		store:    store,
		buckets:  buckets,
		interval: interval,
		grace:    grace,
		redis:    rc,
		logger:   Logger,
		now:      time.Now,
	}
}

func lockKey(bucket string) string {
	return "filebox:sweep:" + bucket
}

// Start runs SweepOnce every interval until ctx is done. The returned channel closes when the
// loop has exited.
func (s *Sweeper) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Warn("orphan sweep failed", zap.Error(err))
				}
			}
		}
	}()
	return done
}

// SweepOnce sweeps every bucket whose lock it can take and returns the number of removed uploads.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.grace)
	total := 0
	var errs []error
	for _, b := range s.buckets {
		release, ok, err := s.acquire(ctx, b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			s.logger.Debug("sweep lock held elsewhere", zap.String("bucket", b))
			continue
		}
		n, err := s.store.SweepOrphans(ctx, b, cutoff)
		release()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			s.logger.Info("swept orphaned uploads", zap.String("bucket", b), zap.Int("count", n))
		}
		total += n
	}
	return total, errors.Join(errs...)
}

func (s *Sweeper) acquire(ctx context.Context, bucket string) (func(), bool, error) {
	if s.redis == nil {
		return func() {}, true, nil
	}
	key := lockKey(bucket)
	token := uuid.NewString()
	ok, err := s.redis.SetNX(ctx, key, token, s.interval).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseLock.Run(rctx, s.redis, []string{key}, token).Err()
	}, true, nil
}
