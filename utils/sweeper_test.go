package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/filebox/storage"
)

// sweepRecorder is a storage.Store that only records SweepOrphans calls.
type sweepRecorder struct {
	storage.Store

	mu      sync.Mutex
	calls   map[string]time.Time
	removed int
	fail    map[string]error
}

func (r *sweepRecorder) SweepOrphans(_ context.Context, bucket string, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]time.Time{}
	}
	r.calls[bucket] = olderThan
	if err := r.fail[bucket]; err != nil {
		return 0, err
	}
	return r.removed, nil
}

func (r *sweepRecorder) called(bucket string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.calls[bucket]
	return ok
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return mr, rc
}

func TestSweepOnce_WithoutRedis(t *testing.T) {
	rec := &sweepRecorder{removed: 2}
	s := NewSweeper(rec, []string{"uploads", "safe-uploads"}, time.Minute, 30*time.Minute, nil)
	fixed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, fixed.Add(-30*time.Minute), rec.calls["uploads"])
	assert.True(t, rec.called("safe-uploads"))
}

func TestSweepOnce_ReleasesLock(t *testing.T) {
	mr, rc := newTestRedis(t)
	rec := &sweepRecorder{}
	s := NewSweeper(rec, []string{"uploads"}, time.Minute, time.Hour, rc)

	_, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.called("uploads"))
	assert.False(t, mr.Exists(lockKey("uploads")))
}

func TestSweepOnce_SkipsLockedBucket(t *testing.T) {
	mr, rc := newTestRedis(t)
	require.NoError(t, mr.Set(lockKey("uploads"), "other-instance"))
	rec := &sweepRecorder{}
	s := NewSweeper(rec, []string{"uploads", "safe-uploads"}, time.Minute, time.Hour, rc)

	_, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, rec.called("uploads"))
	assert.True(t, rec.called("safe-uploads"))

	v, err := mr.Get(lockKey("uploads"))
	require.NoError(t, err)
	assert.Equal(t, "other-instance", v, "a foreign lock is never released")
}

func TestSweepOnce_ContinuesAfterBucketError(t *testing.T) {
	boom := errors.New("boom")
	rec := &sweepRecorder{removed: 1, fail: map[string]error{"uploads": boom}}
	s := NewSweeper(rec, []string{"uploads", "safe-uploads"}, time.Minute, time.Hour, nil)

	n, err := s.SweepOnce(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
	assert.True(t, rec.called("safe-uploads"))
}

func TestStart_StopsOnCancel(t *testing.T) {
	rec := &sweepRecorder{}
	s := NewSweeper(rec, []string{"uploads"}, 10*time.Millisecond, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := s.Start(ctx)

	require.Eventually(t, func() bool { return rec.called("uploads") }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
