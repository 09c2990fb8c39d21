// Package storetest holds the behavior every storage.Store implementation must satisfy.
package storetest

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/filebox/storage"
)

// Factory returns a fresh, empty store whose chunk size is chunkSize.
type Factory func(t *testing.T, chunkSize int) storage.Store

const chunkSize = 1024

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// Run exercises the full store contract against the factory's stores.
func Run(t *testing.T, newStore Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t, chunkSize)) })
	t.Run("GetAfterPut", func(t *testing.T) { testGetAfterPut(t, newStore(t, chunkSize)) })
	t.Run("DeleteThenGet", func(t *testing.T) { testDeleteThenGet(t, newStore(t, chunkSize)) })
	t.Run("DeleteUnknown", func(t *testing.T) { testDeleteUnknown(t, newStore(t, chunkSize)) })
	t.Run("EmptyList", func(t *testing.T) { testEmptyList(t, newStore(t, chunkSize)) })
	t.Run("BucketIsolation", func(t *testing.T) { testBucketIsolation(t, newStore(t, chunkSize)) })
	t.Run("FindByNameNewestWins", func(t *testing.T) { testFindByName(t, newStore(t, chunkSize)) })
	t.Run("FailedPutNotVisible", func(t *testing.T) { testFailedPut(t, newStore(t, chunkSize)) })
	t.Run("SweepDuringPut", func(t *testing.T) { testSweepDuringPut(t, newStore(t, chunkSize)) })
	t.Run("SweepSparesActiveUpload", func(t *testing.T) { testSweepSparesActiveUpload(t, newStore(t, chunkSize)) })
}

// HookReader serves Data and calls Hook once, right before the read that starts at offset At.
// Reads never cross At, so everything before it has been consumed when Hook runs.
type HookReader struct {
	Data []byte
	At   int
	Hook func()

	off    int
	called bool
}

func (r *HookReader) Read(p []byte) (int, error) {
	if r.off == r.At && !r.called {
		r.called = true
		r.Hook()
	}
	if r.off >= len(r.Data) {
		return 0, io.EOF
	}
	end := len(r.Data)
	if r.off < r.At && r.At < end {
		end = r.At
	}
	n := copy(p, r.Data[r.off:end])
	r.off += n
	return n, nil
}

func testRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sizes := map[string]int{
		"empty":          0,
		"one byte":       1,
		"exact chunk":    chunkSize,
		"chunk plus one": chunkSize + 1,
		"several chunks": chunkSize*7 + 13,
	}
	for name, size := range sizes {
		t.Run(name, func(t *testing.T) {
			data := randomBytes(t, size)
			rec, err := s.Put(ctx, "uploads", name+".bin", "application/octet-stream", bytes.NewReader(data))
			require.NoError(t, err)

			rc, err := s.OpenReadStream(ctx, "uploads", rec.ID)
			require.NoError(t, err)
			defer rc.Close()
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, len(data), len(got))
			assert.True(t, bytes.Equal(data, got))
		})
	}
}

func testGetAfterPut(t *testing.T, s storage.Store) {
	ctx := context.Background()
	data := randomBytes(t, 3*chunkSize+5)
	before := time.Now().Add(-time.Second)
	rec, err := s.Put(ctx, "safe-uploads", "report.pdf", "application/pdf", bytes.NewReader(data))
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)

	got, err := s.Get(ctx, "safe-uploads", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, int64(len(data)), got.Length)
	assert.Equal(t, "safe-uploads", got.Bucket)
	assert.Equal(t, "report.pdf", got.Filename)
	assert.Equal(t, "application/pdf", got.ContentType)
	assert.True(t, got.UploadedAt.After(before))
}

func testDeleteThenGet(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rec, err := s.Put(ctx, "uploads", "a.txt", "text/plain", bytes.NewReader(randomBytes(t, 2*chunkSize)))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "uploads", rec.ID))

	_, err = s.Get(ctx, "uploads", rec.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.OpenReadStream(ctx, "uploads", rec.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "uploads", rec.ID), storage.ErrNotFound)
}

func testDeleteUnknown(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rec, err := s.Put(ctx, "uploads", "keep.txt", "text/plain", bytes.NewReader([]byte("keep")))
	require.NoError(t, err)

	// A well-formed id from another upload, in the wrong bucket.
	assert.ErrorIs(t, s.Delete(ctx, "safe-uploads", rec.ID), storage.ErrNotFound)

	list, err := s.List(ctx, "uploads")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testEmptyList(t *testing.T, s storage.Store) {
	list, err := s.List(context.Background(), "uploads")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func testBucketIsolation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	pub, err := s.Put(ctx, "uploads", "pub.txt", "text/plain", bytes.NewReader([]byte("public")))
	require.NoError(t, err)
	priv, err := s.Put(ctx, "safe-uploads", "priv.txt", "text/plain", bytes.NewReader([]byte("private")))
	require.NoError(t, err)

	list, err := s.List(ctx, "uploads")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, pub.ID, list[0].ID)

	_, err = s.Get(ctx, "uploads", priv.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.FindByName(ctx, "uploads", "priv.txt")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testFindByName(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.Put(ctx, "safe-uploads", "notes.txt", "text/plain", bytes.NewReader([]byte("first")))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	second, err := s.Put(ctx, "safe-uploads", "notes.txt", "text/plain", bytes.NewReader([]byte("second")))
	require.NoError(t, err)

	got, err := s.FindByName(ctx, "safe-uploads", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = s.FindByName(ctx, "safe-uploads", "missing.txt")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type failingReader struct {
	remaining int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.ErrClosedPipe
	}
	n := len(p)
	if n > r.remaining {
		n = r.remaining
	}
	r.remaining -= n
	return n, nil
}

func testFailedPut(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.Put(ctx, "uploads", "broken.bin", "application/octet-stream", &failingReader{remaining: 3*chunkSize + 10})
	require.ErrorIs(t, err, storage.ErrWrite)

	list, err := s.List(ctx, "uploads")
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = s.FindByName(ctx, "uploads", "broken.bin")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	n, err := s.SweepOrphans(ctx, "uploads", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "failed put must clean up its own chunks")
}

// A sweep that lands between two chunks of an upload may either leave it alone or kill it, but a
// Put that reports success must read back intact.
func testSweepDuringPut(t *testing.T, s storage.Store) {
	ctx := context.Background()
	data := randomBytes(t, 3*chunkSize+7)
	r := &HookReader{Data: data, At: chunkSize, Hook: func() {
		_, err := s.SweepOrphans(ctx, "uploads", time.Now().Add(time.Minute))
		require.NoError(t, err)
	}}

	rec, err := s.Put(ctx, "uploads", "slow.bin", "application/octet-stream", r)
	if err != nil {
		require.ErrorIs(t, err, storage.ErrWrite)
		list, err := s.List(ctx, "uploads")
		require.NoError(t, err)
		assert.Empty(t, list)
		n, err := s.SweepOrphans(ctx, "uploads", time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n, "failed put must clean up its own chunks")
		return
	}

	rc, err := s.OpenReadStream(ctx, "uploads", rec.ID)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func testSweepSparesActiveUpload(t *testing.T, s storage.Store) {
	ctx := context.Background()
	data := randomBytes(t, 2*chunkSize+3)
	r := &HookReader{Data: data, At: chunkSize, Hook: func() {
		n, err := s.SweepOrphans(ctx, "uploads", time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n)
	}}

	rec, err := s.Put(ctx, "uploads", "steady.bin", "application/octet-stream", r)
	require.NoError(t, err)

	rc, err := s.OpenReadStream(ctx, "uploads", rec.ID)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}
