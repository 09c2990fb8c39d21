package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// SplitChunks reads r into buffers of size bytes and hands each one to fn in ascending order.
// The buffer passed to fn is reused between calls. It returns the total number of bytes read.
func SplitChunks(ctx context.Context, r io.Reader, size int, fn func(n int, data []byte) error) (int64, error) {
	if size <= 0 {
		size = DefaultChunkSize
	}
	buf := make([]byte, size)
	var total int64
	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		read, err := io.ReadFull(r, buf)
		if read > 0 {
			if ferr := fn(n, buf[:read]); ferr != nil {
				return total, ferr
			}
			total += int64(read)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// ChunkCount is the number of chunks needed for length bytes.
func ChunkCount(length int64, size int) int {
	if length <= 0 || size <= 0 {
		return 0
	}
	return int((length + int64(size) - 1) / int64(size))
}

// ChunkFetcher loads chunk n of an object.
type ChunkFetcher func(ctx context.Context, n int) ([]byte, error)

// ChunkReader streams an object by fetching one chunk at a time.
type ChunkReader struct {
	ctx    context.Context
	fetch  ChunkFetcher
	length int64
	size   int

	next   int
	served int64
	cur    []byte
	err    error
	closed bool
}

// NewChunkReader returns a reader over an object of length bytes split into chunks of size bytes.
func NewChunkReader(ctx context.Context, length int64, size int, fetch ChunkFetcher) *ChunkReader {
	return &ChunkReader{ctx: ctx, fetch: fetch, length: length, size: size}
}

// Read implements io.Reader. Missing or short chunks surface as ErrRead, never as a clean EOF.
func (cr *ChunkReader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	if cr.closed {
		return 0, fmt.Errorf("%w: reader closed", ErrRead)
	}
	for len(cr.cur) == 0 {
		if cr.served >= cr.length {
			cr.err = io.EOF
			return 0, io.EOF
		}
		if err := cr.ctx.Err(); err != nil {
			cr.err = err
			return 0, err
		}
		data, err := cr.fetch(cr.ctx, cr.next)
		if err != nil {
			cr.err = fmt.Errorf("%w: chunk %d: %w", ErrRead, cr.next, err)
			return 0, cr.err
		}
		if want := cr.expected(cr.next); len(data) != want {
			cr.err = fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrRead, cr.next, len(data), want)
			return 0, cr.err
		}
		cr.cur = data
		cr.next++
	}
	n := copy(p, cr.cur)
	cr.cur = cr.cur[n:]
	cr.served += int64(n)
	return n, nil
}

// Close stops any further chunk fetches.
func (cr *ChunkReader) Close() error {
	cr.closed = true
	cr.cur = nil
	return nil
}

func (cr *ChunkReader) expected(n int) int {
	remaining := cr.length - int64(n)*int64(cr.size)
	if remaining > int64(cr.size) {
		return cr.size
	}
	return int(remaining)
}
