package memory

import (
	"time"

	"github.com/google/uuid"
)

// injectOrphan leaves chunks with no record behind, as a crashed upload would.
func (s *Store) injectOrphan(bucketName string, lastChunk time.Time, chunks ...[]byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	b := s.bucketLocked(bucketName)
	b.chunks[id] = chunks
	b.active[id] = lastChunk
	return id
}

// truncateChunks drops chunk n and everything after it from a stored object.
func (s *Store) truncateChunks(bucketName, id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[bucketName]; ok {
		if chunks := b.chunks[id]; n < len(chunks) {
			b.chunks[id] = chunks[:n]
		}
	}
}
