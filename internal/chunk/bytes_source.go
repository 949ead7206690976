package chunk

import (
	"context"
	"sync"
)

// BytesSource serves segment bytes already held in memory, such as a
// cached initialization segment.
type BytesSource struct {
	mu        sync.Mutex
	data      []byte
	length    int64
	blockSize int
	closed    bool
}

// NewBytesSource creates a source over data. The slice is not copied.
func NewBytesSource(data []byte, blockSize int) *BytesSource {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &BytesSource{data: data, length: int64(len(data)), blockSize: blockSize}
}

// HasMoreData reports whether unread bytes remain.
func (s *BytesSource) HasMoreData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && len(s.data) > 0
}

// Read returns up to n bytes, or nil once the data is exhausted or the
// source is closed.
func (s *BytesSource) Read(_ context.Context, n int) *Block {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.data) == 0 || n <= 0 {
		return nil
	}
	n = min(n, len(s.data))
	b := &Block{Data: s.data[:n:n]}
	s.data = s.data[n:]
	if len(s.data) == 0 {
		b.Flags |= FlagLast
	}
	return b
}

// ReadBlock returns the next block of at most the configured block size.
func (s *BytesSource) ReadBlock(ctx context.Context) *Block {
	return s.Read(ctx, s.blockSize)
}

// ContentLength returns the total size of the data.
func (s *BytesSource) ContentLength() int64 {
	return s.length
}

// Close releases the data. Later reads return nil.
func (s *BytesSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = nil
}
