// Package demux binds a sequence of segment chunks to a container demuxer
// whose output goes through an esout.ProxyOutput.
package demux

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/jmylchreest/abrcore/internal/chunk"
	"github.com/jmylchreest/abrcore/internal/observability"
)

// ChunkProvider hands out the chunks of consecutive segments. NextChunk
// blocks until a chunk is available and returns false when there are no
// more, or when the current sequence was interrupted.
type ChunkProvider interface {
	NextChunk(ctx context.Context) (*chunk.Chunk, bool)
}

// ChunkStream presents a chunk sequence as one contiguous io.Reader.
type ChunkStream struct {
	provider ChunkProvider
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	current *chunk.Chunk
	pending []byte
	eof     bool
}

// NewChunkStream creates a stream reading from provider. Reads block on
// ctx; see SetContext.
func NewChunkStream(ctx context.Context, provider ChunkProvider, metrics *observability.Metrics, logger *slog.Logger) *ChunkStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkStream{
		provider: provider,
		metrics:  metrics,
		logger:   logger,
		ctx:      ctx,
	}
}

// SetContext replaces the context used for blocking reads.
func (s *ChunkStream) SetContext(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
}

// Read implements io.Reader.
func (s *ChunkStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Peek returns up to n upcoming bytes without consuming them. Fewer bytes
// are returned only at the end of the sequence.
func (s *ChunkStream) Peek(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) < n {
		before := len(s.pending)
		if err := s.fill(); err != nil {
			if len(s.pending) > 0 {
				return s.pending, nil
			}
			return nil, err
		}
		if len(s.pending) == before {
			break
		}
	}
	if len(s.pending) > n {
		return s.pending[:n], nil
	}
	return s.pending, nil
}

// fill appends the next non-empty block to pending.
func (s *ChunkStream) fill() error {
	for {
		if s.eof {
			return io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			return err
		}

		if s.current == nil {
			c, ok := s.provider.NextChunk(s.ctx)
			if !ok {
				if err := s.ctx.Err(); err != nil {
					return err
				}
				s.eof = true
				return io.EOF
			}
			s.current = c
		}

		b := s.current.ReadBlock(s.ctx)
		if b == nil {
			if err := s.ctx.Err(); err != nil {
				return err
			}
			s.finishChunk()
			continue
		}
		if len(b.Data) == 0 {
			continue
		}
		s.pending = append(s.pending, b.Data...)
		return nil
	}
}

func (s *ChunkStream) finishChunk() {
	c := s.current
	s.current = nil
	if c.Truncated() {
		s.metrics.IncChunkFailures()
		s.logger.Warn("segment ended early",
			slog.Int64("offset", c.StartOffset()),
			slog.Int64("read", c.BytesRead()),
			slog.Int64("expected", c.Length()),
		)
	}
	c.Close()
}

// Reset drops the current chunk and any buffered bytes so reading resumes
// at the next chunk the provider supplies.
func (s *ChunkStream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
	s.pending = nil
	s.eof = false
}
