package chunk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/jmylchreest/abrcore/internal/connection"
)

// DefaultBlockSize is used when a source is created without a block size.
const DefaultBlockSize = 32 * 1024

// Request describes the segment to fetch.
type Request struct {
	Params connection.Params
	Range  connection.ByteRange
}

// SyncSource reads directly from the connection on the caller's goroutine.
type SyncSource struct {
	manager   *connection.Manager
	req       Request
	blockSize int
	logger    *slog.Logger

	conn          connection.Connection
	started       bool
	eof           bool
	contentLength int64
	consumed      int64
}

// NewSyncSource creates a synchronous source for req.
func NewSyncSource(manager *connection.Manager, req Request, blockSize int, logger *slog.Logger) *SyncSource {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncSource{
		manager:       manager,
		req:           req,
		blockSize:     blockSize,
		logger:        logger,
		contentLength: -1,
	}
}

// prepare resolves a connection and issues the request on first use.
func (s *SyncSource) prepare(ctx context.Context) bool {
	if s.started {
		return !s.eof
	}
	s.started = true

	start := time.Now()
	conn, err := s.manager.GetConnection(ctx, s.req.Params)
	if err != nil {
		s.manager.UpdateDownloadRate(0, time.Since(start))
		s.logger.Warn("no connection for segment",
			slog.String("url", s.req.Params.String()),
			slog.String("error", err.Error()),
		)
		s.eof = true
		return false
	}
	s.conn = conn

	length, err := conn.Request(ctx, s.req.Params.Path, s.req.Range)
	if err != nil {
		s.manager.UpdateDownloadRate(0, time.Since(start))
		s.logger.Warn("segment request failed",
			slog.String("url", s.req.Params.String()),
			slog.String("error", err.Error()),
		)
		s.manager.Discard(conn)
		s.conn = nil
		s.eof = true
		return false
	}
	s.contentLength = length
	if length == 0 {
		s.finish(nil)
		return false
	}
	return true
}

// HasMoreData reports whether further reads can return data.
func (s *SyncSource) HasMoreData() bool {
	return !s.eof
}

// ContentLength returns the announced length, or -1 while unknown.
func (s *SyncSource) ContentLength() int64 {
	return s.contentLength
}

// Read blocks until n bytes have been read, the segment ends or the
// transport fails. A short result marks end of data.
func (s *SyncSource) Read(ctx context.Context, n int) *Block {
	if !s.prepare(ctx) || n <= 0 {
		return nil
	}

	if s.contentLength >= 0 {
		if remaining := s.contentLength - s.consumed; int64(n) > remaining {
			n = int(remaining)
		}
	}

	buf := make([]byte, n)
	start := time.Now()
	got, err := io.ReadFull(s.conn, buf)
	s.manager.UpdateDownloadRate(int64(got), time.Since(start))
	s.consumed += int64(got)

	switch {
	case err != nil:
		s.finish(err)
	case s.contentLength >= 0 && s.consumed >= s.contentLength:
		s.finish(nil)
	}

	if got == 0 {
		return nil
	}
	b := &Block{Data: buf[:got]}
	if s.eof {
		b.Flags |= FlagLast
	}
	return b
}

// ReadBlock reads one block of the configured block size.
func (s *SyncSource) ReadBlock(ctx context.Context) *Block {
	return s.Read(ctx, s.blockSize)
}

// Close releases the connection. Unread response data makes it unusable.
func (s *SyncSource) Close() {
	s.started = true
	if s.conn == nil {
		s.eof = true
		return
	}
	if s.eof {
		return
	}
	s.eof = true
	s.manager.Discard(s.conn)
	s.conn = nil
}

// finish marks end of data and hands the connection back to the manager.
func (s *SyncSource) finish(err error) {
	s.eof = true
	if s.conn == nil {
		return
	}

	clean := err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
	if clean && (s.contentLength < 0 || s.consumed >= s.contentLength) {
		s.manager.Release(s.conn)
	} else {
		if err != nil {
			s.logger.Debug("segment transfer ended early",
				slog.String("url", s.req.Params.String()),
				slog.Int64("consumed", s.consumed),
				slog.Int64("content_length", s.contentLength),
				slog.String("error", err.Error()),
			)
		}
		s.manager.Discard(s.conn)
	}
	s.conn = nil
}
