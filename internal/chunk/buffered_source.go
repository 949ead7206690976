package chunk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/abrcore/internal/connection"
)

// DefaultMaxBuffered bounds how far a fetch loop runs ahead of the consumer.
const DefaultMaxBuffered = 8 * 1024 * 1024

// BufferedSource fills an internal block queue from a background fetch loop
// run by the connection manager's Downloader.
type BufferedSource struct {
	manager     *connection.Manager
	req         Request
	blockSize   int
	maxBuffered int64
	logger      *slog.Logger

	mu            sync.Mutex
	cond          *sync.Cond
	queue         [][]byte
	buffered      int64
	want          int64
	contentLength int64
	started       bool
	done          bool
	closed        bool
	cancel        context.CancelFunc
}

// NewBufferedSource creates a buffered source for req. The fetch loop
// starts on the first read.
func NewBufferedSource(manager *connection.Manager, req Request, blockSize int, maxBuffered int64, logger *slog.Logger) *BufferedSource {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if maxBuffered < int64(blockSize) {
		maxBuffered = DefaultMaxBuffered
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &BufferedSource{
		manager:       manager,
		req:           req,
		blockSize:     blockSize,
		maxBuffered:   maxBuffered,
		logger:        logger,
		contentLength: -1,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the fetch loop. Reads call it implicitly.
func (s *BufferedSource) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *BufferedSource) startLocked() {
	if s.started || s.closed {
		return
	}
	s.started = true

	loop := func(ctx context.Context) {
		ctx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			cancel()
			s.finish()
			return
		}
		s.cancel = cancel
		s.mu.Unlock()

		stop := context.AfterFunc(ctx, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer stop()
		defer cancel()

		s.fetch(ctx)
	}

	downloader := s.manager.Downloader()
	if downloader == nil {
		go loop(context.Background())
		return
	}
	if err := downloader.Submit(loop); err != nil {
		s.logger.Warn("fetch loop not started",
			slog.String("url", s.req.Params.String()),
			slog.String("error", err.Error()),
		)
		s.done = true
		s.cond.Broadcast()
	}
}

// fetch runs on the downloader until the segment is complete, the transfer
// fails or the source is closed.
func (s *BufferedSource) fetch(ctx context.Context) {
	defer s.finish()

	if d := s.manager.Downloader(); d != nil {
		d.Pace()
	}

	start := time.Now()
	conn, err := s.manager.GetConnection(ctx, s.req.Params)
	if err != nil {
		s.manager.UpdateDownloadRate(0, time.Since(start))
		s.logger.Warn("no connection for segment",
			slog.String("url", s.req.Params.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	length, err := conn.Request(ctx, s.req.Params.Path, s.req.Range)
	if err != nil {
		s.manager.UpdateDownloadRate(0, time.Since(start))
		s.manager.Discard(conn)
		s.logger.Warn("segment request failed",
			slog.String("url", s.req.Params.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	s.contentLength = length
	s.cond.Broadcast()
	s.mu.Unlock()

	var transferred int64
	for length < 0 || transferred < length {
		if !s.waitForRoom(ctx) {
			s.manager.Discard(conn)
			return
		}

		size := int64(s.blockSize)
		if length >= 0 && length-transferred < size {
			size = length - transferred
		}
		buf := make([]byte, size)

		readStart := time.Now()
		n, err := io.ReadFull(conn, buf)
		s.manager.UpdateDownloadRate(int64(n), time.Since(readStart))
		transferred += int64(n)

		if n > 0 {
			s.mu.Lock()
			s.queue = append(s.queue, buf[:n])
			s.buffered += int64(n)
			s.cond.Broadcast()
			s.mu.Unlock()
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if length < 0 {
					s.manager.Release(conn)
					return
				}
			}
			s.logger.Debug("segment transfer ended early",
				slog.String("url", s.req.Params.String()),
				slog.Int64("transferred", transferred),
				slog.Int64("content_length", length),
				slog.String("error", err.Error()),
			)
			s.manager.Discard(conn)
			return
		}
	}

	s.manager.Release(conn)
}

// waitForRoom blocks while the queue is full and the consumer is not
// waiting for more than is buffered. It returns false when the loop should stop.
func (s *BufferedSource) waitForRoom(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buffered >= s.maxBuffered && s.buffered >= s.want && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}
	return !s.closed && ctx.Err() == nil
}

func (s *BufferedSource) finish() {
	s.mu.Lock()
	s.done = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// HasMoreData reports whether further reads can return data.
func (s *BufferedSource) HasMoreData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return !s.done || s.buffered > 0
}

// ContentLength returns the announced length, or -1 while unknown.
func (s *BufferedSource) ContentLength() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentLength
}

// Read blocks until n bytes are buffered or the fetch loop is done. At
// completion the remainder is returned short; later calls return nil.
// Cancelling ctx returns nil without ending the source.
func (s *BufferedSource) Read(ctx context.Context, n int) *Block {
	if n <= 0 {
		return nil
	}
	return s.read(ctx, int64(n), func() []byte {
		return s.take(n)
	})
}

// ReadBlock returns the oldest fetched block whole.
func (s *BufferedSource) ReadBlock(ctx context.Context) *Block {
	return s.read(ctx, 1, func() []byte {
		data := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.buffered -= int64(len(data))
		return data
	})
}

func (s *BufferedSource) read(ctx context.Context, want int64, take func() []byte) *Block {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.startLocked()
	s.want = want
	s.cond.Broadcast()
	for s.buffered < want && !s.done && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}
	s.want = 0
	if s.closed || ctx.Err() != nil || s.buffered == 0 {
		return nil
	}

	data := take()
	s.cond.Broadcast()

	b := &Block{Data: data}
	if s.done && s.buffered == 0 {
		b.Flags |= FlagLast
	}
	return b
}

// take removes up to n bytes from the queue (must hold lock).
func (s *BufferedSource) take(n int) []byte {
	if int64(n) > s.buffered {
		n = int(s.buffered)
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		head := s.queue[0]
		want := n - len(out)
		if len(head) <= want {
			out = append(out, head...)
			s.queue[0] = nil
			s.queue = s.queue[1:]
			continue
		}
		out = append(out, head[:want]...)
		s.queue[0] = head[want:]
	}
	s.buffered -= int64(n)
	return out
}

// Close stops the fetch loop and drops buffered data.
func (s *BufferedSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	s.buffered = 0
	if s.cancel != nil {
		s.cancel()
	}
	s.cond.Broadcast()
}
