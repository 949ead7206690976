package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/abrcore/internal/adaptation"
	"github.com/jmylchreest/abrcore/internal/config"
	"github.com/jmylchreest/abrcore/internal/connection"
	"github.com/jmylchreest/abrcore/internal/demux"
	"github.com/jmylchreest/abrcore/internal/esout"
	"github.com/jmylchreest/abrcore/internal/observability"
	"github.com/jmylchreest/abrcore/pkg/httpclient"
)

// ErrSessionClosed is returned when running a closed session.
var ErrSessionClosed = errors.New("session closed")

// Options carries the runtime dependencies of a Session.
type Options struct {
	Metrics *observability.Metrics
	Logger  *slog.Logger
	// Factory creates segment connections. Defaults to HTTP connections
	// built from the transport configuration.
	Factory connection.Factory
}

// Session plays a set of adaptation sets into one output. The first video
// set drives the clock; the others demux on their own timelines.
type Session struct {
	id         string
	started    time.Time
	logger     *slog.Logger
	logic      adaptation.Logic
	downloader *connection.Downloader
	manager    *connection.Manager
	streams    []*Stream

	mu      sync.Mutex
	running bool
	closed  bool
}

// HTTPClientConfig maps the transport configuration onto the resilient
// HTTP client.
func HTTPClientConfig(cfg config.TransportConfig, logger *slog.Logger) httpclient.Config {
	c := httpclient.DefaultConfig()
	if cfg.RequestTimeout > 0 {
		c.Timeout = cfg.RequestTimeout
	}
	c.RetryAttempts = cfg.RetryAttempts
	if cfg.RetryDelay > 0 {
		c.RetryDelay = cfg.RetryDelay
	}
	if cfg.CircuitThreshold > 0 {
		c.CircuitThreshold = cfg.CircuitThreshold
	}
	if cfg.CircuitTimeout > 0 {
		c.CircuitTimeout = cfg.CircuitTimeout
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if logger != nil {
		c.Logger = logger
	}
	return c
}

// New wires the shared adaptation logic, connection pool and downloader and
// creates one stream per adaptation set.
func New(cfg *config.Config, sets []*adaptation.AdaptationSet, out esout.Output, opts Options) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("session requires a configuration")
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("%w: no adaptation sets", ErrInvalidManifest)
	}
	if out == nil {
		return nil, errors.New("session requires an output")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	logger = logger.With(slog.String("session", id))

	logic, err := adaptation.New(cfg.Adaptation, opts.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("creating adaptation logic: %w", err)
	}

	factory := opts.Factory
	if factory == nil {
		client := HTTPClientConfig(cfg.Transport, logger)
		// Segment byte counts must match Content-Length.
		client.EnableDecompression = false
		factory = connection.NewHTTPFactory(connection.HTTPConfig{
			Client:         client,
			ConnectTimeout: cfg.Transport.ConnectTimeout,
			Logger:         logger,
		})
	}

	downloader := connection.NewDownloader(connection.DownloaderConfig{
		Workers:           cfg.Downloader.Workers,
		RequestsPerSecond: cfg.Downloader.RequestsPerSecond,
		Logger:            logger,
	})
	manager := connection.NewManager(connection.ManagerConfig{
		MaxConnections: cfg.Transport.MaxConnections,
		Factory:        factory,
		Downloader:     downloader,
		Metrics:        opts.Metrics,
		Logger:         logger,
	})
	manager.SetRateObserver(logic)

	s := &Session{
		id:         id,
		started:    time.Now(),
		logger:     observability.WithComponent(logger, "session"),
		logic:      logic,
		downloader: downloader,
		manager:    manager,
	}

	registry := demux.DefaultRegistry(cfg.Demux.TSBackend)
	master := masterIndex(sets)
	for i, set := range sets {
		st, err := NewStream(StreamConfig{
			Set:         set,
			Logic:       logic,
			Manager:     manager,
			Output:      out,
			Slave:       i != master,
			ClockGroup:  i,
			Registry:    registry,
			Buffered:    cfg.Transport.Buffered,
			BlockSize:   int(cfg.Buffer.BlockSize),
			MaxBuffered: int64(cfg.Buffer.MaxBuffered),
			BufferAhead: cfg.Playback.BufferAhead,
			Realtime:    cfg.Playback.Realtime,
			Metrics:     opts.Metrics,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("adaptation set %s: %w", set.ID, err)
		}
		s.streams = append(s.streams, st)
	}
	return s, nil
}

// masterIndex returns the set that drives the clock: the first video set,
// or the first set when there is no video.
func masterIndex(sets []*adaptation.AdaptationSet) int {
	for i, set := range sets {
		if set.Category == adaptation.CategoryVideo {
			return i
		}
	}
	return 0
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Streams returns the session streams.
func (s *Session) Streams() []*Stream {
	return s.streams
}

// Run plays all streams until they end or ctx is cancelled, then releases
// the transport.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.running = true
	s.mu.Unlock()
	defer s.Close()

	if err := s.downloader.Start(); err != nil {
		return fmt.Errorf("starting downloader: %w", err)
	}

	s.logger.Info("session started", slog.Int("streams", len(s.streams)))
	g, gctx := errgroup.WithContext(ctx)
	for _, st := range s.streams {
		g.Go(func() error { return st.Run(gctx) })
	}
	err := g.Wait()
	if err != nil {
		s.logger.Error("session failed", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("session finished", slog.Duration("elapsed", time.Since(s.started)))
	return nil
}

// Seek moves every stream to segment index.
func (s *Session) Seek(index int) error {
	var errs []error
	for _, st := range s.streams {
		if err := st.Seek(index); err != nil {
			errs = append(errs, fmt.Errorf("stream %s: %w", st.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the downloader and closes pooled connections. It is safe to
// call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.running = false
	s.mu.Unlock()

	s.downloader.Stop()
	s.manager.CloseAllConnections()
}

// Status is a snapshot of a session.
type Status struct {
	ID          string               `json:"id"`
	Started     time.Time            `json:"started"`
	Running     bool                 `json:"running"`
	Bandwidth   *adaptation.Estimate `json:"bandwidth,omitempty"`
	Connections connection.Stats     `json:"connections"`
	Streams     []StreamStatus       `json:"streams"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	st := Status{
		ID:          s.id,
		Started:     s.started,
		Running:     running,
		Connections: s.manager.Stats(),
		Streams:     make([]StreamStatus, 0, len(s.streams)),
	}
	if e, ok := s.logic.(adaptation.Estimator); ok {
		est := e.Estimate()
		st.Bandwidth = &est
	}
	for _, stream := range s.streams {
		st.Streams = append(st.Streams, stream.Status())
	}
	return st
}
