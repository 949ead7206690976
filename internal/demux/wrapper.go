package demux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/abrcore/internal/esout"
	"github.com/jmylchreest/abrcore/internal/observability"
)

// Status is the result of one Demux call.
type Status int

const (
	StatusSuccess Status = iota
	StatusEOF
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusEOF:
		return "eof"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// State is the wrapper lifecycle state.
type State int

const (
	StateUncreated State = iota
	StateActive
	StateRestarting
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUncreated:
		return "uncreated"
	case StateActive:
		return "active"
	case StateRestarting:
		return "restarting"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Config holds Wrapper dependencies.
type Config struct {
	// Registry defaults to DefaultRegistry("").
	Registry *Registry
	Options  Options
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Wrapper owns a container demuxer reading a ChunkStream and writing to a
// ProxyOutput. Demux, Restart and Destroy are called from one goroutine.
type Wrapper struct {
	stream   *ChunkStream
	proxy    *esout.ProxyOutput
	registry *Registry
	opts     Options
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	state     State
	container Container
	backend   string
	eof       bool
}

// NewWrapper creates an uncreated wrapper.
func NewWrapper(stream *ChunkStream, proxy *esout.ProxyOutput, cfg Config) *Wrapper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "demux")
	registry := cfg.Registry
	if registry == nil {
		registry = DefaultRegistry("")
	}
	opts := cfg.Options
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return &Wrapper{
		stream:   stream,
		proxy:    proxy,
		registry: registry,
		opts:     opts,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

// Create instantiates the container demuxer. It fails with ErrNoDemuxer
// when nothing recognizes the stream; the caller decides what happens next.
func (w *Wrapper) Create() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateDestroyed:
		return ErrDestroyed
	case StateActive:
		return nil
	}
	return w.createLocked()
}

func (w *Wrapper) createLocked() error {
	c, backend, err := w.registry.Open(w.stream, w.proxy, w.opts)
	if err != nil {
		w.state = StateUncreated
		return err
	}
	// Tracks announced during initialization become visible.
	w.proxy.Commit()

	w.container = c
	w.backend = backend
	w.state = StateActive
	w.eof = false

	w.logger.Debug("demuxer created", slog.String("backend", backend))
	return nil
}

// Demux advances the container by one unit unless it has already reached
// deadline. Once the stream ends every call returns StatusEOF.
func (w *Wrapper) Demux(deadline time.Duration) Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.demuxLocked(deadline)
}

func (w *Wrapper) demuxLocked(deadline time.Duration) Status {
	if w.eof {
		return StatusEOF
	}
	if w.state != StateActive {
		return StatusError
	}

	if deadline != esout.NoTimestamp {
		if pos, ok := w.position(); ok && pos != esout.NoTimestamp && pos >= deadline {
			return StatusSuccess
		}
	}

	err := w.container.Demux()
	w.proxy.Commit()

	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, io.EOF):
		w.eof = true
		w.proxy.GCPending()
		w.proxy.Commit()
		w.proxy.Queue().SetEOF(true)
		w.logger.Debug("demuxer reached end of stream", slog.String("backend", w.backend))
		return StatusEOF
	default:
		w.logger.Warn("demux failed",
			slog.String("backend", w.backend),
			slog.String("error", err.Error()),
		)
		return StatusError
	}
}

func (w *Wrapper) position() (time.Duration, bool) {
	v, ok := w.container.Control(QueryPosition)
	if !ok {
		return 0, false
	}
	pos, ok := v.(time.Duration)
	return pos, ok
}

// Restart replaces the container after a seek. Every queued command of the
// old instance is dropped and the new instance inherits compatible tracks.
func (w *Wrapper) Restart(queue *esout.CommandQueue) error {
	return w.restart(queue, true)
}

// Switch replaces the container at a segment boundary. Commands the old
// instance already committed play out ahead of the new instance; only
// uncommitted commands are dropped.
func (w *Wrapper) Switch(queue *esout.CommandQueue) error {
	return w.restart(queue, false)
}

func (w *Wrapper) restart(queue *esout.CommandQueue, flush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateDestroyed {
		return ErrDestroyed
	}
	if queue == nil {
		queue = w.proxy.Queue()
	}
	w.state = StateRestarting

	queue.SetDrop(true)
	if w.container != nil {
		w.container.Destroy()
		w.container = nil
	}
	dropped := queue.Abort(flush)
	if flush {
		queue.Quiesce()
	}
	queue.SetEOF(false)

	w.stream.Reset()
	w.proxy.Recycle()

	err := w.createLocked()
	queue.SetDrop(false)
	w.metrics.IncDemuxerRestarts()

	if err != nil {
		return fmt.Errorf("recreating demuxer: %w", err)
	}
	w.logger.Debug("demuxer restarted",
		slog.String("backend", w.backend),
		slog.Bool("flush", flush),
		slog.Int("dropped", dropped),
	)
	return nil
}

// Control forwards a query to the container.
func (w *Wrapper) Control(q Query) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.container == nil {
		return nil, false
	}
	return w.container.Control(q)
}

// Destroy releases the container. The wrapper cannot be used afterwards.
func (w *Wrapper) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.container != nil {
		w.container.Destroy()
		w.container = nil
	}
	w.stream.Reset()
	w.state = StateDestroyed
}

// State returns the lifecycle state.
func (w *Wrapper) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// EOF reports whether the stream has ended.
func (w *Wrapper) EOF() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.eof
}

// Backend returns the name of the active container.
func (w *Wrapper) Backend() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backend
}

// Proxy returns the output the wrapper writes to.
func (w *Wrapper) Proxy() *esout.ProxyOutput {
	return w.proxy
}
