package demux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmylchreest/abrcore/internal/esout"
)

var (
	// ErrNoDemuxer is returned when no registered container recognizes the stream.
	ErrNoDemuxer = errors.New("no demuxer for stream")
	// ErrNotCreated is returned when operating on a wrapper without a demuxer.
	ErrNotCreated = errors.New("demuxer not created")
	// ErrDestroyed is returned when operating on a destroyed wrapper.
	ErrDestroyed = errors.New("demuxer destroyed")
)

// Backend names.
const (
	BackendMediacommon = "mediacommon"
	BackendAstits      = "astits"
	BackendFMP4        = "fmp4"
)

// Query identifies a Control request.
type Query int

const (
	// QueryPosition returns the decode time of the last unit as time.Duration.
	QueryPosition Query = iota
	// QueryTracks returns the number of announced tracks as int.
	QueryTracks
	// QueryName returns the backend name as string.
	QueryName
)

// Container is a container format demuxer writing into an esout.Sink.
type Container interface {
	// Demux parses one unit. It returns io.EOF once the stream is exhausted.
	Demux() error
	// Control answers a query about the demuxer state.
	Control(q Query) (any, bool)
	// Destroy releases the demuxer. Tracks stay with the sink.
	Destroy()
}

// Options configure a Container.
type Options struct {
	// ClockGroup is the clock reference group the container reports in.
	ClockGroup int
	// NoClock disables clock references from stream timestamps.
	NoClock bool
	Logger  *slog.Logger
}

// clockInterval is how often containers report a clock reference.
const clockInterval = 100 * time.Millisecond

// Factory creates a Container for streams whose leading bytes Probe accepts.
type Factory struct {
	Name  string
	Probe func(header []byte) bool
	New   func(r io.Reader, sink esout.Sink, opts Options) (Container, error)
}

// probeSize is how many leading bytes are offered to Probe.
const probeSize = 2 * tsPacketSize

// Registry holds factories in priority order.
type Registry struct {
	factories []Factory
}

// NewRegistry creates a registry probing factories in order.
func NewRegistry(factories ...Factory) *Registry {
	return &Registry{factories: factories}
}

// DefaultRegistry returns the built-in containers. tsBackend selects the
// MPEG-TS implementation, mediacommon unless "astits".
func DefaultRegistry(tsBackend string) *Registry {
	ts := MediacommonTSFactory()
	if tsBackend == BackendAstits {
		ts = AstitsTSFactory()
	}
	return NewRegistry(ts, FMP4Factory())
}

// Register appends a factory.
func (r *Registry) Register(f Factory) {
	r.factories = append(r.factories, f)
}

// Open probes the stream and instantiates the first matching container.
func (r *Registry) Open(stream *ChunkStream, sink esout.Sink, opts Options) (Container, string, error) {
	header, err := stream.Peek(probeSize)
	if err != nil && len(header) == 0 {
		return nil, "", fmt.Errorf("%w: %w", ErrNoDemuxer, err)
	}

	var failures []error
	for _, f := range r.factories {
		if !f.Probe(header) {
			continue
		}
		c, err := f.New(stream, sink, opts)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", f.Name, err))
			continue
		}
		return c, f.Name, nil
	}

	if len(failures) > 0 {
		return nil, "", fmt.Errorf("%w: %w", ErrNoDemuxer, errors.Join(failures...))
	}
	return nil, "", ErrNoDemuxer
}

// ticksToDuration converts 90 kHz MPEG clock ticks.
func ticksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks/90000)*time.Second + time.Duration(ticks%90000)*time.Second/90000
}

// scaleToDuration converts ticks of an arbitrary timescale.
func scaleToDuration(ticks uint64, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	ts := uint64(timescale)
	return time.Duration(ticks/ts)*time.Second + time.Duration(ticks%ts)*time.Second/time.Duration(ts)
}

// clock emits clock references at most every clockInterval.
type clock struct {
	sink  esout.Sink
	group int
	off   bool
	last  time.Duration
}

func newClock(sink esout.Sink, opts Options) clock {
	return clock{sink: sink, group: opts.ClockGroup, off: opts.NoClock, last: esout.NoTimestamp}
}

func (c *clock) observe(t time.Duration) {
	if c.off || t == esout.NoTimestamp {
		return
	}
	if c.last != esout.NoTimestamp && t >= c.last && t-c.last < clockInterval {
		return
	}
	c.last = t
	c.sink.SetClockReference(c.group, t)
}
