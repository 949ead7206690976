package demux

import (
	"sync"
	"time"

	"github.com/jmylchreest/abrcore/internal/esout"
)

// SlaveWrapper demuxes a stream with its own timeline, such as a
// separately fetched audio adaptation set. Its container reports no clock;
// every Demux call instead sets the output clock from the caller's deadline
// and the stream resynchronizes through the proxy timestamp offset.
type SlaveWrapper struct {
	*Wrapper
	group int

	mu     sync.Mutex
	length time.Duration
	clock  time.Duration
}

// NewSlaveWrapper creates a slave reporting clock references in group.
func NewSlaveWrapper(stream *ChunkStream, proxy *esout.ProxyOutput, group int, cfg Config) *SlaveWrapper {
	cfg.Options.ClockGroup = group
	cfg.Options.NoClock = true
	return &SlaveWrapper{
		Wrapper: NewWrapper(stream, proxy, cfg),
		group:   group,
		clock:   esout.NoTimestamp,
	}
}

// Demux advances the container by one unit and moves the clock reference
// to deadline.
func (s *SlaveWrapper) Demux(deadline time.Duration) Status {
	st := s.Wrapper.Demux(deadline)
	if deadline == esout.NoTimestamp || st == StatusError {
		return st
	}

	s.mu.Lock()
	advance := s.clock == esout.NoTimestamp || deadline != s.clock
	s.clock = deadline
	s.mu.Unlock()

	if advance {
		s.proxy.SetClockReference(s.group, deadline)
		s.proxy.Commit()
	}
	return st
}

// Restart replaces the container and forgets the slave clock.
func (s *SlaveWrapper) Restart(queue *esout.CommandQueue) error {
	s.resetClock()
	return s.Wrapper.Restart(queue)
}

// Switch replaces the container at a segment boundary and forgets the
// slave clock.
func (s *SlaveWrapper) Switch(queue *esout.CommandQueue) error {
	s.resetClock()
	return s.Wrapper.Switch(queue)
}

func (s *SlaveWrapper) resetClock() {
	s.mu.Lock()
	s.clock = esout.NoTimestamp
	s.mu.Unlock()
}

// SetLength records the media duration of the slave stream.
func (s *SlaveWrapper) SetLength(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.length = d
}

// Length returns the media duration of the slave stream.
func (s *SlaveWrapper) Length() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.length
}

// Clock returns the last deadline the slave advanced to, or NoTimestamp.
func (s *SlaveWrapper) Clock() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}
