package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/abrcore/internal/adaptation"
	"github.com/jmylchreest/abrcore/internal/chunk"
	"github.com/jmylchreest/abrcore/internal/connection"
	"github.com/jmylchreest/abrcore/internal/demux"
	"github.com/jmylchreest/abrcore/internal/esout"
	"github.com/jmylchreest/abrcore/internal/observability"
)

var (
	// ErrSeekOutOfRange is returned when seeking past the last segment.
	ErrSeekOutOfRange = errors.New("seek out of range")
	// ErrTooManyErrors is returned when the demuxer keeps failing.
	ErrTooManyErrors = errors.New("too many consecutive demux errors")
	// ErrStreamFinished is returned when seeking a stream that stopped.
	ErrStreamFinished = errors.New("stream finished")
)

const (
	defaultBufferAhead = 10 * time.Second
	drainInterval      = 10 * time.Millisecond
	maxDemuxErrors     = 10
)

// StreamConfig configures a Stream.
type StreamConfig struct {
	Set     *adaptation.AdaptationSet
	Logic   adaptation.Logic
	Manager *connection.Manager
	Output  esout.Output
	// Slave demuxes on an independent timeline and reports its clock in
	// ClockGroup.
	Slave      bool
	ClockGroup int
	Registry   *demux.Registry
	// Buffered selects background fetching of segments.
	Buffered    bool
	BlockSize   int
	MaxBuffered int64
	// BufferAhead bounds how far demuxing runs ahead of playback when
	// Realtime is set.
	BufferAhead time.Duration
	// Realtime paces the output to the wall clock. Otherwise commands are
	// applied as soon as they are committed.
	Realtime bool
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// demuxer is satisfied by demux.Wrapper and demux.SlaveWrapper.
type demuxer interface {
	Create() error
	Demux(deadline time.Duration) demux.Status
	Restart(queue *esout.CommandQueue) error
	Switch(queue *esout.CommandQueue) error
	Control(q demux.Query) (any, bool)
	Destroy()
	Backend() string
	State() demux.State
}

type restartKind int

const (
	restartNone restartKind = iota
	restartSwitch
	restartSeek
)

// segmentItem is one chunk handed from the feeder to the demuxer. A nil
// chunk marks the end of the presentation.
type segmentItem struct {
	gen   uint64
	index int
	rep   *adaptation.Representation
	chunk *chunk.Chunk
}

func (it *segmentItem) close() {
	if it != nil && it.chunk != nil {
		it.chunk.Close()
	}
}

// Stream plays one adaptation set. A feeder selects representations and
// prepares chunks, a demux loop drives the demuxer and a drain loop applies
// the resulting commands to the output.
type Stream struct {
	id      string
	cfg     StreamConfig
	logger  *slog.Logger
	proxy   *esout.ProxyOutput
	stream  *demux.ChunkStream
	demuxer demuxer

	items chan segmentItem
	wake  chan struct{}
	kick  chan struct{}
	done  chan struct{}

	initMu    sync.Mutex
	initCache map[*adaptation.Representation][]byte

	mu         sync.Mutex
	gen        uint64
	next       int
	fed        *adaptation.Representation
	needInit   bool
	playing    *adaptation.Representation
	segment    int
	held       *segmentItem
	restart    restartKind
	switchTo   *adaptation.Representation
	cancelRead context.CancelFunc
	switches   int
	ended      bool
	// fresh is set while a restarted demuxer has not read its first chunk.
	fresh   bool
	backend string
	state   demux.State

	anchorGen   uint64
	anchorMedia time.Duration
	anchorWall  time.Time
	playhead    time.Duration
}

// NewStream creates a stream. Run starts it.
func NewStream(cfg StreamConfig) (*Stream, error) {
	if cfg.Set == nil || len(cfg.Set.Representations) == 0 {
		return nil, fmt.Errorf("%w: adaptation set has no representations", ErrInvalidManifest)
	}
	if cfg.Logic == nil || cfg.Manager == nil || cfg.Output == nil {
		return nil, errors.New("stream requires logic, connection manager and output")
	}
	if cfg.BufferAhead <= 0 {
		cfg.BufferAhead = defaultBufferAhead
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = chunk.DefaultBlockSize
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = chunk.DefaultMaxBuffered
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Stream{
		id:          uuid.NewString(),
		cfg:         cfg,
		items:       make(chan segmentItem, 1),
		wake:        make(chan struct{}, 1),
		kick:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		initCache:   make(map[*adaptation.Representation][]byte),
		needInit:    true,
		segment:     -1,
		anchorMedia: esout.NoTimestamp,
		playhead:    esout.NoTimestamp,
	}
	s.logger = observability.WithComponent(logger, "stream").With(
		slog.String("stream", s.id),
		slog.String("adaptation_set", cfg.Set.ID),
	)
	s.proxy = esout.NewProxyOutput(cfg.Output, esout.ProxyConfig{Metrics: cfg.Metrics, Logger: s.logger})
	s.stream = demux.NewChunkStream(context.Background(), s, cfg.Metrics, s.logger)

	dcfg := demux.Config{Registry: cfg.Registry, Metrics: cfg.Metrics, Logger: s.logger}
	if cfg.Slave {
		s.demuxer = demux.NewSlaveWrapper(s.stream, s.proxy, cfg.ClockGroup, dcfg)
	} else {
		dcfg.Options.ClockGroup = cfg.ClockGroup
		s.demuxer = demux.NewWrapper(s.stream, s.proxy, dcfg)
	}
	return s, nil
}

// ID returns the stream id.
func (s *Stream) ID() string {
	return s.id
}

// Proxy returns the proxy output the demuxer writes to.
func (s *Stream) Proxy() *esout.ProxyOutput {
	return s.proxy
}

// Run plays the stream until the presentation ends or ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	s.resetReadContext(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.feed(gctx) })
	g.Go(func() error { return s.demuxLoop(gctx) })
	g.Go(func() error { return s.drainLoop(gctx) })
	err := g.Wait()

	s.shutdown()
	return err
}

func (s *Stream) resetReadContext(ctx context.Context) {
	readCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancelRead != nil {
		s.cancelRead()
	}
	s.cancelRead = cancel
	s.mu.Unlock()
	s.stream.SetContext(readCtx)
}

func (s *Stream) shutdown() {
	s.mu.Lock()
	held := s.held
	s.held = nil
	if s.cancelRead != nil {
		s.cancelRead()
	}
	s.mu.Unlock()
	held.close()

	for drained := false; !drained; {
		select {
		case it := <-s.items:
			it.close()
		default:
			drained = true
		}
	}

	s.demuxer.Destroy()
	// Pending media is discarded; only the track teardown reaches the output.
	s.proxy.Queue().Abort(true)
	s.proxy.Teardown()
	s.proxy.Commit()
	s.proxy.DrainAll()

	s.mu.Lock()
	playing := s.playing
	s.playing = nil
	s.state = demux.StateDestroyed
	s.mu.Unlock()
	if playing != nil {
		s.cfg.Logic.TrackerEvent(adaptation.SwitchingEvent{Prev: playing})
	}
	s.logger.Debug("stream stopped")
}

// Seek restarts playback at segment index.
func (s *Stream) Seek(index int) error {
	if s.finished() {
		return ErrStreamFinished
	}
	if index < 0 || index >= s.segmentCount() {
		return fmt.Errorf("%w: segment %d", ErrSeekOutOfRange, index)
	}

	s.mu.Lock()
	s.gen++
	s.next = index
	s.needInit = true
	s.restart = restartSeek
	s.switchTo = nil
	held := s.held
	s.held = nil
	cancel := s.cancelRead
	s.mu.Unlock()

	held.close()
	if cancel != nil {
		// Interrupt a demuxer blocked on the old segment.
		cancel()
	}
	notify(s.wake)
	notify(s.kick)

	s.logger.Info("seek requested", slog.Int("segment", index))
	return nil
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Stream) segmentCount() int {
	n := 0
	for _, r := range s.cfg.Set.Representations {
		n = max(n, len(r.Segments))
	}
	return n
}

func (s *Stream) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Stream) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// feed prepares chunks for consecutive segments.
func (s *Stream) feed(ctx context.Context) error {
	for {
		s.mu.Lock()
		gen, index := s.gen, s.next
		s.mu.Unlock()

		items := s.prepare(ctx, gen, index)
		if !s.deliver(ctx, gen, items) {
			if ctx.Err() != nil || s.finished() {
				return nil
			}
			continue
		}

		if len(items) > 0 && items[len(items)-1].chunk == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.done:
				return nil
			case <-s.wake:
				continue
			}
		}

		s.mu.Lock()
		if s.gen == gen {
			s.next = index + 1
		}
		s.mu.Unlock()
	}
}

func (s *Stream) deliver(ctx context.Context, gen uint64, items []segmentItem) bool {
	for i := range items {
		for sent := false; !sent; {
			select {
			case s.items <- items[i]:
				sent = true
			case <-ctx.Done():
				closeItems(items[i:])
				return false
			case <-s.done:
				closeItems(items[i:])
				return false
			case <-s.wake:
				if s.generation() != gen {
					closeItems(items[i:])
					return false
				}
			}
		}
	}
	return true
}

func closeItems(items []segmentItem) {
	for i := range items {
		items[i].close()
	}
}

// prepare selects the representation for segment index and creates its
// chunks, preceded by the initialization segment when one is needed.
func (s *Stream) prepare(ctx context.Context, gen uint64, index int) []segmentItem {
	s.mu.Lock()
	current := s.fed
	needInit := s.needInit
	s.mu.Unlock()

	sel := s.cfg.Logic.NextRepresentation(s.cfg.Set, current)
	rep := sel.Representation
	if rep == nil || index >= len(rep.Segments) {
		return []segmentItem{{gen: gen, index: index}}
	}
	if sel.Fallback {
		s.logger.Debug("no representation fits the bandwidth budget",
			slog.String("representation", rep.ID),
			slog.Uint64("budget_bps", sel.Budget),
		)
	}

	var items []segmentItem
	if rep.Init != nil && (needInit || rep != current) {
		if c := s.initChunk(ctx, rep); c != nil {
			items = append(items, segmentItem{gen: gen, index: index, rep: rep, chunk: c})
		}
	}
	if c := s.newChunk(rep.Segments[index]); c != nil {
		items = append(items, segmentItem{gen: gen, index: index, rep: rep, chunk: c})
	}

	s.mu.Lock()
	if s.gen == gen {
		s.fed = rep
		s.needInit = false
	}
	s.mu.Unlock()
	return items
}

func (s *Stream) request(seg adaptation.Segment) (chunk.Request, error) {
	params, err := connection.ParseParams(seg.URL)
	if err != nil {
		return chunk.Request{}, err
	}
	return chunk.Request{
		Params: params,
		Range:  connection.ByteRange{Start: seg.RangeStart, Length: seg.RangeLength},
	}, nil
}

func (s *Stream) newChunk(seg adaptation.Segment) *chunk.Chunk {
	req, err := s.request(seg)
	if err != nil {
		s.logger.Warn("skipping segment", slog.String("url", seg.URL), slog.String("error", err.Error()))
		return nil
	}

	var hook chunk.PostFetchHook
	if seg.Key != nil {
		iv := seg.Key.IV
		if len(iv) == 0 {
			iv = chunk.SequenceIV(seg.Sequence)
		}
		h, err := chunk.NewAES128Hook(seg.Key.Value, iv)
		if err != nil {
			s.logger.Warn("segment key rejected", slog.String("url", seg.URL), slog.String("error", err.Error()))
		} else {
			hook = h
		}
	}

	var src chunk.Source
	if s.cfg.Buffered {
		b := chunk.NewBufferedSource(s.cfg.Manager, req, s.cfg.BlockSize, s.cfg.MaxBuffered, s.logger)
		b.Start()
		src = b
	} else {
		src = chunk.NewSyncSource(s.cfg.Manager, req, s.cfg.BlockSize, s.logger)
	}
	return chunk.New(src, seg.RangeStart, seg.RangeLength, hook)
}

// initChunk serves the initialization segment of rep, fetching it once.
func (s *Stream) initChunk(ctx context.Context, rep *adaptation.Representation) *chunk.Chunk {
	s.initMu.Lock()
	data, ok := s.initCache[rep]
	s.initMu.Unlock()

	if !ok {
		req, err := s.request(*rep.Init)
		if err != nil {
			s.logger.Warn("invalid init segment url", slog.String("url", rep.Init.URL), slog.String("error", err.Error()))
			return nil
		}
		c := chunk.New(chunk.NewSyncSource(s.cfg.Manager, req, s.cfg.BlockSize, s.logger), rep.Init.RangeStart, rep.Init.RangeLength, nil)
		data, err = io.ReadAll(&chunkReader{ctx: ctx, c: c})
		truncated := c.Truncated()
		c.Close()
		if err != nil || truncated {
			s.logger.Warn("init segment fetch failed", slog.String("url", rep.Init.URL))
			return nil
		}
		s.initMu.Lock()
		s.initCache[rep] = data
		s.initMu.Unlock()
	}
	return chunk.New(chunk.NewBytesSource(data, s.cfg.BlockSize), 0, 0, nil)
}

// chunkReader reads one chunk to its end.
type chunkReader struct {
	ctx     context.Context
	c       *chunk.Chunk
	pending []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		b := r.c.ReadBlock(r.ctx)
		if b == nil {
			if err := r.ctx.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		r.pending = b.Data
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// NextChunk implements demux.ChunkProvider. It returns false at the end of
// the presentation and before a pending restart, so the demuxer sees the
// end of its stream at a segment boundary.
func (s *Stream) NextChunk(ctx context.Context) (*chunk.Chunk, bool) {
	for {
		s.mu.Lock()
		it := s.held
		s.held = nil
		gen := s.gen
		pending := s.restart != restartNone
		s.mu.Unlock()

		if it == nil {
			if pending {
				return nil, false
			}
			select {
			case v := <-s.items:
				it = &v
			case <-ctx.Done():
				return nil, false
			}
		}

		if it.gen != gen {
			it.close()
			continue
		}
		if it.chunk == nil {
			s.mu.Lock()
			s.ended = true
			s.mu.Unlock()
			return nil, false
		}

		s.mu.Lock()
		prev := s.playing
		if prev != nil && it.rep != prev && !s.fresh {
			s.held = it
			s.restart = restartSwitch
			s.switchTo = it.rep
			s.mu.Unlock()
			return nil, false
		}
		s.playing = it.rep
		s.segment = it.index
		s.ended = false
		s.fresh = false
		s.mu.Unlock()

		if it.rep != prev {
			s.switched(prev, it.rep)
		}
		return it.chunk, true
	}
}

func (s *Stream) takeRestart() (restartKind, *adaptation.Representation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind, rep := s.restart, s.switchTo
	s.restart = restartNone
	s.switchTo = nil
	return kind, rep
}

func (s *Stream) restartPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restart != restartNone
}

// demuxLoop drives the demuxer until the presentation ends.
func (s *Stream) demuxLoop(ctx context.Context) error {
	defer close(s.done)

	err := s.demuxer.Create()
	s.noteDemuxer()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if !s.restartPending() {
			return err
		}
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if kind, rep := s.takeRestart(); kind != restartNone {
			if err := s.restartDemuxer(ctx, kind, rep); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if s.restartPending() {
					continue
				}
				return err
			}
			failures = 0
			continue
		}

		deadline := s.deadline()
		if deadline != esout.NoTimestamp && s.position() >= deadline {
			s.wait(ctx, drainInterval)
			continue
		}

		switch s.demuxer.Demux(deadline) {
		case demux.StatusSuccess:
			failures = 0
		case demux.StatusEOF:
			if s.restartPending() {
				continue
			}
			if s.proxy.Queue().IsEmpty() {
				s.logger.Debug("end of presentation")
				return nil
			}
			s.wait(ctx, drainInterval)
		case demux.StatusError:
			if s.restartPending() {
				continue
			}
			failures++
			if failures >= maxDemuxErrors {
				return fmt.Errorf("%w: adaptation set %s", ErrTooManyErrors, s.cfg.Set.ID)
			}
			s.wait(ctx, drainInterval)
		}
	}
}

func (s *Stream) wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-s.kick:
	case <-t.C:
	}
}

func (s *Stream) restartDemuxer(ctx context.Context, kind restartKind, rep *adaptation.Representation) error {
	var err error
	switch kind {
	case restartSwitch:
		// Committed output of the old representation keeps playing while
		// the new one starts.
		if s.restartPending() {
			// A seek superseded the switch; the held chunk is gone.
			return nil
		}
		s.mu.Lock()
		prev := s.playing
		s.playing = rep
		s.mu.Unlock()
		s.switched(prev, rep)
		err = s.demuxer.Switch(s.proxy.Queue())

	case restartSeek:
		s.resetReadContext(ctx)
		s.mu.Lock()
		s.fresh = true
		s.anchorMedia = esout.NoTimestamp
		s.playhead = esout.NoTimestamp
		s.mu.Unlock()
		err = s.demuxer.Restart(s.proxy.Queue())
	}

	s.noteDemuxer()
	return err
}

// switched reports a change of the playing representation. prev is nil for
// the first selection.
func (s *Stream) switched(prev, next *adaptation.Representation) {
	s.cfg.Logic.TrackerEvent(adaptation.SwitchingEvent{Prev: prev, Next: next})
	if prev == nil {
		s.logger.Info("representation selected",
			slog.String("representation", next.ID),
			slog.Uint64("bandwidth", next.Bandwidth),
		)
		return
	}

	s.mu.Lock()
	s.switches++
	s.mu.Unlock()
	s.cfg.Metrics.IncSwitches()
	s.logger.Info("representation switch",
		slog.String("from", prev.ID),
		slog.String("to", next.ID),
		slog.Uint64("bandwidth", next.Bandwidth),
	)
}

// noteDemuxer records the demuxer state for Status, which must not wait on
// a demuxer blocked in a read.
func (s *Stream) noteDemuxer() {
	backend, state := s.demuxer.Backend(), s.demuxer.State()
	s.mu.Lock()
	s.backend, s.state = backend, state
	s.mu.Unlock()
}

func (s *Stream) position() time.Duration {
	v, ok := s.demuxer.Control(demux.QueryPosition)
	if !ok {
		return esout.NoTimestamp
	}
	pos, _ := v.(time.Duration)
	return pos
}

// deadline is how far the demuxer may run ahead of playback.
func (s *Stream) deadline() time.Duration {
	if !s.cfg.Realtime {
		return esout.NoTimestamp
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playhead == esout.NoTimestamp {
		return esout.NoTimestamp
	}
	return s.playhead + s.cfg.BufferAhead
}

// drainLoop applies committed commands to the output.
func (s *Stream) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	queue := s.proxy.Queue()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if s.cfg.Realtime {
			s.proxy.Drain(s.advancePlayhead(queue))
		} else {
			s.proxy.DrainAll()
		}
		s.cfg.Metrics.SetBufferLevel(queue.BufferedDuration())

		if s.finished() && queue.IsEmpty() {
			return nil
		}
	}
}

// advancePlayhead moves the playback position with the wall clock,
// anchoring on the first due command after start or a seek.
func (s *Stream) advancePlayhead(queue *esout.CommandQueue) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.anchorMedia == esout.NoTimestamp || s.anchorGen != s.gen {
		next := queue.NextDue()
		if next == esout.NoTimestamp {
			return esout.NoTimestamp
		}
		s.anchorGen = s.gen
		s.anchorMedia = next
		s.anchorWall = now
	}
	s.playhead = s.anchorMedia + now.Sub(s.anchorWall)
	return s.playhead
}

// StreamStatus is a snapshot of a stream.
type StreamStatus struct {
	ID             string        `json:"id"`
	AdaptationSet  string        `json:"adaptation_set"`
	Category       string        `json:"category"`
	Representation string        `json:"representation,omitempty"`
	Bandwidth      uint64        `json:"bandwidth,omitempty"`
	Segment        int           `json:"segment"`
	Segments       int           `json:"segments"`
	Backend        string        `json:"backend,omitempty"`
	State          string        `json:"state"`
	Ended          bool          `json:"ended"`
	Slave          bool          `json:"slave"`
	Switches       int           `json:"switches"`
	Queued         int           `json:"queued"`
	Buffered       time.Duration `json:"buffered"`
	Playhead       time.Duration `json:"playhead,omitempty"`
}

// Status returns a snapshot of the stream.
func (s *Stream) Status() StreamStatus {
	queue := s.proxy.Queue()
	st := StreamStatus{
		ID:            s.id,
		AdaptationSet: s.cfg.Set.ID,
		Category:      string(s.cfg.Set.Category),
		Segments:      s.segmentCount(),
		Slave:         s.cfg.Slave,
		Queued:        queue.Len(),
		Buffered:      queue.BufferedDuration(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing != nil {
		st.Representation = s.playing.ID
		st.Bandwidth = s.playing.Bandwidth
	}
	st.Segment = s.segment
	st.Backend = s.backend
	st.State = s.state.String()
	st.Ended = s.ended
	st.Switches = s.switches
	if s.playhead != esout.NoTimestamp {
		st.Playhead = s.playhead
	}
	return st
}
