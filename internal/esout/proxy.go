package esout

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/abrcore/internal/observability"
)

// ProxyConfig holds ProxyOutput dependencies.
type ProxyConfig struct {
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// ProxyOutput stands in for the real output wherever a demuxer expects a
// Sink. It converts calls into commands and keeps track identities alive
// across demuxer restarts so the player keeps its decoders.
type ProxyOutput struct {
	real   Output
	queue  *CommandQueue
	logger *slog.Logger

	mu        sync.Mutex
	tracks    []*TrackID
	recycle   []*TrackID
	offset    time.Duration
	gcPending bool
}

// NewProxyOutput creates a proxy in front of real.
func NewProxyOutput(real Output, cfg ProxyConfig) *ProxyOutput {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "esout")
	return &ProxyOutput{
		real:   real,
		queue:  NewCommandQueue(real, cfg.Metrics, logger),
		logger: logger,
	}
}

// Queue returns the command queue the proxy schedules into.
func (p *ProxyOutput) Queue() *CommandQueue {
	return p.queue
}

// AddTrack allocates an identity and schedules its creation.
func (p *ProxyOutput) AddTrack(f Format) *TrackID {
	id := newTrackID(f)

	p.mu.Lock()
	p.tracks = append(p.tracks, id)
	p.mu.Unlock()

	p.queue.Schedule(&AddTrackCommand{id: id, proxy: p})
	p.logger.Debug("track announced",
		slog.Uint64("track", id.serial),
		slog.String("format", f.String()),
	)
	return id
}

// Send schedules delivery of b with the timestamp offset applied. The
// first Send after a restart means the new container has announced its
// tracks, so collection of unclaimed recycled tracks is scheduled ahead of it.
func (p *ProxyOutput) Send(id *TrackID, b *Block) {
	if id == nil || b == nil {
		return
	}
	dropping := p.queue.Dropping()

	p.mu.Lock()
	offset := p.offset
	gc := p.gcPending && !dropping
	if gc {
		p.gcPending = false
	}
	p.mu.Unlock()

	if gc {
		p.queue.Schedule(&GCCommand{proxy: p})
	}
	p.queue.Schedule(&SendCommand{id: id, block: b.shifted(offset), proxy: p})
}

// RemoveTrack schedules deletion of the track.
func (p *ProxyOutput) RemoveTrack(id *TrackID) {
	if id == nil {
		return
	}
	p.mu.Lock()
	if id.state == trackLive {
		id.state = trackPendingDelete
	}
	p.mu.Unlock()

	p.queue.Schedule(&RemoveTrackCommand{id: id, proxy: p})
}

// SetClockReference schedules a clock update with the offset applied.
func (p *ProxyOutput) SetClockReference(group int, t time.Duration) {
	p.mu.Lock()
	t += p.offset
	p.mu.Unlock()

	p.queue.Schedule(&SetClockReferenceCommand{group: group, t: t})
}

// ResetClockReference schedules a clock reset.
func (p *ProxyOutput) ResetClockReference(group int) {
	p.queue.Schedule(&ResetClockReferenceCommand{group: group})
}

// QueryTrackState answers from the last state the consumer observed. The
// proxy runs ahead of playback, so unrealized tracks are assumed selected
// and enabled.
func (p *ProxyOutput) QueryTrackState(id *TrackID) TrackState {
	if id == nil {
		return TrackState{Selected: true, Enabled: true}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !id.realized {
		return TrackState{Selected: true, Enabled: true}
	}
	return id.known
}

// SetTimestampOffset sets the offset added to every outgoing time. The
// caller owns monotonicity across period and representation boundaries.
func (p *ProxyOutput) SetTimestampOffset(offset time.Duration) {
	p.mu.Lock()
	prev := p.offset
	p.offset = offset
	p.mu.Unlock()

	if offset < prev {
		p.logger.Debug("timestamp offset moved backwards",
			slog.Duration("previous", prev),
			slog.Duration("offset", offset),
		)
	}
}

// TimestampOffset returns the current timestamp offset.
func (p *ProxyOutput) TimestampOffset() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

// Recycle moves every identity to the recycle pool. Identities announced
// afterwards are matched against the pool when their AddTrack is applied.
func (p *ProxyOutput) Recycle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.tracks {
		if id.state == trackRemoved {
			continue
		}
		id.state = trackRecycled
		p.recycle = append(p.recycle, id)
	}
	p.tracks = nil
	p.gcPending = len(p.recycle) > 0

	p.logger.Debug("tracks recycled", slog.Int("count", len(p.recycle)))
}

// GC schedules removal of recycled tracks that were not matched.
func (p *ProxyOutput) GC() {
	p.mu.Lock()
	p.gcPending = false
	p.mu.Unlock()
	p.queue.Schedule(&GCCommand{proxy: p})
}

// GCPending schedules the collection a restart armed if no Send has
// triggered it yet, as when the new container ends without delivering data.
func (p *ProxyOutput) GCPending() {
	p.mu.Lock()
	gc := p.gcPending
	p.gcPending = false
	p.mu.Unlock()
	if gc {
		p.queue.Schedule(&GCCommand{proxy: p})
	}
}

// Teardown schedules removal of every track the proxy realized.
func (p *ProxyOutput) Teardown() {
	p.queue.Schedule(&TeardownCommand{proxy: p})
}

// Commit makes scheduled commands eligible for draining.
func (p *ProxyOutput) Commit() {
	p.queue.Commit()
}

// Drain applies commands due at or before barrier.
func (p *ProxyOutput) Drain(barrier time.Duration) int {
	return p.queue.Process(barrier)
}

// DrainAll applies every committed command.
func (p *ProxyOutput) DrainAll() int {
	return p.queue.ProcessAll()
}

// Tracks returns the number of live and recycled identities.
func (p *ProxyOutput) Tracks() (live, recycled int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks), len(p.recycle)
}

// realize binds id to a real track. A compatible recycled identity donates
// its handle; otherwise a new real track is created, selected if it
// replaces a selected track of the same category. Consumer only.
func (p *ProxyOutput) realize(out Output, id *TrackID) {
	p.mu.Lock()
	if id.realized || id.state == trackRemoved {
		p.mu.Unlock()
		return
	}

	for i, rec := range p.recycle {
		if !rec.realized || !rec.format.Compatible(id.format) {
			continue
		}
		id.handle = rec.handle
		id.known = rec.known
		id.realized = true
		rec.state = trackReused
		rec.realized = false
		rec.handle = nil
		p.recycle = append(p.recycle[:i], p.recycle[i+1:]...)
		p.mu.Unlock()

		p.logger.Debug("track identity reused",
			slog.Uint64("track", id.serial),
			slog.Uint64("recycled", rec.serial),
			slog.String("format", id.format.String()),
		)
		return
	}

	format := id.format
	var previous TrackHandle
	for _, rec := range p.recycle {
		if rec.realized && rec.format.Category == format.Category {
			previous = rec.handle
			break
		}
	}
	p.mu.Unlock()

	if previous != nil && out.QueryTrackState(previous).Selected {
		format.Selected = true
	}

	handle, err := out.AddTrack(format)
	if err != nil {
		p.logger.Warn("output rejected track",
			slog.Uint64("track", id.serial),
			slog.String("format", format.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	state := out.QueryTrackState(handle)

	p.mu.Lock()
	id.handle = handle
	id.known = state
	id.realized = true
	p.mu.Unlock()
}

// handleOf returns the real handle of a live identity. Consumer only.
func (p *ProxyOutput) handleOf(id *TrackID) (TrackHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !id.realized || id.state == trackRemoved || id.state == trackReused {
		return nil, false
	}
	return id.handle, true
}

// remove deletes the real track of id. Consumer only.
func (p *ProxyOutput) remove(out Output, id *TrackID) {
	p.mu.Lock()
	handle, realized := id.handle, id.realized
	id.state = trackRemoved
	id.realized = false
	id.handle = nil
	for i, t := range p.tracks {
		if t == id {
			p.tracks = append(p.tracks[:i], p.tracks[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if realized {
		out.RemoveTrack(handle)
	}
}

// collect removes recycled tracks nothing matched. Consumer only.
func (p *ProxyOutput) collect(out Output) {
	p.mu.Lock()
	pool := p.recycle
	p.recycle = nil
	var handles []TrackHandle
	for _, id := range pool {
		if id.realized {
			handles = append(handles, id.handle)
		}
		id.state = trackRemoved
		id.realized = false
		id.handle = nil
	}
	p.mu.Unlock()

	for _, h := range handles {
		out.RemoveTrack(h)
	}
	if len(pool) > 0 {
		p.logger.Debug("recycled tracks collected",
			slog.Int("identities", len(pool)),
			slog.Int("removed", len(handles)),
		)
	}
}

// teardown removes every realized track. Consumer only.
func (p *ProxyOutput) teardown(out Output) {
	p.mu.Lock()
	all := append(p.tracks, p.recycle...)
	p.tracks = nil
	p.recycle = nil
	p.gcPending = false
	var handles []TrackHandle
	for _, id := range all {
		if id.realized {
			handles = append(handles, id.handle)
		}
		id.state = trackRemoved
		id.realized = false
		id.handle = nil
	}
	p.mu.Unlock()

	for _, h := range handles {
		out.RemoveTrack(h)
	}
}
