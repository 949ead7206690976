package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/abrcore/internal/esout"
	"github.com/jmylchreest/abrcore/internal/observability"
)

// TrackStats counts what a track delivered.
type TrackStats struct {
	Format   string        `json:"format"`
	Selected bool          `json:"selected"`
	Blocks   int64         `json:"blocks"`
	Bytes    int64         `json:"bytes"`
	LastTime time.Duration `json:"last_time"`

	category esout.Category
}

// LogOutput is a player output that logs track changes and counts blocks
// instead of decoding them.
type LogOutput struct {
	logger *slog.Logger

	mu     sync.Mutex
	next   int
	tracks map[int]*TrackStats
	clocks map[int]time.Duration
	blocks int64
	bytes  int64
}

// NewLogOutput creates a LogOutput.
func NewLogOutput(logger *slog.Logger) *LogOutput {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogOutput{
		logger: observability.WithComponent(logger, "output"),
		tracks: make(map[int]*TrackStats),
		clocks: make(map[int]time.Duration),
	}
}

func (o *LogOutput) AddTrack(f esout.Format) (esout.TrackHandle, error) {
	o.mu.Lock()
	o.next++
	id := o.next
	// The first track of a category plays unless another was selected.
	selected := f.Selected || !o.hasSelectedLocked(f.Category)
	o.tracks[id] = &TrackStats{Format: f.String(), Selected: selected, category: f.Category}
	o.mu.Unlock()

	o.logger.Info("track added",
		slog.Int("track", id),
		slog.String("format", f.String()),
		slog.Bool("selected", selected),
	)
	return id, nil
}

func (o *LogOutput) hasSelectedLocked(c esout.Category) bool {
	for _, t := range o.tracks {
		if t.Selected && t.category == c {
			return true
		}
	}
	return false
}

func (o *LogOutput) Send(h esout.TrackHandle, b *esout.Block) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.blocks++
	o.bytes += int64(len(b.Data))
	if t, ok := o.tracks[h.(int)]; ok {
		t.Blocks++
		t.Bytes += int64(len(b.Data))
		t.LastTime = b.Time()
	}
}

func (o *LogOutput) RemoveTrack(h esout.TrackHandle) {
	o.mu.Lock()
	t, ok := o.tracks[h.(int)]
	delete(o.tracks, h.(int))
	o.mu.Unlock()

	if ok {
		o.logger.Info("track removed",
			slog.Int("track", h.(int)),
			slog.String("format", t.Format),
			slog.Int64("blocks", t.Blocks),
			slog.String("size", humanize.IBytes(uint64(t.Bytes))),
		)
	}
}

func (o *LogOutput) SetClockReference(group int, t time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clocks[group] = t
}

func (o *LogOutput) ResetClockReference(group int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.clocks, group)
}

func (o *LogOutput) QueryTrackState(h esout.TrackHandle) esout.TrackState {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tracks[h.(int)]
	if !ok {
		return esout.TrackState{}
	}
	return esout.TrackState{Selected: t.Selected, Enabled: true}
}

// Stats returns a copy of the per-track counters.
func (o *LogOutput) Stats() map[int]TrackStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[int]TrackStats, len(o.tracks))
	for id, t := range o.tracks {
		out[id] = *t
	}
	return out
}

// Clock returns the last clock reference of group.
func (o *LogOutput) Clock(group int) (time.Duration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.clocks[group]
	return t, ok
}

// Totals returns the blocks and bytes delivered over the output lifetime.
func (o *LogOutput) Totals() (blocks, bytes int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.blocks, o.bytes
}
