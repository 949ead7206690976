package adaptation

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/abrcore/internal/config"
	"github.com/jmylchreest/abrcore/internal/observability"
)

// Logic chooses representations and consumes throughput samples.
type Logic interface {
	// NextRepresentation picks the representation set should play next.
	// current may be nil when nothing plays yet.
	NextRepresentation(set *AdaptationSet, current *Representation) Selection
	// TrackerEvent informs the logic about playback changes.
	TrackerEvent(ev Event)
	// UpdateDownloadRate records that size bytes arrived in elapsed time.
	UpdateDownloadRate(size int64, elapsed time.Duration)
}

// Event is a playback change reported to the logic.
type Event interface {
	event()
}

// SwitchingEvent reports a switch from Prev to Next. Prev is nil for the
// first selection and Next is nil when the track stops.
type SwitchingEvent struct {
	Prev *Representation
	Next *Representation
}

// EnabledEvent reports that a representation started or stopped playing.
type EnabledEvent struct {
	Representation *Representation
	Enabled        bool
}

// DeletedEvent reports that a representation went away while active.
type DeletedEvent struct {
	Representation *Representation
}

func (SwitchingEvent) event() {}
func (EnabledEvent) event()   {}
func (DeletedEvent) event()   {}

// Estimate is a snapshot of the bandwidth bookkeeping, in bits per second.
type Estimate struct {
	Average uint64 `json:"average_bps"`
	Usable  uint64 `json:"usable_bps"`
	Used    uint64 `json:"used_bps"`
}

// Estimator is implemented by logics that expose their bandwidth state.
type Estimator interface {
	Estimate() Estimate
}

// New creates the logic named in cfg.
func New(cfg config.AdaptationConfig, metrics *observability.Metrics, logger *slog.Logger) (Logic, error) {
	switch cfg.Logic {
	case config.LogicRate, "":
		return NewRateBased(RateBasedConfig{
			MaxWidth:  cfg.MaxWidth,
			MaxHeight: cfg.MaxHeight,
			Metrics:   metrics,
			Logger:    logger,
		}), nil
	case config.LogicFixed:
		return NewFixedRate(cfg.FixedBitrate, cfg.MaxWidth, cfg.MaxHeight), nil
	default:
		return nil, fmt.Errorf("unknown adaptation logic %q", cfg.Logic)
	}
}
