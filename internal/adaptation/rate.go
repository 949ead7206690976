package adaptation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/abrcore/internal/observability"
)

const (
	// windowSize is the number of samples in the bandwidth ring.
	windowSize = 10
	// accumulationThreshold is the minimum transfer time per sample.
	accumulationThreshold = 250 * time.Millisecond
	// usableFactor scales the smoothed estimate to the usable budget.
	usableFactor = 0.75
	alphaScale   = 0.33
	alphaFlat    = 0.5
)

// RateBasedConfig holds configuration for the rate based logic.
type RateBasedConfig struct {
	MaxWidth  int
	MaxHeight int
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// RateBased selects representations against a smoothed throughput estimate.
//
// Samples are accumulated until at least 250ms of transfer time has been
// observed, then folded into a ten slot ring. The smoothing factor adapts
// to how much the ring fluctuates relative to its overall spread.
type RateBased struct {
	selector selector
	metrics  *observability.Metrics
	logger   *slog.Logger

	// sampleMu guards the accumulation and ring state.
	sampleMu   sync.Mutex
	ring       [windowSize]float64
	ringPos    int
	primed     bool
	avg        float64
	accumBytes int64
	accumTime  time.Duration

	// mu guards the values read during selection.
	mu         sync.RWMutex
	bpsAvg     uint64
	currentBps uint64
	usedBps    uint64
}

// NewRateBased creates a rate based logic.
func NewRateBased(cfg RateBasedConfig) *RateBased {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RateBased{
		selector: selector{maxWidth: cfg.MaxWidth, maxHeight: cfg.MaxHeight},
		metrics:  cfg.Metrics,
		logger:   observability.WithComponent(logger, "adaptation"),
	}
}

// UpdateDownloadRate accumulates a throughput observation and folds it into
// the estimate once enough transfer time has been seen.
func (l *RateBased) UpdateDownloadRate(size int64, elapsed time.Duration) {
	if size < 0 || elapsed <= 0 {
		return
	}

	l.sampleMu.Lock()
	l.accumBytes += size
	l.accumTime += elapsed
	if l.accumTime < accumulationThreshold {
		l.sampleMu.Unlock()
		return
	}

	rate := float64(l.accumBytes*8) / l.accumTime.Seconds()
	l.accumBytes = 0
	l.accumTime = 0

	if !l.primed {
		for i := range l.ring {
			l.ring[i] = rate
		}
		l.primed = true
		l.avg = rate
	} else {
		l.ring[l.ringPos] = rate
		l.ringPos = (l.ringPos + 1) % windowSize
	}

	minRate, maxRate, diffsum := ringStats(&l.ring, l.ringPos)

	alpha := alphaFlat
	if diffsum > 0 {
		alpha = alphaScale * (maxRate - minRate) / diffsum
	}
	l.avg = alpha*l.avg + (1-alpha)*rate
	avg := l.avg
	l.sampleMu.Unlock()

	l.mu.Lock()
	l.bpsAvg = uint64(avg)
	l.currentBps = uint64(avg * usableFactor)
	est := Estimate{Average: l.bpsAvg, Usable: l.currentBps, Used: l.usedBps}
	l.mu.Unlock()

	l.metrics.SetBandwidth(est.Average, est.Usable, est.Used)
	l.logger.Debug("bandwidth updated",
		slog.Uint64("instant_bps", uint64(rate)),
		slog.Uint64("average_bps", est.Average),
		slog.Float64("alpha", alpha),
	)
}

// NextRepresentation picks the highest bandwidth representation that fits
// the budget left once other active tracks have taken their share.
func (l *RateBased) NextRepresentation(set *AdaptationSet, current *Representation) Selection {
	l.mu.RLock()
	available := int64(l.currentBps) - int64(l.usedBps)
	l.mu.RUnlock()

	if current != nil {
		available += int64(current.Bandwidth)
	}
	if available < 0 {
		available = 0
	}
	return l.selector.choose(set, uint64(available))
}

// TrackerEvent keeps the reserved bandwidth in step with active representations.
func (l *RateBased) TrackerEvent(ev Event) {
	l.mu.Lock()
	switch e := ev.(type) {
	case SwitchingEvent:
		if e.Prev != nil {
			l.usedBps = subFloor(l.usedBps, e.Prev.Bandwidth)
		}
		if e.Next != nil {
			l.usedBps += e.Next.Bandwidth
		}
	case EnabledEvent:
		if e.Representation != nil {
			if e.Enabled {
				l.usedBps += e.Representation.Bandwidth
			} else {
				l.usedBps = subFloor(l.usedBps, e.Representation.Bandwidth)
			}
		}
	case DeletedEvent:
		if e.Representation != nil {
			l.usedBps = subFloor(l.usedBps, e.Representation.Bandwidth)
		}
	}
	est := Estimate{Average: l.bpsAvg, Usable: l.currentBps, Used: l.usedBps}
	l.mu.Unlock()

	l.metrics.SetBandwidth(est.Average, est.Usable, est.Used)
}

// Estimate returns the current bandwidth bookkeeping.
func (l *RateBased) Estimate() Estimate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Estimate{Average: l.bpsAvg, Usable: l.currentBps, Used: l.usedBps}
}

func subFloor(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// ringStats returns the spread of the ring and the sum of absolute
// differences between consecutive samples, walking from the oldest sample
// at pos to the newest.
func ringStats(ring *[windowSize]float64, pos int) (lo, hi, diffsum float64) {
	prev := ring[pos%windowSize]
	lo, hi = prev, prev
	for i := 1; i < windowSize; i++ {
		v := ring[(pos+i)%windowSize]
		lo = min(lo, v)
		hi = max(hi, v)
		d := v - prev
		if d < 0 {
			d = -d
		}
		diffsum += d
		prev = v
	}
	return lo, hi, diffsum
}
