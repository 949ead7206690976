package adaptation

import "time"

// FixedRate selects against a constant bitrate and ignores measurements.
type FixedRate struct {
	bitrate  uint64
	selector selector
}

// NewFixedRate creates a fixed rate logic.
func NewFixedRate(bitrate uint64, maxWidth, maxHeight int) *FixedRate {
	return &FixedRate{
		bitrate:  bitrate,
		selector: selector{maxWidth: maxWidth, maxHeight: maxHeight},
	}
}

// NextRepresentation picks the highest representation at or below the fixed bitrate.
func (l *FixedRate) NextRepresentation(set *AdaptationSet, _ *Representation) Selection {
	return l.selector.choose(set, l.bitrate)
}

// TrackerEvent is a no-op.
func (l *FixedRate) TrackerEvent(Event) {}

// UpdateDownloadRate is a no-op.
func (l *FixedRate) UpdateDownloadRate(int64, time.Duration) {}

// Estimate reports the fixed bitrate as both average and usable rate.
func (l *FixedRate) Estimate() Estimate {
	return Estimate{Average: l.bitrate, Usable: l.bitrate}
}
