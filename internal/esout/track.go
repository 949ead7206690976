package esout

import "sync/atomic"

type trackState int

const (
	trackLive trackState = iota
	trackPendingDelete
	trackRecycled
	trackReused
	trackRemoved
)

func (s trackState) String() string {
	switch s {
	case trackLive:
		return "live"
	case trackPendingDelete:
		return "pending_delete"
	case trackRecycled:
		return "recycled"
	case trackReused:
		return "reused"
	case trackRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

var trackSerial atomic.Uint64

// TrackID is the proxy identity of an elementary stream. Its real handle
// is bound when the consumer applies the matching AddTrack command and may
// be inherited from a recycled identity across demuxer restarts.
//
// Mutable fields are guarded by the owning ProxyOutput.
type TrackID struct {
	serial uint64
	format Format

	handle   TrackHandle
	realized bool
	state    trackState
	// known is the last state read from the real output by the consumer.
	known TrackState
}

func newTrackID(f Format) *TrackID {
	return &TrackID{serial: trackSerial.Add(1), format: f, state: trackLive}
}

// Format returns the stream format the identity was announced with.
func (id *TrackID) Format() Format {
	return id.format
}

// Serial returns a process-unique number for logging.
func (id *TrackID) Serial() uint64 {
	return id.serial
}
