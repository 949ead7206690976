package esout

import "time"

// TrackHandle identifies a track of the real output.
type TrackHandle any

// TrackState is the player-side state of a track.
type TrackState struct {
	Selected bool
	Enabled  bool
}

// Output is the real player output. Only the queue consumer calls it.
type Output interface {
	AddTrack(f Format) (TrackHandle, error)
	Send(h TrackHandle, b *Block)
	RemoveTrack(h TrackHandle)
	SetClockReference(group int, t time.Duration)
	ResetClockReference(group int)
	QueryTrackState(h TrackHandle) TrackState
}

// Sink is what demuxers write to. ProxyOutput implements it.
type Sink interface {
	AddTrack(f Format) *TrackID
	Send(id *TrackID, b *Block)
	RemoveTrack(id *TrackID)
	SetClockReference(group int, t time.Duration)
	ResetClockReference(group int)
	QueryTrackState(id *TrackID) TrackState
}
