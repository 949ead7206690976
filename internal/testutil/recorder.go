// Package testutil provides test doubles and sample media generation.
package testutil

import (
	"errors"
	"sync"
	"time"

	"github.com/jmylchreest/abrcore/internal/esout"
)

// Event kinds recorded by Recorder.
const (
	EventAddTrack    = "add_track"
	EventSend        = "send"
	EventRemoveTrack = "remove_track"
	EventClock       = "clock"
	EventClockReset  = "clock_reset"
)

// Event is one call observed by the Recorder.
type Event struct {
	Kind   string
	Handle int
	Format esout.Format
	Block  *esout.Block
	Group  int
	Time   time.Duration
}

// ErrRejected is returned by Recorder.AddTrack when Reject is set.
var ErrRejected = errors.New("track rejected")

// Recorder is an esout.Output that records every call.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	next   int
	live   map[int]esout.TrackState
	reject bool
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{live: make(map[int]esout.TrackState)}
}

// Reject makes subsequent AddTrack calls fail.
func (r *Recorder) Reject(reject bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reject = reject
}

func (r *Recorder) AddTrack(f esout.Format) (esout.TrackHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return nil, ErrRejected
	}
	r.next++
	r.live[r.next] = esout.TrackState{Selected: f.Selected, Enabled: true}
	r.events = append(r.events, Event{Kind: EventAddTrack, Handle: r.next, Format: f})
	return r.next, nil
}

func (r *Recorder) Send(h esout.TrackHandle, b *esout.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Kind: EventSend, Handle: h.(int), Block: b, Time: b.Time()})
}

func (r *Recorder) RemoveTrack(h esout.TrackHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, h.(int))
	r.events = append(r.events, Event{Kind: EventRemoveTrack, Handle: h.(int)})
}

func (r *Recorder) SetClockReference(group int, t time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Kind: EventClock, Group: group, Time: t})
}

func (r *Recorder) ResetClockReference(group int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Kind: EventClockReset, Group: group})
}

func (r *Recorder) QueryTrackState(h esout.TrackHandle) esout.TrackState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[h.(int)]
}

// Select changes the selection state of a live track.
func (r *Recorder) Select(h int, selected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.live[h]; ok {
		st.Selected = selected
		r.live[h] = st
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Filter returns the events of kind.
func (r *Recorder) Filter(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// LiveTracks returns the number of tracks added and not removed.
func (r *Recorder) LiveTracks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Reset clears the recorded events but keeps live tracks.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
