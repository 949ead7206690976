// Package adaptation estimates available bandwidth and selects the
// representation each adaptation set should play.
package adaptation

import (
	"sort"
	"time"
)

// Category is the kind of media an adaptation set carries.
type Category string

const (
	CategoryVideo    Category = "video"
	CategoryAudio    Category = "audio"
	CategorySubtitle Category = "subtitle"
)

// Key describes AES-128 encryption of a segment.
type Key struct {
	// Value is the 16 byte content key.
	Value []byte
	// IV is the initialisation vector. Empty means derive it from the sequence number.
	IV []byte
}

// Segment is one fetchable unit of a representation.
type Segment struct {
	URL         string
	Duration    time.Duration
	RangeStart  int64
	RangeLength int64
	Sequence    uint64
	Key         *Key
}

// Representation is one encoded variant of an adaptation set. It is
// supplied by the manifest layer and never mutated here.
type Representation struct {
	ID        string
	Bandwidth uint64
	Width     int
	Height    int
	Codecs    string
	// Init is the initialization segment fetched before the first media
	// segment and after every restart, nil when the container needs none.
	Init     *Segment
	Segments []Segment
}

// AdaptationSet groups interchangeable representations.
type AdaptationSet struct {
	ID              string
	Category        Category
	Representations []*Representation
}

// Representation returns the representation with the given id, or nil.
func (s *AdaptationSet) Representation(id string) *Representation {
	for _, r := range s.Representations {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// byBandwidth returns the representations sorted by ascending bandwidth.
func (s *AdaptationSet) byBandwidth() []*Representation {
	reps := make([]*Representation, len(s.Representations))
	copy(reps, s.Representations)
	sort.SliceStable(reps, func(i, j int) bool {
		return reps[i].Bandwidth < reps[j].Bandwidth
	})
	return reps
}

// Selection is the outcome of a representation choice.
type Selection struct {
	Representation *Representation
	// Budget is the bandwidth the choice was made against, in bits per second.
	Budget uint64
	// Fallback is set when no representation fit the budget and the lowest
	// available one was chosen instead.
	Fallback bool
}

// selector picks the highest bandwidth representation within budget that
// also fits the size caps.
type selector struct {
	maxWidth  int
	maxHeight int
}

func (sel selector) fits(r *Representation) bool {
	if sel.maxWidth > 0 && r.Width > sel.maxWidth {
		return false
	}
	if sel.maxHeight > 0 && r.Height > sel.maxHeight {
		return false
	}
	return true
}

func (sel selector) choose(set *AdaptationSet, budget uint64) Selection {
	if set == nil || len(set.Representations) == 0 {
		return Selection{Budget: budget, Fallback: true}
	}

	reps := set.byBandwidth()
	var best, lowestFitting *Representation
	for _, r := range reps {
		if !sel.fits(r) {
			continue
		}
		if lowestFitting == nil {
			lowestFitting = r
		}
		if r.Bandwidth <= budget {
			best = r
		}
	}

	if best != nil {
		return Selection{Representation: best, Budget: budget}
	}
	if lowestFitting != nil {
		return Selection{Representation: lowestFitting, Budget: budget, Fallback: true}
	}
	return Selection{Representation: reps[0], Budget: budget, Fallback: true}
}
