// Package esout decouples demuxers from the player output. Demuxers write to
// a ProxyOutput that turns every call into a queued command; a single
// consumer applies the commands to the real Output in order.
package esout

import (
	"fmt"
	"math"
	"time"
)

// Category is the kind of elementary stream.
type Category string

const (
	CategoryUnknown  Category = "unknown"
	CategoryVideo    Category = "video"
	CategoryAudio    Category = "audio"
	CategorySubtitle Category = "subtitle"
)

// Codec names used by the demuxers.
const (
	CodecH264 = "h264"
	CodecH265 = "h265"
	CodecAAC  = "aac"
	CodecAC3  = "ac3"
	CodecEAC3 = "eac3"
	CodecMPGA = "mpga"
	CodecOpus = "opus"
)

// Format describes an elementary stream.
type Format struct {
	Category Category
	Codec    string
	// Group is the program or clock group the stream belongs to.
	Group int
	// ID is the container level stream id (PID or track id).
	ID int

	Width      int
	Height     int
	SampleRate int
	Channels   int
	Language   string

	// Extra holds codec configuration such as parameter sets.
	Extra []byte

	// Selected asks the output to select the track on creation. It is set
	// when a new track replaces a selected track of the same category.
	Selected bool
}

// Compatible reports whether a decoder configured for f can consume o
// without renegotiation.
func (f Format) Compatible(o Format) bool {
	if f.Category != o.Category || f.Codec != o.Codec {
		return false
	}
	if f.Category == CategoryAudio {
		if f.SampleRate != 0 && o.SampleRate != 0 && f.SampleRate != o.SampleRate {
			return false
		}
		if f.Channels != 0 && o.Channels != 0 && f.Channels != o.Channels {
			return false
		}
	}
	return true
}

func (f Format) String() string {
	switch f.Category {
	case CategoryVideo:
		if f.Width > 0 {
			return fmt.Sprintf("%s/%s %dx%d", f.Category, f.Codec, f.Width, f.Height)
		}
	case CategoryAudio:
		if f.SampleRate > 0 {
			return fmt.Sprintf("%s/%s %dHz %dch", f.Category, f.Codec, f.SampleRate, f.Channels)
		}
	}
	return fmt.Sprintf("%s/%s", f.Category, f.Codec)
}

// NoTimestamp marks an unset PTS or DTS.
const NoTimestamp time.Duration = math.MinInt64

// BlockFlags annotate a Block.
type BlockFlags uint8

const (
	// FlagKeyframe marks a random access point.
	FlagKeyframe BlockFlags = 1 << iota
	// FlagDiscontinuity marks the first block after a timeline break.
	FlagDiscontinuity
)

// Block is one access unit of an elementary stream.
type Block struct {
	PTS   time.Duration
	DTS   time.Duration
	Data  []byte
	Flags BlockFlags
}

// Time returns the decode time, falling back to the presentation time.
func (b *Block) Time() time.Duration {
	if b.DTS != NoTimestamp {
		return b.DTS
	}
	return b.PTS
}

// shifted returns a copy of b with offset added to its timestamps.
func (b *Block) shifted(offset time.Duration) *Block {
	out := *b
	if offset == 0 {
		return &out
	}
	if out.PTS != NoTimestamp {
		out.PTS += offset
	}
	if out.DTS != NoTimestamp {
		out.DTS += offset
	}
	return &out
}
