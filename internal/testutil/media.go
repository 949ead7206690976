package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// Sample stream parameters shared by the generators.
const (
	VideoPID       = 256
	AudioPID       = 257
	VideoTrackID   = 1
	AudioTrackID   = 2
	FrameRate      = 25
	AudioRate      = 48000
	AudioChannels  = 2
	aacFrameLength = 1024
	clockRate      = 90000
)

// H264SPS is a baseline 1920x1080 sequence parameter set.
var H264SPS = []byte{
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
	0x20,
}

// H264PPS is the picture parameter set paired with H264SPS.
var H264PPS = []byte{0x68, 0xce, 0x3c, 0x80}

var aacConfig = mpeg4audio.AudioSpecificConfig{
	Type:         mpeg4audio.ObjectTypeAACLC,
	SampleRate:   AudioRate,
	ChannelCount: AudioChannels,
}

// SegmentOptions describe a generated segment.
type SegmentOptions struct {
	// Start is the timestamp of the first video frame.
	Start time.Duration
	// Frames is the number of video frames at FrameRate.
	Frames int
	// NoAudio omits the AAC track.
	NoAudio bool
	// GOP is the keyframe interval in frames; zero means only the first.
	GOP int
}

// Duration returns the media time the segment spans.
func (o SegmentOptions) Duration() time.Duration {
	return time.Duration(o.Frames) * time.Second / FrameRate
}

func (o SegmentOptions) keyframe(i int) bool {
	if i == 0 {
		return true
	}
	return o.GOP > 0 && i%o.GOP == 0
}

func toTicks(d time.Duration) int64 {
	return int64(d) * clockRate / int64(time.Second)
}

func videoAU(i int, key bool) [][]byte {
	if key {
		return [][]byte{H264SPS, H264PPS, {0x65, 0x88, 0x84, byte(i)}}
	}
	return [][]byte{{0x41, 0x9a, 0x00, byte(i)}}
}

func audioAU(i int) []byte {
	return []byte{0x21, 0x10, 0x05, byte(i)}
}

// TSSegment generates an MPEG-TS segment carrying H.264 video and,
// unless disabled, AAC audio.
func TSSegment(opts SegmentOptions) ([]byte, error) {
	if opts.Frames <= 0 {
		return nil, errors.New("segment needs at least one frame")
	}

	video := &mpegts.Track{PID: VideoPID, Codec: &mpegts.CodecH264{}}
	tracks := []*mpegts.Track{video}
	var audio *mpegts.Track
	if !opts.NoAudio {
		audio = &mpegts.Track{PID: AudioPID, Codec: &mpegts.CodecMPEG4Audio{Config: aacConfig}}
		tracks = append(tracks, audio)
	}

	var buf bytes.Buffer
	w := &mpegts.Writer{W: &buf, Tracks: tracks}
	if err := w.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing ts writer: %w", err)
	}

	frameTicks := int64(clockRate / FrameRate)
	start := toTicks(opts.Start)
	audioTicks := int64(aacFrameLength) * clockRate / AudioRate
	nextAudio := start
	audioIndex := 0

	for i := range opts.Frames {
		dts := start + int64(i)*frameTicks
		if err := w.WriteH264(video, dts, dts, videoAU(i, opts.keyframe(i))); err != nil {
			return nil, fmt.Errorf("writing video frame %d: %w", i, err)
		}
		if audio == nil {
			continue
		}
		for nextAudio < dts+frameTicks {
			if err := w.WriteMPEG4Audio(audio, nextAudio, [][]byte{audioAU(audioIndex)}); err != nil {
				return nil, fmt.Errorf("writing audio frame %d: %w", audioIndex, err)
			}
			nextAudio += audioTicks
			audioIndex++
		}
	}
	return buf.Bytes(), nil
}

// FMP4Init generates an fMP4 initialization segment.
func FMP4Init(noAudio bool) ([]byte, error) {
	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        VideoTrackID,
			TimeScale: clockRate,
			Codec:     &mp4.CodecH264{SPS: H264SPS, PPS: H264PPS},
		}},
	}
	if !noAudio {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        AudioTrackID,
			TimeScale: AudioRate,
			Codec:     &mp4.CodecMPEG4Audio{Config: aacConfig},
		})
	}

	var ws writeSeeker
	if err := init.Marshal(&ws); err != nil {
		return nil, fmt.Errorf("marshaling init: %w", err)
	}
	return ws.buf, nil
}

// FMP4Fragment generates one moof/mdat fragment continuing an FMP4Init.
func FMP4Fragment(seq uint32, opts SegmentOptions) ([]byte, error) {
	if opts.Frames <= 0 {
		return nil, errors.New("fragment needs at least one frame")
	}

	videoSamples := make([]*fmp4.Sample, opts.Frames)
	for i := range videoSamples {
		videoSamples[i] = &fmp4.Sample{
			Duration:        clockRate / FrameRate,
			IsNonSyncSample: !opts.keyframe(i),
			Payload:         avcc(videoAU(i, opts.keyframe(i))),
		}
	}

	part := &fmp4.Part{
		SequenceNumber: seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       VideoTrackID,
			BaseTime: uint64(toTicks(opts.Start)),
			Samples:  videoSamples,
		}},
	}

	if !opts.NoAudio {
		n := int(opts.Duration() * AudioRate / time.Second / aacFrameLength)
		if n == 0 {
			n = 1
		}
		audioSamples := make([]*fmp4.Sample, n)
		for i := range audioSamples {
			audioSamples[i] = &fmp4.Sample{Duration: aacFrameLength, Payload: audioAU(i)}
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       AudioTrackID,
			BaseTime: uint64(int64(opts.Start) * AudioRate / int64(time.Second)),
			Samples:  audioSamples,
		})
	}

	var ws writeSeeker
	if err := part.Marshal(&ws); err != nil {
		return nil, fmt.Errorf("marshaling fragment: %w", err)
	}
	return ws.buf, nil
}

// avcc converts NAL units to 4-byte length-prefixed form.
func avcc(nalus [][]byte) []byte {
	var out []byte
	for _, n := range nalus {
		l := len(n)
		out = append(out, byte(l>>24), byte(l>>16), byte(l>>8), byte(l))
		out = append(out, n...)
	}
	return out
}

// writeSeeker is an in-memory io.WriteSeeker for the mp4 marshalers.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	if end := w.pos + len(p); end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	n := copy(w.buf[w.pos:], p)
	w.pos += n
	return n, nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = int64(w.pos) + offset
	case io.SeekEnd:
		pos = int64(len(w.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if pos < 0 {
		return 0, errors.New("negative position")
	}
	w.pos = int(pos)
	return pos, nil
}
