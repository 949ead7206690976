package demux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/abrcore/internal/esout"
)

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47
)

// probeTS accepts data starting with MPEG-TS sync bytes.
func probeTS(header []byte) bool {
	if len(header) == 0 || header[0] != tsSyncByte {
		return false
	}
	if len(header) > tsPacketSize {
		return header[tsPacketSize] == tsSyncByte
	}
	return true
}

// MediacommonTSFactory returns the MPEG-TS container backed by the
// mediacommon reader.
func MediacommonTSFactory() Factory {
	return Factory{
		Name:  BackendMediacommon,
		Probe: probeTS,
		New: func(r io.Reader, sink esout.Sink, opts Options) (Container, error) {
			return newMediacommonTS(r, sink, opts)
		},
	}
}

type mediacommonTS struct {
	reader *mpegts.Reader
	sink   esout.Sink
	clock  clock
	logger *slog.Logger

	tracks   []*esout.TrackID
	hasVideo bool
	position time.Duration
}

func newMediacommonTS(r io.Reader, sink esout.Sink, opts Options) (*mediacommonTS, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &mediacommonTS{
		reader:   &mpegts.Reader{R: r},
		sink:     sink,
		clock:    newClock(sink, opts),
		logger:   logger,
		position: esout.NoTimestamp,
	}

	// Initialize reads until the program map is found.
	if err := d.reader.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts reader: %w", err)
	}

	for _, track := range d.reader.Tracks() {
		d.setupTrack(track)
	}
	if len(d.tracks) == 0 {
		return nil, errors.New("no supported elementary streams")
	}

	d.reader.OnDecodeError(func(err error) {
		d.logger.Debug("mpegts decode error", slog.String("error", err.Error()))
	})
	return d, nil
}

func (d *mediacommonTS) setupTrack(track *mpegts.Track) {
	switch codec := track.Codec.(type) {
	case *mpegts.CodecH264:
		d.hasVideo = true
		id := d.add(esout.Format{Category: esout.CategoryVideo, Codec: esout.CodecH264, ID: int(track.PID)})
		d.reader.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
			return d.video(id, pts, dts, au, h264.IsRandomAccess(au))
		})

	case *mpegts.CodecH265:
		d.hasVideo = true
		id := d.add(esout.Format{Category: esout.CategoryVideo, Codec: esout.CodecH265, ID: int(track.PID)})
		d.reader.OnDataH265(track, func(pts, dts int64, au [][]byte) error {
			return d.video(id, pts, dts, au, h265.IsRandomAccess(au))
		})

	case *mpegts.CodecMPEG4Audio:
		id := d.add(esout.Format{
			Category:   esout.CategoryAudio,
			Codec:      esout.CodecAAC,
			ID:         int(track.PID),
			SampleRate: codec.Config.SampleRate,
			Channels:   codec.Config.ChannelCount,
		})
		d.reader.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
			return d.audio(id, pts, aus, audioFrameTicks(1024, codec.Config.SampleRate))
		})

	case *mpegts.CodecAC3:
		id := d.add(esout.Format{
			Category:   esout.CategoryAudio,
			Codec:      esout.CodecAC3,
			ID:         int(track.PID),
			SampleRate: codec.SampleRate,
			Channels:   codec.ChannelCount,
		})
		d.reader.OnDataAC3(track, func(pts int64, frame []byte) error {
			return d.audio(id, pts, [][]byte{frame}, audioFrameTicks(1536, codec.SampleRate))
		})

	case *mpegts.CodecMPEG1Audio:
		id := d.add(esout.Format{Category: esout.CategoryAudio, Codec: esout.CodecMPGA, ID: int(track.PID)})
		d.reader.OnDataMPEG1Audio(track, func(pts int64, frames [][]byte) error {
			return d.audio(id, pts, frames, audioFrameTicks(1152, 0))
		})

	case *mpegts.CodecOpus:
		id := d.add(esout.Format{
			Category: esout.CategoryAudio,
			Codec:    esout.CodecOpus,
			ID:       int(track.PID),
			Channels: codec.ChannelCount,
		})
		d.reader.OnDataOpus(track, func(pts int64, packets [][]byte) error {
			return d.audio(id, pts, packets, audioFrameTicks(960, 0))
		})

	default:
		d.logger.Debug("skipping unsupported track",
			slog.Uint64("pid", uint64(track.PID)),
			slog.String("type", fmt.Sprintf("%T", track.Codec)),
		)
	}
}

func (d *mediacommonTS) add(f esout.Format) *esout.TrackID {
	id := d.sink.AddTrack(f)
	d.tracks = append(d.tracks, id)
	return id
}

func (d *mediacommonTS) video(id *esout.TrackID, pts, dts int64, au [][]byte, key bool) error {
	if len(au) == 0 {
		return nil
	}
	data, err := h264.AnnexB(au).Marshal()
	if err != nil || len(data) == 0 {
		return nil
	}

	b := &esout.Block{PTS: ticksToDuration(pts), DTS: ticksToDuration(dts), Data: data}
	if key {
		b.Flags |= esout.FlagKeyframe
	}
	d.clock.observe(b.DTS)
	d.advance(b.DTS)
	d.sink.Send(id, b)
	return nil
}

func (d *mediacommonTS) audio(id *esout.TrackID, pts int64, frames [][]byte, frameTicks int64) error {
	for _, f := range frames {
		if len(f) == 0 {
			continue
		}
		t := ticksToDuration(pts)
		if !d.hasVideo {
			d.clock.observe(t)
		}
		d.advance(t)
		d.sink.Send(id, &esout.Block{PTS: t, DTS: t, Data: f})
		pts += frameTicks
	}
	return nil
}

func (d *mediacommonTS) advance(t time.Duration) {
	if d.position == esout.NoTimestamp || t > d.position {
		d.position = t
	}
}

// audioFrameTicks returns the 90 kHz duration of one audio frame.
func audioFrameTicks(samples, sampleRate int) int64 {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	return int64(samples) * 90000 / int64(sampleRate)
}

func (d *mediacommonTS) Demux() error {
	if err := d.reader.Read(); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, astits.ErrNoMorePackets) {
			return io.EOF
		}
		return fmt.Errorf("reading mpegts: %w", err)
	}
	return nil
}

func (d *mediacommonTS) Control(q Query) (any, bool) {
	switch q {
	case QueryPosition:
		return d.position, true
	case QueryTracks:
		return len(d.tracks), true
	case QueryName:
		return BackendMediacommon, true
	}
	return nil, false
}

func (d *mediacommonTS) Destroy() {}
