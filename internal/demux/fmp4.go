package demux

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/jmylchreest/abrcore/internal/esout"
)

// maxBoxSize bounds a single box held in memory.
const maxBoxSize = 64 << 20

var errBoxTooLarge = errors.New("box too large")

// probeFMP4 accepts data starting with an ISO BMFF box a fragmented stream
// begins with.
func probeFMP4(header []byte) bool {
	if len(header) < 8 {
		return false
	}
	switch string(header[4:8]) {
	case "ftyp", "styp", "moov", "moof", "sidx":
		return true
	}
	return false
}

// FMP4Factory returns the fragmented MP4 container.
func FMP4Factory() Factory {
	return Factory{
		Name:  BackendFMP4,
		Probe: probeFMP4,
		New: func(r io.Reader, sink esout.Sink, opts Options) (Container, error) {
			return newFMP4(r, sink, opts), nil
		},
	}
}

type fmp4Track struct {
	id        *esout.TrackID
	timescale uint32
	codec     mp4.Codec
}

type fmp4Container struct {
	r      io.Reader
	sink   esout.Sink
	clock  clock
	logger *slog.Logger

	tracks   map[int]*fmp4Track
	moof     []byte
	hasVideo bool
	position time.Duration
}

func newFMP4(r io.Reader, sink esout.Sink, opts Options) *fmp4Container {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &fmp4Container{
		r:        r,
		sink:     sink,
		clock:    newClock(sink, opts),
		logger:   logger,
		tracks:   make(map[int]*fmp4Track),
		position: esout.NoTimestamp,
	}
}

// Demux consumes one top-level box.
func (d *fmp4Container) Demux() error {
	boxType, box, err := d.readBox()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return err
	}

	switch boxType {
	case "moov":
		return d.parseInit(box)
	case "moof":
		d.moof = box
	case "mdat":
		if d.moof == nil {
			d.logger.Debug("mdat without moof")
			return nil
		}
		fragment := append(d.moof, box...)
		d.moof = nil
		return d.parseFragment(fragment)
	}
	return nil
}

func (d *fmp4Container) readBox() (string, []byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		return "", nil, err
	}
	size := uint64(binary.BigEndian.Uint32(header[:4]))
	boxType := string(header[4:8])
	headerLen := uint64(8)

	var large [8]byte
	if size == 1 {
		if _, err := io.ReadFull(d.r, large[:]); err != nil {
			return "", nil, err
		}
		size = binary.BigEndian.Uint64(large[:])
		headerLen = 16
	}
	if size < headerLen {
		return "", nil, fmt.Errorf("invalid %q box size %d", boxType, size)
	}
	if size > maxBoxSize {
		return "", nil, fmt.Errorf("%w: %q is %d bytes", errBoxTooLarge, boxType, size)
	}

	box := make([]byte, size)
	copy(box, header[:])
	if headerLen == 16 {
		copy(box[8:], large[:])
	}
	if _, err := io.ReadFull(d.r, box[headerLen:]); err != nil {
		return "", nil, err
	}
	return boxType, box, nil
}

func (d *fmp4Container) parseInit(moov []byte) error {
	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(moov)); err != nil {
		return fmt.Errorf("parsing moov: %w", err)
	}
	if len(d.tracks) > 0 {
		// A repeated init segment keeps the announced tracks.
		return nil
	}

	for _, t := range init.Tracks {
		f, ok := formatForMP4Codec(t.Codec)
		if !ok {
			d.logger.Debug("skipping unsupported track",
				slog.Int("track", t.ID),
				slog.String("type", fmt.Sprintf("%T", t.Codec)),
			)
			continue
		}
		f.ID = t.ID
		if f.Category == esout.CategoryVideo {
			d.hasVideo = true
		}
		d.tracks[t.ID] = &fmp4Track{id: d.sink.AddTrack(f), timescale: t.TimeScale, codec: t.Codec}
	}
	return nil
}

func formatForMP4Codec(c mp4.Codec) (esout.Format, bool) {
	switch codec := c.(type) {
	case *mp4.CodecH264:
		f := esout.Format{Category: esout.CategoryVideo, Codec: esout.CodecH264}
		var sps h264.SPS
		if err := sps.Unmarshal(codec.SPS); err == nil {
			f.Width, f.Height = sps.Width(), sps.Height()
		}
		return f, true
	case *mp4.CodecH265:
		f := esout.Format{Category: esout.CategoryVideo, Codec: esout.CodecH265}
		var sps h265.SPS
		if err := sps.Unmarshal(codec.SPS); err == nil {
			f.Width, f.Height = sps.Width(), sps.Height()
		}
		return f, true
	case *mp4.CodecMPEG4Audio:
		return esout.Format{
			Category:   esout.CategoryAudio,
			Codec:      esout.CodecAAC,
			SampleRate: codec.Config.SampleRate,
			Channels:   codec.Config.ChannelCount,
		}, true
	case *mp4.CodecAC3:
		return esout.Format{
			Category:   esout.CategoryAudio,
			Codec:      esout.CodecAC3,
			SampleRate: codec.SampleRate,
			Channels:   codec.ChannelCount,
		}, true
	case *mp4.CodecOpus:
		return esout.Format{Category: esout.CategoryAudio, Codec: esout.CodecOpus, Channels: codec.ChannelCount}, true
	}
	return esout.Format{}, false
}

func (d *fmp4Container) parseFragment(data []byte) error {
	var parts fmp4.Parts
	if err := parts.Unmarshal(data); err != nil {
		return fmt.Errorf("parsing fragment: %w", err)
	}
	for _, part := range parts {
		for _, pt := range part.Tracks {
			t, ok := d.tracks[pt.ID]
			if !ok {
				continue
			}
			d.emit(t, pt)
		}
	}
	return nil
}

func (d *fmp4Container) emit(t *fmp4Track, pt *fmp4.PartTrack) {
	video := t.id.Format().Category == esout.CategoryVideo
	ticks := pt.BaseTime

	for _, s := range pt.Samples {
		dts := scaleToDuration(ticks, t.timescale)
		pts := dts + time.Duration(s.PTSOffset)*time.Second/time.Duration(max(t.timescale, 1))
		ticks += uint64(s.Duration)

		data := s.Payload
		if video {
			data = d.annexB(t, s.Payload, !s.IsNonSyncSample)
		}
		if len(data) == 0 {
			continue
		}

		b := &esout.Block{PTS: pts, DTS: dts, Data: data}
		if !s.IsNonSyncSample {
			b.Flags |= esout.FlagKeyframe
		}
		if video || !d.hasVideo {
			d.clock.observe(dts)
		}
		if d.position == esout.NoTimestamp || dts > d.position {
			d.position = dts
		}
		d.sink.Send(t.id, b)
	}
}

// annexB converts a length-prefixed sample to Annex B, prepending
// parameter sets on sync samples.
func (d *fmp4Container) annexB(t *fmp4Track, payload []byte, sync bool) []byte {
	var au h264.AVCC
	if err := au.Unmarshal(payload); err != nil {
		d.logger.Debug("malformed sample", slog.String("error", err.Error()))
		return nil
	}
	nalus := [][]byte(au)
	if sync {
		switch c := t.codec.(type) {
		case *mp4.CodecH264:
			nalus = append([][]byte{c.SPS, c.PPS}, nalus...)
		case *mp4.CodecH265:
			nalus = append([][]byte{c.VPS, c.SPS, c.PPS}, nalus...)
		}
	}
	out, err := h264.AnnexB(nalus).Marshal()
	if err != nil {
		return nil
	}
	return out
}

func (d *fmp4Container) Control(q Query) (any, bool) {
	switch q {
	case QueryPosition:
		return d.position, true
	case QueryTracks:
		return len(d.tracks), true
	case QueryName:
		return BackendFMP4, true
	}
	return nil, false
}

func (d *fmp4Container) Destroy() {
	d.moof = nil
}
