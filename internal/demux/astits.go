package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/jmylchreest/abrcore/internal/esout"
)

// Elementary stream types from ISO/IEC 13818-1 and ATSC A/52.
const (
	streamTypeMPEG1Audio = 0x03
	streamTypeMPEG2Audio = 0x04
	streamTypeAAC        = 0x0f
	streamTypeH264       = 0x1b
	streamTypeH265       = 0x24
	streamTypeAC3        = 0x81
	streamTypeEAC3       = 0x87
)

// AstitsTSFactory returns the MPEG-TS container backed by go-astits. It
// hands PES payloads through without parsing audio framing.
func AstitsTSFactory() Factory {
	return Factory{
		Name:  BackendAstits,
		Probe: probeTS,
		New: func(r io.Reader, sink esout.Sink, opts Options) (Container, error) {
			return newAstitsTS(r, sink, opts), nil
		},
	}
}

type astitsStream struct {
	id     *esout.TrackID
	format esout.Format
}

type astitsTS struct {
	demuxer *astits.Demuxer
	cancel  context.CancelFunc
	sink    esout.Sink
	clock   clock
	logger  *slog.Logger

	streams  map[uint16]*astitsStream
	pcrPID   uint16
	hasPMT   bool
	position time.Duration
}

func newAstitsTS(r io.Reader, sink esout.Sink, opts Options) *astitsTS {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &astitsTS{
		demuxer:  astits.NewDemuxer(ctx, r),
		cancel:   cancel,
		sink:     sink,
		clock:    newClock(sink, opts),
		logger:   logger,
		streams:  make(map[uint16]*astitsStream),
		position: esout.NoTimestamp,
	}
}

func (d *astitsTS) Demux() error {
	data, err := d.demuxer.NextData()
	if err != nil {
		if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("reading mpegts: %w", err)
	}

	switch {
	case data.PMT != nil:
		d.handlePMT(data.PMT)
	case data.PES != nil:
		d.handlePES(data.PID, data.PES)
	}
	return nil
}

func (d *astitsTS) handlePMT(pmt *astits.PMTData) {
	if d.hasPMT {
		return
	}
	d.hasPMT = true
	d.pcrPID = pmt.PCRPID

	for _, es := range pmt.ElementaryStreams {
		f, ok := formatForStreamType(uint8(es.StreamType))
		if !ok {
			d.logger.Debug("skipping unsupported stream",
				slog.Uint64("pid", uint64(es.ElementaryPID)),
				slog.Int("stream_type", int(es.StreamType)),
			)
			continue
		}
		f.ID = int(es.ElementaryPID)
		d.streams[es.ElementaryPID] = &astitsStream{id: d.sink.AddTrack(f), format: f}
		if _, ok := d.streams[d.pcrPID]; !ok {
			// Clock from the first stream until the PCR stream shows up.
			d.pcrPID = es.ElementaryPID
		}
	}
	if _, ok := d.streams[pmt.PCRPID]; ok {
		d.pcrPID = pmt.PCRPID
	}
}

func formatForStreamType(t uint8) (esout.Format, bool) {
	switch t {
	case streamTypeH264:
		return esout.Format{Category: esout.CategoryVideo, Codec: esout.CodecH264}, true
	case streamTypeH265:
		return esout.Format{Category: esout.CategoryVideo, Codec: esout.CodecH265}, true
	case streamTypeAAC:
		return esout.Format{Category: esout.CategoryAudio, Codec: esout.CodecAAC}, true
	case streamTypeMPEG1Audio, streamTypeMPEG2Audio:
		return esout.Format{Category: esout.CategoryAudio, Codec: esout.CodecMPGA}, true
	case streamTypeAC3:
		return esout.Format{Category: esout.CategoryAudio, Codec: esout.CodecAC3}, true
	case streamTypeEAC3:
		return esout.Format{Category: esout.CategoryAudio, Codec: esout.CodecEAC3}, true
	}
	return esout.Format{}, false
}

func (d *astitsTS) handlePES(pid uint16, pes *astits.PESData) {
	st, ok := d.streams[pid]
	if !ok || len(pes.Data) == 0 {
		return
	}

	b := &esout.Block{PTS: esout.NoTimestamp, DTS: esout.NoTimestamp, Data: pes.Data}
	if h := pes.Header; h != nil && h.OptionalHeader != nil {
		if h.OptionalHeader.PTS != nil {
			b.PTS = ticksToDuration(h.OptionalHeader.PTS.Base)
		}
		if h.OptionalHeader.DTS != nil {
			b.DTS = ticksToDuration(h.OptionalHeader.DTS.Base)
		} else {
			b.DTS = b.PTS
		}
	}

	if st.format.Category == esout.CategoryVideo && isRandomAccess(st.format.Codec, pes.Data) {
		b.Flags |= esout.FlagKeyframe
	}

	t := b.Time()
	if pid == d.pcrPID {
		d.clock.observe(t)
	}
	if t != esout.NoTimestamp && (d.position == esout.NoTimestamp || t > d.position) {
		d.position = t
	}
	d.sink.Send(st.id, b)
}

func isRandomAccess(codec string, data []byte) bool {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return false
	}
	if codec == esout.CodecH265 {
		return h265.IsRandomAccess(au)
	}
	return h264.IsRandomAccess(au)
}

func (d *astitsTS) Control(q Query) (any, bool) {
	switch q {
	case QueryPosition:
		return d.position, true
	case QueryTracks:
		return len(d.streams), true
	case QueryName:
		return BackendAstits, true
	}
	return nil, false
}

func (d *astitsTS) Destroy() {
	d.cancel()
}
