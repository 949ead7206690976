package session

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrcore/internal/adaptation"
	"github.com/jmylchreest/abrcore/internal/chunk"
	"github.com/jmylchreest/abrcore/internal/connection"
	"github.com/jmylchreest/abrcore/internal/demux"
	"github.com/jmylchreest/abrcore/internal/esout"
	"github.com/jmylchreest/abrcore/internal/observability"
	"github.com/jmylchreest/abrcore/internal/testutil"
	"github.com/jmylchreest/abrcore/pkg/httpclient"
)

const framesPerSegment = testutil.FrameRate

// scriptedLogic picks representations from a fixed list, one per call,
// repeating the last entry.
type scriptedLogic struct {
	mu     sync.Mutex
	picks  []*adaptation.Representation
	calls  int
	events []adaptation.Event
}

func (l *scriptedLogic) NextRepresentation(_ *adaptation.AdaptationSet, _ *adaptation.Representation) adaptation.Selection {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := min(l.calls, len(l.picks)-1)
	l.calls++
	return adaptation.Selection{Representation: l.picks[i]}
}

func (l *scriptedLogic) TrackerEvent(ev adaptation.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *scriptedLogic) UpdateDownloadRate(int64, time.Duration) {}

func (l *scriptedLogic) switches() []adaptation.SwitchingEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []adaptation.SwitchingEvent
	for _, ev := range l.events {
		if sw, ok := ev.(adaptation.SwitchingEvent); ok {
			out = append(out, sw)
		}
	}
	return out
}

type streamHarness struct {
	srv     *testutil.SegmentServer
	rec     *testutil.Recorder
	metrics *observability.Metrics
	manager *connection.Manager
}

func newStreamHarness(t *testing.T) *streamHarness {
	t.Helper()

	h := &streamHarness{
		srv:     testutil.NewSegmentServer(t, nil),
		rec:     testutil.NewRecorder(),
		metrics: observability.NewMetrics(),
	}

	client := httpclient.DefaultConfig()
	client.EnableDecompression = false
	client.RetryAttempts = 0

	d := connection.NewDownloader(connection.DownloaderConfig{Workers: 2})
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)

	h.manager = connection.NewManager(connection.ManagerConfig{
		Factory:    connection.NewHTTPFactory(connection.HTTPConfig{Client: client}),
		Downloader: d,
		Metrics:    h.metrics,
	})
	t.Cleanup(h.manager.CloseAllConnections)
	return h
}

// tsRepresentation publishes count contiguous one second TS segments.
func (h *streamHarness) tsRepresentation(t *testing.T, id string, bandwidth uint64, count int) *adaptation.Representation {
	t.Helper()
	rep := &adaptation.Representation{ID: id, Bandwidth: bandwidth, Width: 1920, Height: 1080}
	for i := range count {
		data, err := testutil.TSSegment(testutil.SegmentOptions{
			Start:  time.Duration(i) * time.Second,
			Frames: framesPerSegment,
			GOP:    framesPerSegment,
		})
		require.NoError(t, err)
		path := fmt.Sprintf("/%s/seg%d.ts", id, i)
		h.srv.Set(path, data)
		rep.Segments = append(rep.Segments, adaptation.Segment{
			URL:      h.srv.URL(path),
			Duration: time.Second,
			Sequence: uint64(i),
		})
	}
	return rep
}

func (h *streamHarness) stream(t *testing.T, set *adaptation.AdaptationSet, logic adaptation.Logic, mutate ...func(*StreamConfig)) *Stream {
	t.Helper()
	cfg := StreamConfig{
		Set:      set,
		Logic:    logic,
		Manager:  h.manager,
		Output:   h.rec,
		Registry: demux.DefaultRegistry(demux.BackendMediacommon),
		Buffered: true,
		Metrics:  h.metrics,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := NewStream(cfg)
	require.NoError(t, err)
	return s
}

func run(t *testing.T, s *Stream) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := s.Run(ctx)
	require.NoError(t, ctx.Err(), "stream did not finish in time")
	return err
}

func videoSends(rec *testutil.Recorder) []testutil.Event {
	handles := map[int]bool{}
	for _, e := range rec.Filter(testutil.EventAddTrack) {
		if e.Format.Category == esout.CategoryVideo {
			handles[e.Handle] = true
		}
	}
	var out []testutil.Event
	for _, e := range rec.Filter(testutil.EventSend) {
		if handles[e.Handle] {
			out = append(out, e)
		}
	}
	return out
}

func assertContiguous(t *testing.T, sends []testutil.Event, first time.Duration, frames int) {
	t.Helper()
	require.Len(t, sends, frames)
	assert.Equal(t, first, sends[0].Block.DTS)
	for i := 1; i < len(sends); i++ {
		assert.Equal(t, 40*time.Millisecond, sends[i].Block.DTS-sends[i-1].Block.DTS, "frame %d", i)
	}
}

func TestNewStream_Validation(t *testing.T) {
	h := newStreamHarness(t)
	rep := h.tsRepresentation(t, "a", 1000, 1)
	logic := &scriptedLogic{picks: []*adaptation.Representation{rep}}

	_, err := NewStream(StreamConfig{Set: &adaptation.AdaptationSet{ID: "empty"}, Logic: logic, Manager: h.manager, Output: h.rec})
	assert.ErrorIs(t, err, ErrInvalidManifest)

	set := &adaptation.AdaptationSet{ID: "s", Representations: []*adaptation.Representation{rep}}
	_, err = NewStream(StreamConfig{Set: set, Manager: h.manager, Output: h.rec})
	assert.Error(t, err)
}

func TestStream_PlaysToEnd(t *testing.T) {
	for _, buffered := range []bool{true, false} {
		t.Run(fmt.Sprintf("buffered=%v", buffered), func(t *testing.T) {
			h := newStreamHarness(t)
			rep := h.tsRepresentation(t, "main", 1_000_000, 3)
			set := &adaptation.AdaptationSet{ID: "video", Category: adaptation.CategoryVideo, Representations: []*adaptation.Representation{rep}}
			logic := &scriptedLogic{picks: []*adaptation.Representation{rep}}

			s := h.stream(t, set, logic, func(c *StreamConfig) { c.Buffered = buffered })
			require.NoError(t, run(t, s))

			assertContiguous(t, videoSends(h.rec), 0, 3*framesPerSegment)
			assert.NotZero(t, videoSends(h.rec)[0].Block.Flags&esout.FlagKeyframe)
			assert.Equal(t, 2, h.rec.Count(testutil.EventAddTrack))
			assert.NotEmpty(t, h.rec.Filter(testutil.EventClock))
			assert.Zero(t, h.rec.LiveTracks(), "tracks are torn down when the stream stops")

			st := s.Status()
			assert.Equal(t, "main", st.Representation)
			assert.Equal(t, 2, st.Segment)
			assert.Equal(t, 3, st.Segments)
			assert.True(t, st.Ended)
			assert.Equal(t, demux.BackendMediacommon, st.Backend)
			assert.Zero(t, st.Switches)

			sw := logic.switches()
			require.Len(t, sw, 2)
			assert.Nil(t, sw[0].Prev)
			assert.Equal(t, rep, sw[0].Next)
			assert.Equal(t, rep, sw[1].Prev)
			assert.Nil(t, sw[1].Next)

			for i := range 3 {
				assert.Equal(t, 1, h.srv.Requests(fmt.Sprintf("/main/seg%d.ts", i)))
			}
		})
	}
}

func TestStream_SwitchesAtSegmentBoundary(t *testing.T) {
	h := newStreamHarness(t)
	low := h.tsRepresentation(t, "low", 500_000, 3)
	high := h.tsRepresentation(t, "high", 3_000_000, 3)
	set := &adaptation.AdaptationSet{ID: "video", Category: adaptation.CategoryVideo, Representations: []*adaptation.Representation{low, high}}
	logic := &scriptedLogic{picks: []*adaptation.Representation{low, high}}

	s := h.stream(t, set, logic)
	require.NoError(t, run(t, s))

	// Nothing is lost or repeated across the switch.
	assertContiguous(t, videoSends(h.rec), 0, 3*framesPerSegment)
	assert.Equal(t, 2, h.rec.Count(testutil.EventAddTrack), "compatible tracks are reused across the switch")
	assert.Zero(t, h.rec.LiveTracks())

	assert.Equal(t, 1, h.srv.Requests("/low/seg0.ts"))
	assert.Zero(t, h.srv.Requests("/low/seg1.ts"))
	assert.Zero(t, h.srv.Requests("/high/seg0.ts"))
	assert.Equal(t, 1, h.srv.Requests("/high/seg1.ts"))

	st := s.Status()
	assert.Equal(t, 1, st.Switches)
	assert.Equal(t, "high", st.Representation)

	sw := logic.switches()
	require.Len(t, sw, 3)
	assert.Equal(t, low, sw[1].Prev)
	assert.Equal(t, high, sw[1].Next)

	reg := h.metrics.Registry()
	assert.Equal(t, 1.0, testutil.MetricValue(reg, "abrcore_representation_switches_total"))
	assert.Equal(t, 1.0, testutil.MetricValue(reg, "abrcore_demuxer_restarts_total"))
}

func TestStream_RealtimeSwitchKeepsBufferedFrames(t *testing.T) {
	h := newStreamHarness(t)
	low := h.tsRepresentation(t, "low", 500_000, 2)
	high := h.tsRepresentation(t, "high", 3_000_000, 2)
	set := &adaptation.AdaptationSet{ID: "video", Category: adaptation.CategoryVideo, Representations: []*adaptation.Representation{low, high}}
	logic := &scriptedLogic{picks: []*adaptation.Representation{low, high}}

	s := h.stream(t, set, logic, func(c *StreamConfig) {
		c.Realtime = true
		c.BufferAhead = 2 * time.Second
	})
	require.NoError(t, run(t, s))

	assertContiguous(t, videoSends(h.rec), 0, 2*framesPerSegment)
	assert.Equal(t, 2, h.rec.Count(testutil.EventAddTrack))
	assert.Equal(t, 2, h.rec.Count(testutil.EventRemoveTrack), "only the final teardown removes tracks")
	assert.Equal(t, 1, s.Status().Switches)
}

func TestStream_SeekBeforeRun(t *testing.T) {
	h := newStreamHarness(t)
	rep := h.tsRepresentation(t, "main", 1_000_000, 3)
	set := &adaptation.AdaptationSet{ID: "video", Representations: []*adaptation.Representation{rep}}
	s := h.stream(t, set, &scriptedLogic{picks: []*adaptation.Representation{rep}})

	require.NoError(t, s.Seek(2))
	require.NoError(t, run(t, s))

	assertContiguous(t, videoSends(h.rec), 2*time.Second, framesPerSegment)
	assert.Zero(t, h.srv.Requests("/main/seg0.ts"))
	assert.Zero(t, h.srv.Requests("/main/seg1.ts"))
	assert.Equal(t, 1, h.srv.Requests("/main/seg2.ts"))
}

func TestStream_SeekValidation(t *testing.T) {
	h := newStreamHarness(t)
	rep := h.tsRepresentation(t, "main", 1_000_000, 2)
	set := &adaptation.AdaptationSet{ID: "video", Representations: []*adaptation.Representation{rep}}
	s := h.stream(t, set, &scriptedLogic{picks: []*adaptation.Representation{rep}})

	assert.ErrorIs(t, s.Seek(-1), ErrSeekOutOfRange)
	assert.ErrorIs(t, s.Seek(2), ErrSeekOutOfRange)

	require.NoError(t, run(t, s))
	assert.ErrorIs(t, s.Seek(0), ErrStreamFinished)
}

func TestStream_EncryptedSegments(t *testing.T) {
	h := newStreamHarness(t)
	key := bytes.Repeat([]byte{0x2a}, 16)

	rep := h.tsRepresentation(t, "enc", 1_000_000, 2)
	for i := range rep.Segments {
		seg := &rep.Segments[i]
		path := fmt.Sprintf("/enc/seg%d.ts", i)
		clear, err := testutil.TSSegment(testutil.SegmentOptions{
			Start:  time.Duration(i) * time.Second,
			Frames: framesPerSegment,
			GOP:    framesPerSegment,
		})
		require.NoError(t, err)
		h.srv.Set(path, encryptCBC(t, key, chunk.SequenceIV(seg.Sequence), clear))
		seg.Key = &adaptation.Key{Value: key}
	}

	set := &adaptation.AdaptationSet{ID: "video", Representations: []*adaptation.Representation{rep}}
	s := h.stream(t, set, &scriptedLogic{picks: []*adaptation.Representation{rep}})
	require.NoError(t, run(t, s))

	assertContiguous(t, videoSends(h.rec), 0, 2*framesPerSegment)
}

func encryptCBC(t *testing.T, key, iv, data []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	pad := aes.BlockSize - len(data)%aes.BlockSize
	padded := append(bytes.Clone(data), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestStream_FMP4InitFetchedOnce(t *testing.T) {
	h := newStreamHarness(t)

	init, err := testutil.FMP4Init(true)
	require.NoError(t, err)
	h.srv.Set("/f/init.mp4", init)

	rep := &adaptation.Representation{ID: "f", Bandwidth: 1_000_000, Init: &adaptation.Segment{URL: h.srv.URL("/f/init.mp4")}}
	for i := range 2 {
		frag, err := testutil.FMP4Fragment(uint32(i+1), testutil.SegmentOptions{
			Start:   time.Duration(i) * time.Second,
			Frames:  framesPerSegment,
			NoAudio: true,
		})
		require.NoError(t, err)
		path := fmt.Sprintf("/f/seg%d.m4s", i)
		h.srv.Set(path, frag)
		rep.Segments = append(rep.Segments, adaptation.Segment{URL: h.srv.URL(path), Duration: time.Second, Sequence: uint64(i)})
	}

	set := &adaptation.AdaptationSet{ID: "video", Representations: []*adaptation.Representation{rep}}
	s := h.stream(t, set, &scriptedLogic{picks: []*adaptation.Representation{rep}})
	require.NoError(t, s.Seek(0))
	require.NoError(t, run(t, s))

	assertContiguous(t, videoSends(h.rec), 0, 2*framesPerSegment)
	assert.Equal(t, demux.BackendFMP4, s.Status().Backend)
	assert.Equal(t, 1, h.srv.Requests("/f/init.mp4"))
}

func TestStream_UnknownContainer(t *testing.T) {
	h := newStreamHarness(t)
	h.srv.Set("/junk/seg0.bin", bytes.Repeat([]byte("junk"), 200))
	rep := &adaptation.Representation{ID: "junk", Bandwidth: 1000, Segments: []adaptation.Segment{{URL: h.srv.URL("/junk/seg0.bin")}}}
	set := &adaptation.AdaptationSet{ID: "video", Representations: []*adaptation.Representation{rep}}

	s := h.stream(t, set, &scriptedLogic{picks: []*adaptation.Representation{rep}})
	err := run(t, s)
	assert.ErrorIs(t, err, demux.ErrNoDemuxer)
}

func TestStream_RealtimeStopsOnCancel(t *testing.T) {
	h := newStreamHarness(t)
	rep := h.tsRepresentation(t, "main", 1_000_000, 3)
	set := &adaptation.AdaptationSet{ID: "video", Representations: []*adaptation.Representation{rep}}
	s := h.stream(t, set, &scriptedLogic{picks: []*adaptation.Representation{rep}}, func(c *StreamConfig) {
		c.Realtime = true
		c.BufferAhead = 500 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, s.Run(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)

	sends := videoSends(h.rec)
	assert.NotEmpty(t, sends)
	assert.Less(t, len(sends), 3*framesPerSegment, "playback is paced to the wall clock")
	assert.Zero(t, h.rec.LiveTracks())
}
