package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrcore/internal/adaptation"
	"github.com/jmylchreest/abrcore/internal/config"
	"github.com/jmylchreest/abrcore/internal/observability"
	"github.com/jmylchreest/abrcore/internal/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	cfg.Transport.RetryAttempts = 0
	return cfg
}

// publishManifest serves a two representation manifest with count TS
// segments per representation and returns its URL.
func publishManifest(t *testing.T, count int) (*testutil.SegmentServer, string) {
	t.Helper()
	srv := testutil.NewSegmentServer(t, nil)
	for _, id := range []string{"low", "high"} {
		for i := range count {
			data, err := testutil.TSSegment(testutil.SegmentOptions{
				Start:  time.Duration(i) * time.Second,
				Frames: framesPerSegment,
				GOP:    framesPerSegment,
			})
			require.NoError(t, err)
			srv.Set(fmt.Sprintf("/vod/%s/%d.ts", id, i), data)
		}
	}
	doc := fmt.Sprintf(`
adaptation_sets:
  - id: video
    category: video
    representations:
      - id: low
        bandwidth: 400000
        width: 640
        height: 360
        segment_template: low/{index}.ts
        segment_duration: 1s
        segment_count: %[1]d
      - id: high
        bandwidth: 4000000
        width: 1920
        height: 1080
        segment_template: high/{index}.ts
        segment_duration: 1s
        segment_count: %[1]d
`, count)
	srv.Set("/vod/manifest.yaml", []byte(doc))
	return srv, srv.URL("/vod/manifest.yaml")
}

func newTestSession(t *testing.T, cfg *config.Config, manifestURL string) (*Session, *LogOutput, *observability.Metrics) {
	t.Helper()
	m, err := LoadManifest(context.Background(), manifestURL, nil)
	require.NoError(t, err)
	sets, err := m.AdaptationSets()
	require.NoError(t, err)

	metrics := observability.NewMetrics()
	out := NewLogOutput(nil)
	s, err := New(cfg, sets, out, Options{Metrics: metrics})
	require.NoError(t, err)
	return s, out, metrics
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig(t)
	set := &adaptation.AdaptationSet{ID: "v", Representations: []*adaptation.Representation{{ID: "r", Bandwidth: 1, Segments: []adaptation.Segment{{URL: "http://x/a.ts"}}}}}
	out := NewLogOutput(nil)

	_, err := New(nil, []*adaptation.AdaptationSet{set}, out, Options{})
	assert.Error(t, err)
	_, err = New(cfg, nil, out, Options{})
	assert.ErrorIs(t, err, ErrInvalidManifest)
	_, err = New(cfg, []*adaptation.AdaptationSet{set}, nil, Options{})
	assert.Error(t, err)

	cfg.Adaptation.Logic = "bogus"
	_, err = New(cfg, []*adaptation.AdaptationSet{set}, out, Options{})
	assert.Error(t, err)
}

func TestSession_FixedLogicPlaysManifest(t *testing.T) {
	srv, manifestURL := publishManifest(t, 3)
	cfg := testConfig(t)
	cfg.Adaptation.Logic = config.LogicFixed
	cfg.Adaptation.FixedBitrate = 1_000_000

	s, out, metrics := newTestSession(t, cfg, manifestURL)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	require.NoError(t, ctx.Err())

	blocks, bytes := out.Totals()
	assert.Greater(t, blocks, int64(3*framesPerSegment), "video and audio blocks delivered")
	assert.Positive(t, bytes)
	assert.Empty(t, out.Stats(), "tracks are removed at the end")

	for i := range 3 {
		assert.Equal(t, 1, srv.Requests(fmt.Sprintf("/vod/low/%d.ts", i)))
		assert.Zero(t, srv.Requests(fmt.Sprintf("/vod/high/%d.ts", i)))
	}

	st := s.Status()
	assert.False(t, st.Running)
	require.Len(t, st.Streams, 1)
	assert.Equal(t, "low", st.Streams[0].Representation)
	assert.False(t, st.Streams[0].Slave)
	require.NotNil(t, st.Bandwidth)
	assert.Equal(t, uint64(1_000_000), st.Bandwidth.Usable)

	assert.Positive(t, testutil.MetricValue(metrics.Registry(), "abrcore_downloaded_bytes_total"))
}

func TestSession_RateLogicPlaysManifest(t *testing.T) {
	_, manifestURL := publishManifest(t, 2)
	cfg := testConfig(t)
	cfg.Transport.Buffered = false

	s, out, _ := newTestSession(t, cfg, manifestURL)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	blocks, _ := out.Totals()
	assert.Greater(t, blocks, int64(2*framesPerSegment))

	st := s.Status()
	require.NotNil(t, st.Bandwidth)
	assert.Zero(t, st.Bandwidth.Used, "bandwidth is released when streams stop")
}

func TestSession_SeekAndClose(t *testing.T) {
	srv, manifestURL := publishManifest(t, 3)
	cfg := testConfig(t)
	cfg.Adaptation.Logic = config.LogicFixed

	s, _, _ := newTestSession(t, cfg, manifestURL)
	require.NoError(t, s.Seek(1))
	assert.Error(t, s.Seek(10))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Zero(t, srv.Requests("/vod/low/0.ts"))
	assert.Equal(t, 1, srv.Requests("/vod/low/1.ts"))

	// Run closes the session.
	assert.ErrorIs(t, s.Run(ctx), ErrSessionClosed)
	s.Close()
}

func TestMasterIndex(t *testing.T) {
	audio := &adaptation.AdaptationSet{Category: adaptation.CategoryAudio}
	video := &adaptation.AdaptationSet{Category: adaptation.CategoryVideo}

	assert.Equal(t, 1, masterIndex([]*adaptation.AdaptationSet{audio, video}))
	assert.Equal(t, 0, masterIndex([]*adaptation.AdaptationSet{audio, audio}))
}
