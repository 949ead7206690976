package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrcore/internal/adaptation"
	"github.com/jmylchreest/abrcore/internal/testutil"
)

const templateManifest = `
base_url: https://cdn.example.com/live/
adaptation_sets:
  - id: main
    category: video
    representations:
      - id: low
        bandwidth: 400000
        width: 640
        height: 360
        codecs: avc1.42c01e
        segment_template: low/seg{index}.ts
        segment_duration: 2s
        segment_count: 3
        start_number: 7
      - id: high
        bandwidth: 2500000
        width: 1920
        height: 1080
        init:
          url: high/init.mp4
        segments:
          - url: high/a.m4s
            duration: 1500ms
          - url: https://other.example.com/b.m4s
            range_start: 100
            range_length: 50
        segment_duration: 2s
`

func TestParseManifest_Template(t *testing.T) {
	m, err := ParseManifest([]byte(templateManifest))
	require.NoError(t, err)

	sets, err := m.AdaptationSets()
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "main", sets[0].ID)
	assert.Equal(t, adaptation.CategoryVideo, sets[0].Category)
	require.Len(t, sets[0].Representations, 2)

	low := sets[0].Representation("low")
	require.NotNil(t, low)
	assert.Nil(t, low.Init)
	require.Len(t, low.Segments, 3)
	for i, seg := range low.Segments {
		assert.Equal(t, uint64(7+i), seg.Sequence)
		assert.Equal(t, 2*time.Second, seg.Duration)
	}
	assert.Equal(t, "https://cdn.example.com/live/low/seg7.ts", low.Segments[0].URL)
	assert.Equal(t, "https://cdn.example.com/live/low/seg9.ts", low.Segments[2].URL)
}

func TestParseManifest_ExplicitSegments(t *testing.T) {
	m, err := ParseManifest([]byte(templateManifest))
	require.NoError(t, err)
	sets, err := m.AdaptationSets()
	require.NoError(t, err)

	high := sets[0].Representation("high")
	require.NotNil(t, high)
	require.NotNil(t, high.Init)
	assert.Equal(t, "https://cdn.example.com/live/high/init.mp4", high.Init.URL)

	require.Len(t, high.Segments, 2)
	assert.Equal(t, 1500*time.Millisecond, high.Segments[0].Duration)
	assert.Equal(t, 2*time.Second, high.Segments[1].Duration, "segment duration falls back to the representation default")
	assert.Equal(t, "https://other.example.com/b.m4s", high.Segments[1].URL)
	assert.Equal(t, int64(100), high.Segments[1].RangeStart)
	assert.Equal(t, int64(50), high.Segments[1].RangeLength)
}

func TestParseManifest_Key(t *testing.T) {
	doc := `
adaptation_sets:
  - id: enc
    representations:
      - id: r
        bandwidth: 1000
        segment_template: s{index}.ts
        segment_count: 2
        start_number: 5
        key:
          value: 000102030405060708090a0b0c0d0e0f
`
	m, err := ParseManifest([]byte(doc))
	require.NoError(t, err)
	sets, err := m.AdaptationSets()
	require.NoError(t, err)

	assert.Equal(t, adaptation.CategoryVideo, sets[0].Category, "category defaults to video")
	seg := sets[0].Representations[0].Segments[1]
	require.NotNil(t, seg.Key)
	assert.Len(t, seg.Key.Value, 16)
	assert.Empty(t, seg.Key.IV)
	assert.Equal(t, uint64(6), seg.Sequence)
	assert.Equal(t, "s6.ts", seg.URL)
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "adaptation_sets: ["},
		{"no sets", "base_url: http://x/"},
		{"no representations", "adaptation_sets:\n  - id: a\n"},
		{"no bandwidth", "adaptation_sets:\n  - id: a\n    representations:\n      - id: r\n        segment_template: s{index}\n        segment_count: 1\n"},
		{"no segments", "adaptation_sets:\n  - id: a\n    representations:\n      - id: r\n        bandwidth: 1\n"},
		{"unknown category", "adaptation_sets:\n  - id: a\n    category: text\n    representations:\n      - id: r\n        bandwidth: 1\n        segment_template: s{index}\n        segment_count: 1\n"},
		{"short key", "adaptation_sets:\n  - id: a\n    representations:\n      - id: r\n        bandwidth: 1\n        segment_template: s{index}\n        segment_count: 1\n        key:\n          value: abcd\n"},
		{"bad iv", "adaptation_sets:\n  - id: a\n    representations:\n      - id: r\n        bandwidth: 1\n        segment_template: s{index}\n        segment_count: 1\n        key:\n          value: 000102030405060708090a0b0c0d0e0f\n          iv: zz\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tt.doc))
			if err == nil {
				_, err = m.AdaptationSets()
			}
			assert.ErrorIs(t, err, ErrInvalidManifest)
		})
	}
}

func TestLoadManifest_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(templateManifest), 0o600))

	m, err := LoadManifest(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/live/", m.BaseURL)
}

func TestLoadManifest_HTTPResolvesBase(t *testing.T) {
	doc := `
adaptation_sets:
  - id: main
    representations:
      - id: r
        bandwidth: 1000
        segment_template: seg{index}.ts
        segment_count: 1
`
	srv := testutil.NewSegmentServer(t, map[string][]byte{"/streams/one/manifest.yaml": []byte(doc)})

	m, err := LoadManifest(context.Background(), srv.URL("/streams/one/manifest.yaml"), nil)
	require.NoError(t, err)

	sets, err := m.AdaptationSets()
	require.NoError(t, err)
	assert.Equal(t, srv.URL("/streams/one/seg0.ts"), sets[0].Representations[0].Segments[0].URL)
	assert.Equal(t, 1, srv.Requests("/streams/one/manifest.yaml"))
}

func TestLoadManifest_Missing(t *testing.T) {
	_, err := LoadManifest(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}
