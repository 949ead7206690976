// Package session ties the streaming core together: it feeds segments of
// the selected representations through demuxers into a player output.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/abrcore/internal/adaptation"
	"github.com/jmylchreest/abrcore/pkg/httpclient"
)

// ErrInvalidManifest is returned for manifests that cannot be played.
var ErrInvalidManifest = errors.New("invalid manifest")

// Manifest is a static description of the adaptation sets to play.
type Manifest struct {
	BaseURL string                  `yaml:"base_url"`
	Sets    []ManifestAdaptationSet `yaml:"adaptation_sets"`
}

// ManifestAdaptationSet describes one adaptation set.
type ManifestAdaptationSet struct {
	ID              string                   `yaml:"id"`
	Category        string                   `yaml:"category"`
	Representations []ManifestRepresentation `yaml:"representations"`
}

// ManifestRepresentation describes one representation. Segments are either
// listed or generated from SegmentTemplate, where {index} is replaced by the
// segment number starting at StartNumber.
type ManifestRepresentation struct {
	ID              string            `yaml:"id"`
	Bandwidth       uint64            `yaml:"bandwidth"`
	Width           int               `yaml:"width"`
	Height          int               `yaml:"height"`
	Codecs          string            `yaml:"codecs"`
	Init            *ManifestSegment  `yaml:"init"`
	Segments        []ManifestSegment `yaml:"segments"`
	SegmentTemplate string            `yaml:"segment_template"`
	SegmentDuration time.Duration     `yaml:"segment_duration"`
	SegmentCount    int               `yaml:"segment_count"`
	StartNumber     uint64            `yaml:"start_number"`
	Key             *ManifestKey      `yaml:"key"`
}

// ManifestSegment describes one segment or byte range.
type ManifestSegment struct {
	URL         string        `yaml:"url"`
	Duration    time.Duration `yaml:"duration"`
	RangeStart  int64         `yaml:"range_start"`
	RangeLength int64         `yaml:"range_length"`
}

// ManifestKey holds hex encoded AES-128 parameters.
type ManifestKey struct {
	Value string `yaml:"value"`
	IV    string `yaml:"iv"`
}

// ParseManifest decodes a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	return &m, nil
}

// LoadManifest reads a manifest from a file path or an http(s) URL. A
// relative base URL resolves against the manifest URL.
func LoadManifest(ctx context.Context, source string, client *httpclient.Client) (*Manifest, error) {
	var (
		data []byte
		err  error
	)
	remote := strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
	if remote {
		data, err = fetchManifest(ctx, source, client)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("loading manifest %s: %w", source, err)
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	if remote {
		base, err := resolve(source, m.BaseURL)
		if err != nil {
			return nil, err
		}
		m.BaseURL = base
	}
	return m, nil
}

func fetchManifest(ctx context.Context, source string, client *httpclient.Client) ([]byte, error) {
	if client == nil {
		client = httpclient.NewWithDefaults()
	}
	resp, err := client.Get(ctx, source)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// AdaptationSets converts the manifest into playable adaptation sets with
// absolute segment URLs.
func (m *Manifest) AdaptationSets() ([]*adaptation.AdaptationSet, error) {
	if len(m.Sets) == 0 {
		return nil, fmt.Errorf("%w: no adaptation sets", ErrInvalidManifest)
	}

	sets := make([]*adaptation.AdaptationSet, 0, len(m.Sets))
	for i, ms := range m.Sets {
		set, err := m.convertSet(ms)
		if err != nil {
			return nil, fmt.Errorf("adaptation set %d: %w", i, err)
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func (m *Manifest) convertSet(ms ManifestAdaptationSet) (*adaptation.AdaptationSet, error) {
	category := adaptation.Category(ms.Category)
	switch category {
	case adaptation.CategoryVideo, adaptation.CategoryAudio, adaptation.CategorySubtitle:
	case "":
		category = adaptation.CategoryVideo
	default:
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidManifest, ms.Category)
	}
	if len(ms.Representations) == 0 {
		return nil, fmt.Errorf("%w: no representations", ErrInvalidManifest)
	}

	set := &adaptation.AdaptationSet{ID: ms.ID, Category: category}
	for _, mr := range ms.Representations {
		rep, err := m.convertRepresentation(mr)
		if err != nil {
			return nil, fmt.Errorf("representation %q: %w", mr.ID, err)
		}
		set.Representations = append(set.Representations, rep)
	}
	return set, nil
}

func (m *Manifest) convertRepresentation(mr ManifestRepresentation) (*adaptation.Representation, error) {
	rep := &adaptation.Representation{
		ID:        mr.ID,
		Bandwidth: mr.Bandwidth,
		Width:     mr.Width,
		Height:    mr.Height,
		Codecs:    mr.Codecs,
	}
	if rep.Bandwidth == 0 {
		return nil, fmt.Errorf("%w: bandwidth is required", ErrInvalidManifest)
	}

	var key *adaptation.Key
	if mr.Key != nil {
		k, err := parseKey(mr.Key)
		if err != nil {
			return nil, err
		}
		key = k
	}

	if mr.Init != nil {
		u, err := resolve(m.BaseURL, mr.Init.URL)
		if err != nil {
			return nil, err
		}
		rep.Init = &adaptation.Segment{URL: u, RangeStart: mr.Init.RangeStart, RangeLength: mr.Init.RangeLength}
	}

	segments := mr.Segments
	if len(segments) == 0 && mr.SegmentTemplate != "" {
		for i := range mr.SegmentCount {
			n := strconv.FormatUint(mr.StartNumber+uint64(i), 10)
			segments = append(segments, ManifestSegment{
				URL:      strings.ReplaceAll(mr.SegmentTemplate, "{index}", n),
				Duration: mr.SegmentDuration,
			})
		}
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrInvalidManifest)
	}

	for i, ms := range segments {
		u, err := resolve(m.BaseURL, ms.URL)
		if err != nil {
			return nil, err
		}
		d := ms.Duration
		if d == 0 {
			d = mr.SegmentDuration
		}
		rep.Segments = append(rep.Segments, adaptation.Segment{
			URL:         u,
			Duration:    d,
			RangeStart:  ms.RangeStart,
			RangeLength: ms.RangeLength,
			Sequence:    mr.StartNumber + uint64(i),
			Key:         key,
		})
	}
	return rep, nil
}

func parseKey(mk *ManifestKey) (*adaptation.Key, error) {
	value, err := hex.DecodeString(mk.Value)
	if err != nil || len(value) != 16 {
		return nil, fmt.Errorf("%w: key must be 32 hex characters", ErrInvalidManifest)
	}
	k := &adaptation.Key{Value: value}
	if mk.IV != "" {
		iv, err := hex.DecodeString(strings.TrimPrefix(mk.IV, "0x"))
		if err != nil || len(iv) != 16 {
			return nil, fmt.Errorf("%w: iv must be 32 hex characters", ErrInvalidManifest)
		}
		k.IV = iv
	}
	return k, nil
}

func resolve(base, ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if base == "" || r.IsAbs() {
		return r.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	return b.ResolveReference(r).String(), nil
}
