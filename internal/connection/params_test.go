package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Params
		wantKey string
		wantErr bool
	}{
		{
			name:    "http default port",
			raw:     "http://CDN.example.com/video/seg1.ts",
			want:    Params{Scheme: "http", Host: "cdn.example.com", Port: 80, Path: "/video/seg1.ts"},
			wantKey: "http://cdn.example.com:80",
		},
		{
			name:    "https default port with query",
			raw:     "https://cdn.example.com/seg.m4s?token=abc",
			want:    Params{Scheme: "https", Host: "cdn.example.com", Port: 443, Path: "/seg.m4s?token=abc"},
			wantKey: "https://cdn.example.com:443",
		},
		{
			name:    "explicit port",
			raw:     "http://127.0.0.1:8080",
			want:    Params{Scheme: "http", Host: "127.0.0.1", Port: 8080, Path: "/"},
			wantKey: "http://127.0.0.1:8080",
		},
		{
			name:    "ipv6 host",
			raw:     "http://[::1]:9000/a",
			want:    Params{Scheme: "http", Host: "::1", Port: 9000, Path: "/a"},
			wantKey: "http://[::1]:9000",
		},
		{name: "unsupported scheme", raw: "ftp://example.com/a", wantErr: true},
		{name: "missing host", raw: "http:///a", wantErr: true},
		{name: "bad port", raw: "http://example.com:99999/a", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseParams(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantKey, got.Key())
		})
	}
}

func TestParams_URL(t *testing.T) {
	p, err := ParseParams("https://cdn.example.com/a/seg1.ts")
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com:443/a/seg1.ts", p.String())
	assert.Equal(t, "https://cdn.example.com:443/a/seg2.ts", p.URL("/a/seg2.ts"))
}

func TestByteRange_Header(t *testing.T) {
	assert.True(t, ByteRange{}.IsZero())
	assert.Equal(t, "bytes=100-199", ByteRange{Start: 100, Length: 100}.header())
	assert.Equal(t, "bytes=500-", ByteRange{Start: 500}.header())
}
