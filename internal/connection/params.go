// Package connection manages persistent transport connections to media
// origins and reports observed throughput to the adaptation logic.
package connection

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrUnsupportedScheme is returned when a segment URL is not http or https.
var ErrUnsupportedScheme = errors.New("unsupported scheme")

// Params is a parsed segment URL. It is immutable once built.
type Params struct {
	Scheme string
	Host   string
	Port   int
	// Path includes the raw query, if any.
	Path string
}

// ParseParams builds Params from an absolute http(s) URL. Default ports are
// filled in so that Key is stable for equivalent URLs.
func ParseParams(rawURL string) (Params, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Params{}, fmt.Errorf("parsing url: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	var port int
	switch scheme {
	case "http":
		port = 80
	case "https":
		port = 443
	default:
		return Params{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Params{}, fmt.Errorf("parsing url: missing host in %q", rawURL)
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Params{}, fmt.Errorf("parsing url: invalid port %q", p)
		}
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	return Params{Scheme: scheme, Host: host, Port: port, Path: path}, nil
}

// Key identifies the origin a connection can be reused for.
func (p Params) Key() string {
	return p.Scheme + "://" + net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL returns the absolute URL for path on the same origin.
func (p Params) URL(path string) string {
	if path == "" {
		path = p.Path
	}
	return p.Key() + path
}

// String returns the full URL.
func (p Params) String() string {
	return p.URL("")
}

// ByteRange selects part of a resource. A zero Length means "to the end".
type ByteRange struct {
	Start  int64
	Length int64
}

// IsZero reports whether the range covers the whole resource.
func (r ByteRange) IsZero() bool {
	return r.Start == 0 && r.Length == 0
}

// header renders the range as an HTTP Range header value.
func (r ByteRange) header() string {
	if r.Length > 0 {
		return fmt.Sprintf("bytes=%d-%d", r.Start, r.Start+r.Length-1)
	}
	return fmt.Sprintf("bytes=%d-", r.Start)
}
