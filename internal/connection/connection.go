package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/abrcore/pkg/httpclient"
	"golang.org/x/net/http2"
)

// ErrConnectionClosed is returned when a closed or broken connection is used.
var ErrConnectionClosed = errors.New("connection closed")

// ErrNoRequest is returned by Read before a request has been issued.
var ErrNoRequest = errors.New("no request in flight")

// Connection is a persistent transport handle to one origin. It serves one
// request at a time; the used flag is owned by the Manager.
type Connection interface {
	// Params returns the origin this connection was created for.
	Params() Params
	// Request issues a GET for path and returns the body length, or -1 when
	// the origin does not announce it.
	Request(ctx context.Context, path string, r ByteRange) (int64, error)
	// Read reads from the current response body.
	Read(p []byte) (int, error)
	// Close tears the connection down. It is not reusable afterwards.
	Close() error
	// Available reports whether the connection can serve another request.
	Available() bool
	SetUsed(used bool)
	Used() bool
}

// Factory creates connections for the Manager.
type Factory func(params Params) (Connection, error)

// HTTPConfig configures connections created by NewHTTPFactory.
type HTTPConfig struct {
	Client         httpclient.Config
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// NewHTTPFactory returns a Factory producing HTTPConnections.
func NewHTTPFactory(cfg HTTPConfig) Factory {
	return func(params Params) (Connection, error) {
		return NewHTTPConnection(params, cfg)
	}
}

// HTTPConnection is a Connection backed by a dedicated http.Transport that
// keeps exactly one keep-alive connection to its origin.
type HTTPConnection struct {
	params    Params
	transport *http.Transport
	client    *httpclient.Client
	logger    *slog.Logger

	mu        sync.Mutex
	body      io.ReadCloser
	available atomic.Bool
	used      atomic.Bool
}

// NewHTTPConnection creates a connection for params.
func NewHTTPConnection(params Params, cfg HTTPConfig) (*HTTPConnection, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxConnsPerHost:     1,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: connectTimeout,
		DisableCompression:  true,
	}
	if params.Scheme == "https" {
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("configuring http2: %w", err)
		}
	}

	clientCfg := cfg.Client
	clientCfg.Logger = logger
	clientCfg.BaseClient = &http.Client{Transport: transport}

	c := &HTTPConnection{
		params:    params,
		transport: transport,
		client:    httpclient.New(clientCfg),
		logger:    logger.With(slog.String("origin", params.Key())),
	}
	c.available.Store(true)
	return c, nil
}

// Params returns the origin this connection was created for.
func (c *HTTPConnection) Params() Params {
	return c.params
}

// Request issues a GET for path. Any unread body from the previous request
// is drained first so the underlying TCP connection is kept alive.
func (c *HTTPConnection) Request(ctx context.Context, path string, r ByteRange) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.available.Load() {
		return 0, ErrConnectionClosed
	}
	c.finishBody()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.params.URL(path), nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if !r.IsZero() {
		req.Header.Set("Range", r.header())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.available.Store(false)
		}
		return 0, fmt.Errorf("requesting %s: %w", path, err)
	}

	if !r.IsZero() && resp.StatusCode == http.StatusOK && r.Start > 0 {
		// Origin ignored the range; skip to the requested offset.
		if _, err := io.CopyN(io.Discard, resp.Body, r.Start); err != nil {
			resp.Body.Close()
			c.available.Store(false)
			return 0, fmt.Errorf("skipping to offset %d: %w", r.Start, err)
		}
		if resp.ContentLength >= 0 {
			resp.ContentLength -= r.Start
		}
	}

	length := resp.ContentLength
	if r.Length > 0 && (length < 0 || length > r.Length) {
		length = r.Length
		resp.Body = readCloser{Reader: io.LimitReader(resp.Body, r.Length), Closer: resp.Body}
	}

	c.body = resp.Body
	c.logger.Debug("request issued",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Int64("content_length", length),
	)
	return length, nil
}

// Read reads from the current response body. io.EOF ends the response; the
// connection stays available. Any other error makes it unavailable.
func (c *HTTPConnection) Read(p []byte) (int, error) {
	c.mu.Lock()
	body := c.body
	c.mu.Unlock()

	if body == nil {
		return 0, ErrNoRequest
	}

	n, err := body.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		c.available.Store(false)
	}
	return n, err
}

// Close closes the current body and the transport's idle connection.
func (c *HTTPConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.body != nil {
		c.body.Close()
		c.body = nil
	}
	c.available.Store(false)
	c.client.CloseIdleConnections()
	c.transport.CloseIdleConnections()
	return nil
}

// Available reports whether the connection can serve another request.
func (c *HTTPConnection) Available() bool {
	return c.available.Load()
}

// SetUsed marks the connection as held by a chunk source.
func (c *HTTPConnection) SetUsed(used bool) {
	c.used.Store(used)
}

// Used reports whether a chunk source currently holds the connection.
func (c *HTTPConnection) Used() bool {
	return c.used.Load()
}

// finishBody drains a bounded amount of the previous body so the transport
// can reuse the TCP connection (must hold lock).
func (c *HTTPConnection) finishBody() {
	if c.body == nil {
		return
	}
	io.CopyN(io.Discard, c.body, 64<<10)
	c.body.Close()
	c.body = nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
