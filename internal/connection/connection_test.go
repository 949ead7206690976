package connection

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmylchreest/abrcore/pkg/httpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSegmentServer(t *testing.T, payload []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var dials atomic.Int32
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "seg.ts", time.Time{}, bytes.NewReader(payload))
	}))
	server.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			dials.Add(1)
		}
	}
	server.Start()
	t.Cleanup(server.Close)
	return server, &dials
}

func testHTTPConfig() HTTPConfig {
	client := httpclient.DefaultConfig()
	client.EnableDecompression = false
	client.RetryAttempts = 0
	return HTTPConfig{Client: client, ConnectTimeout: time.Second}
}

func TestHTTPConnection_FullRequest(t *testing.T) {
	payload := bytes.Repeat([]byte{0x47}, 4096)
	server, _ := newSegmentServer(t, payload)

	params, err := ParseParams(server.URL + "/seg.ts")
	require.NoError(t, err)
	conn, err := NewHTTPConnection(params, testHTTPConfig())
	require.NoError(t, err)
	defer conn.Close()

	length, err := conn.Request(context.Background(), params.Path, ByteRange{})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), length)

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.True(t, conn.Available())
}

func TestHTTPConnection_ByteRange(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	server, _ := newSegmentServer(t, payload)

	params, err := ParseParams(server.URL + "/seg.ts")
	require.NoError(t, err)
	conn, err := NewHTTPConnection(params, testHTTPConfig())
	require.NoError(t, err)
	defer conn.Close()

	length, err := conn.Request(context.Background(), params.Path, ByteRange{Start: 100, Length: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(50), length)

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, payload[100:150], got)
}

func TestHTTPConnection_ReusesTCPConnection(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 2048)
	server, dials := newSegmentServer(t, payload)

	params, err := ParseParams(server.URL + "/seg.ts")
	require.NoError(t, err)
	conn, err := NewHTTPConnection(params, testHTTPConfig())
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		_, err := conn.Request(context.Background(), params.Path, ByteRange{})
		require.NoError(t, err)
		_, err = io.ReadAll(conn)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), dials.Load())
}

func TestHTTPConnection_NotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	params, err := ParseParams(server.URL + "/missing.ts")
	require.NoError(t, err)
	conn, err := NewHTTPConnection(params, testHTTPConfig())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Request(context.Background(), params.Path, ByteRange{})
	var statusErr *httpclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestHTTPConnection_ReadBeforeRequest(t *testing.T) {
	params, err := ParseParams("http://127.0.0.1:1/seg.ts")
	require.NoError(t, err)
	conn, err := NewHTTPConnection(params, testHTTPConfig())
	require.NoError(t, err)

	_, err = conn.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrNoRequest)
}

func TestHTTPConnection_Close(t *testing.T) {
	params, err := ParseParams("http://127.0.0.1:1/seg.ts")
	require.NoError(t, err)
	conn, err := NewHTTPConnection(params, testHTTPConfig())
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.False(t, conn.Available())

	_, err = conn.Request(context.Background(), "/seg.ts", ByteRange{})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}
