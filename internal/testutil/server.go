package testutil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// SegmentServer serves static segment bodies with byte range support and
// counts requests per path.
type SegmentServer struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	requests map[string]int
}

// NewSegmentServer starts a server for files, keyed by URL path. It is
// closed when the test ends.
func NewSegmentServer(t testing.TB, files map[string][]byte) *SegmentServer {
	t.Helper()
	s := &SegmentServer{
		files:    make(map[string][]byte, len(files)),
		requests: make(map[string]int),
	}
	for k, v := range files {
		s.files[k] = v
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *SegmentServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	body, ok := s.files[r.URL.Path]
	s.requests[r.URL.Path]++
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(body))
}

// Set adds or replaces a file.
func (s *SegmentServer) Set(path string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = body
}

// Requests returns how many times path was requested.
func (s *SegmentServer) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// URL returns the absolute URL of path.
func (s *SegmentServer) URL(path string) string {
	return s.Server.URL + path
}
