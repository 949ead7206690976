package demux

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrcore/internal/chunk"
)

// memProvider serves in-memory segments and reports end of sequence once
// drained; more can be pushed afterwards.
type memProvider struct {
	mu        sync.Mutex
	segments  [][]byte
	blockSize int
	served    int
}

func newMemProvider(blockSize int, segments ...[]byte) *memProvider {
	return &memProvider{segments: segments, blockSize: blockSize}
}

func (p *memProvider) NextChunk(context.Context) (*chunk.Chunk, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.segments) == 0 {
		return nil, false
	}
	data := p.segments[0]
	p.segments = p.segments[1:]
	p.served++
	return chunk.New(chunk.NewBytesSource(data, p.blockSize), 0, 0, nil), true
}

func (p *memProvider) push(segments ...[]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.segments = append(p.segments, segments...)
}

func TestChunkStream_ConcatenatesChunks(t *testing.T) {
	p := newMemProvider(3, []byte("hello "), []byte{}, []byte("world"))
	s := NewChunkStream(context.Background(), p, nil, nil)

	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, 3, p.served)

	n, err := s.Read(make([]byte, 4))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestChunkStream_Peek(t *testing.T) {
	p := newMemProvider(2, []byte("abc"), []byte("def"))
	s := NewChunkStream(context.Background(), p, nil, nil)

	head, err := s.Peek(4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(head))

	buf := make([]byte, 6)
	n, err := io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcdef", string(buf))

	head, err = s.Peek(4)
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, head)
}

func TestChunkStream_PeekShortStream(t *testing.T) {
	s := NewChunkStream(context.Background(), newMemProvider(8, []byte("ab")), nil, nil)

	head, err := s.Peek(10)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(head))
}

func TestChunkStream_Reset(t *testing.T) {
	p := newMemProvider(2, []byte("old-segment"))
	s := NewChunkStream(context.Background(), p, nil, nil)

	buf := make([]byte, 3)
	_, err := io.ReadFull(s, buf)
	require.NoError(t, err)

	s.Reset()
	p.push([]byte("new"))

	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data), "rest of the old chunk must be dropped")
}

func TestChunkStream_ResetClearsEOF(t *testing.T) {
	p := newMemProvider(4)
	s := NewChunkStream(context.Background(), p, nil, nil)

	_, err := s.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	p.push([]byte("x"))
	_, err = s.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF, "eof is sticky until reset")

	s.Reset()
	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestChunkStream_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewChunkStream(ctx, newMemProvider(4, []byte("data")), nil, nil)

	_, err := s.Read(make([]byte, 4))
	assert.ErrorIs(t, err, context.Canceled)

	s.SetContext(context.Background())
	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}
