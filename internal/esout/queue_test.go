package esout_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrcore/internal/esout"
	"github.com/jmylchreest/abrcore/internal/observability"
	abrtestutil "github.com/jmylchreest/abrcore/internal/testutil"
)

func videoFormat() esout.Format {
	return esout.Format{Category: esout.CategoryVideo, Codec: esout.CodecH264, Width: 1280, Height: 720}
}

func audioFormat() esout.Format {
	return esout.Format{Category: esout.CategoryAudio, Codec: esout.CodecAAC, SampleRate: 48000, Channels: 2}
}

func block(ms int) *esout.Block {
	t := time.Duration(ms) * time.Millisecond
	return &esout.Block{PTS: t, DTS: t, Data: []byte{byte(ms)}}
}

func TestCommandQueue_CommitGatesDraining(t *testing.T) {
	rec := abrtestutil.NewRecorder()
	p := esout.NewProxyOutput(rec, esout.ProxyConfig{})

	id := p.AddTrack(videoFormat())
	p.Send(id, block(0))

	assert.Equal(t, 0, p.DrainAll(), "uncommitted commands must not drain")
	assert.Equal(t, 2, p.Queue().Len())

	p.Commit()
	assert.Equal(t, 2, p.DrainAll())
	assert.True(t, p.Queue().IsEmpty())
	assert.Equal(t, 1, rec.Count(abrtestutil.EventAddTrack))
	assert.Equal(t, 1, rec.Count(abrtestutil.EventSend))
}

func TestCommandQueue_FIFO(t *testing.T) {
	rec := abrtestutil.NewRecorder()
	p := esout.NewProxyOutput(rec, esout.ProxyConfig{})

	id := p.AddTrack(videoFormat())
	for i := range 5 {
		p.Send(id, block(i*40))
	}
	p.Commit()
	p.DrainAll()

	sends := rec.Filter(abrtestutil.EventSend)
	require.Len(t, sends, 5)
	for i, e := range sends {
		assert.Equal(t, time.Duration(i*40)*time.Millisecond, e.Time)
	}
}

func TestCommandQueue_ProcessBarrier(t *testing.T) {
	rec := abrtestutil.NewRecorder()
	p := esout.NewProxyOutput(rec, esout.ProxyConfig{})

	id := p.AddTrack(videoFormat())
	p.SetClockReference(0, 0)
	p.Send(id, block(0))
	p.Send(id, block(100))
	p.Send(id, block(200))
	p.Commit()

	// AddTrack, clock and the first Send are due at a 50ms barrier.
	assert.Equal(t, 3, p.Drain(50*time.Millisecond))
	assert.Equal(t, 1, rec.Count(abrtestutil.EventSend))

	// Draining stops at the first command that is not due.
	assert.Equal(t, 0, p.Drain(50*time.Millisecond))
	assert.Equal(t, 2, p.Drain(time.Second))
	assert.Equal(t, 3, rec.Count(abrtestutil.EventSend))
}

func TestCommandQueue_DropMode(t *testing.T) {
	metrics := observability.NewMetrics()
	rec := abrtestutil.NewRecorder()
	p := esout.NewProxyOutput(rec, esout.ProxyConfig{Metrics: metrics})
	q := p.Queue()

	q.SetDrop(true)
	assert.True(t, q.Dropping())

	id := p.AddTrack(videoFormat())
	p.Send(id, block(0))
	p.Send(id, block(40))
	p.SetClockReference(0, 0)

	assert.Equal(t, 2, q.Len(), "only sends are dropped")
	assert.Equal(t, float64(2), abrtestutil.MetricValue(metrics.Registry(), "abrcore_commands_dropped_total"))

	q.SetDrop(false)
	p.Send(id, block(80))
	p.Commit()
	p.DrainAll()

	assert.Equal(t, 1, rec.Count(abrtestutil.EventAddTrack))
	assert.Equal(t, 1, rec.Count(abrtestutil.EventSend))
	assert.Equal(t, 1, rec.Count(abrtestutil.EventClock))
}

func TestCommandQueue_Abort(t *testing.T) {
	t.Run("soft abort keeps committed", func(t *testing.T) {
		rec := abrtestutil.NewRecorder()
		p := esout.NewProxyOutput(rec, esout.ProxyConfig{})
		q := p.Queue()

		id := p.AddTrack(videoFormat())
		p.Send(id, block(0))
		p.Commit()
		p.Send(id, block(40))

		assert.Equal(t, 1, q.Abort(false))
		assert.Equal(t, 2, q.Len())
	})

	t.Run("forced abort drops everything", func(t *testing.T) {
		rec := abrtestutil.NewRecorder()
		p := esout.NewProxyOutput(rec, esout.ProxyConfig{})
		q := p.Queue()

		id := p.AddTrack(videoFormat())
		p.SetClockReference(0, 500*time.Millisecond)
		p.Send(id, block(0))
		p.Commit()
		q.SetEOF(true)
		p.Send(id, block(40))

		assert.Equal(t, 4, q.Abort(true))
		assert.True(t, q.IsEmpty())
		assert.False(t, q.IsEOF())
		assert.Equal(t, esout.NoTimestamp, q.LastClockReference())
		assert.Equal(t, 0, p.DrainAll())
		assert.Empty(t, rec.Events())
	})
}

func TestCommandQueue_RestartDropsPendingSends(t *testing.T) {
	rec := abrtestutil.NewRecorder()
	p := esout.NewProxyOutput(rec, esout.ProxyConfig{})
	q := p.Queue()

	id := p.AddTrack(videoFormat())
	p.Commit()
	p.DrainAll()

	for i := range 3 {
		p.Send(id, block(i*40))
	}
	p.Commit()

	q.SetDrop(true)
	q.Abort(true)
	q.Quiesce()
	q.SetDrop(false)

	assert.Equal(t, 0, p.DrainAll())
	assert.Equal(t, 0, rec.Count(abrtestutil.EventSend))
}

func TestCommandQueue_BufferedDuration(t *testing.T) {
	rec := abrtestutil.NewRecorder()
	p := esout.NewProxyOutput(rec, esout.ProxyConfig{})
	q := p.Queue()

	assert.Equal(t, time.Duration(0), q.BufferedDuration())

	id := p.AddTrack(videoFormat())
	p.Send(id, block(100))
	p.Send(id, block(1100))
	p.Send(id, &esout.Block{PTS: esout.NoTimestamp, DTS: esout.NoTimestamp})
	assert.Equal(t, time.Duration(0), q.BufferedDuration(), "incoming commands are not buffered yet")

	p.Commit()
	assert.Equal(t, time.Second, q.BufferedDuration())
}

func TestCommandQueue_LastClockReference(t *testing.T) {
	rec := abrtestutil.NewRecorder()
	p := esout.NewProxyOutput(rec, esout.ProxyConfig{})
	q := p.Queue()

	assert.Equal(t, esout.NoTimestamp, q.LastClockReference())

	p.SetClockReference(0, time.Second)
	assert.Equal(t, esout.NoTimestamp, q.LastClockReference())

	p.SetClockReference(0, 2*time.Second)
	p.Commit()
	assert.Equal(t, 2*time.Second, q.LastClockReference())
}

func TestCommandQueue_AppliedMetrics(t *testing.T) {
	metrics := observability.NewMetrics()
	rec := abrtestutil.NewRecorder()
	p := esout.NewProxyOutput(rec, esout.ProxyConfig{Metrics: metrics})

	id := p.AddTrack(videoFormat())
	p.Send(id, block(0))
	p.Send(id, block(40))
	p.Commit()
	p.DrainAll()

	assert.Equal(t, float64(1), abrtestutil.MetricValue(metrics.Registry(), "abrcore_commands_applied_total", "type", string(esout.CommandAddTrack)))
	assert.Equal(t, float64(2), abrtestutil.MetricValue(metrics.Registry(), "abrcore_commands_applied_total", "type", string(esout.CommandSend)))
}

func TestCommandQueue_NextDue(t *testing.T) {
	rec := abrtestutil.NewRecorder()
	p := esout.NewProxyOutput(rec, esout.ProxyConfig{})
	q := p.Queue()

	assert.Equal(t, esout.NoTimestamp, q.NextDue())

	id := p.AddTrack(videoFormat())
	p.Send(id, block(120))
	assert.Equal(t, esout.NoTimestamp, q.NextDue(), "incoming commands are not due")

	p.Send(id, block(80))
	p.Commit()
	assert.Equal(t, 80*time.Millisecond, q.NextDue())

	p.DrainAll()
	assert.Equal(t, esout.NoTimestamp, q.NextDue())
}
