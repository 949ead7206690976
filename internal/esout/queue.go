package esout

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/abrcore/internal/observability"
)

// CommandQueue orders commands between the demux producer and the output
// consumer. Commands are scheduled into an incoming list and become
// eligible for draining once committed.
//
// Drop mode and Abort are distinct: drop mode silently ignores new Send
// commands while a demuxer is being replaced, Abort discards commands that
// are already queued.
type CommandQueue struct {
	out     Output
	metrics *observability.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	incoming  []Command
	committed []Command
	dropping  bool
	eof       bool
	lastClock time.Duration
	// epoch changes on forced aborts so in-flight batches stop early.
	epoch uint64

	// applyMu serializes consumers so commands are applied in order.
	applyMu sync.Mutex
}

// NewCommandQueue creates a queue draining into out.
func NewCommandQueue(out Output, metrics *observability.Metrics, logger *slog.Logger) *CommandQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandQueue{
		out:       out,
		metrics:   metrics,
		logger:    logger,
		lastClock: NoTimestamp,
	}
}

// Schedule appends cmd to the incoming list. In drop mode Send commands
// are discarded.
func (q *CommandQueue) Schedule(cmd Command) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dropping && cmd.Type() == CommandSend {
		q.metrics.AddCommandsDropped(1)
		return
	}
	q.incoming = append(q.incoming, cmd)
}

// Commit makes the scheduled commands eligible for draining.
func (q *CommandQueue) Commit() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, cmd := range q.incoming {
		if cmd.Type() == CommandSetClockReference {
			q.lastClock = cmd.Time()
		}
	}
	q.committed = append(q.committed, q.incoming...)
	q.incoming = nil
}

// Process applies committed commands in order while they are untimed or
// due at or before barrier. It returns the number of commands applied.
func (q *CommandQueue) Process(barrier time.Duration) int {
	return q.process(func(cmd Command) bool {
		t := cmd.Time()
		return t == NoTimestamp || t <= barrier
	})
}

// ProcessAll applies every committed command.
func (q *CommandQueue) ProcessAll() int {
	return q.process(func(Command) bool { return true })
}

func (q *CommandQueue) process(due func(Command) bool) int {
	q.applyMu.Lock()
	defer q.applyMu.Unlock()

	q.mu.Lock()
	n := 0
	for n < len(q.committed) && due(q.committed[n]) {
		n++
	}
	batch := make([]Command, n)
	copy(batch, q.committed[:n])
	clear(q.committed[:n])
	q.committed = q.committed[n:]
	epoch := q.epoch
	q.mu.Unlock()

	for i, cmd := range batch {
		q.mu.Lock()
		stale := q.epoch != epoch
		q.mu.Unlock()
		if stale {
			q.metrics.AddCommandsDropped(len(batch) - i)
			return i
		}
		cmd.Apply(q.out)
		q.metrics.IncCommandsApplied(string(cmd.Type()))
	}
	return n
}

// Quiesce waits until no consumer is applying commands.
func (q *CommandQueue) Quiesce() {
	q.applyMu.Lock()
	defer q.applyMu.Unlock()
}

// Abort discards queued commands. Without force only uncommitted commands
// are dropped; with force committed commands go too and the clock and EOF
// state are reset. Commands already applied are unaffected.
func (q *CommandQueue) Abort(force bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.incoming)
	q.incoming = nil
	if force {
		dropped += len(q.committed)
		q.committed = nil
		q.epoch++
		q.eof = false
		q.lastClock = NoTimestamp
	}

	q.metrics.AddCommandsDropped(dropped)
	if dropped > 0 {
		q.logger.Debug("command queue aborted",
			slog.Bool("force", force),
			slog.Int("dropped", dropped),
		)
	}
	return dropped
}

// SetDrop enables or disables drop mode.
func (q *CommandQueue) SetDrop(drop bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dropping = drop
}

// Dropping reports whether drop mode is active.
func (q *CommandQueue) Dropping() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropping
}

// SetEOF records that the producer has no more commands.
func (q *CommandQueue) SetEOF(eof bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.eof = eof
}

// IsEOF reports whether the producer finished.
func (q *CommandQueue) IsEOF() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.eof
}

// IsEmpty reports whether no command is queued.
func (q *CommandQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.incoming) == 0 && len(q.committed) == 0
}

// Len returns the number of queued commands.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.incoming) + len(q.committed)
}

// BufferedDuration returns the media time spanned by committed Send commands.
func (q *CommandQueue) BufferedDuration() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	first, last := NoTimestamp, NoTimestamp
	for _, cmd := range q.committed {
		if cmd.Type() != CommandSend {
			continue
		}
		t := cmd.Time()
		if t == NoTimestamp {
			continue
		}
		if first == NoTimestamp || t < first {
			first = t
		}
		if last == NoTimestamp || t > last {
			last = t
		}
	}
	if first == NoTimestamp {
		return 0
	}
	return last - first
}

// LastClockReference returns the most recent committed clock reference, or
// NoTimestamp.
func (q *CommandQueue) LastClockReference() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastClock
}

// NextDue returns the time of the earliest committed timed command, or
// NoTimestamp when none is committed.
func (q *CommandQueue) NextDue() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := NoTimestamp
	for _, cmd := range q.committed {
		t := cmd.Time()
		if t == NoTimestamp {
			continue
		}
		if next == NoTimestamp || t < next {
			next = t
		}
	}
	return next
}
