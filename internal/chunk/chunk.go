package chunk

import (
	"context"
)

// PostFetchHook transforms blocks before delivery, for example to decrypt them.
// Returning nil drops the block.
type PostFetchHook interface {
	Process(b *Block) *Block
}

// Flusher is implemented by hooks that hold data back until the source ends.
type Flusher interface {
	Flush() *Block
}

// HookFunc adapts a function to PostFetchHook.
type HookFunc func(b *Block) *Block

// Process calls f(b).
func (f HookFunc) Process(b *Block) *Block {
	return f(b)
}

// Chunk wraps the Source of one segment. It tags the first delivered block
// as header, runs the post-fetch hook and tracks how many source bytes were
// consumed.
type Chunk struct {
	source      Source
	hook        PostFetchHook
	startOffset int64
	length      int64

	bytesRead  int64
	headerSent bool
	flushed    bool
	closed     bool
}

// New creates a chunk for source. rangeStart is the file-relative offset of
// the first byte and rangeLength the requested length, zero when unbounded.
func New(source Source, rangeStart, rangeLength int64, hook PostFetchHook) *Chunk {
	return &Chunk{
		source:      source,
		hook:        hook,
		startOffset: rangeStart,
		length:      rangeLength,
	}
}

// Read returns up to n bytes, or nil at end of data.
func (c *Chunk) Read(ctx context.Context, n int) *Block {
	return c.deliver(c.source.Read(ctx, n))
}

// ReadBlock returns the next source block, or nil at end of data.
func (c *Chunk) ReadBlock(ctx context.Context) *Block {
	return c.deliver(c.source.ReadBlock(ctx))
}

func (c *Chunk) deliver(b *Block) *Block {
	if b == nil {
		return c.flush()
	}

	c.bytesRead += int64(len(b.Data))
	if !c.source.HasMoreData() {
		b.Flags |= FlagLast
	}

	if c.hook != nil {
		last := b.Flags&FlagLast != 0
		b = c.hook.Process(b)
		if last {
			c.flushed = true
		}
		if b == nil {
			if last {
				return nil
			}
			return c.tagHeader(&Block{})
		}
	}
	return c.tagHeader(b)
}

// flush drains data a hook held back once the source has ended.
func (c *Chunk) flush() *Block {
	if c.flushed || c.hook == nil {
		return nil
	}
	c.flushed = true
	f, ok := c.hook.(Flusher)
	if !ok {
		return nil
	}
	b := f.Flush()
	if b == nil || len(b.Data) == 0 {
		return nil
	}
	b.Flags |= FlagLast
	return c.tagHeader(b)
}

func (c *Chunk) tagHeader(b *Block) *Block {
	if !c.headerSent {
		b.Flags |= FlagHeader
		c.headerSent = true
	}
	return b
}

// HasMoreData reports whether further reads can return data.
func (c *Chunk) HasMoreData() bool {
	if c.closed {
		return false
	}
	if c.source.HasMoreData() {
		return true
	}
	_, pending := c.hook.(Flusher)
	return pending && !c.flushed
}

// BytesRead returns the number of source bytes consumed so far.
func (c *Chunk) BytesRead() int64 {
	return c.bytesRead
}

// StartOffset returns the file-relative offset of the first byte.
func (c *Chunk) StartOffset() int64 {
	return c.startOffset
}

// Length returns the requested range length, or the content length when the
// whole resource was requested. It is -1 while unknown.
func (c *Chunk) Length() int64 {
	if c.length > 0 {
		return c.length
	}
	return c.source.ContentLength()
}

// ContentLength returns the length announced by the origin, or -1.
func (c *Chunk) ContentLength() int64 {
	return c.source.ContentLength()
}

// Done reports whether the chunk has delivered all it ever will.
func (c *Chunk) Done() bool {
	return !c.HasMoreData()
}

// Truncated reports whether the source ran out of data before the expected
// length, which indicates a transport failure rather than a clean end.
func (c *Chunk) Truncated() bool {
	if c.source.HasMoreData() {
		return false
	}
	expected := c.Length()
	if expected < 0 {
		// Unknown length: nothing at all is the only detectable failure.
		return c.bytesRead == 0
	}
	return c.bytesRead < expected
}

// Close aborts the transfer.
func (c *Chunk) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.source.Close()
}
