// Package chunk fetches the bytes of one media segment and delivers them as
// blocks to the demuxer.
package chunk

import (
	"context"
)

// Flags annotate a Block.
type Flags uint8

const (
	// FlagHeader marks the first block of a chunk.
	FlagHeader Flags = 1 << iota
	// FlagLast marks a block after which the source has no more data.
	FlagLast
)

// Block is a unit of segment bytes.
type Block struct {
	Data  []byte
	Flags Flags
}

// Len returns the number of bytes in the block.
func (b *Block) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}

// Source provides the bytes of one segment. A nil Block signals end of
// data; transport errors never surface as errors.
type Source interface {
	// HasMoreData reports whether further reads can return data.
	HasMoreData() bool
	// Read returns up to n bytes, or nil at end of data.
	Read(ctx context.Context, n int) *Block
	// ReadBlock returns a unit of source-chosen size, or nil at end of data.
	ReadBlock(ctx context.Context) *Block
	// ContentLength returns the announced length, or -1 while unknown.
	ContentLength() int64
	// Close aborts any transfer and releases the connection.
	Close()
}
