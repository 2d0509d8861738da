package chunker

import (
	"fmt"
	"io"
)

// Chunker streams fixed-size blocks from an underlying reader, zero-
// padding the final short block to size. Split uses this directly so
// the zero-padding rule lives in exactly one place.
type Chunker struct {
	reader io.Reader
	size   int
}

// NewChunker wraps r into a fixed-size block reader.
func NewChunker(r io.Reader, size int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunker: block size must be positive")
	}
	return &Chunker{reader: r, size: size}, nil
}

// Next returns the next block. block is always len == size (zero-
// padded on a short final read); n is the number of real bytes it
// holds. io.EOF is returned once the underlying reader is exhausted
// and no bytes remain.
func (c *Chunker) Next() (block []byte, n int, err error) {
	buf := make([]byte, c.size)
	n, err = io.ReadFull(c.reader, buf)
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	if n == 0 && err == nil {
		err = io.EOF
	}
	return buf, n, err
}
