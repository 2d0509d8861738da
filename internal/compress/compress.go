// Package compress provides a fast, speed-biased byte-oriented codec for
// chunk payloads. It is deliberately simple: a single LZ4 frame prefixed
// with the uncompressed size so decoding never needs an external schema.
package compress

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// headerSize is the width of the uncompressed-size prefix.
const headerSize = 4

// Compress encodes data with LZ4 and prepends its uncompressed length as
// a 4-byte big-endian header, so Decompress is self-delimiting.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header, uint32(len(data)))
	buf.Write(header)

	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. A truncated or malformed frame surfaces
// as an error; callers treat this as chunk corruption.
func Decompress(data []byte) ([]byte, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("compress: truncated header")
	}
	size := binary.BigEndian.Uint32(data[:headerSize])

	r := lz4.NewReader(bytes.NewReader(data[headerSize:]))
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("compress: corrupt frame: %w", err)
	}
	return out, nil
}
