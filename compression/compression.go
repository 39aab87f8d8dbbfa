// Package compression wraps a write stream in zstd framing, so large payloads
// travel compressed while the stream layer stays byte-oriented.
package compression

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// DefaultLevel is the zstd compression level used when the caller passes 0.
const DefaultLevel = 3

// Writer compresses everything written to it and forwards the compressed
// frames to the underlying stream. Close flushes the zstd frame and closes
// the underlying stream, committing it.
type Writer struct {
	enc *zstd.Encoder
	dst io.WriteCloser
}

// NewWriter ...
func NewWriter(dst io.WriteCloser, level int) (*Writer, error) {
	if level == 0 {
		level = DefaultLevel
	}
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	return &Writer{enc: enc, dst: dst}, nil
}

// Write ...
func (w *Writer) Write(p []byte) (int, error) {
	return w.enc.Write(p)
}

// Close ...
func (w *Writer) Close() error {
	if err := w.enc.Close(); err != nil {
		// Underlying stream is left open for the caller to discard.
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return w.dst.Close()
}

// Reader decompresses a zstd-framed stream.
type Reader struct {
	dec *zstd.Decoder
	src io.Reader
}

// NewReader ...
func NewReader(src io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	return &Reader{dec: dec, src: src}, nil
}

// Read ...
func (r *Reader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

// Close ...
func (r *Reader) Close() error {
	r.dec.Close()
	if closer, ok := r.src.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
