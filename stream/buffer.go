package stream

// blockBuffer is a fixed-capacity accumulator for bytes awaiting upload.
// Append never accepts more than the remaining capacity; the caller re-invokes
// with the remainder after draining a full buffer.
type blockBuffer struct {
	data []byte
	size int
}

func newBlockBuffer(size int64) *blockBuffer {
	return &blockBuffer{
		data: make([]byte, 0, size),
		size: int(size),
	}
}

// append copies up to the remaining capacity from p and returns the number of
// bytes accepted.
func (b *blockBuffer) append(p []byte) int {
	n := b.size - len(b.data)
	if n > len(p) {
		n = len(p)
	}
	b.data = append(b.data, p[:n]...)
	return n
}

func (b *blockBuffer) full() bool {
	return len(b.data) == b.size
}

func (b *blockBuffer) len() int {
	return len(b.data)
}

// drain returns the buffered bytes and empties the buffer. Draining an empty
// buffer returns nil; callers treat that as a no-op, not a block boundary.
func (b *blockBuffer) drain() []byte {
	if len(b.data) == 0 {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	b.data = b.data[:0]
	return out
}
