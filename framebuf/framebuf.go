// Package framebuf provides a reusable frame buffer for the audio hot path.
//
// Encode and decode loops run many hundreds of times per second, so the
// engine never allocates per iteration. A Buffer is an exclusively owned
// scratch region that grows geometrically to the largest frame ever needed
// within a session and is never shrunk. It keeps a linear byte region with
// a committed prefix (data accumulated so far) and a free tail, mirroring
// the accumulate/consume cycle of a codec frame assembler.
package framebuf

// Buffer is a growable byte scratch region with a committed prefix.
//
// The zero value is ready to use. A Buffer must be owned by exactly one
// goroutine; it performs no locking.
type Buffer struct {
	buf []byte
	len int
}

// New creates a Buffer with an initial capacity.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Len returns the number of committed bytes.
func (b *Buffer) Len() int { return b.len }

// Cap returns the total capacity of the underlying region.
func (b *Buffer) Cap() int { return len(b.buf) }

// Free returns the number of uncommitted bytes available in the tail.
func (b *Buffer) Free() int { return len(b.buf) - b.len }

// Data returns the committed prefix. The slice aliases the internal
// region and is invalidated by the next EnsureFree call.
func (b *Buffer) Data() []byte { return b.buf[:b.len] }

// Tail returns the free region following the committed prefix. Bytes
// written into the tail become part of Data after Commit.
func (b *Buffer) Tail() []byte { return b.buf[b.len:] }

// EnsureFree grows the buffer so that at least n bytes are free.
// Growth is geometric and capacity is never reduced.
func (b *Buffer) EnsureFree(n int) {
	if b.Free() >= n {
		return
	}
	capacity := len(b.buf)
	if capacity == 0 {
		capacity = 64
	}
	for capacity-b.len < n {
		capacity *= 2
	}
	grown := make([]byte, capacity)
	copy(grown, b.buf[:b.len])
	b.buf = grown
}

// Commit marks n tail bytes as committed data.
func (b *Buffer) Commit(n int) {
	if n < 0 || n > b.Free() {
		panic("framebuf: commit beyond free region")
	}
	b.len += n
}

// Append copies p into the tail, growing as needed.
func (b *Buffer) Append(p []byte) {
	b.EnsureFree(len(p))
	copy(b.Tail(), p)
	b.len += len(p)
}

// Consume removes the first n committed bytes, shifting the remainder
// to the front of the region.
func (b *Buffer) Consume(n int) {
	if n < 0 || n > b.len {
		panic("framebuf: consume beyond committed data")
	}
	copy(b.buf, b.buf[n:b.len])
	b.len -= n
}

// Reset discards all committed data without releasing capacity.
func (b *Buffer) Reset() { b.len = 0 }
