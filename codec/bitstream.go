package codec

// Minimal MSB-first bit reader/writer used by the SBC frame codec.

type bitWriter struct {
	buf  []byte
	bits uint // total bits written
}

func newBitWriter(buf []byte) *bitWriter {
	for i := range buf {
		buf[i] = 0
	}
	return &bitWriter{buf: buf}
}

// write appends the n low bits of v, MSB first.
func (w *bitWriter) write(v uint32, n uint) {
	for i := n; i > 0; i-- {
		bit := (v >> (i - 1)) & 1
		idx := w.bits >> 3
		shift := 7 - (w.bits & 7)
		w.buf[idx] |= byte(bit << shift)
		w.bits++
	}
}

type bitReader struct {
	buf  []byte
	bits uint
}

func newBitReader(buf []byte) *bitReader {
	return &bitReader{buf: buf}
}

// read consumes n bits MSB first. Reading past the end yields zero bits;
// callers validate frame sizes up front.
func (r *bitReader) read(n uint) uint32 {
	var v uint32
	for i := uint(0); i < n; i++ {
		var bit byte
		idx := r.bits >> 3
		if int(idx) < len(r.buf) {
			shift := 7 - (r.bits & 7)
			bit = (r.buf[idx] >> shift) & 1
		}
		v = v<<1 | uint32(bit)
		r.bits++
	}
	return v
}
