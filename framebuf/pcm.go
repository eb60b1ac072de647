package framebuf

// PCM helpers for the signed 16-bit little-endian interleaved sample
// format used on every local-audio socket.

// PutSamples serializes samples as S16LE into dst and returns the number
// of bytes written. dst must hold at least 2*len(samples) bytes.
func PutSamples(dst []byte, samples []int16) int {
	for i, s := range samples {
		dst[2*i] = byte(s)
		dst[2*i+1] = byte(uint16(s) >> 8)
	}
	return 2 * len(samples)
}

// Samples deserializes S16LE bytes into dst and returns the number of
// samples decoded. Trailing odd bytes are ignored. dst must hold at
// least len(src)/2 samples.
func Samples(dst []int16, src []byte) int {
	n := len(src) / 2
	for i := 0; i < n; i++ {
		dst[i] = int16(uint16(src[2*i]) | uint16(src[2*i+1])<<8)
	}
	return n
}

// SampleBytes returns the serialized size of n samples.
func SampleBytes(n int) int { return 2 * n }
