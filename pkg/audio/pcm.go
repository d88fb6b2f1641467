package audio

import (
	"encoding/binary"
	"math"
)

// Samples decodes 16-bit little-endian PCM. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes encodes samples as 16-bit little-endian PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Energy returns the RMS level of 16-bit PCM in dBFS. Silence returns
// -math.MaxFloat64.
func Energy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return -math.MaxFloat64
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return -math.MaxFloat64
	}
	return 20 * math.Log10(rms)
}
