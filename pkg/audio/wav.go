package audio

import (
	"encoding/binary"
	"fmt"
)

// WAV wraps linear PCM in a canonical 44-byte RIFF/WAVE header.
func WAV(pcm []byte, f Format) ([]byte, error) {
	if f.IsULaw() {
		return nil, fmt.Errorf("audio: wav: %v is not linear pcm", f)
	}
	const headerSize = 44
	rate := f.SampleRate()
	block := f.SampleBytes()

	b := make([]byte, headerSize, headerSize+len(pcm))
	copy(b[0:], "RIFF")
	binary.LittleEndian.PutUint32(b[4:], uint32(36+len(pcm)))
	copy(b[8:], "WAVE")
	copy(b[12:], "fmt ")
	binary.LittleEndian.PutUint32(b[16:], 16)
	binary.LittleEndian.PutUint16(b[20:], 1) // PCM
	binary.LittleEndian.PutUint16(b[22:], 1) // mono
	binary.LittleEndian.PutUint32(b[24:], uint32(rate))
	binary.LittleEndian.PutUint32(b[28:], uint32(rate*block))
	binary.LittleEndian.PutUint16(b[32:], uint16(block))
	binary.LittleEndian.PutUint16(b[34:], uint16(block*8))
	copy(b[36:], "data")
	binary.LittleEndian.PutUint32(b[40:], uint32(len(pcm)))
	return append(b, pcm...), nil
}
