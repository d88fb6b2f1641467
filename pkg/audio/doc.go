// Package audio describes the raw audio formats exchanged with callers and
// speech services, and converts frames between them.
//
// Every format is mono. PCM formats are 16-bit little-endian; the µ-law
// format carries 8-bit G.711 samples at 8 kHz.
package audio
