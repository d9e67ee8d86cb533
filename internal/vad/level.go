// Package vad implements the level-based voice activity detection used by
// the recorder: RMS levels, a speech latch and silence auto-stop.
package vad

import (
	"encoding/binary"
	"math"
)

// RMSPCM16 returns the RMS of little-endian signed 16-bit PCM normalised to
// [0, 1]. A trailing odd byte is ignored.
func RMSPCM16(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sumSquares += s * s
	}
	return math.Sqrt(sumSquares / float64(n))
}

// NormalizeRMS maps a level onto the visualiser scale, expanding loud values
// and clamping to [0.01, 1].
func NormalizeRMS(rms float64) float64 {
	scaled := math.Pow(rms*10, 1.5)
	return math.Min(1.0, math.Max(0.01, scaled))
}

// Decibels converts a normalised RMS level to dBFS. Silence is -Inf.
func Decibels(rms float64) float64 {
	if rms <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}
