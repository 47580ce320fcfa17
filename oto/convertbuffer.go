package oto

import (
	"math"

	"github.com/mjkoskela/backbeat"
)

// FloatBufferTo16BitLE converts stereo float frames to interleaved 16-bit
// little-endian samples, appending to dst and clamping out of range values.
func FloatBufferTo16BitLE(buffer backbeat.AudioBuffer, dst []byte) []byte {
	for _, frame := range buffer {
		for c := 0; c < 2; c++ {
			v := frame[c]
			var s int16
			if v < -1.0 {
				s = -math.MaxInt16
			} else if v > 1.0 {
				s = math.MaxInt16
			} else {
				s = int16(v * math.MaxInt16)
			}
			dst = append(dst, byte(s), byte(s>>8))
		}
	}
	return dst
}
