// Package audio holds the wire-level PCM codec helpers shared by the capture
// pipeline and the playback scheduler. All live audio is 16-bit little-endian
// mono PCM: 16 kHz outbound to the model, 24 kHz inbound from it.
package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

const BytesPerSample = 2

// EncodePCM16 converts normalized float32 samples (-1..1) into s16le bytes.
// Out-of-range samples are clamped rather than wrapped.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodePCM16 converts s16le bytes back into normalized float32 samples.
// A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	n := len(data) / BytesPerSample
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out
}

// Duration reports how long a mono s16le chunk plays at the given rate.
func Duration(nbytes, sampleRate int) time.Duration {
	if sampleRate <= 0 || nbytes <= 0 {
		return 0
	}
	samples := nbytes / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// ValidateChunk rejects chunks that cannot be s16le mono audio.
func ValidateChunk(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty audio chunk")
	}
	if len(data)%BytesPerSample != 0 {
		return fmt.Errorf("audio chunk length %d is not sample-aligned", len(data))
	}
	return nil
}
