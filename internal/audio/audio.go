package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	DefaultSampleRate = 48000
	DefaultChannels   = 2
	BitDepth          = 16
	FrameDuration     = 20 * time.Millisecond
	FrameSize         = 960                         // samples per channel per 20ms frame at 48kHz
	FrameSamples      = FrameSize * DefaultChannels // total interleaved samples per frame
	FrameBytes        = FrameSamples * 2            // bytes per frame (int16 = 2 bytes)
)

// Format describes the sample layout carried by a graph connection.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat is the 48kHz stereo 16-bit format used by the network outputs.
var DefaultFormat = Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels, BitDepth: BitDepth}

// Valid reports whether the format can carry audio.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// FramesPer returns the number of sample frames covering d.
func (f Format) FramesPer(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// Duration returns the playback time of n sample frames.
func (f Format) Duration(frames int) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(f.SampleRate))
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// Buffer is a block of interleaved samples normalized to [-1, 1].
type Buffer struct {
	Format  Format
	Samples []float64
}

// NewBuffer allocates a silent buffer holding the given number of frames.
func NewBuffer(f Format, frames int) Buffer {
	return Buffer{Format: f, Samples: make([]float64, frames*f.Channels)}
}

// Frames returns the number of sample frames in the buffer.
func (b Buffer) Frames() int {
	if b.Format.Channels == 0 {
		return 0
	}
	return len(b.Samples) / b.Format.Channels
}

// Duration returns the playback time of the buffer.
func (b Buffer) Duration() time.Duration {
	return b.Format.Duration(b.Frames())
}

// Int16 converts the buffer to clipped int16 samples.
func (b Buffer) Int16() []int16 {
	out := make([]int16, len(b.Samples))
	for i, s := range b.Samples {
		v := s * 32767
		// Clip to int16 range
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// FromInt16 builds a normalized buffer from int16 samples.
func FromInt16(f Format, samples []int16) Buffer {
	b := Buffer{Format: f, Samples: make([]float64, len(samples))}
	for i, s := range samples {
		b.Samples[i] = float64(s) / 32768
	}
	return b
}

// SamplesToBytes packs int16 samples as little-endian s16le PCM.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToSamples unpacks little-endian s16le PCM. A trailing odd byte is
// ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}
