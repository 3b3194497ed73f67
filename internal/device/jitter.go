package device

import (
	"errors"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"
)

// jitterBuffer sits between the 20ms render ticks and the device callback,
// which asks for whatever period the backend picked. It stores interleaved
// s16le bytes; all reads and writes are whole sample frames.
type jitterBuffer struct {
	rb         *ringbuffer.RingBuffer
	frameBytes int
	scratch    []byte

	underruns  atomic.Uint64
	overflows  atomic.Uint64
	onUnderrun func()
}

func newJitterBuffer(size, frameBytes int, onUnderrun func()) *jitterBuffer {
	size -= size % frameBytes
	return &jitterBuffer{
		rb:         ringbuffer.New(size),
		frameBytes: frameBytes,
		scratch:    make([]byte, size),
		onUnderrun: onUnderrun,
	}
}

// write appends p. When the buffer cannot hold it the oldest audio is
// discarded so latency stays bounded.
func (j *jitterBuffer) write(p []byte) error {
	if len(p) > len(j.scratch) {
		p = p[len(p)-len(j.scratch):]
	}
	if over := len(p) - j.rb.Free(); over > 0 {
		over += (j.frameBytes - over%j.frameBytes) % j.frameBytes
		if _, err := j.rb.Read(j.scratch[:over]); err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return err
		}
		j.overflows.Add(1)
	}
	_, err := j.rb.Write(p)
	return err
}

// fill copies buffered audio into out and pads the rest with silence.
func (j *jitterBuffer) fill(out []byte) {
	n, _ := j.rb.Read(out)
	if n == len(out) {
		return
	}
	clear(out[n:])
	j.underruns.Add(1)
	if j.onUnderrun != nil {
		j.onUnderrun()
	}
}

func (j *jitterBuffer) reset() { j.rb.Reset() }
