package graph

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/satindergrewal/loophost/internal/audio"
)

// fadeDuration is the ramp applied after every Play to avoid a click when
// resuming mid-waveform.
const fadeDuration = 10 * time.Millisecond

var ErrEmptyBuffer = errors.New("scheduled buffer holds no frames")

// BufferCallbacks are run on the render goroutine, outside the player's
// lock. They must not block.
type BufferCallbacks struct {
	// Started runs when the first frame of the buffer is consumed.
	Started func()
	// Completed runs when the last frame of the buffer has been consumed.
	Completed func()
}

type scheduledBuffer struct {
	buf     audio.Buffer
	pos     int
	started bool
	cb      BufferCallbacks
}

// Player is the source node. It plays scheduled buffers back to back and
// pads with silence when it runs out.
type Player struct {
	format     audio.Format
	fadeFrames int

	mu        sync.Mutex
	queue     []*scheduledBuffer
	playing   bool
	fadePos   int
	delivered uint64
	scheduled uint64
}

// NewPlayer creates a stopped player producing audio in format.
func NewPlayer(format audio.Format) *Player {
	return &Player{
		format:     format,
		fadeFrames: format.FramesPer(fadeDuration),
	}
}

// Format returns the player's output format.
func (p *Player) Format() audio.Format { return p.format }

// ScheduleBuffer appends buf to the play queue. completion, if not nil, is
// called once when the last frame of buf has been delivered. It runs on the
// render goroutine and must not block.
func (p *Player) ScheduleBuffer(buf audio.Buffer, completion func()) error {
	return p.Schedule(buf, BufferCallbacks{Completed: completion})
}

// Schedule appends buf to the play queue with start and completion
// notifications. Each callback fires at most once.
func (p *Player) Schedule(buf audio.Buffer, cb BufferCallbacks) error {
	if buf.Format != p.format {
		return fmt.Errorf("schedule buffer: format %s, player wants %s", buf.Format, p.format)
	}
	if buf.Frames() == 0 {
		return ErrEmptyBuffer
	}

	p.mu.Lock()
	p.queue = append(p.queue, &scheduledBuffer{buf: buf, cb: cb})
	p.scheduled++
	p.mu.Unlock()
	return nil
}

// Play starts or resumes delivery.
func (p *Player) Play() {
	p.mu.Lock()
	if !p.playing {
		p.playing = true
		p.fadePos = 0
	}
	p.mu.Unlock()
}

// Pause halts delivery and keeps the queue and position.
func (p *Player) Pause() {
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
}

// Stop halts delivery and drops every scheduled buffer without calling its
// completion.
func (p *Player) Stop() {
	p.mu.Lock()
	p.playing = false
	p.queue = nil
	p.mu.Unlock()
}

// IsPlaying reports whether the player delivers frames.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Delivered returns the number of frames taken from scheduled buffers.
func (p *Player) Delivered() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delivered
}

// Scheduled returns the number of buffers ever scheduled.
func (p *Player) Scheduled() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scheduled
}

// Queued returns the number of buffers not yet fully played.
func (p *Player) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Pull renders the next frames. A paused player returns silence and does not
// advance. Notifications fire in consumption order once the copy is done.
func (p *Player) Pull(frames int) audio.Buffer {
	out := audio.NewBuffer(p.format, frames)
	ch := p.format.Channels

	var notify []func()

	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return out
	}

	n := 0
	for n < frames && len(p.queue) > 0 {
		s := p.queue[0]
		if !s.started {
			s.started = true
			if s.cb.Started != nil {
				notify = append(notify, s.cb.Started)
			}
		}
		copied := copy(out.Samples[n*ch:], s.buf.Samples[s.pos*ch:]) / ch
		s.pos += copied
		n += copied
		if s.pos >= s.buf.Frames() {
			p.queue[0] = nil
			p.queue = p.queue[1:]
			if s.cb.Completed != nil {
				notify = append(notify, s.cb.Completed)
			}
		}
	}
	p.delivered += uint64(n)
	p.fadePos = audio.FadeIn(out, p.fadePos, p.fadeFrames)
	p.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return out
}
