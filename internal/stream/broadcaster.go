// Package stream fans rendered sink frames out to the host's monitors: an
// HTTP MP3 stream, WebRTC peers and the local output device.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/satindergrewal/loophost/internal/audio"
)

// listenerBuffer is ~3 seconds of 20ms frames.
const listenerBuffer = 150

// Broadcaster fans out PCM frames from the engine to N listeners.
type Broadcaster struct {
	format audio.Format
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[*Listener]struct{}
}

// Listener receives PCM frames from the broadcaster.
type Listener struct {
	C       chan []int16 // buffered channel of 20ms PCM frames
	done    chan struct{}
	dropped atomic.Uint64
}

// Done is closed when the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Dropped returns how many frames were skipped because the listener was
// too slow.
func (l *Listener) Dropped() uint64 { return l.dropped.Load() }

// NewBroadcaster creates a broadcaster for frames in format.
func NewBroadcaster(format audio.Format, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		format:    format,
		logger:    logger.With("component", "broadcaster"),
		listeners: make(map[*Listener]struct{}),
	}
}

// Format returns the format of the broadcast frames.
func (b *Broadcaster) Format() audio.Format { return b.format }

// Subscribe registers a new listener.
func (b *Broadcaster) Subscribe() *Listener {
	l := &Listener{
		C:    make(chan []int16, listenerBuffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe removes a listener and signals it to stop.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	_, ok := b.listeners[l]
	delete(b.listeners, l)
	b.mu.Unlock()
	if ok {
		close(l.done)
	}
	if n := l.Dropped(); n > 0 {
		b.logger.Debug("listener left", "dropped_frames", n)
	}
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Run reads frames from source and fans out to all listeners.
// Slow listeners get frames dropped rather than blocking the broadcast.
func (b *Broadcaster) Run(ctx context.Context, source <-chan []int16) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-source:
			if !ok {
				b.logger.Debug("frame source closed")
				return
			}
			b.mu.RLock()
			for l := range b.listeners {
				select {
				case l.C <- frame:
				default:
					l.dropped.Add(1)
				}
			}
			b.mu.RUnlock()
		}
	}
}
