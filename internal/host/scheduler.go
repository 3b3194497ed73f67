package host

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/satindergrewal/loophost/internal/audio"
	"github.com/satindergrewal/loophost/internal/dispatch"
	"github.com/satindergrewal/loophost/internal/graph"
	"github.com/satindergrewal/loophost/internal/metrics"
)

// passesAhead is how many passes are kept scheduled while playing: the one
// being consumed and the next, so the player never drains at a loop seam.
const passesAhead = 2

// LoopScheduler keeps the resource looping on the source player. Each pass
// re-arms from its completion, as long as the transport is still playing
// when the completion is handled. The first pass also arms the look-ahead
// pass as soon as it starts playing.
//
// ScheduleLoop and the callback handling run on the controller queue.
type LoopScheduler struct {
	resource *audio.Resource
	player   *graph.Player
	queue    *dispatch.Queue
	playing  func() bool
	metrics  *metrics.Metrics
	logger   *slog.Logger

	pending int // scheduled passes not yet completed; queue-owned
	arms    atomic.Uint64
}

func newLoopScheduler(resource *audio.Resource, player *graph.Player, queue *dispatch.Queue,
	playing func() bool, m *metrics.Metrics, logger *slog.Logger) *LoopScheduler {
	return &LoopScheduler{
		resource: resource,
		player:   player,
		queue:    queue,
		playing:  playing,
		metrics:  m,
		logger:   logger.With("component", "loop_scheduler"),
	}
}

// ScheduleLoop schedules one pass over the resource.
func (s *LoopScheduler) ScheduleLoop() error {
	err := s.player.Schedule(s.resource.Buffer(), graph.BufferCallbacks{
		Started:   s.started,
		Completed: s.completed,
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", s.resource.Path(), err)
	}
	s.pending++
	n := s.arms.Add(1)
	s.metrics.RecordLoop()
	s.logger.Debug("loop scheduled", "iteration", n, "pending", s.pending)
	return nil
}

// Outstanding reports whether a scheduled pass has not completed yet.
func (s *LoopScheduler) Outstanding() bool { return s.pending > 0 }

// Arms returns how many passes have been scheduled. Safe from any goroutine.
func (s *LoopScheduler) Arms() uint64 { return s.arms.Load() }

// reset forgets scheduled passes after the player dropped its queue.
func (s *LoopScheduler) reset() { s.pending = 0 }

// started and completed run on the render goroutine. The transport state is
// only read once the work is back on the queue, so a pause issued meanwhile
// is seen.
func (s *LoopScheduler) started() {
	s.post(s.rearm)
}

func (s *LoopScheduler) completed() {
	s.post(func() {
		if s.pending > 0 {
			s.pending--
		}
		s.rearm()
	})
}

func (s *LoopScheduler) post(fn func()) {
	if err := s.queue.Async(fn); err != nil {
		s.logger.Debug("loop notification dropped", "error", err)
	}
}

func (s *LoopScheduler) rearm() {
	if !s.playing() {
		s.logger.Debug("transport stopped, not re-arming loop", "pending", s.pending)
		return
	}
	if s.pending >= passesAhead {
		return
	}
	if err := s.ScheduleLoop(); err != nil {
		s.logger.Error("failed to re-arm loop", "error", err)
	}
}
