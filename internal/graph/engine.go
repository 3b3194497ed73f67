package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/satindergrewal/loophost/internal/audio"
	"github.com/satindergrewal/loophost/internal/metrics"
)

// maxCyclesPerFrame bounds how many render cycles one output frame may
// take when resampling leaves the accumulator short. Cycles after the first
// only pull the shortfall.
const maxCyclesPerFrame = 4

// Output is the sink's hardware side. Format is the negotiated format the
// mixer->sink edge uses.
type Output interface {
	Format() audio.Format
	Start() error
	Stop() error
}

// NullOutput is an output with no device behind it. The engine's ticker
// provides the clock.
type NullOutput struct {
	format audio.Format
}

// NewNullOutput creates an output reporting format.
func NewNullOutput(format audio.Format) *NullOutput { return &NullOutput{format: format} }

func (o *NullOutput) Format() audio.Format { return o.format }
func (o *NullOutput) Start() error { return nil }
func (o *NullOutput) Stop() error { return nil }

// Engine renders the graph into fixed-size PCM frames at real-time rate.
type Engine struct {
	graph   *Graph
	frameCh chan []int16
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	starts  int

	// Owned by the render goroutine.
	pending       []int16
	pendingFormat audio.Format
}

// NewEngine creates an engine for g. m may be nil.
func NewEngine(g *Graph, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		graph:   g,
		frameCh: make(chan []int16, 100),
		metrics: m,
		logger:  logger.With("component", "engine"),
	}
}

// Graph returns the rendered graph.
func (e *Engine) Graph() *Graph { return e.graph }

// Frames returns the channel of outgoing PCM frames (20ms each, in the sink
// format).
func (e *Engine) Frames() <-chan []int16 {
	return e.frameCh
}

// Start starts the output. Starting a running engine is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if err := e.graph.output.Start(); err != nil {
		return fmt.Errorf("start output: %w", err)
	}
	e.running = true
	e.starts++
	e.logger.Info("engine started", "format", e.graph.OutputFormat().String())
	return nil
}

// Stop stops the output.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	if err := e.graph.output.Stop(); err != nil {
		return fmt.Errorf("stop output: %w", err)
	}
	e.logger.Info("engine stopped")
	return nil
}

// Running reports whether the engine has been started.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Starts returns how many times the output has been started.
func (e *Engine) Starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts
}

// RenderFrame renders one 20ms frame of interleaved int16 samples in the
// sink format. It must be called from a single goroutine.
func (e *Engine) RenderFrame() []int16 {
	need := 0
	pull := 0
	live := true
	for cycle := 0; cycle < maxCyclesPerFrame; cycle++ {
		buf, ok := e.graph.render(pull)
		live = live && ok

		if buf.Format != e.pendingFormat {
			e.pending = e.pending[:0]
			e.pendingFormat = buf.Format
		}
		e.pending = append(e.pending, buf.Int16()...)

		ch := buf.Format.Channels
		need = buf.Format.FramesPer(audio.FrameDuration) * ch
		short := need - len(e.pending)
		if short <= 0 || ch == 0 {
			break
		}
		pull = e.graph.sourceFramesFor((short+ch-1)/ch, buf.Format)
	}
	e.metrics.RecordFrame(!live)

	frame := make([]int16, need)
	n := copy(frame, e.pending)
	e.pending = append(e.pending[:0], e.pending[n:]...)
	return frame
}

// Run renders frames on a 20ms ticker while the engine is running. Blocks
// until ctx is cancelled, then closes the frame channel.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.frameCh)

	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !e.Running() {
			continue
		}

		frame := e.RenderFrame()
		select {
		case e.frameCh <- frame:
		case <-ctx.Done():
			return
		}
	}
}
