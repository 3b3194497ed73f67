// Package host contains the playback controller: the single owner of the
// transport state and the graph topology.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satindergrewal/loophost/internal/audio"
	"github.com/satindergrewal/loophost/internal/dispatch"
	"github.com/satindergrewal/loophost/internal/effect"
	"github.com/satindergrewal/loophost/internal/graph"
	"github.com/satindergrewal/loophost/internal/metrics"
)

// ContextName is handed to every unit inserted by the controller.
const ContextName = "running in loophost"

// ErrTransportStart is returned by Play when the output cannot be started.
var ErrTransportStart = errors.New("transport failed to start")

// TransportState is the playing/stopped state of the host.
type TransportState int

const (
	Stopped TransportState = iota
	Playing
)

func (s TransportState) String() string {
	if s == Playing {
		return "playing"
	}
	return "stopped"
}

// FailurePolicy decides what a failed insertion does to the process.
type FailurePolicy string

const (
	// FailureRollback restores the bypass shape and reports the error.
	FailureRollback FailurePolicy = "rollback"
	// FailureFatal hands the error to the fatal handler.
	FailureFatal FailurePolicy = "fatal"
)

// ParseFailurePolicy parses a policy name. The empty string is rollback.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case FailureRollback, "":
		return FailureRollback, nil
	case FailureFatal:
		return FailureFatal, nil
	}
	return "", fmt.Errorf("unknown failure policy %q", s)
}

// Options configures a Controller.
type Options struct {
	Policy FailurePolicy
	// Fatal is called under FailureFatal. It normally does not return; the
	// default logs and exits.
	Fatal   func(error)
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Controller serializes play and rewire requests on one queue. The last
// group of fields is only touched from that queue.
type Controller struct {
	queue     *dispatch.Queue
	engine    *graph.Engine
	graph     *graph.Graph
	player    *graph.Player
	lifecycle *effect.Lifecycle
	scheduler *LoopScheduler
	policy    FailurePolicy
	fatal     func(error)
	metrics   *metrics.Metrics
	logger    *slog.Logger

	state   TransportState
	current *pendingRewire
	backlog []*pendingRewire
}

// pendingRewire is one requested topology change.
type pendingRewire struct {
	id      uuid.UUID
	ctx     context.Context
	desc    *effect.Descriptor
	done    chan error
	once    sync.Once
	started time.Time
}

func (r *pendingRewire) target() string {
	if r.desc == nil {
		return "bypass"
	}
	return r.desc.String()
}

func (r *pendingRewire) complete(err error) {
	r.once.Do(func() {
		r.done <- err
		close(r.done)
	})
}

// NewController creates a stopped controller looping resource through the
// engine's graph.
func NewController(resource *audio.Resource, engine *graph.Engine, lifecycle *effect.Lifecycle, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Policy
	if policy == "" {
		policy = FailureRollback
	}

	c := &Controller{
		queue:     dispatch.NewQueue("loophost.controller"),
		engine:    engine,
		graph:     engine.Graph(),
		player:    engine.Graph().Player(),
		lifecycle: lifecycle,
		policy:    policy,
		fatal:     opts.Fatal,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "controller"),
	}
	if c.fatal == nil {
		c.fatal = func(err error) {
			c.logger.Error("fatal rewire failure", "error", err)
			os.Exit(1)
		}
	}
	c.scheduler = newLoopScheduler(resource, c.player, c.queue,
		func() bool { return c.state == Playing }, c.metrics, logger)
	return c
}

// Scheduler returns the loop scheduler.
func (c *Controller) Scheduler() *LoopScheduler { return c.scheduler }

// Play starts the transport. Playing an already playing controller does
// nothing.
func (c *Controller) Play() error {
	var err error
	if qerr := c.queue.Sync(func() { err = c.play() }); qerr != nil {
		return qerr
	}
	return err
}

func (c *Controller) play() error {
	if c.state == Playing {
		return nil
	}
	if !c.scheduler.Outstanding() {
		if err := c.scheduler.ScheduleLoop(); err != nil {
			return err
		}
	}
	if err := c.engine.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportStart, err)
	}

	c.state = Playing
	// A rewire in flight resumes the player when it commits.
	if c.current == nil {
		c.player.Play()
	}
	c.metrics.SetPlaying(true)
	c.logger.Info("transport playing")
	return nil
}

// Rewire replaces the effect slot with a unit for desc, or empties it when
// desc is nil. An unregistered descriptor fails immediately without touching
// the graph. Otherwise the request is queued behind any rewire in flight and
// the returned channel yields its result once the new shape is committed.
//
// ctx bounds unit instantiation only.
func (c *Controller) Rewire(ctx context.Context, desc *effect.Descriptor) (<-chan error, error) {
	r := &pendingRewire{
		id:   uuid.New(),
		ctx:  ctx,
		done: make(chan error, 1),
	}
	if desc != nil {
		if !c.lifecycle.Registry().Registered(*desc) {
			return nil, fmt.Errorf("rewire: %w: %s", effect.ErrUnregistered, desc)
		}
		d := *desc
		r.desc = &d
	}

	if err := c.queue.Async(func() { c.enqueue(r) }); err != nil {
		return nil, err
	}
	return r.done, nil
}

func (c *Controller) enqueue(r *pendingRewire) {
	if c.current != nil {
		c.backlog = append(c.backlog, r)
		c.logger.Debug("rewire queued", "id", r.id, "target", r.target(), "backlog", len(c.backlog))
		return
	}
	c.start(r)
}

func (c *Controller) start(r *pendingRewire) {
	c.current = r
	r.started = time.Now()
	c.logger.Info("rewire started", "id", r.id, "target", r.target(), "state", c.state.String())

	if c.state == Playing {
		c.player.Pause()
	}
	c.graph.Begin()
	if err := c.disconnectAll(); err != nil {
		c.finish(r, err)
		return
	}

	if r.desc == nil {
		c.finish(r, c.graph.Connect(graph.NodeSource, graph.NodeMixer, c.player.Format()))
		return
	}

	err := c.lifecycle.Instantiate(r.ctx, *r.desc, c.player.Format(), func(u effect.Unit, err error) {
		if qerr := c.queue.Async(func() { c.insert(r, u, err) }); qerr != nil {
			c.lifecycle.Teardown(u)
			r.complete(qerr)
		}
	})
	if err != nil {
		c.finish(r, err)
	}
}

// insert continues a rewire on the queue once instantiation has resolved.
func (c *Controller) insert(r *pendingRewire, u effect.Unit, err error) {
	if err != nil {
		c.finish(r, err)
		return
	}

	u.SetContextName(ContextName)
	if err := c.graph.Attach(u); err != nil {
		c.lifecycle.Teardown(u)
		c.finish(r, err)
		return
	}

	format := u.PreferredFormat()
	if err := c.graph.Connect(graph.NodeSource, graph.NodeEffect, format); err != nil {
		c.finish(r, err)
		return
	}
	c.finish(r, c.graph.Connect(graph.NodeEffect, graph.NodeMixer, format))
}

// finish reconnects the sink, commits and resumes. err is the result of the
// steps before it.
func (c *Controller) finish(r *pendingRewire, err error) {
	if err == nil {
		err = c.connectSink()
	}
	if err == nil {
		err = c.graph.Commit()
	}
	if err != nil {
		err = c.handleFailure(r, err)
	}

	if c.state == Playing {
		c.player.Play()
	}

	elapsed := time.Since(r.started)
	c.metrics.RecordRewire(r.target(), err, elapsed)
	if err != nil {
		c.logger.Error("rewire failed", "id", r.id, "target", r.target(), "error", err, "elapsed", elapsed)
	} else {
		c.logger.Info("rewire complete", "id", r.id, "shape", c.graph.Shape().String(), "elapsed", elapsed)
	}
	r.complete(err)

	c.current = nil
	if len(c.backlog) > 0 {
		next := c.backlog[0]
		c.backlog[0] = nil
		c.backlog = c.backlog[1:]
		c.start(next)
	}
}

// handleFailure applies the failure policy and leaves the graph committed in
// the bypass shape.
func (c *Controller) handleFailure(r *pendingRewire, cause error) error {
	err := fmt.Errorf("rewire to %s: %w", r.target(), cause)
	if c.policy == FailureFatal {
		c.fatal(err)
	}

	c.graph.Begin()
	rollback := c.disconnectAll()
	if rollback == nil {
		rollback = c.graph.Connect(graph.NodeSource, graph.NodeMixer, c.player.Format())
	}
	if rollback == nil {
		rollback = c.connectSink()
	}
	if rollback == nil {
		rollback = c.graph.Commit()
	}
	if rollback != nil {
		c.fatal(fmt.Errorf("%w; rollback to bypass failed: %w", err, rollback))
	}
	return err
}

// disconnectAll severs every edge and releases the unit in the slot.
func (c *Controller) disconnectAll() error {
	for _, node := range []graph.NodeID{graph.NodeSink, graph.NodeMixer, graph.NodeEffect} {
		if err := c.graph.DisconnectNodeInput(node); err != nil {
			return err
		}
	}
	u, err := c.graph.Detach()
	if err != nil {
		return err
	}
	c.lifecycle.Teardown(u)
	return nil
}

// connectSink reconnects mixer->sink in the output's current format.
func (c *Controller) connectSink() error {
	return c.graph.Connect(graph.NodeMixer, graph.NodeSink, c.graph.OutputFormat())
}

// Status is a consistent snapshot of the controller.
type Status struct {
	State    TransportState
	Shape    graph.Shape
	Edges    []graph.Connection
	Unit     effect.Unit
	Rewiring int // rewires in flight or queued
}

// Status returns a snapshot taken on the queue. After Close it returns
// dispatch.ErrClosed.
func (c *Controller) Status() (Status, error) {
	var st Status
	err := c.queue.Sync(func() {
		st = Status{
			State:    c.state,
			Shape:    c.graph.Shape(),
			Edges:    c.graph.Edges(),
			Unit:     c.graph.Unit(),
			Rewiring: c.rewiring(),
		}
	})
	return st, err
}

// The single-value accessors below report the zero value (Stopped,
// ShapeTransitional, no edges, no unit) once the controller is closed. Use
// Status to tell a closed controller apart.

// State returns the transport state.
func (c *Controller) State() TransportState {
	st, _ := c.Status()
	return st.State
}

// Shape returns the graph shape. It is ShapeTransitional only while a rewire
// is in flight.
func (c *Controller) Shape() graph.Shape {
	st, _ := c.Status()
	return st.Shape
}

// Edges returns the graph connections in signal flow order.
func (c *Controller) Edges() []graph.Connection {
	st, _ := c.Status()
	return st.Edges
}

// Unit returns the unit in the effect slot, or nil.
func (c *Controller) Unit() effect.Unit {
	st, _ := c.Status()
	return st.Unit
}

// Rewiring reports how many rewires are in flight or queued.
func (c *Controller) Rewiring() int {
	st, _ := c.Status()
	return st.Rewiring
}

func (c *Controller) rewiring() int {
	n := len(c.backlog)
	if c.current != nil {
		n++
	}
	return n
}

// Close stops the transport, releases the unit and shuts the queue down.
// Queued rewires fail with dispatch.ErrClosed.
func (c *Controller) Close() error {
	var stopErr error
	err := c.queue.Sync(func() {
		for _, r := range c.backlog {
			r.complete(dispatch.ErrClosed)
		}
		c.backlog = nil

		c.player.Stop()
		c.scheduler.reset()
		if c.state == Playing {
			stopErr = c.engine.Stop()
		}
		c.state = Stopped
		c.metrics.SetPlaying(false)

		if c.current == nil {
			c.graph.Begin()
			if err := c.disconnectAll(); err != nil {
				c.logger.Warn("failed to release graph", "error", err)
			}
		}
	})
	c.queue.Close()
	if errors.Is(err, dispatch.ErrClosed) {
		return nil
	}
	return stopErr
}
