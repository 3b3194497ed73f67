// Package graph implements the processing graph of the loop host: a source
// player, an optional effect slot, a mixer and a sink, plus the engine that
// renders the graph at real-time rate.
//
// Topology is edited between Begin and Commit. While editing, the render
// goroutine sees no graph at all and emits silence; Commit validates the
// result and publishes an immutable render path. The render goroutine
// therefore never observes a half-connected graph.
package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/satindergrewal/loophost/internal/audio"
	"github.com/satindergrewal/loophost/internal/effect"
)

// NodeID names one of the fixed graph nodes.
type NodeID string

const (
	NodeSource NodeID = "source"
	NodeEffect NodeID = "effect"
	NodeMixer  NodeID = "mixer"
	NodeSink   NodeID = "sink"
)

// nodeOrder is the signal flow order used when listing edges.
var nodeOrder = []NodeID{NodeSource, NodeEffect, NodeMixer, NodeSink}

// Shape classifies the current topology.
type Shape int

const (
	// ShapeTransitional is any topology other than the two valid ones. It
	// only exists between Begin and Commit.
	ShapeTransitional Shape = iota
	// ShapeBypass is source -> mixer -> sink.
	ShapeBypass
	// ShapeInserted is source -> effect -> mixer -> sink.
	ShapeInserted
)

func (s Shape) String() string {
	switch s {
	case ShapeBypass:
		return "source->mixer->sink"
	case ShapeInserted:
		return "source->effect->mixer->sink"
	default:
		return "transitional"
	}
}

// Connection is a directed edge carrying audio in Format.
type Connection struct {
	From   NodeID
	To     NodeID
	Format audio.Format
}

func (c Connection) String() string {
	return fmt.Sprintf("%s->%s (%s)", c.From, c.To, c.Format)
}

var (
	ErrNotEditing      = errors.New("graph is not open for editing")
	ErrUnknownNode     = errors.New("node is not part of the graph")
	ErrInputConnected  = errors.New("node input already connected")
	ErrOutputConnected = errors.New("node output already connected")
	ErrInvalidFormat   = errors.New("invalid connection format")
	ErrFormatMismatch  = errors.New("connection format does not match the node")
	ErrSlotOccupied    = errors.New("effect slot already holds a unit")
	ErrUnitConnected   = errors.New("effect unit is still connected")
	ErrInvalidShape    = errors.New("graph is neither bypass nor inserted")
)

// Graph owns the nodes and their connections.
//
// Topology methods are not safe for concurrent use; the host calls them from
// a single serial queue. Rendering runs concurrently with editing.
type Graph struct {
	player *Player
	mixer  *Mixer
	output Output
	logger *slog.Logger

	editing bool
	unit    effect.Unit
	edges   map[NodeID]Connection // keyed by destination node

	renderMu   sync.Mutex
	path       *renderPath
	sinkFormat audio.Format
}

// New creates a graph in the bypass shape, connected in the player's format
// up to the mixer and in the output's format to the sink.
func New(player *Player, mixer *Mixer, output Output, logger *slog.Logger) (*Graph, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Graph{
		player:     player,
		mixer:      mixer,
		output:     output,
		logger:     logger.With("component", "graph"),
		edges:      make(map[NodeID]Connection),
		sinkFormat: output.Format(),
	}

	g.Begin()
	if err := g.Connect(NodeSource, NodeMixer, player.Format()); err != nil {
		return nil, err
	}
	if err := g.Connect(NodeMixer, NodeSink, g.OutputFormat()); err != nil {
		return nil, err
	}
	if err := g.Commit(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) Player() *Player { return g.player }
func (g *Graph) Mixer() *Mixer { return g.mixer }
func (g *Graph) Output() Output { return g.output }

// OutputFormat returns the format currently negotiated by the output.
func (g *Graph) OutputFormat() audio.Format { return g.output.Format() }

// Unit returns the unit in the effect slot, or nil.
func (g *Graph) Unit() effect.Unit { return g.unit }

// Editing reports whether the graph is between Begin and Commit.
func (g *Graph) Editing() bool { return g.editing }

// Begin opens the graph for editing and withdraws the render path. It waits
// for a render cycle in progress to finish.
func (g *Graph) Begin() {
	g.renderMu.Lock()
	g.path = nil
	g.renderMu.Unlock()
	g.editing = true
}

// Commit validates the topology and publishes it to the render goroutine.
// On error the graph stays open for editing.
func (g *Graph) Commit() error {
	if !g.editing {
		return ErrNotEditing
	}
	shape := g.Shape()
	if shape == ShapeTransitional {
		return fmt.Errorf("%w: %v", ErrInvalidShape, g.Edges())
	}

	p, err := g.buildPath(shape)
	if err != nil {
		return err
	}

	g.renderMu.Lock()
	g.path = p
	g.sinkFormat = p.sinkFormat
	g.renderMu.Unlock()
	g.editing = false

	g.logger.Debug("graph committed", "shape", shape.String())
	return nil
}

// Attach places u in the effect slot. The unit is not connected.
func (g *Graph) Attach(u effect.Unit) error {
	if !g.editing {
		return ErrNotEditing
	}
	if g.unit != nil {
		return fmt.Errorf("%w: %s", ErrSlotOccupied, g.unit.Name())
	}
	g.unit = u
	return nil
}

// Detach removes the unit from the effect slot and returns it. The unit must
// already be disconnected. Releasing it is up to the caller.
func (g *Graph) Detach() (effect.Unit, error) {
	if !g.editing {
		return nil, ErrNotEditing
	}
	for _, c := range g.edges {
		if c.From == NodeEffect || c.To == NodeEffect {
			return nil, fmt.Errorf("%w: %s", ErrUnitConnected, c)
		}
	}
	u := g.unit
	g.unit = nil
	return u, nil
}

// Connect adds an edge. Every node has one input and one output bus, so
// connecting into an input or out of an output that is already in use fails.
func (g *Graph) Connect(from, to NodeID, format audio.Format) error {
	if !g.editing {
		return ErrNotEditing
	}
	if !g.hasNode(from) || !g.hasNode(to) || from == NodeSink || to == NodeSource || from == to {
		return fmt.Errorf("%w: %s->%s", ErrUnknownNode, from, to)
	}
	if !format.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidFormat, format)
	}
	if (from == NodeEffect || to == NodeEffect) && format != g.unit.PreferredFormat() {
		return fmt.Errorf("%w: %s, unit wants %s", ErrFormatMismatch, format, g.unit.PreferredFormat())
	}
	if to == NodeSink && format != g.OutputFormat() {
		return fmt.Errorf("%w: %s, output runs %s", ErrFormatMismatch, format, g.OutputFormat())
	}
	if existing, ok := g.edges[to]; ok {
		return fmt.Errorf("%w: %s", ErrInputConnected, existing)
	}
	for _, c := range g.edges {
		if c.From == from {
			return fmt.Errorf("%w: %s", ErrOutputConnected, c)
		}
	}

	g.edges[to] = Connection{From: from, To: to, Format: format}
	return nil
}

// DisconnectNodeInput removes the edge feeding node, if any.
func (g *Graph) DisconnectNodeInput(node NodeID) error {
	if !g.editing {
		return ErrNotEditing
	}
	delete(g.edges, node)
	return nil
}

// Shape classifies the current topology.
func (g *Graph) Shape() Shape {
	sink, ok := g.edges[NodeSink]
	if !ok || sink.From != NodeMixer {
		return ShapeTransitional
	}
	mix, ok := g.edges[NodeMixer]
	if !ok {
		return ShapeTransitional
	}

	switch {
	case len(g.edges) == 2 && mix.From == NodeSource && g.unit == nil:
		return ShapeBypass
	case len(g.edges) == 3 && mix.From == NodeEffect && g.unit != nil:
		if in, ok := g.edges[NodeEffect]; ok && in.From == NodeSource {
			return ShapeInserted
		}
	}
	return ShapeTransitional
}

// Edges lists the connections in signal flow order.
func (g *Graph) Edges() []Connection {
	out := make([]Connection, 0, len(g.edges))
	for _, id := range nodeOrder {
		if c, ok := g.edges[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Connection returns the edge feeding node.
func (g *Graph) Connection(node NodeID) (Connection, bool) {
	c, ok := g.edges[node]
	return c, ok
}

func (g *Graph) hasNode(id NodeID) bool {
	switch id {
	case NodeSource, NodeMixer, NodeSink:
		return true
	case NodeEffect:
		return g.unit != nil
	}
	return false
}

// renderPath is an immutable snapshot of a committed topology.
type renderPath struct {
	unit         effect.Unit
	sourceFrames int
	toFirst      *audio.Converter // source output -> first edge
	toMixer      *audio.Converter // unit output -> effect->mixer edge
	toSink       *audio.Converter
	sinkFormat   audio.Format
}

func (g *Graph) buildPath(shape Shape) (*renderPath, error) {
	sourceFormat := g.player.Format()
	mixIn := g.edges[NodeMixer]
	sink := g.edges[NodeSink]

	p := &renderPath{
		sourceFrames: sourceFormat.FramesPer(audio.FrameDuration),
		sinkFormat:   sink.Format,
	}

	first := mixIn
	if shape == ShapeInserted {
		p.unit = g.unit
		first = g.edges[NodeEffect]

		var err error
		if p.toMixer, err = audio.NewConverter(g.unit.PreferredFormat(), mixIn.Format); err != nil {
			return nil, err
		}
	}

	var err error
	if p.toFirst, err = audio.NewConverter(sourceFormat, first.Format); err != nil {
		return nil, err
	}
	if p.toSink, err = audio.NewConverter(mixIn.Format, sink.Format); err != nil {
		return nil, err
	}
	return p, nil
}

// render runs one cycle of the published path, pulling sourceFrames from the
// player, or a full 20ms cycle when sourceFrames is zero. With no path it
// returns one cycle of silence in the last committed sink format and reports
// false.
func (g *Graph) render(sourceFrames int) (audio.Buffer, bool) {
	g.renderMu.Lock()
	defer g.renderMu.Unlock()

	p := g.path
	if p == nil {
		return audio.NewBuffer(g.sinkFormat, g.sinkFormat.FramesPer(audio.FrameDuration)), false
	}

	if sourceFrames <= 0 {
		sourceFrames = p.sourceFrames
	}
	buf := p.toFirst.Convert(g.player.Pull(sourceFrames))
	if p.unit != nil {
		buf = p.toMixer.Convert(p.unit.Process(buf))
	}
	buf = g.mixer.Process(buf)
	return p.toSink.Convert(buf), true
}

// sourceFramesFor returns how many source frames yield at least sinkFrames
// frames in sink. The extra frame covers resampler phase.
func (g *Graph) sourceFramesFor(sinkFrames int, sink audio.Format) int {
	src := g.player.Format()
	if sink.SampleRate == 0 {
		return sinkFrames + 1
	}
	return (sinkFrames*src.SampleRate+sink.SampleRate-1)/sink.SampleRate + 1
}
