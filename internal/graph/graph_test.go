package graph

import (
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/satindergrewal/loophost/internal/audio"
	"github.com/satindergrewal/loophost/internal/effect"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var monoSlow = audio.Format{SampleRate: 44100, Channels: 1, BitDepth: 16}

// passUnit is a unit that counts Process calls and leaves audio untouched.
type passUnit struct {
	*effect.Base
	calls atomic.Int64
}

func newPassUnit(format audio.Format) *passUnit {
	desc := effect.Descriptor{
		Type:         effect.TypeEffect,
		SubType:      effect.MustFourCC("pass"),
		Manufacturer: effect.MustFourCC("test"),
	}
	return &passUnit{Base: effect.NewBase(desc, "test: Pass", format, nil)}
}

func (u *passUnit) Process(buf audio.Buffer) audio.Buffer {
	u.calls.Add(1)
	if buf.Format != u.PreferredFormat() {
		panic("unit fed " + buf.Format.String())
	}
	return buf
}

func filled(f audio.Format, frames int, v float64) audio.Buffer {
	b := audio.NewBuffer(f, frames)
	for i := range b.Samples {
		b.Samples[i] = v
	}
	return b
}

func newTestGraph(t *testing.T, source audio.Format) *Graph {
	t.Helper()
	g, err := New(NewPlayer(source), NewMixer(), NewNullOutput(audio.DefaultFormat), nil)
	require.NoError(t, err)
	return g
}

// insert rewires g to source->unit->mixer->sink.
func insert(t *testing.T, g *Graph, u effect.Unit) {
	t.Helper()
	g.Begin()
	require.NoError(t, g.DisconnectNodeInput(NodeMixer))
	require.NoError(t, g.DisconnectNodeInput(NodeSink))
	require.NoError(t, g.Attach(u))
	require.NoError(t, g.Connect(NodeSource, NodeEffect, u.PreferredFormat()))
	require.NoError(t, g.Connect(NodeEffect, NodeMixer, u.PreferredFormat()))
	require.NoError(t, g.Connect(NodeMixer, NodeSink, g.OutputFormat()))
	require.NoError(t, g.Commit())
}

func TestNewGraphIsBypass(t *testing.T) {
	g := newTestGraph(t, monoSlow)

	assert.Equal(t, ShapeBypass, g.Shape())
	assert.False(t, g.Editing())
	assert.Nil(t, g.Unit())
	assert.Equal(t, []Connection{
		{From: NodeSource, To: NodeMixer, Format: monoSlow},
		{From: NodeMixer, To: NodeSink, Format: audio.DefaultFormat},
	}, g.Edges())
}

func TestEditsRequireBegin(t *testing.T) {
	g := newTestGraph(t, audio.DefaultFormat)

	assert.ErrorIs(t, g.Connect(NodeSource, NodeMixer, audio.DefaultFormat), ErrNotEditing)
	assert.ErrorIs(t, g.DisconnectNodeInput(NodeMixer), ErrNotEditing)
	assert.ErrorIs(t, g.Attach(newPassUnit(audio.DefaultFormat)), ErrNotEditing)
	_, err := g.Detach()
	assert.ErrorIs(t, err, ErrNotEditing)
	assert.ErrorIs(t, g.Commit(), ErrNotEditing)
}

func TestConnectRejectsDoubleConnect(t *testing.T) {
	g := newTestGraph(t, audio.DefaultFormat)
	g.Begin()

	err := g.Connect(NodeSource, NodeMixer, audio.DefaultFormat)
	assert.ErrorIs(t, err, ErrInputConnected)

	require.NoError(t, g.DisconnectNodeInput(NodeSink))
	err = g.Connect(NodeSource, NodeSink, audio.DefaultFormat)
	assert.ErrorIs(t, err, ErrOutputConnected, "source already feeds the mixer")

	err = g.Connect(NodeSource, NodeEffect, audio.DefaultFormat)
	assert.ErrorIs(t, err, ErrUnknownNode, "empty slot")

	err = g.Connect(NodeSink, NodeMixer, audio.DefaultFormat)
	assert.ErrorIs(t, err, ErrUnknownNode)

	err = g.Connect(NodeMixer, NodeSink, audio.Format{})
	assert.ErrorIs(t, err, ErrInvalidFormat)

	err = g.Connect(NodeMixer, NodeSink, monoSlow)
	assert.ErrorIs(t, err, ErrFormatMismatch, "sink runs the output format")
}

func TestInsertUsesUnitFormat(t *testing.T) {
	g := newTestGraph(t, audio.DefaultFormat)
	u := newPassUnit(monoSlow)

	g.Begin()
	require.NoError(t, g.DisconnectNodeInput(NodeMixer))
	require.NoError(t, g.Attach(u))
	assert.ErrorIs(t, g.Attach(u), ErrSlotOccupied)
	assert.ErrorIs(t, g.Connect(NodeSource, NodeEffect, audio.DefaultFormat), ErrFormatMismatch)
	require.NoError(t, g.Connect(NodeSource, NodeEffect, monoSlow))
	require.NoError(t, g.Connect(NodeEffect, NodeMixer, monoSlow))
	require.NoError(t, g.Commit())

	assert.Equal(t, ShapeInserted, g.Shape())
	mix, ok := g.Connection(NodeMixer)
	require.True(t, ok)
	assert.Equal(t, monoSlow, mix.Format)
	sink, _ := g.Connection(NodeSink)
	assert.Equal(t, audio.DefaultFormat, sink.Format)

	g.Player().Play()
	buf, live := g.render(0)
	assert.True(t, live)
	assert.Equal(t, int64(1), u.calls.Load())
	assert.Equal(t, audio.DefaultFormat, buf.Format)
}

func TestCommitRejectsTransitionalShape(t *testing.T) {
	g := newTestGraph(t, audio.DefaultFormat)
	require.NoError(t, g.Player().ScheduleBuffer(filled(audio.DefaultFormat, 4800, 0.5), nil))
	g.Player().Play()

	g.Begin()
	require.NoError(t, g.DisconnectNodeInput(NodeSink))
	assert.ErrorIs(t, g.Commit(), ErrInvalidShape)
	assert.True(t, g.Editing())
	assert.Equal(t, ShapeTransitional, g.Shape())

	buf, live := g.render(0)
	assert.False(t, live)
	assert.Equal(t, audio.DefaultFormat, buf.Format)
	assert.Equal(t, audio.FrameSize, buf.Frames())
	assert.Zero(t, g.Player().Delivered(), "no graph, no pull")

	require.NoError(t, g.Connect(NodeMixer, NodeSink, g.OutputFormat()))
	require.NoError(t, g.Commit())
	_, live = g.render(0)
	assert.True(t, live)
	assert.Equal(t, uint64(audio.FrameSize), g.Player().Delivered())
}

func TestAttachedButUnconnectedIsTransitional(t *testing.T) {
	g := newTestGraph(t, audio.DefaultFormat)
	g.Begin()
	require.NoError(t, g.Attach(newPassUnit(audio.DefaultFormat)))
	assert.Equal(t, ShapeTransitional, g.Shape())
	assert.ErrorIs(t, g.Commit(), ErrInvalidShape)

	u, err := g.Detach()
	require.NoError(t, err)
	assert.NotNil(t, u)
	require.NoError(t, g.Commit())
	assert.Equal(t, ShapeBypass, g.Shape())
}

func TestDetachRequiresDisconnect(t *testing.T) {
	g := newTestGraph(t, audio.DefaultFormat)
	u := newPassUnit(audio.DefaultFormat)
	insert(t, g, u)

	g.Begin()
	_, err := g.Detach()
	assert.ErrorIs(t, err, ErrUnitConnected)

	require.NoError(t, g.DisconnectNodeInput(NodeEffect))
	require.NoError(t, g.DisconnectNodeInput(NodeMixer))
	got, err := g.Detach()
	require.NoError(t, err)
	assert.Same(t, u, got)
}

// Random edits race against a render goroutine. Every committed state must
// be one of the two valid shapes, and the renderer only ever sees either
// silence or a complete path.
func TestRandomEditsNeverExposeTornGraph(t *testing.T) {
	g := newTestGraph(t, audio.DefaultFormat)
	require.NoError(t, g.Player().ScheduleBuffer(filled(audio.DefaultFormat, 1<<20, 0.25), nil))
	g.Player().Play()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var badFrames atomic.Int64
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			buf, _ := g.render(0)
			if buf.Format != audio.DefaultFormat {
				badFrames.Add(1)
			}
		}
	}()

	rng := rand.New(rand.NewPCG(7, 11))
	nodes := []NodeID{NodeSource, NodeEffect, NodeMixer, NodeSink}
	formats := []audio.Format{audio.DefaultFormat, monoSlow}

	for round := 0; round < 300; round++ {
		g.Begin()
		for op := 0; op < 6; op++ {
			switch rng.IntN(4) {
			case 0:
				_ = g.DisconnectNodeInput(nodes[rng.IntN(len(nodes))])
			case 1:
				_ = g.Attach(newPassUnit(formats[rng.IntN(len(formats))]))
			case 2:
				_, _ = g.Detach()
			case 3:
				f := formats[rng.IntN(len(formats))]
				if u := g.Unit(); u != nil && rng.IntN(2) == 0 {
					f = u.PreferredFormat()
				}
				_ = g.Connect(nodes[rng.IntN(len(nodes))], nodes[rng.IntN(len(nodes))], f)
			}
		}

		err := g.Commit()
		if err != nil {
			assert.ErrorIs(t, err, ErrInvalidShape)
			assert.Equal(t, ShapeTransitional, g.Shape())
			continue
		}
		assert.Contains(t, []Shape{ShapeBypass, ShapeInserted}, g.Shape())
		assert.False(t, g.Editing())
	}

	close(stop)
	wg.Wait()
	assert.Zero(t, badFrames.Load())
}

func TestShapeString(t *testing.T) {
	assert.Equal(t, "source->mixer->sink", ShapeBypass.String())
	assert.Equal(t, "source->effect->mixer->sink", ShapeInserted.String())
	assert.Equal(t, "transitional", ShapeTransitional.String())
	assert.Equal(t, "source->mixer (48000Hz/2ch/16bit)",
		Connection{From: NodeSource, To: NodeMixer, Format: audio.DefaultFormat}.String())
}

func TestMixerVolume(t *testing.T) {
	m := NewMixer()
	buf := filled(audio.DefaultFormat, 2, 0.5)
	m.Process(buf)
	assert.Equal(t, 0.5, buf.Samples[0])

	_, err := m.Parameters().Set(VolumeParam, 0.5)
	require.NoError(t, err)
	m.Process(buf)
	assert.Equal(t, 0.25, buf.Samples[3])

	_, err = m.Parameters().Set("gain", 1)
	assert.True(t, errors.Is(err, effect.ErrUnknownParameter))
}
