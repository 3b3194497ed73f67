package units

import (
	"context"
	"fmt"

	"github.com/cwbudde/algo-dsp/dsp/effects"
	"github.com/satindergrewal/loophost/internal/audio"
	"github.com/satindergrewal/loophost/internal/effect"
)

// Tremolo is an amplitude modulator that works in mono.
type Tremolo struct {
	*effect.Base
	rate, depth *effect.Parameter
	dsp         *effects.Tremolo
}

// NewTremolo is the factory for TremoloDescriptor.
func NewTremolo(ctx context.Context, req effect.Request) (effect.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format := audio.Format{SampleRate: req.Format.SampleRate, Channels: 1, BitDepth: req.Format.BitDepth}

	rate := effect.NewParameter("rate", "Rate (Hz)", 0.1, 20, 4)
	depth := effect.NewParameter("depth", "Depth", 0, 1, 0.6)
	dsp, err := effects.NewTremolo(float64(format.SampleRate),
		effects.WithTremoloRateHz(rate.Value()),
		effects.WithTremoloDepth(depth.Value()))
	if err != nil {
		return nil, fmt.Errorf("tremolo: %w", err)
	}

	return &Tremolo{
		Base:  effect.NewBase(req.Descriptor, "loophost: Tremolo", format, effect.NewParameterTree(rate, depth)),
		rate:  rate,
		depth: depth,
		dsp:   dsp,
	}, nil
}

func (t *Tremolo) Process(buf audio.Buffer) audio.Buffer {
	// Parameters are clamped into the ranges the DSP accepts.
	_ = t.dsp.SetRateHz(t.rate.Value())
	_ = t.dsp.SetDepth(t.depth.Value())
	for i, s := range buf.Samples {
		buf.Samples[i] = t.dsp.ProcessSample(s)
	}
	return buf
}
