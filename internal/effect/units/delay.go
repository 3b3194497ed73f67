package units

import (
	"context"
	"fmt"

	"github.com/cwbudde/algo-dsp/dsp/effects"
	"github.com/satindergrewal/loophost/internal/audio"
	"github.com/satindergrewal/loophost/internal/effect"
)

// DelayFormat is the fixed format the delay unit processes in.
var DelayFormat = audio.Format{SampleRate: 44100, Channels: 2, BitDepth: 16}

// Delay is a stereo feedback delay. It always asks for DelayFormat, so the
// host converts around it.
type Delay struct {
	*effect.Base
	time, feedback, mix *effect.Parameter

	lines   []*effects.Delay
	applied float64
}

// NewDelay is the factory for DelayDescriptor.
func NewDelay(ctx context.Context, req effect.Request) (effect.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d := &Delay{
		time:     effect.NewParameter("time", "Time (s)", 0.001, 2, 0.25),
		feedback: effect.NewParameter("feedback", "Feedback", 0, 0.99, 0.35),
		mix:      effect.NewParameter("mix", "Mix", 0, 1, 0.25),
	}
	d.Base = effect.NewBase(req.Descriptor, "loophost: Delay", DelayFormat,
		effect.NewParameterTree(d.time, d.feedback, d.mix))

	for ch := 0; ch < DelayFormat.Channels; ch++ {
		line, err := effects.NewDelay(float64(DelayFormat.SampleRate))
		if err != nil {
			return nil, fmt.Errorf("delay: %w", err)
		}
		d.lines = append(d.lines, line)
	}
	d.applied = d.lines[0].Time()
	d.OnDetach(func() { d.lines = nil })
	return d, nil
}

func (d *Delay) Process(buf audio.Buffer) audio.Buffer {
	if len(d.lines) == 0 {
		return buf
	}
	// SetTime reallocates the line, only touch it on change.
	if t := d.time.Value(); t != d.applied {
		for _, line := range d.lines {
			_ = line.SetTime(t)
		}
		d.applied = t
	}

	ch := buf.Format.Channels
	for c, line := range d.lines {
		if c >= ch {
			break
		}
		_ = line.SetFeedback(d.feedback.Value())
		_ = line.SetMix(d.mix.Value())
		for i := c; i < len(buf.Samples); i += ch {
			buf.Samples[i] = line.ProcessSample(buf.Samples[i])
		}
	}
	return buf
}
