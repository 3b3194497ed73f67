package units

import (
	"context"

	"github.com/satindergrewal/loophost/internal/audio"
	"github.com/satindergrewal/loophost/internal/effect"
)

// VolumeParam is the ID of the volume unit's gain parameter.
const VolumeParam = "param1"

// Volume scales its input by a normalized gain. It runs in whatever format
// the host offers.
type Volume struct {
	*effect.Base
	gain *effect.Parameter
}

// NewVolume is the factory for VolumeDescriptor.
func NewVolume(ctx context.Context, req effect.Request) (effect.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gain := effect.NewParameter(VolumeParam, "Volume", 0, 1, 1)
	return &Volume{
		Base: effect.NewBase(req.Descriptor, "demo: VolumePlugin", req.Format, effect.NewParameterTree(gain)),
		gain: gain,
	}, nil
}

func (v *Volume) Process(buf audio.Buffer) audio.Buffer {
	g := v.gain.Value()
	for i := range buf.Samples {
		buf.Samples[i] *= g
	}
	return buf
}
