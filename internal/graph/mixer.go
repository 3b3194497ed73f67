package graph

import (
	"github.com/satindergrewal/loophost/internal/audio"
	"github.com/satindergrewal/loophost/internal/effect"
)

// VolumeParam is the ID of the mixer's output volume parameter.
const VolumeParam = "volume"

// Mixer applies the output volume. It processes in whatever format its input
// edge carries.
type Mixer struct {
	volume *effect.Parameter
	params *effect.ParameterTree
}

// NewMixer creates a mixer at unity gain.
func NewMixer() *Mixer {
	v := effect.NewParameter(VolumeParam, "Output volume", 0, 1, 1)
	return &Mixer{volume: v, params: effect.NewParameterTree(v)}
}

// Parameters returns the mixer's parameter tree.
func (m *Mixer) Parameters() *effect.ParameterTree { return m.params }

// Process scales buf in place.
func (m *Mixer) Process(buf audio.Buffer) audio.Buffer {
	gain := m.volume.Value()
	if gain == 1 {
		return buf
	}
	for i := range buf.Samples {
		buf.Samples[i] *= gain
	}
	return buf
}
