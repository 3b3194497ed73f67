// Package units contains the effect implementations bundled with the host.
package units

import (
	"github.com/satindergrewal/loophost/internal/effect"
)

// Manufacturer code for units shipped with loophost.
var manufacturer = effect.MustFourCC("lphs")

// Descriptors of the bundled units.
var (
	// VolumeDescriptor names the demo volume plugin.
	VolumeDescriptor = effect.Descriptor{
		Type:         effect.TypeEffect,
		SubType:      effect.MustFourCC("demo"),
		Manufacturer: effect.MustFourCC("demo"),
	}
	TremoloDescriptor = effect.Descriptor{
		Type:         effect.TypeEffect,
		SubType:      effect.MustFourCC("trem"),
		Manufacturer: manufacturer,
	}
	DelayDescriptor = effect.Descriptor{
		Type:         effect.TypeEffect,
		SubType:      effect.MustFourCC("dely"),
		Manufacturer: manufacturer,
	}
)

// RegisterAll registers every bundled unit.
func RegisterAll(r *effect.Registry) error {
	regs := []struct {
		desc    effect.Descriptor
		name    string
		factory effect.Factory
	}{
		{VolumeDescriptor, "demo: VolumePlugin", NewVolume},
		{TremoloDescriptor, "loophost: Tremolo", NewTremolo},
		{DelayDescriptor, "loophost: Delay", NewDelay},
	}
	for _, reg := range regs {
		if err := r.Register(reg.desc, reg.name, reg.factory); err != nil {
			return err
		}
	}
	return nil
}
