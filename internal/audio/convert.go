package audio

import (
	"fmt"

	"github.com/cwbudde/algo-dsp/dsp/resample"
)

// Converter adapts buffers between two formats: channel remapping followed by
// streaming sample-rate conversion. A Converter keeps filter state and must
// only be used from one goroutine.
type Converter struct {
	from, to   Format
	resamplers []*resample.Resampler
}

// NewConverter builds a converter from one format to another. Converting
// between equal formats is a no-op.
func NewConverter(from, to Format) (*Converter, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("invalid conversion %s -> %s", from, to)
	}
	c := &Converter{from: from, to: to}
	if from.SampleRate != to.SampleRate {
		c.resamplers = make([]*resample.Resampler, to.Channels)
		for ch := range c.resamplers {
			r, err := resample.NewForRates(float64(from.SampleRate), float64(to.SampleRate),
				resample.WithQuality(resample.QualityFast))
			if err != nil {
				return nil, fmt.Errorf("resampler %s -> %s: %w", from, to, err)
			}
			c.resamplers[ch] = r
		}
	}
	return c, nil
}

// From returns the input format.
func (c *Converter) From() Format { return c.from }

// To returns the output format.
func (c *Converter) To() Format { return c.to }

// Passthrough reports whether Convert returns its input unchanged.
func (c *Converter) Passthrough() bool {
	return c == nil || (c.from.SampleRate == c.to.SampleRate && c.from.Channels == c.to.Channels)
}

// Convert returns in expressed in the output format. The output may differ
// in frame count by one from the ideal ratio because of resampler phase.
func (c *Converter) Convert(in Buffer) Buffer {
	if c.Passthrough() {
		if c != nil {
			in.Format = c.to
		}
		return in
	}

	mixed := remix(in, c.to.Channels)
	if c.resamplers == nil {
		mixed.Format = c.to
		return mixed
	}

	frames := mixed.Frames()
	channels := make([][]float64, c.to.Channels)
	outFrames := -1
	plane := make([]float64, frames)
	for ch := range channels {
		for f := 0; f < frames; f++ {
			plane[f] = mixed.Samples[f*c.to.Channels+ch]
		}
		channels[ch] = c.resamplers[ch].Process(plane)
		if outFrames < 0 || len(channels[ch]) < outFrames {
			outFrames = len(channels[ch])
		}
	}
	if outFrames < 0 {
		outFrames = 0
	}

	out := NewBuffer(c.to, outFrames)
	for ch, samples := range channels {
		for f := 0; f < outFrames; f++ {
			out.Samples[f*c.to.Channels+ch] = samples[f]
		}
	}
	return out
}

// remix maps in to the given channel count. Downmixing to mono averages all
// channels; other layouts wrap source channels.
func remix(in Buffer, channels int) Buffer {
	src := in.Format.Channels
	if src == channels {
		return in
	}
	frames := in.Frames()
	f := in.Format
	f.Channels = channels
	out := NewBuffer(f, frames)

	for i := 0; i < frames; i++ {
		if channels == 1 {
			var sum float64
			for c := 0; c < src; c++ {
				sum += in.Samples[i*src+c]
			}
			out.Samples[i] = sum / float64(src)
			continue
		}
		for c := 0; c < channels; c++ {
			out.Samples[i*channels+c] = in.Samples[i*src+c%src]
		}
	}
	return out
}
