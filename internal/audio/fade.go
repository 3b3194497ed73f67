package audio

// Smoothstep returns the smoothstep interpolation for t in [0,1].
// Formula: 3t^2 - 2t^3.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// FadeIn applies a smoothstep gain ramp to buf, treating the first frame of
// buf as frame offset of a ramp that is total frames long. It returns the
// offset following buf so a ramp can span several buffers.
func FadeIn(buf Buffer, offset, total int) int {
	if total <= 0 || offset >= total {
		return offset
	}
	ch := buf.Format.Channels
	for f := 0; f < buf.Frames() && offset < total; f++ {
		gain := Smoothstep(float64(offset) / float64(total))
		for c := 0; c < ch; c++ {
			buf.Samples[f*ch+c] *= gain
		}
		offset++
	}
	return offset
}
