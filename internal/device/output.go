// Package device plays the host's sink frames on a local audio device.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/satindergrewal/loophost/internal/audio"
	"github.com/satindergrewal/loophost/internal/metrics"
	"github.com/satindergrewal/loophost/internal/stream"
)

// Config selects the requested device format and buffering.
type Config struct {
	Format audio.Format
	// Buffer is the jitter buffer length between the render loop and the
	// device callback.
	Buffer time.Duration
}

// Output is a playback device. The format the backend actually grants is
// reported by Format and becomes the graph's sink format.
type Output struct {
	ctx    *malgo.AllocatedContext
	dev    *malgo.Device
	format audio.Format
	jitter *jitterBuffer
	logger *slog.Logger
}

// Open initialises the default playback device.
func Open(cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Output, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "device")

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("audio context init failed: %w", err)
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.Playback.Format = malgo.FormatS16
	devCfg.Playback.Channels = uint32(cfg.Format.Channels)
	devCfg.SampleRate = uint32(cfg.Format.SampleRate)
	devCfg.Alsa.NoMMap = 1

	o := &Output{ctx: ctx, logger: logger}
	dev, err := malgo.InitDevice(ctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) { o.jitter.fill(out) },
	})
	if err != nil {
		o.freeContext()
		return nil, fmt.Errorf("playback device init failed: %w", err)
	}
	o.dev = dev

	if dev.PlaybackFormat() != malgo.FormatS16 {
		o.Close()
		return nil, fmt.Errorf("playback device granted sample format %d, need s16", dev.PlaybackFormat())
	}
	o.format = audio.Format{
		SampleRate: int(dev.SampleRate()),
		Channels:   int(dev.PlaybackChannels()),
		BitDepth:   audio.BitDepth,
	}

	frameBytes := o.format.Channels * 2
	size := o.format.FramesPer(cfg.Buffer) * frameBytes
	if size < 2*audio.FrameSize*frameBytes {
		size = 2 * audio.FrameSize * frameBytes
	}
	o.jitter = newJitterBuffer(size, frameBytes, m.RecordUnderrun)

	if o.format != cfg.Format {
		logger.Warn("device format differs from request",
			"requested", cfg.Format.String(), "granted", o.format.String())
	}
	logger.Info("playback device ready", "format", o.format.String(), "buffer", cfg.Buffer)
	return o, nil
}

// Format returns the negotiated device format.
func (o *Output) Format() audio.Format { return o.format }

// Start starts the device callback.
func (o *Output) Start() error {
	if err := o.dev.Start(); err != nil {
		return fmt.Errorf("playback device start failed: %w", err)
	}
	return nil
}

// Stop stops the device and drops buffered audio.
func (o *Output) Stop() error {
	if err := o.dev.Stop(); err != nil {
		return fmt.Errorf("playback device stop failed: %w", err)
	}
	o.jitter.reset()
	return nil
}

// Underruns returns how many device callbacks were padded with silence.
func (o *Output) Underruns() uint64 { return o.jitter.underruns.Load() }

// Feed copies broadcast frames into the device buffer until ctx is done or
// the listener is unsubscribed.
func (o *Output) Feed(ctx context.Context, l *stream.Listener) {
	feed(ctx, l, o.jitter, o.logger)
}

func feed(ctx context.Context, l *stream.Listener, j *jitterBuffer, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.Done():
			return
		case frame, ok := <-l.C:
			if !ok {
				return
			}
			if err := j.write(audio.SamplesToBytes(frame)); err != nil {
				logger.Warn("device buffer write failed", "error", err)
			}
		}
	}
}

// Close releases the device and its context.
func (o *Output) Close() {
	if o.dev != nil {
		o.dev.Uninit()
		o.dev = nil
	}
	o.freeContext()
}

func (o *Output) freeContext() {
	if o.ctx == nil {
		return
	}
	_ = o.ctx.Uninit()
	o.ctx.Free()
	o.ctx = nil
}
