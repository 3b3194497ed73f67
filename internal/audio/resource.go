package audio

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

// ErrResourceLoad reports that the looped resource could not be opened or decoded.
var ErrResourceLoad = errors.New("resource load failed")

// transcoder is the binary that decodes non-WAV containers.
var transcoder = "ffmpeg"

// Resource is an immutable decoded audio file. It is safe for concurrent
// reads once constructed.
type Resource struct {
	path   string
	buffer Buffer
}

// NewResource wraps already decoded samples.
func NewResource(name string, buf Buffer) (*Resource, error) {
	if !buf.Format.Valid() {
		return nil, fmt.Errorf("%w: %s: invalid format %s", ErrResourceLoad, name, buf.Format)
	}
	if buf.Frames() == 0 {
		return nil, fmt.Errorf("%w: %s: no audio frames", ErrResourceLoad, name)
	}
	return &Resource{path: name, buffer: buf}, nil
}

// LoadResource decodes the file at path. WAV files are read natively, any
// other container is decoded through FFmpeg into fallback.
func LoadResource(path string, fallback Format) (*Resource, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		return loadWAV(path)
	}

	return loadTranscoded(path, fallback)
}

// loadTranscoded pipes the file through the transcoder as s16le PCM in f.
func loadTranscoded(path string, f Format) (*Resource, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: %s: invalid decode format %s", ErrResourceLoad, path, f)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceLoad, err)
	}
	bin, err := exec.LookPath(transcoder)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResourceLoad, path, err)
	}

	var stderr bytes.Buffer
	cmd := exec.Command(bin,
		"-i", path,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-loglevel", "error",
		"pipe:1",
	)
	cmd.Stderr = &stderr
	pcm, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s: %w: %s", ErrResourceLoad, path, err, msg)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrResourceLoad, path, err)
	}
	return NewResource(path, FromInt16(f, BytesToSamples(pcm)))
}

func loadWAV(path string) (*Resource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceLoad, err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%w: %s: invalid WAV file format", ErrResourceLoad, path)
	}

	pcm, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResourceLoad, path, err)
	}

	bitDepth := int(decoder.BitDepth)
	if bitDepth != 8 && bitDepth != 16 && bitDepth != 24 && bitDepth != 32 {
		return nil, fmt.Errorf("%w: %s: unsupported bit depth: %d", ErrResourceLoad, path, bitDepth)
	}

	f := Format{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   bitDepth,
	}

	// 8-bit WAV is unsigned, everything else is signed
	divisor := float64(int64(1) << (bitDepth - 1))
	offset := 0.0
	if bitDepth == 8 {
		offset = 128
	}

	buf := Buffer{Format: f, Samples: make([]float64, len(pcm.Data))}
	for i, s := range pcm.Data {
		buf.Samples[i] = (float64(s) - offset) / divisor
	}

	return NewResource(path, buf)
}

// Path returns the name the resource was loaded from.
func (r *Resource) Path() string { return r.path }

// Format returns the processing format of the decoded samples.
func (r *Resource) Format() Format { return r.buffer.Format }

// Buffer returns the decoded samples. Callers must not modify them.
func (r *Resource) Buffer() Buffer { return r.buffer }

// Duration returns the length of one loop iteration.
func (r *Resource) Duration() time.Duration { return r.buffer.Duration() }
