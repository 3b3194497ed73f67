package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/satindergrewal/loophost/internal/audio"
)

// EnvPrefix prefixes every environment override, e.g. LOOPHOST_PORT.
const EnvPrefix = "LOOPHOST"

// Config holds all runtime configuration.
type Config struct {
	// Playback
	Resource string // looped audio file

	// Server
	Port int

	// Output
	SampleRate   int
	Channels     int
	Device       bool          // play on the local audio device
	DeviceBuffer time.Duration // jitter buffer ahead of the device

	// Effect slot
	InitialEffect      string        // descriptor inserted at startup, empty for bypass
	InstantiateTimeout time.Duration // 0 waits forever
	FailurePolicy      string        // rollback or fatal

	LogLevel string
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Resource:           "loop.wav",
		Port:               8080,
		SampleRate:         audio.DefaultSampleRate,
		Channels:           audio.DefaultChannels,
		Device:             false,
		DeviceBuffer:       200 * time.Millisecond,
		InitialEffect:      "aufx:demo:demo",
		InstantiateTimeout: 10 * time.Second,
		FailurePolicy:      "rollback",
		LogLevel:           "info",
	}
}

// NewViper returns a viper instance with defaults registered and
// environment overrides enabled. Nested keys map to env names with dots
// replaced by underscores: output.sample_rate -> LOOPHOST_OUTPUT_SAMPLE_RATE.
func NewViper() *viper.Viper {
	d := Defaults()
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("resource", d.Resource)
	v.SetDefault("port", d.Port)
	v.SetDefault("output.sample_rate", d.SampleRate)
	v.SetDefault("output.channels", d.Channels)
	v.SetDefault("output.device", d.Device)
	v.SetDefault("output.device_buffer", d.DeviceBuffer)
	v.SetDefault("effect.initial", d.InitialEffect)
	v.SetDefault("effect.instantiate_timeout", d.InstantiateTimeout)
	v.SetDefault("effect.failure_policy", d.FailurePolicy)
	v.SetDefault("log.level", d.LogLevel)
	return v
}

// ReadFile merges a config file into v. A missing file is an error; callers
// only pass a path the user asked for.
func ReadFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return nil
}

// Load resolves the configuration from v. Values that do not parse, or are
// out of range, fall back to the defaults.
func Load(v *viper.Viper) Config {
	d := Defaults()
	return Config{
		Resource: str(v, "resource", d.Resource),
		Port:     positiveInt(v, "port", d.Port),

		SampleRate:   positiveInt(v, "output.sample_rate", d.SampleRate),
		Channels:     positiveInt(v, "output.channels", d.Channels),
		Device:       boolean(v, "output.device", d.Device),
		DeviceBuffer: duration(v, "output.device_buffer", d.DeviceBuffer, false),

		InitialEffect:      strings.TrimSpace(v.GetString("effect.initial")),
		InstantiateTimeout: duration(v, "effect.instantiate_timeout", d.InstantiateTimeout, true),
		FailurePolicy:      str(v, "effect.failure_policy", d.FailurePolicy),

		LogLevel: str(v, "log.level", d.LogLevel),
	}
}

// OutputFormat is the format requested from the output.
func (c Config) OutputFormat() audio.Format {
	return audio.Format{SampleRate: c.SampleRate, Channels: c.Channels, BitDepth: audio.BitDepth}
}

func str(v *viper.Viper, key, fallback string) string {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		return s
	}
	return fallback
}

func positiveInt(v *viper.Viper, key string, fallback int) int {
	n, err := cast.ToIntE(v.Get(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func boolean(v *viper.Viper, key string, fallback bool) bool {
	b, err := cast.ToBoolE(v.Get(key))
	if err != nil {
		return fallback
	}
	return b
}

func duration(v *viper.Viper, key string, fallback time.Duration, allowZero bool) time.Duration {
	d, err := cast.ToDurationE(v.Get(key))
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return fallback
	}
	return d
}
