package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satindergrewal/loophost/internal/config"
)

func execute(t *testing.T, args ...string) config.Config {
	t.Helper()
	var got config.Config
	cmd := newRootCommand(func(_ context.Context, cfg config.Config) error {
		got = cfg
		return nil
	})
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return got
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("LOOPHOST_PORT", "3000")
	t.Setenv("LOOPHOST_LOG_LEVEL", "debug")

	cfg := execute(t, "--port", "9000", "--effect", "", "--device", "--failure-policy", "fatal")

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel, "env applies where no flag is given")
	assert.Empty(t, cfg.InitialEffect)
	assert.True(t, cfg.Device)
	assert.Equal(t, "fatal", cfg.FailurePolicy)
}

func TestDefaultsWithoutFlags(t *testing.T) {
	cfg := execute(t)
	assert.Equal(t, config.Defaults(), cfg)
}

func TestMissingConfigFileFails(t *testing.T) {
	cmd := newRootCommand(func(context.Context, config.Config) error { return nil })
	cmd.SetArgs([]string{"--config", t.TempDir() + "/missing.yaml"})
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestNewLoggerLevels(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	ctx := context.Background()
	assert.True(t, newLogger("debug").Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("warn").Enabled(ctx, slog.LevelInfo))
	assert.True(t, newLogger("nonsense").Enabled(ctx, slog.LevelInfo), "unknown levels fall back to info")
	assert.False(t, newLogger("nonsense").Enabled(ctx, slog.LevelDebug))
}
