package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/satindergrewal/loophost/internal/api"
	"github.com/satindergrewal/loophost/internal/audio"
	"github.com/satindergrewal/loophost/internal/config"
	"github.com/satindergrewal/loophost/internal/device"
	"github.com/satindergrewal/loophost/internal/effect"
	"github.com/satindergrewal/loophost/internal/effect/units"
	"github.com/satindergrewal/loophost/internal/graph"
	"github.com/satindergrewal/loophost/internal/host"
	"github.com/satindergrewal/loophost/internal/metrics"
	"github.com/satindergrewal/loophost/internal/stream"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand(run).ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

// newRootCommand builds the CLI. Flags are bound into the same viper
// instance as the environment, so a flag given on the command line wins.
func newRootCommand(runFn func(context.Context, config.Config) error) *cobra.Command {
	v := config.NewViper()
	d := config.Defaults()
	var configFile string

	cmd := &cobra.Command{
		Use:          "loophost",
		Short:        "Loop an audio file through a hot-swappable effect slot",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				if err := config.ReadFile(v, configFile); err != nil {
					return err
				}
			}
			return runFn(cmd.Context(), config.Load(v))
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "Path to a config file (yaml, toml or json)")
	flags.StringP("resource", "r", d.Resource, "Audio file to loop")
	flags.IntP("port", "p", d.Port, "HTTP listen port")
	flags.Bool("device", d.Device, "Play on the default local audio device")
	flags.String("effect", d.InitialEffect, "Effect inserted at startup (type:subtype:manufacturer, empty for bypass)")
	flags.String("failure-policy", d.FailurePolicy, "What a failed effect insertion does: rollback or fatal")
	flags.String("log-level", d.LogLevel, "Log level: debug, info, warn or error")

	for key, name := range map[string]string{
		"resource":              "resource",
		"port":                  "port",
		"output.device":         "device",
		"effect.initial":        "effect",
		"effect.failure_policy": "failure-policy",
		"log.level":             "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
	return cmd
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func run(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg.LogLevel)
	logger.Info("loophost starting up...", "resource", cfg.Resource)

	err := serve(ctx, cfg, logger)
	if err != nil {
		logger.Error("loophost stopped", "error", err)
	}
	return err
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	res, err := audio.LoadResource(cfg.Resource, cfg.OutputFormat())
	if err != nil {
		return err
	}
	logger.Info("resource loaded", "path", res.Path(), "format", res.Format().String(), "duration", res.Duration())

	policy, err := host.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return err
	}

	registry := effect.NewRegistry()
	if err := units.RegisterAll(registry); err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(promRegistry)
	if err != nil {
		return err
	}

	// Sink: the local device when asked for, otherwise a clock-only output
	// feeding the network monitors.
	var output graph.Output = graph.NewNullOutput(cfg.OutputFormat())
	var dev *device.Output
	if cfg.Device {
		dev, err = device.Open(device.Config{Format: cfg.OutputFormat(), Buffer: cfg.DeviceBuffer}, m, logger)
		if err != nil {
			return err
		}
		defer dev.Close()
		output = dev
	}

	g, err := graph.New(graph.NewPlayer(res.Format()), graph.NewMixer(), output, logger)
	if err != nil {
		return err
	}
	engine := graph.NewEngine(g, m, logger)
	lifecycle := effect.NewLifecycle(registry, cfg.InstantiateTimeout, logger)
	ctrl := host.NewController(res, engine, lifecycle, host.Options{
		Policy:  policy,
		Metrics: m,
		Logger:  logger,
	})
	defer ctrl.Close()

	// Broadcaster: fan-out sink frames to all listeners
	broadcaster := stream.NewBroadcaster(g.OutputFormat(), logger)
	go broadcaster.Run(ctx, engine.Frames())
	go engine.Run(ctx)
	if dev != nil {
		go dev.Feed(ctx, broadcaster.Subscribe())
	}

	if err := ctrl.Play(); err != nil {
		return err
	}
	if cfg.InitialEffect != "" {
		if err := insertInitial(ctx, ctrl, cfg.InitialEffect, logger); err != nil {
			return err
		}
	}

	webrtcHandler := stream.NewWebRTCHandler(broadcaster, logger)

	mux := http.NewServeMux()
	mux.Handle("/stream", stream.NewHTTPHandler(broadcaster, logger))
	mux.Handle("/offer", webrtcHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	api.New(api.Config{
		Host:     ctrl,
		Registry: registry,
		Master:   g.Mixer().Parameters(),
		Resource: res,
		Listeners: func() map[string]int {
			return map[string]int{
				"http":   broadcaster.ListenerCount(),
				"webrtc": webrtcHandler.PeerCount(),
			}
		},
		Logger: logger,
	}).Register(mux)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down...")
		server.Close()
	}()

	logger.Info("loophost live", "addr", addr, "sink", g.OutputFormat().String(), "device", cfg.Device)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// insertInitial queues the configured startup effect. A failed insertion is
// handled by the controller's failure policy, so it is only logged here.
func insertInitial(ctx context.Context, ctrl *host.Controller, text string, logger *slog.Logger) error {
	desc, err := effect.ParseDescriptor(text)
	if err != nil {
		return fmt.Errorf("initial effect: %w", err)
	}
	done, err := ctrl.Rewire(ctx, &desc)
	if err != nil {
		return err
	}
	go func() {
		if err := <-done; err != nil {
			logger.Warn("initial effect not inserted", "effect", text, "error", err)
			return
		}
		logger.Info("initial effect inserted", "effect", text)
	}()
	return nil
}
