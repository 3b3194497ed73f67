package effect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/satindergrewal/loophost/internal/audio"
)

// Lifecycle instantiates and tears down units for the graph's effect slot.
type Lifecycle struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewLifecycle creates a lifecycle backed by registry. A timeout of zero
// waits for factories indefinitely.
func NewLifecycle(registry *Registry, timeout time.Duration, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		registry: registry,
		timeout:  timeout,
		logger:   logger.With("component", "effect_lifecycle"),
	}
}

// Registry returns the registry units are resolved from.
func (l *Lifecycle) Registry() *Registry { return l.registry }

// Instantiate resolves desc and builds a unit asynchronously. An
// unregistered descriptor fails immediately and done is never called.
// Otherwise done is called exactly once, on an unspecified goroutine, with
// either a unit or an error.
func (l *Lifecycle) Instantiate(ctx context.Context, desc Descriptor, format audio.Format, done func(Unit, error)) error {
	reg, ok := l.registry.Lookup(desc)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnregistered, desc)
	}

	l.logger.Debug("instantiating unit", "descriptor", desc.String(), "name", reg.Name)
	go l.run(ctx, reg, format, done)
	return nil
}

type instantiateResult struct {
	unit Unit
	err  error
}

func (l *Lifecycle) run(ctx context.Context, reg Registration, format audio.Format, done func(Unit, error)) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	resultCh := make(chan instantiateResult, 1)
	go func() {
		u, err := reg.factory(ctx, Request{Descriptor: reg.Descriptor, Format: format})
		resultCh <- instantiateResult{unit: u, err: err}
	}()

	select {
	case res := <-resultCh:
		switch {
		case res.err != nil:
			if res.unit != nil {
				l.Teardown(res.unit)
			}
			err := res.err
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
				err = fmt.Errorf("%w: %w", ErrInstantiateTimeout, err)
			}
			done(nil, fmt.Errorf("instantiate %s: %w", reg.Descriptor, err))
		case res.unit == nil:
			done(nil, fmt.Errorf("instantiate %s: %w", reg.Descriptor, ErrNoUnit))
		default:
			l.logger.Info("unit instantiated",
				"descriptor", reg.Descriptor.String(),
				"name", res.unit.Name(),
				"format", res.unit.PreferredFormat().String(),
				"elapsed", time.Since(start))
			done(res.unit, nil)
		}

	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrInstantiateTimeout
		}
		l.logger.Warn("unit instantiation abandoned",
			"descriptor", reg.Descriptor.String(),
			"error", err)

		// A late unit has no slot to go to.
		go func() {
			if res := <-resultCh; res.unit != nil {
				l.Teardown(res.unit)
			}
		}()
		done(nil, fmt.Errorf("instantiate %s: %w", reg.Descriptor, err))
	}
}

// Teardown releases a unit synchronously. The caller must already have
// removed it from the graph.
func (l *Lifecycle) Teardown(u Unit) {
	if u == nil {
		return
	}
	u.Detach()
	l.logger.Debug("unit released", "descriptor", u.Descriptor().String(), "name", u.Name())
}
