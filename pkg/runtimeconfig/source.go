// Package runtimeconfig keeps the enabled flag of the slot manager in sync
// with an external source such as etcd.
package runtimeconfig

import (
	"context"
	"io"
	"log/slog"
)

// Source streams the desired value of the enabled flag. The first value is
// the current one; later values are changes. Both channels are closed when
// ctx ends.
type Source interface {
	Watch(ctx context.Context) (<-chan bool, <-chan error)
}

// Toggle is implemented by *slots.Manager.
type Toggle interface {
	SetEnabled(enabled bool)
}

// Apply pushes every value from src into t until ctx ends or src closes.
// Watch errors are logged and do not stop it. A closed source is not an
// error: the last applied value stays in effect.
func Apply(ctx context.Context, src Source, t Toggle, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "runtimeconfig")

	values, errs := src.Watch(ctx)
	applied := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case enabled, ok := <-values:
			if !ok {
				if ctx.Err() == nil {
					logger.Warn("runtime config source closed, keeping last value", "applied", applied)
				}
				return nil
			}
			logger.Debug("applying enabled flag", "enabled", enabled)
			t.SetEnabled(enabled)
			applied++
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("runtime config watch error", "error", err)
		}
	}
}
