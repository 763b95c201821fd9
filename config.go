package flowvm

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/birdayz/flowvm/internal/metrics"
)

// Option is a function that configures an Engine
type Option func(*Engine)

// WithLog sets the logger for the engine and its scheme workers
var WithLog = func(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithMetrics registers the engine's collectors with reg
var WithMetrics = func(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.metrics = metrics.New(reg)
	}
}

// WithMaxNesting bounds how deep custom modules may nest. Values below one
// keep the default.
var WithMaxNesting = func(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxNesting = n
		}
	}
}

// NullWriter is a writer that discards all data
type NullWriter struct{}

func (NullWriter) Write(p []byte) (int, error) { return len(p), nil }

// NullLogger creates a logger that discards all output
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}
