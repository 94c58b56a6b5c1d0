// Package ramctx carries the process wide logger, metrics registry and
// diagnostic counters through a context.
package ramctx

import (
	"context"
	"os"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/ramparse/pkg/ramdump/diag"
)

type contextKey int

const (
	loggerKey contextKey = iota
	registryKey
	metricsKey
)

var (
	defaultLogger = log.NewLogfmtLogger(os.Stderr)
)

func WithLogger(ctx context.Context, logger log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func Logger(ctx context.Context) log.Logger {
	if logger, ok := ctx.Value(loggerKey).(log.Logger); ok {
		return logger
	}
	return defaultLogger
}

func WithRegistry(ctx context.Context, registry prometheus.Registerer) context.Context {
	return context.WithValue(ctx, registryKey, registry)
}

func Registry(ctx context.Context) prometheus.Registerer {
	if registry, ok := ctx.Value(registryKey).(prometheus.Registerer); ok {
		return registry
	}
	return prometheus.NewRegistry()
}

// WithMetrics stores the diagnostic counters shared by every walker of one
// dump.
func WithMetrics(ctx context.Context, m *diag.Metrics) context.Context {
	return context.WithValue(ctx, metricsKey, m)
}

// Metrics returns the counters stored in ctx, registering a new set with
// the context's registry when there are none.
func Metrics(ctx context.Context) *diag.Metrics {
	if m, ok := ctx.Value(metricsKey).(*diag.Metrics); ok {
		return m
	}
	return diag.NewMetrics(Registry(ctx))
}

// WrapDump labels the registry and the logger with the dump being read.
func WrapDump(ctx context.Context, dump string) context.Context {
	reg := Registry(ctx)
	ctx = WithRegistry(ctx, prometheus.WrapRegistererWith(
		prometheus.Labels{"dump": dump},
		reg,
	))

	logger := Logger(ctx)
	return WithLogger(ctx, log.With(logger, "dump", dump))
}
