// Package runctx carries the explicit per-run dependencies (logger,
// diagnostics sink, metrics and tracer) handed to the controller and the
// reconciler instead of package-level singletons.
package runctx

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sseaky/seakylib/internal/metrics"
)

// RunContext bundles the collaborators a run needs for observability.
type RunContext struct {
	Logger  *slog.Logger
	Diag    *Diagnostics
	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

// Option configures a RunContext.
type Option func(*RunContext)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(rc *RunContext) { rc.Logger = l }
}

// WithMetrics sets the prometheus collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(rc *RunContext) { rc.Metrics = c }
}

// WithTracer sets the tracer used for run, pass and apply spans.
func WithTracer(t trace.Tracer) Option {
	return func(rc *RunContext) { rc.Tracer = t }
}

// New returns a RunContext with a fresh diagnostics sink. Without options the
// logger discards everything and the tracer is a no-op.
func New(opts ...Option) *RunContext {
	rc := &RunContext{Diag: NewDiagnostics()}
	for _, opt := range opts {
		opt(rc)
	}
	if rc.Logger == nil {
		rc.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if rc.Tracer == nil {
		rc.Tracer = noop.NewTracerProvider().Tracer("seakylib")
	}
	return rc
}

// Diagnostics is a mutable sink for errors, warnings and named timers
// collected during a run. Safe for concurrent use.
type Diagnostics struct {
	mu       sync.Mutex
	errors   []string
	warnings []string
	timers   map[string]time.Duration
	order    []string
}

// NewDiagnostics returns an empty sink.
func NewDiagnostics() *Diagnostics {
	return &Diagnostics{timers: make(map[string]time.Duration)}
}

// Error records an error message.
func (d *Diagnostics) Error(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errors = append(d.errors, msg)
}

// Warn records a warning message.
func (d *Diagnostics) Warn(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.warnings = append(d.warnings, msg)
}

// Timer records a named duration; a repeated name overwrites the value.
func (d *Diagnostics) Timer(name string, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.timers[name]; !ok {
		d.order = append(d.order, name)
	}
	d.timers[name] = elapsed
}

// Errors returns a copy of the recorded errors.
func (d *Diagnostics) Errors() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.errors...)
}

// Warnings returns a copy of the recorded warnings.
func (d *Diagnostics) Warnings() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.warnings...)
}

// TimerValue returns a recorded timer.
func (d *Diagnostics) TimerValue(name string) (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.timers[name]
	return v, ok
}

// TimerNames returns timer names in the order they were first recorded.
func (d *Diagnostics) TimerNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}
