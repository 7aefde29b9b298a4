package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/linkflow-ai/migrator/internal/migration/domain/graph"
	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/logger"
)

const tracerName = "github.com/linkflow-ai/migrator/internal/migration"

type settings struct {
	logger  logger.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer
	clock   func() time.Time
	hook    PreExecutionHook
	graph   *graph.DependencyGraph
}

// Option configures an orchestrator
type Option func(*settings)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m MetricsRecorder) Option {
	return func(s *settings) { s.metrics = m }
}

// WithTracer sets the tracer used for operation spans
func WithTracer(t trace.Tracer) Option {
	return func(s *settings) { s.tracer = t }
}

// WithClock overrides time.Now
func WithClock(clock func() time.Time) Option {
	return func(s *settings) { s.clock = clock }
}

// WithPreExecutionHook installs the veto hook consulted before an apply runs
func WithPreExecutionHook(hook PreExecutionHook) Option {
	return func(s *settings) { s.hook = hook }
}

// WithDependencyGraph makes rollback analysis also treat applied migrations that
// declare a dependency on the target as dependents
func WithDependencyGraph(g *graph.DependencyGraph) Option {
	return func(s *settings) { s.graph = g }
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:  logger.NewNop(),
		metrics: nopMetrics{},
		tracer:  otel.Tracer(tracerName),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

type nopMetrics struct{}

func (nopMetrics) RecordApply(string, string, bool, time.Duration)      {}
func (nopMetrics) RecordRollback(string, string, string, time.Duration) {}
func (nopMetrics) RecordRollbackAnalysis(string, string, bool)          {}

type nopNotifier struct{}

func (nopNotifier) NotifyStarted(context.Context, string, string)                            {}
func (nopNotifier) NotifyProgress(context.Context, string, string, int, model.Phase, string) {}
func (nopNotifier) NotifyCompleted(context.Context, string, string, model.ExecutionResult)   {}
func (nopNotifier) NotifyFailed(context.Context, string, string, error)                      {}
