package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/iocforge/internal/observability"
)

// DefaultAnalyzerTimeout bounds a single analyzer call.
const DefaultAnalyzerTimeout = 10 * time.Second

// TimeoutMessage is the error reported for an analyzer that did not finish in time.
const TimeoutMessage = "timeout"

// Analyzer outcome labels used in metrics.
const (
	statusOK       = "ok"
	statusError    = "error"
	statusTimeout  = "timeout"
	statusCanceled = "canceled"
)

// EnricherConfig configures the orchestrator.
type EnricherConfig struct {
	// AnalyzerTimeout bounds each analyzer call. Zero disables the bound and
	// leaves only the analyzer's own HTTP client timeout.
	AnalyzerTimeout time.Duration `yaml:"analyzer_timeout"`
	// Tracer records enrichment spans. Nil uses the global provider.
	Tracer trace.Tracer `yaml:"-"`
}

// Enricher fans an indicator out to every registered analyzer and collects
// their results in registration order.
type Enricher struct {
	analyzers []Analyzer
	config    EnricherConfig
	logger    *zap.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

// NewEnricher creates an orchestrator over a fixed analyzer list. logger and
// metrics may be nil.
func NewEnricher(analyzers []Analyzer, config EnricherConfig, logger *zap.Logger, metrics *observability.Metrics) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	registered := make([]Analyzer, len(analyzers))
	copy(registered, analyzers)

	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/lvonguyen/iocforge/internal/enrichment")
	}

	return &Enricher{
		analyzers: registered,
		config:    config,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
	}
}

// Analyzers returns the registered analyzer names in order.
func (e *Enricher) Analyzers() []string {
	names := make([]string, len(e.analyzers))
	for i, a := range e.analyzers {
		names[i] = a.Name()
	}
	return names
}

// Enrich runs every analyzer concurrently and waits for all of them. The
// returned slice has one entry per analyzer, in registration order, whatever
// the individual outcomes. It is never nil.
func (e *Enricher) Enrich(ctx context.Context, indicator string) []Result {
	results := make([]Result, len(e.analyzers))
	if len(e.analyzers) == 0 {
		return results
	}

	ctx, span := e.tracer.Start(ctx, "enrichment.Enrich",
		trace.WithAttributes(attribute.Int("analyzers", len(e.analyzers))))
	defer span.End()

	var wg sync.WaitGroup
	for i, a := range e.analyzers {
		wg.Add(1)
		go func(i int, a Analyzer) {
			defer wg.Done()
			results[i] = e.run(ctx, a, indicator)
		}(i, a)
	}
	wg.Wait()

	return results
}

// run executes one analyzer inside its own bulkhead: a deadline, panic
// recovery and a guaranteed Source.
func (e *Enricher) run(ctx context.Context, a Analyzer, indicator string) Result {
	name := a.Name()

	ctx, span := e.tracer.Start(ctx, "enrichment.Analyze",
		trace.WithAttributes(attribute.String("analyzer", name)))
	defer span.End()

	if e.config.AnalyzerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.AnalyzerTimeout)
		defer cancel()
	}

	start := time.Now()
	status := statusOK

	// Buffered so a late analyzer can still finish after we stop waiting.
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failure(name, fmt.Errorf("%s panicked: %v", name, r))
			}
		}()
		done <- a.Analyze(ctx, indicator)
	}()

	var res Result
	select {
	case res = <-done:
		if res.Failed() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res = Failure(name, errors.New(TimeoutMessage))
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res = Failure(name, errors.New(TimeoutMessage))
		} else {
			res = Failure(name, ctx.Err())
		}
	}

	if res.Source == "" {
		res.Source = name
	}
	if res.Full == nil {
		res.Full = map[string]any{}
	}

	duration := time.Since(start)
	if res.Failed() {
		switch msg := res.ErrorText(); {
		case msg == TimeoutMessage:
			status = statusTimeout
		case errors.Is(ctx.Err(), context.Canceled):
			status = statusCanceled
		default:
			status = statusError
		}
		span.SetStatus(codes.Error, res.ErrorText())
		e.logger.Warn("Analyzer failed",
			zap.String("analyzer", name),
			observability.IOC(indicator),
			zap.String("status", status),
			zap.String("error", res.ErrorText()),
			zap.Duration("duration", duration),
		)
	} else {
		e.logger.Debug("Analyzer completed",
			zap.String("analyzer", name),
			observability.IOC(indicator),
			zap.Duration("duration", duration),
		)
	}
	e.metrics.ObserveAnalyzer(name, status, duration)

	return res
}
