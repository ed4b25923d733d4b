package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/stratussync/internal/metrics"
	"github.com/njoerd114/stratussync/internal/model"
)

const (
	otelScope           = "stratussync/sync"
	spanDrain           = "sync.drain"
	metricSucceeded     = "stratussync.sync.items.succeeded"
	metricFailed        = "stratussync.sync.items.failed"
	metricBatchFailures = "stratussync.sync.batch_failures"
)

// ErrUnknownFamily is returned by RunFamily for a family with no orchestrator.
var ErrUnknownFamily = errors.New("unknown family")

// FamilyResult is one family's entry in a RunAll result.
type FamilyResult struct {
	Success bool           `json:"success"`
	Summary *model.Summary `json:"summary,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Engine runs orchestrators on demand and on a polling schedule. Passes for
// the same family never overlap; a second caller waits for the first.
// Create one with [NewEngine].
type Engine struct {
	orchestrators map[model.Family]*Orchestrator
	locks         map[model.Family]*sync.Mutex
	pollInterval  time.Duration
	log           *slog.Logger

	// OTel instruments: always non-nil, no-op when telemetry is disabled.
	tracer           trace.Tracer
	cntSucceeded     metric.Int64Counter
	cntFailed        metric.Int64Counter
	cntBatchFailures metric.Int64Counter
}

// NewEngine creates an Engine over the given orchestrators. A pollInterval
// of zero disables the polling loop in Run.
func NewEngine(orchestrators []*Orchestrator, pollInterval time.Duration, logger *slog.Logger) *Engine {
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	e := &Engine{
		orchestrators: make(map[model.Family]*Orchestrator, len(orchestrators)),
		locks:         make(map[model.Family]*sync.Mutex, len(orchestrators)),
		pollInterval:  pollInterval,
		log:           logger,

		tracer:           otel.Tracer(otelScope),
		cntSucceeded:     mustCounter(metricSucceeded, "Number of queue items acknowledged"),
		cntFailed:        mustCounter(metricFailed, "Number of queue items that failed"),
		cntBatchFailures: mustCounter(metricBatchFailures, "Number of passes that failed before processing any item"),
	}
	for _, o := range orchestrators {
		e.orchestrators[o.Family()] = o
		e.locks[o.Family()] = &sync.Mutex{}
	}
	return e
}

// Families returns the families the engine can run, in reporting order.
func (e *Engine) Families() []model.Family {
	out := make([]model.Family, 0, len(e.orchestrators))
	for _, f := range model.Families {
		if _, ok := e.orchestrators[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// RunFamily performs one pass for family f, recording a trace span and
// metrics.
func (e *Engine) RunFamily(ctx context.Context, f model.Family) (*model.Summary, error) {
	o, ok := e.orchestrators[f]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, f)
	}

	mu := e.locks[f]
	mu.Lock()
	defer mu.Unlock()

	ctx, span := e.tracer.Start(ctx, spanDrain, trace.WithAttributes(
		attribute.String("sync.family", string(f)),
		attribute.String("sync.actor", ActorFrom(ctx)),
	))
	defer span.End()

	start := time.Now()
	sum, err := o.Run(ctx)
	batchFailed := err != nil && (sum == nil || sum.Processed == 0)
	metrics.RecordSyncRun(string(f), time.Since(start), batchFailed)

	attrs := metric.WithAttributes(attribute.String("family", string(f)))
	if sum != nil {
		for _, item := range sum.Items {
			metrics.RecordSyncItem(string(f), string(item.Result))
		}
		// Counters are safe to use even when telemetry is disabled.
		if sum.Succeeded > 0 {
			e.cntSucceeded.Add(ctx, int64(sum.Succeeded), attrs)
		}
		if sum.Failed > 0 {
			e.cntFailed.Add(ctx, int64(sum.Failed), attrs)
		}
		span.SetAttributes(
			attribute.String("sync.run_id", sum.RunID),
			attribute.Int("sync.total_count", sum.TotalCount),
			attribute.Int("sync.batches", sum.Batches),
			attribute.Int("sync.processed", sum.Processed),
			attribute.Int("sync.succeeded", sum.Succeeded),
			attribute.Int("sync.failed", sum.Failed),
		)
	}
	if err != nil {
		if batchFailed {
			e.cntBatchFailures.Add(ctx, 1, attrs)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.Error("sync pass failed", "family", string(f), "error", err)
		return sum, err
	}

	e.log.Info("sync pass complete",
		"family", string(f),
		"run_id", sum.RunID,
		"batches", sum.Batches,
		"processed", sum.Processed,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
	)
	return sum, nil
}

// RunAll runs every family concurrently. A family's failure is captured in
// its FamilyResult and never affects the others.
func (e *Engine) RunAll(ctx context.Context) map[model.Family]FamilyResult {
	var (
		mu      sync.Mutex
		results = make(map[model.Family]FamilyResult, len(e.orchestrators))
		g       errgroup.Group
	)
	for _, f := range e.Families() {
		g.Go(func() error {
			sum, err := e.RunFamily(ctx, f)
			res := FamilyResult{Success: err == nil, Summary: sum}
			if err != nil {
				res.Error = err.Error()
			}
			mu.Lock()
			results[f] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines never return errors
	return results
}

// Run starts the polling loop: an immediate pass over every family, then one
// every poll interval. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.pollInterval <= 0 {
		e.log.Info("polling disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	ctx = WithActor(ctx, ActorScheduler)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	// Run an immediate first pass.
	e.RunAll(ctx)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			e.RunAll(ctx)
		}
	}
}
