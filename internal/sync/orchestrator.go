package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/stratussync/internal/model"
)

// DefaultMaxOrderBatches caps a multi-batch drain.
const DefaultMaxOrderBatches = 20

// Orchestrator drains one family's partner queue into the store. It is
// stateless between calls; all persistent state lives in the [RecordStore].
type Orchestrator struct {
	queue      PartnerQueue
	strategy   Strategy
	store      RecordStore
	maxBatches int
	now        func() time.Time
	newRunID   func() string
	log        *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMaxBatches caps how many list calls a draining strategy may make in
// one pass. Values below 1 mean DefaultMaxOrderBatches.
func WithMaxBatches(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxBatches = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an Orchestrator for the strategy's family. queue
// must be bound to the same family.
func NewOrchestrator(queue PartnerQueue, strategy Strategy, store RecordStore, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		queue:      queue,
		strategy:   strategy,
		store:      store,
		maxBatches: DefaultMaxOrderBatches,
		now:        time.Now,
		newRunID:   uuid.NewString,
		log:        logger.With("family", string(strategy.Family())),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Family returns the family this orchestrator drains.
func (o *Orchestrator) Family() model.Family { return o.strategy.Family() }

// Run performs one pass. Per-item failures are recorded in the summary and
// never stop the pass. The returned error is non-nil only when the first
// list call failed, or when ctx ended the pass between items; the summary
// is returned in both cases.
func (o *Orchestrator) Run(ctx context.Context) (*model.Summary, error) {
	family := o.strategy.Family()
	sum := model.NewSummary(o.newRunID(), family, o.now().UTC())
	actor := ActorFrom(ctx)
	log := o.log.With("run_id", sum.RunID)

	defer func() { sum.FinishedAt = o.now().UTC() }()

	for batch := 1; ; batch++ {
		list, err := o.queue.List(ctx)
		if err != nil {
			if batch == 1 {
				return sum, fmt.Errorf("listing %s queue: %w", family, err)
			}
			sum.DrainError = err.Error()
			log.Warn("list failed mid-drain, stopping", "batch", batch, "error", err)
			return sum, nil
		}
		if batch == 1 {
			sum.TotalCount = list.TotalCount
		}
		if len(list.Results) == 0 {
			log.Debug("queue empty", "batch", batch)
			return sum, nil
		}
		sum.Batches++

		log.Info("processing batch",
			"batch", batch,
			"items", len(list.Results),
			"total_count", list.TotalCount,
		)

		progressed := 0
		for _, guid := range list.Results {
			if err := ctx.Err(); err != nil {
				return sum, fmt.Errorf("%s pass interrupted: %w", family, err)
			}
			out := o.processItem(ctx, guid, actor)
			sum.Add(out)
			if out.Result.Succeeded() {
				progressed++
			}
		}

		if !o.strategy.Drain() {
			return sum, nil
		}
		switch {
		case sum.Batches >= o.maxBatches:
			log.Warn("batch cap reached, remaining items wait for the next pass", "batches", sum.Batches)
			return sum, nil
		case list.TotalCount <= list.ResultCount:
			return sum, nil
		case progressed == 0:
			log.Warn("batch made no progress, stopping drain", "batch", batch)
			return sum, nil
		}
	}
}

// processItem runs one GUID through lookup, detail, parse, resolve, upsert,
// ack and mark-acknowledged.
func (o *Orchestrator) processItem(ctx context.Context, guid, actor string) model.Outcome {
	family := o.strategy.Family()
	log := o.log.With("guid", guid)

	existing, err := o.store.GetRecord(ctx, family, guid)
	if err != nil {
		log.Error("record lookup failed", "error", err)
		return model.Outcome{GUID: guid, Result: model.ResultError, Error: fmt.Sprintf("looking up record: %v", err)}
	}

	// Already persisted: only the partner's dequeue is outstanding.
	if existing != nil && existing.Status == model.StatusAcknowledged {
		if _, err := o.queue.Ack(ctx, guid); err != nil {
			log.Warn("re-acknowledge failed", "error", err)
			return model.Outcome{
				GUID:            guid,
				Result:          model.ResultError,
				AccessionNumber: existing.AccessionNumber,
				Error:           fmt.Sprintf("re-acknowledging: %v", err),
			}
		}
		log.Info("re-acknowledged already synced item")
		return model.Outcome{GUID: guid, Result: model.ResultReacknowledged, AccessionNumber: existing.AccessionNumber}
	}

	detail, err := o.queue.Detail(ctx, guid)
	if err != nil {
		return o.fail(ctx, log, guid, "", fmt.Errorf("fetching detail: %w", err))
	}
	rec, err := o.strategy.Parse(detail, guid)
	if err != nil {
		return o.fail(ctx, log, guid, "", fmt.Errorf("parsing detail: %w", err))
	}
	rec.Family = family
	rec.ExternalID = guid

	rec.InheritLinks(existing)
	if !rec.HasLinks() {
		if err := o.strategy.Resolve(ctx, rec); err != nil {
			log.Warn("link resolution failed, leaving links empty", "error", err)
		}
	}

	retrievedAt := o.now().UTC()
	rec.Status = model.StatusRetrieved
	rec.SyncError = ""
	rec.SyncedBy = actor
	rec.RetrievedAt = &retrievedAt
	rec.AcknowledgedAt = nil
	if err := o.store.UpsertRecord(ctx, rec); err != nil {
		return o.fail(ctx, log, guid, rec.AccessionNumber, fmt.Errorf("saving record: %w", err))
	}

	if _, err := o.queue.Ack(ctx, guid); err != nil {
		log.Warn("acknowledge failed, record left retrieved", "error", err)
		return model.Outcome{
			GUID:            guid,
			Result:          model.ResultAckFailed,
			AccessionNumber: rec.AccessionNumber,
			Error:           err.Error(),
		}
	}

	ackAt := o.now().UTC()
	if ackAt.Before(retrievedAt) {
		ackAt = retrievedAt
	}
	if err := o.store.MarkAcknowledged(ctx, family, guid, ackAt); err != nil {
		return o.fail(ctx, log, guid, rec.AccessionNumber, fmt.Errorf("marking acknowledged: %w", err))
	}

	log.Debug("item synced", "accession", rec.AccessionNumber)
	return model.Outcome{GUID: guid, Result: model.ResultAcknowledged, AccessionNumber: rec.AccessionNumber}
}

// fail records err on the stored record, if there is one, and returns the
// error outcome. A failure to record the error is only logged.
func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, guid, accession string, err error) model.Outcome {
	log.Error("item failed", "error", err)
	if markErr := o.store.MarkError(ctx, o.strategy.Family(), guid, err.Error()); markErr != nil {
		log.Error("recording item error failed", "error", markErr)
	}
	return model.Outcome{GUID: guid, Result: model.ResultError, AccessionNumber: accession, Error: err.Error()}
}
