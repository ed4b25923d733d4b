// Package sync drains the partner's resource queues into the local store.
//
// The package contains three main components:
//
//   - [Orchestrator] runs one list → detail → upsert → ack pass (or, for
//     orders, a bounded multi-batch drain) for a single resource family.
//   - [Strategy] supplies the family-specific parsing and organization /
//     facility resolution.
//   - [Engine] runs orchestrators on demand, all three at once, or on a
//     polling schedule, and records traces and metrics for every pass.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/stratussync/internal/model"
	"github.com/njoerd114/stratussync/internal/stratus"
)

// PartnerQueue is one family's partner queue.
// Implemented by [stratus.Queue].
type PartnerQueue interface {
	Family() model.Family
	List(ctx context.Context) (*stratus.ListResponse, error)
	Detail(ctx context.Context, guid string) (*stratus.Detail, error)
	Ack(ctx context.Context, guid string) (*stratus.AckResponse, error)
}

// RecordStore provides access to the synced records.
// Implemented by [state.Store].
type RecordStore interface {
	GetRecord(ctx context.Context, family model.Family, externalID string) (*model.Record, error)
	UpsertRecord(ctx context.Context, rec *model.Record) error
	MarkAcknowledged(ctx context.Context, family model.Family, externalID string, at time.Time) error
	MarkError(ctx context.Context, family model.Family, externalID, msg string) error
	FindOrderByAccession(ctx context.Context, accession string) (*model.Record, error)
}

// MappingSource lists the configured facility mappings.
// Implemented by [state.Store].
type MappingSource interface {
	ListFacilityMappings(ctx context.Context) ([]model.FacilityMapping, error)
}
