package sync

import (
	"context"
	"fmt"

	"github.com/njoerd114/stratussync/internal/model"
	"github.com/njoerd114/stratussync/internal/stratus"
)

// Strategy holds everything that differs between resource families. The
// partner path and credentials live on the PartnerQueue bound to the family.
type Strategy interface {
	Family() model.Family

	// Drain reports whether the orchestrator should keep listing after a
	// batch until the queue is exhausted.
	Drain() bool

	// Parse builds the record for a fetched detail. Parsing never fails on
	// unexpected content; unknown fields are simply left empty.
	Parse(d *stratus.Detail, guid string) (*model.Record, error)

	// Resolve fills in organization and facility IDs the record is still
	// missing. Failures are logged by the caller and never fail the item.
	Resolve(ctx context.Context, rec *model.Record) error
}

// NewStrategy returns the strategy for family f.
func NewStrategy(f model.Family, store RecordStore, facilities *FacilityResolver) (Strategy, error) {
	switch f {
	case model.FamilyOrders:
		return &orderStrategy{facilities: facilities}, nil
	case model.FamilyConfirmations:
		return &confirmationStrategy{accessionLinker{store: store}}, nil
	case model.FamilyResults:
		return &resultStrategy{accessionLinker{store: store}}, nil
	}
	return nil, fmt.Errorf("no strategy for family %q", f)
}

// --- orders ------------------------------------------------------------------

type orderStrategy struct {
	facilities *FacilityResolver
}

func (s *orderStrategy) Family() model.Family { return model.FamilyOrders }
func (s *orderStrategy) Drain() bool          { return true }

func (s *orderStrategy) Parse(d *stratus.Detail, guid string) (*model.Record, error) {
	payload := stratus.DetailPayload(d)
	rec := &model.Record{Family: model.FamilyOrders, ExternalID: guid, Payload: payload}
	if d.JSON {
		rec.AccessionNumber = stratus.ParseOrder(payload).AccessionNumber
	}
	return rec, nil
}

// Resolve matches the order's facility name, falling back to its
// organization name, against the facility mapping table.
func (s *orderStrategy) Resolve(ctx context.Context, rec *model.Record) error {
	if s.facilities == nil {
		return nil
	}
	info := stratus.ParseOrder(rec.Payload)
	for _, name := range []string{info.FacilityName, info.OrganizationName} {
		if name == "" {
			continue
		}
		m, ok, err := s.facilities.Resolve(ctx, name)
		if err != nil {
			return fmt.Errorf("resolving facility %q: %w", name, err)
		}
		if !ok {
			continue
		}
		rec.InheritLinks(&model.Record{
			OrganizationID: model.StringPtr(m.OrganizationID),
			FacilityID:     model.StringPtr(m.FacilityID),
		})
		return nil
	}
	return nil
}

// --- confirmations -----------------------------------------------------------

type confirmationStrategy struct {
	accessionLinker
}

func (s *confirmationStrategy) Family() model.Family { return model.FamilyConfirmations }
func (s *confirmationStrategy) Drain() bool          { return false }

func (s *confirmationStrategy) Parse(d *stratus.Detail, guid string) (*model.Record, error) {
	c := stratus.ParseConfirmation(string(d.Body))
	return &model.Record{
		Family:          model.FamilyConfirmations,
		ExternalID:      guid,
		AccessionNumber: c.AccessionNumber,
		ReceivedTime:    c.ReceivedTime,
		HL7Message:      c.HL7Message,
		Payload:         stratus.DetailPayload(d),
	}, nil
}

// --- results -----------------------------------------------------------------

type resultStrategy struct {
	accessionLinker
}

func (s *resultStrategy) Family() model.Family { return model.FamilyResults }
func (s *resultStrategy) Drain() bool          { return false }

// Parse takes the accession from the GUID prefix, or from the payload when
// the GUID carries none.
func (s *resultStrategy) Parse(d *stratus.Detail, guid string) (*model.Record, error) {
	payload := stratus.ResultPayload(d)
	accession := stratus.AccessionFromGUID(guid)
	if accession == "" {
		accession = stratus.ParseOrder(payload).AccessionNumber
	}
	return &model.Record{
		Family:          model.FamilyResults,
		ExternalID:      guid,
		AccessionNumber: accession,
		Payload:         payload,
	}, nil
}

// --- shared ------------------------------------------------------------------

// accessionLinker inherits organization and facility from the most recent
// order with the same accession number.
type accessionLinker struct {
	store RecordStore
}

func (l accessionLinker) Resolve(ctx context.Context, rec *model.Record) error {
	if rec.AccessionNumber == "" {
		return nil
	}
	order, err := l.store.FindOrderByAccession(ctx, rec.AccessionNumber)
	if err != nil {
		return fmt.Errorf("looking up order for accession %s: %w", rec.AccessionNumber, err)
	}
	rec.InheritLinks(order)
	return nil
}
