package sync

import (
	"context"
	"testing"

	"github.com/njoerd114/stratussync/internal/model"
	"github.com/njoerd114/stratussync/internal/stratus"
)

func TestNewStrategy(t *testing.T) {
	store := newMockStore()
	for _, f := range model.Families {
		s, err := NewStrategy(f, store, nil)
		if err != nil {
			t.Fatalf("NewStrategy(%s): %v", f, err)
		}
		if s.Family() != f {
			t.Errorf("strategy family = %s, want %s", s.Family(), f)
		}
		if s.Drain() != (f == model.FamilyOrders) {
			t.Errorf("%s Drain() = %v", f, s.Drain())
		}
	}
	if _, err := NewStrategy("invoices", store, nil); err == nil {
		t.Error("expected error for unknown family")
	}
}

func TestOrderStrategy_TextDetail(t *testing.T) {
	s, _ := NewStrategy(model.FamilyOrders, newMockStore(), nil)
	rec, err := s.Parse(&stratus.Detail{Body: []byte("not json")}, "o1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if string(rec.Payload) != `"not json"` {
		t.Errorf("Payload = %s, want JSON string", rec.Payload)
	}
	if rec.AccessionNumber != "" {
		t.Errorf("AccessionNumber = %q, want empty", rec.AccessionNumber)
	}
	// No resolver configured: Resolve is a no-op.
	if err := s.Resolve(context.Background(), rec); err != nil {
		t.Errorf("Resolve: %v", err)
	}
}

func TestOrderStrategy_ResolveFallsBackToOrganization(t *testing.T) {
	store := newMockStore()
	store.mappings = []model.FacilityMapping{{Name: "Acme Health", OrganizationID: "org-a"}}
	s, _ := NewStrategy(model.FamilyOrders, store, NewFacilityResolver(store, 8, 0, testLogger))

	rec, _ := s.Parse(&stratus.Detail{
		Body: []byte(`{"facility_name":"Unmapped Site","organization_name":"ACME health"}`),
		JSON: true,
	}, "o1")
	if err := s.Resolve(context.Background(), rec); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.OrganizationID == nil || *rec.OrganizationID != "org-a" {
		t.Errorf("OrganizationID = %v, want org-a", rec.OrganizationID)
	}
	if rec.FacilityID != nil {
		t.Errorf("FacilityID = %v, want nil (mapping has none)", *rec.FacilityID)
	}
}

func TestResultStrategy_AccessionFallsBackToPayload(t *testing.T) {
	s, _ := NewStrategy(model.FamilyResults, newMockStore(), nil)

	rec, _ := s.Parse(&stratus.Detail{Body: []byte(`{"accessionNumber":"777"}`), JSON: true}, "abc-def")
	if rec.AccessionNumber != "777" {
		t.Errorf("AccessionNumber = %q, want 777 from payload", rec.AccessionNumber)
	}

	rec, _ = s.Parse(&stratus.Detail{Body: []byte(`{"accessionNumber":"777"}`), JSON: true}, "123-def")
	if rec.AccessionNumber != "123" {
		t.Errorf("AccessionNumber = %q, want GUID prefix 123", rec.AccessionNumber)
	}
}

func TestAccessionLinker_NoAccession(t *testing.T) {
	store := newMockStore()
	store.put(&model.Record{Family: model.FamilyOrders, ExternalID: "o", OrganizationID: model.StringPtr("x")})
	s, _ := NewStrategy(model.FamilyConfirmations, store, nil)

	rec := &model.Record{Family: model.FamilyConfirmations, ExternalID: "c"}
	if err := s.Resolve(context.Background(), rec); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.OrganizationID != nil {
		t.Errorf("record without accession was linked: %v", *rec.OrganizationID)
	}
}

func TestActorFrom(t *testing.T) {
	if got := ActorFrom(context.Background()); got != ActorScheduler {
		t.Errorf("default actor = %q, want %q", got, ActorScheduler)
	}
	if got := ActorFrom(WithActor(context.Background(), "bob")); got != "bob" {
		t.Errorf("actor = %q, want bob", got)
	}
	if got := ActorFrom(WithActor(context.Background(), "")); got != ActorScheduler {
		t.Errorf("empty actor = %q, want default", got)
	}
}
