package model

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Family
// ---------------------------------------------------------------------------

func TestParseFamily(t *testing.T) {
	tests := []struct {
		in      string
		want    Family
		wantErr bool
	}{
		{"orders", FamilyOrders, false},
		{"confirmations", FamilyConfirmations, false},
		{"results", FamilyResults, false},
		{"order/received", "", true},
		{"", "", true},
		{"Orders", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFamily(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFamily(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFamily(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFamily_PartnerPath(t *testing.T) {
	tests := []struct {
		f    Family
		want string
	}{
		{FamilyOrders, "orders"},
		{FamilyConfirmations, "order/received"},
		{FamilyResults, "results"},
	}
	for _, tt := range tests {
		if got := tt.f.PartnerPath(); got != tt.want {
			t.Errorf("%s.PartnerPath() = %q, want %q", tt.f, got, tt.want)
		}
		if got := tt.f.Table(); got != string(tt.f) {
			t.Errorf("%s.Table() = %q, want %q", tt.f, got, tt.f)
		}
	}
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusRetrieved, StatusAcknowledged, StatusError} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if Status("done").Valid() {
		t.Error(`"done" should not be valid`)
	}
}

// ---------------------------------------------------------------------------
// Record links
// ---------------------------------------------------------------------------

func TestRecord_InheritLinks(t *testing.T) {
	src := &Record{OrganizationID: StringPtr("org-1"), FacilityID: StringPtr("fac-1")}

	r := &Record{}
	r.InheritLinks(src)
	if !r.HasLinks() {
		t.Fatal("expected links after inherit")
	}
	if *r.OrganizationID != "org-1" || *r.FacilityID != "fac-1" {
		t.Errorf("links = %q/%q, want org-1/fac-1", *r.OrganizationID, *r.FacilityID)
	}

	// Inherited values are copies.
	*src.FacilityID = "changed"
	if *r.FacilityID != "fac-1" {
		t.Errorf("FacilityID aliased source: %q", *r.FacilityID)
	}
}

func TestRecord_InheritLinks_KeepsExisting(t *testing.T) {
	r := &Record{FacilityID: StringPtr("mine")}
	r.InheritLinks(&Record{OrganizationID: StringPtr("org-2"), FacilityID: StringPtr("theirs")})
	if *r.FacilityID != "mine" {
		t.Errorf("FacilityID = %q, want mine", *r.FacilityID)
	}
	if r.OrganizationID == nil || *r.OrganizationID != "org-2" {
		t.Errorf("OrganizationID = %v, want org-2", r.OrganizationID)
	}

	r.InheritLinks(nil) // no-op
}

func TestStringPtr(t *testing.T) {
	if StringPtr("") != nil {
		t.Error("StringPtr(\"\") should be nil")
	}
	if p := StringPtr("x"); p == nil || *p != "x" {
		t.Errorf("StringPtr(\"x\") = %v", p)
	}
}

// ---------------------------------------------------------------------------
// Summary
// ---------------------------------------------------------------------------

func TestSummary_Add(t *testing.T) {
	s := NewSummary("run-1", FamilyResults, time.Now())
	s.Add(Outcome{GUID: "a", Result: ResultAcknowledged})
	s.Add(Outcome{GUID: "b", Result: ResultError, Error: "boom"})
	s.Add(Outcome{GUID: "c", Result: ResultReacknowledged})
	s.Add(Outcome{GUID: "d", Result: ResultAckFailed, Error: "ack"})

	if s.Processed != 4 {
		t.Errorf("Processed = %d, want 4", s.Processed)
	}
	if s.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", s.Succeeded)
	}
	if s.Failed != 2 {
		t.Errorf("Failed = %d, want 2", s.Failed)
	}
	errs := s.Errors()
	if len(errs) != 2 || errs[0].GUID != "b" || errs[1].GUID != "d" {
		t.Errorf("Errors() = %+v", errs)
	}
}

func TestNewSummary_ItemsNonNil(t *testing.T) {
	s := NewSummary("run", FamilyOrders, time.Time{})
	if s.Items == nil {
		t.Error("Items should be an empty slice so it encodes as []")
	}
}
