// Package model defines the shared types passed between the partner client,
// the sync orchestrator, the state store, and the HTTP API.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Family identifies one of the partner's queue-backed resource families.
type Family string

const (
	// FamilyOrders is the lab order queue.
	FamilyOrders Family = "orders"
	// FamilyConfirmations is the order-received (confirmation) queue.
	FamilyConfirmations Family = "confirmations"
	// FamilyResults is the lab result queue.
	FamilyResults Family = "results"
)

// Families lists every family in the order they are reported.
var Families = []Family{FamilyOrders, FamilyConfirmations, FamilyResults}

// ParseFamily validates a family name taken from a URL path or CLI flag.
func ParseFamily(s string) (Family, error) {
	switch f := Family(s); f {
	case FamilyOrders, FamilyConfirmations, FamilyResults:
		return f, nil
	}
	return "", fmt.Errorf("unknown family %q (want orders, confirmations or results)", s)
}

// PartnerPath returns the partner API path segment for the family.
func (f Family) PartnerPath() string {
	switch f {
	case FamilyConfirmations:
		return "order/received"
	default:
		return string(f)
	}
}

// Table returns the local table the family's records live in.
func (f Family) Table() string { return string(f) }

// Status is the local lifecycle marker of a synced record.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRetrieved    Status = "retrieved"
	StatusAcknowledged Status = "acknowledged"
	StatusError        Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRetrieved, StatusAcknowledged, StatusError:
		return true
	}
	return false
}

// Record is the local projection of one partner queue item.
type Record struct {
	ID         int64  `json:"id"`
	Family     Family `json:"family"`
	ExternalID string `json:"external_id"`

	// AccessionNumber cross-links orders, confirmations and results that
	// belong to the same specimen. Empty when it could not be derived.
	AccessionNumber string `json:"accession_number,omitempty"`

	OrganizationID *string `json:"organization_id"`
	FacilityID     *string `json:"facility_id"`

	// Payload is always valid JSON. Raw-text detail bodies are stored as a
	// JSON string.
	Payload json.RawMessage `json:"payload"`

	// Confirmation-only fields.
	ReceivedTime string `json:"received_time,omitempty"`
	HL7Message   string `json:"hl7_message,omitempty"`

	Status    Status `json:"sync_status"`
	SyncError string `json:"sync_error,omitempty"`

	// SyncedBy is the subject of the credential that triggered the run
	// which last wrote the record.
	SyncedBy string `json:"synced_by,omitempty"`

	RetrievedAt    *time.Time `json:"retrieved_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HasLinks reports whether both organization and facility are known.
func (r *Record) HasLinks() bool {
	return r.OrganizationID != nil && r.FacilityID != nil
}

// InheritLinks copies whichever of organization/facility r is missing from
// src. It never overwrites a value r already has.
func (r *Record) InheritLinks(src *Record) {
	if src == nil {
		return
	}
	if r.OrganizationID == nil && src.OrganizationID != nil {
		v := *src.OrganizationID
		r.OrganizationID = &v
	}
	if r.FacilityID == nil && src.FacilityID != nil {
		v := *src.FacilityID
		r.FacilityID = &v
	}
}

// FacilityMapping links a facility/organization name as it appears in order
// payloads to local organization and facility IDs.
type FacilityMapping struct {
	Name           string `json:"name" yaml:"name"`
	OrganizationID string `json:"organization_id" yaml:"organization_id"`
	FacilityID     string `json:"facility_id" yaml:"facility_id"`
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
