package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/njoerd114/stratussync/internal/model"
	"github.com/njoerd114/stratussync/internal/stratus"
)

// --- Mock Partner Queue ------------------------------------------------------

// mockQueue behaves like a partner queue: List returns the head of the
// pending items, Ack removes an item. Errors can be injected per GUID.
type mockQueue struct {
	mu       sync.Mutex
	family   model.Family
	pending  []string
	details  map[string]*stratus.Detail
	pageSize int

	// sticky keeps acknowledged items in the queue, as when the partner's
	// own acknowledgement did not take effect.
	sticky bool

	listErr      error
	listErrAfter int // successful List calls before listErr applies
	detailErr    map[string]error
	ackErr       map[string]error

	listCalls   int
	detailCalls []string
	ackCalls    []string
}

func newMockQueue(family model.Family, guids ...string) *mockQueue {
	return &mockQueue{
		family:    family,
		pending:   append([]string(nil), guids...),
		details:   make(map[string]*stratus.Detail),
		pageSize:  100,
		detailErr: make(map[string]error),
		ackErr:    make(map[string]error),
	}
}

func (q *mockQueue) Family() model.Family { return q.family }

func (q *mockQueue) List(_ context.Context) (*stratus.ListResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.listCalls++
	if q.listErr != nil && q.listCalls > q.listErrAfter {
		return nil, q.listErr
	}
	n := min(q.pageSize, len(q.pending))
	head := append([]string{}, q.pending[:n]...)
	return &stratus.ListResponse{
		Status:      "ok",
		TotalCount:  len(q.pending),
		ResultCount: len(head),
		Results:     head,
	}, nil
}

func (q *mockQueue) Detail(_ context.Context, guid string) (*stratus.Detail, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.detailCalls = append(q.detailCalls, guid)
	if err := q.detailErr[guid]; err != nil {
		return nil, err
	}
	if d, ok := q.details[guid]; ok {
		cp := *d
		cp.GUID = guid
		return &cp, nil
	}
	return &stratus.Detail{GUID: guid, ContentType: "application/json", Body: []byte(`{}`), JSON: true}, nil
}

func (q *mockQueue) Ack(_ context.Context, guid string) (*stratus.AckResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ackCalls = append(q.ackCalls, guid)
	if err := q.ackErr[guid]; err != nil {
		return nil, err
	}
	if !q.sticky {
		for i, g := range q.pending {
			if g == guid {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
	}
	return &stratus.AckResponse{Status: "ok"}, nil
}

func (q *mockQueue) setJSON(guid, body string) {
	q.details[guid] = &stratus.Detail{ContentType: "application/json", Body: []byte(body), JSON: true}
}

func (q *mockQueue) setText(guid, body string) {
	q.details[guid] = &stratus.Detail{ContentType: "text/plain", Body: []byte(body)}
}

func (q *mockQueue) remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *mockQueue) calls() (list int, detail, ack []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listCalls, append([]string(nil), q.detailCalls...), append([]string(nil), q.ackCalls...)
}

// --- Mock Record Store -------------------------------------------------------

type mockStore struct {
	mu       sync.Mutex
	records  map[model.Family]map[string]*model.Record
	seq      int64
	mappings []model.FacilityMapping

	getErr      error
	upsertErr   map[string]error
	markAckErr  map[string]error
	mappingsErr error

	mappingCalls int
}

func newMockStore() *mockStore {
	return &mockStore{
		records:    make(map[model.Family]map[string]*model.Record),
		upsertErr:  make(map[string]error),
		markAckErr: make(map[string]error),
	}
}

func (s *mockStore) GetRecord(_ context.Context, family model.Family, externalID string) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, ok := s.records[family][externalID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *mockStore) UpsertRecord(_ context.Context, rec *model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.upsertErr[rec.ExternalID]; err != nil {
		return err
	}
	if s.records[rec.Family] == nil {
		s.records[rec.Family] = make(map[string]*model.Record)
	}
	cp := *rec
	if existing, ok := s.records[rec.Family][rec.ExternalID]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
		if existing.Status == model.StatusAcknowledged {
			cp.Status = existing.Status
			cp.AcknowledgedAt = existing.AcknowledgedAt
		}
	} else {
		s.seq++
		cp.ID = s.seq
		cp.CreatedAt = time.Unix(s.seq, 0)
	}
	s.records[rec.Family][rec.ExternalID] = &cp
	rec.ID = cp.ID
	return nil
}

func (s *mockStore) MarkAcknowledged(_ context.Context, family model.Family, externalID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.markAckErr[externalID]; err != nil {
		return err
	}
	rec, ok := s.records[family][externalID]
	if !ok {
		return fmt.Errorf("acknowledging %q: %w", externalID, errors.New("record not found"))
	}
	rec.Status = model.StatusAcknowledged
	rec.SyncError = ""
	rec.AcknowledgedAt = &at
	return nil
}

func (s *mockStore) MarkError(_ context.Context, family model.Family, externalID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[family][externalID]; ok {
		rec.Status = model.StatusError
		rec.SyncError = msg
	}
	return nil
}

func (s *mockStore) FindOrderByAccession(_ context.Context, accession string) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *model.Record
	for _, rec := range s.records[model.FamilyOrders] {
		if rec.AccessionNumber != accession || accession == "" {
			continue
		}
		if latest == nil || rec.ID > latest.ID {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *mockStore) ListFacilityMappings(_ context.Context) ([]model.FacilityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mappingCalls++
	if s.mappingsErr != nil {
		return nil, s.mappingsErr
	}
	return append([]model.FacilityMapping(nil), s.mappings...), nil
}

// put stores rec directly, bypassing the orchestrator.
func (s *mockStore) put(rec *model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records[rec.Family] == nil {
		s.records[rec.Family] = make(map[string]*model.Record)
	}
	s.seq++
	cp := *rec
	cp.ID = s.seq
	s.records[rec.Family][rec.ExternalID] = &cp
}

func (s *mockStore) get(family model.Family, guid string) *model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[family][guid]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (s *mockStore) count(family model.Family) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[family])
}
