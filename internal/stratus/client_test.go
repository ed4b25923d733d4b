package stratus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/njoerd114/stratussync/internal/model"
)

// fakePartner is a minimal in-memory StratusDX queue server keyed by path
// prefix ("orders", "order/received", "results").
type fakePartner struct {
	mu       sync.Mutex
	requests []string // "METHOD path user"
	handler  func(w http.ResponseWriter, r *http.Request) bool
}

func (p *fakePartner) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, _, _ := r.BasicAuth()
	p.mu.Lock()
	p.requests = append(p.requests, r.Method+" "+r.URL.Path+" "+user)
	p.mu.Unlock()

	if p.handler != nil && p.handler(w, r) {
		return
	}
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/ack"):
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok","id":42}`)
	case strings.Count(strings.TrimPrefix(r.URL.Path, "/interface/"), "/") == 0 ||
		r.URL.Path == "/interface/order/received":
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok","total_count":7,"result_count":2,"results":["g1","g2"]}`)
	default:
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"accession_number":"A1"}`)
	}
}

func (p *fakePartner) log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requests...)
}

func testCredentials() map[model.Family]Credentials {
	return map[model.Family]Credentials{
		model.FamilyOrders:        {Username: "orders-user", Password: "p1"},
		model.FamilyConfirmations: {Username: "received-user", Password: "p2"},
		model.FamilyResults:       {Username: "results-user", Password: "p3"},
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, mutate func(*Options)) *Client {
	t.Helper()
	var delays []time.Duration
	opts := Options{
		BaseURL:     srv.URL + "/interface/",
		Credentials: testCredentials(),
		Transport:   newTestTransport(&delays, WithAttemptTimeout(time.Second)),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewClient(opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"empty base URL", Options{Credentials: testCredentials()}},
		{"non-http scheme", Options{BaseURL: "ftp://example.com", Credentials: testCredentials()}},
		{"missing family credentials", Options{
			BaseURL: "https://example.com",
			Credentials: map[model.Family]Credentials{
				model.FamilyOrders: {Username: "u", Password: "p"},
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClient(tt.opts); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Queue operations
// ---------------------------------------------------------------------------

func TestQueue_PathsAndCredentialsPerFamily(t *testing.T) {
	p := &fakePartner{}
	srv := httptest.NewServer(p)
	defer srv.Close()
	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	for _, f := range model.Families {
		q := c.Queue(f)
		if q.Family() != f {
			t.Errorf("Queue(%s).Family() = %s", f, q.Family())
		}
		if _, err := q.List(ctx); err != nil {
			t.Fatalf("List %s: %v", f, err)
		}
		if _, err := q.Detail(ctx, "g1"); err != nil {
			t.Fatalf("Detail %s: %v", f, err)
		}
		if _, err := q.Ack(ctx, "g1"); err != nil {
			t.Fatalf("Ack %s: %v", f, err)
		}
	}

	want := []string{
		"GET /interface/orders orders-user",
		"GET /interface/orders/g1 orders-user",
		"POST /interface/orders/g1/ack orders-user",
		"GET /interface/order/received received-user",
		"GET /interface/order/received/g1 received-user",
		"POST /interface/order/received/g1/ack received-user",
		"GET /interface/results results-user",
		"GET /interface/results/g1 results-user",
		"POST /interface/results/g1/ack results-user",
	}
	got := p.log()
	if len(got) != len(want) {
		t.Fatalf("requests = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestQueue_List(t *testing.T) {
	srv := httptest.NewServer(&fakePartner{})
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	lr, err := c.Queue(model.FamilyOrders).List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if lr.TotalCount != 7 || lr.ResultCount != 2 {
		t.Errorf("counts = (%d, %d), want (7, 2)", lr.TotalCount, lr.ResultCount)
	}
	if len(lr.Results) != 2 || lr.Results[0] != "g1" || lr.Results[1] != "g2" {
		t.Errorf("results = %v", lr.Results)
	}
}

func TestQueue_ListEmptyResultsNeverNil(t *testing.T) {
	srv := httptest.NewServer(&fakePartner{handler: func(w http.ResponseWriter, r *http.Request) bool {
		_, _ = io.WriteString(w, `{"status":"ok","total_count":0,"result_count":0}`)
		return true
	}})
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	lr, err := c.Queue(model.FamilyResults).List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if lr.Results == nil {
		t.Error("Results is nil, want empty slice")
	}
}

func TestQueue_DetailJSONAndText(t *testing.T) {
	srv := httptest.NewServer(&fakePartner{handler: func(w http.ResponseWriter, r *http.Request) bool {
		if strings.HasSuffix(r.URL.Path, "/text") {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, "Received Time:1\nMSH|^~\\&|")
			return true
		}
		if strings.HasSuffix(r.URL.Path, "/badjson") {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			_, _ = io.WriteString(w, "{not json")
			return true
		}
		return false
	}})
	defer srv.Close()
	c := newTestClient(t, srv, nil)
	q := c.Queue(model.FamilyConfirmations)
	ctx := context.Background()

	d, err := q.Detail(ctx, "json")
	if err != nil {
		t.Fatalf("Detail json: %v", err)
	}
	if !d.JSON || d.GUID != "json" {
		t.Errorf("json detail = %+v", d)
	}

	d, err = q.Detail(ctx, "text")
	if err != nil {
		t.Fatalf("Detail text: %v", err)
	}
	if d.JSON {
		t.Error("text detail reported as JSON")
	}
	if !strings.HasPrefix(string(d.Body), "Received Time:1") {
		t.Errorf("text body = %q", d.Body)
	}

	d, err = q.Detail(ctx, "badjson")
	if err != nil {
		t.Fatalf("Detail badjson: %v", err)
	}
	if d.JSON {
		t.Error("invalid JSON body reported as JSON")
	}
}

func TestQueue_AckResponse(t *testing.T) {
	srv := httptest.NewServer(&fakePartner{})
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	ar, err := c.Queue(model.FamilyOrders).Ack(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if ar.Status != "ok" || ar.ID.String() != "42" {
		t.Errorf("ack = %+v, want status ok id 42", ar)
	}
}

func TestQueue_AckErrorStatus(t *testing.T) {
	srv := httptest.NewServer(&fakePartner{handler: func(w http.ResponseWriter, r *http.Request) bool {
		if strings.HasSuffix(r.URL.Path, "/ack") {
			_, _ = io.WriteString(w, `{"status":"error","message":"unknown guid"}`)
			return true
		}
		return false
	}})
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	_, err := c.Queue(model.FamilyResults).Ack(context.Background(), "g1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %v", err)
	}
	if apiErr.Body != "unknown guid" || apiErr.Op != "ack" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestQueue_AckPlainTextBody(t *testing.T) {
	srv := httptest.NewServer(&fakePartner{handler: func(w http.ResponseWriter, r *http.Request) bool {
		if strings.HasSuffix(r.URL.Path, "/ack") {
			_, _ = io.WriteString(w, "acknowledged\n")
			return true
		}
		return false
	}})
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	ar, err := c.Queue(model.FamilyOrders).Ack(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if ar.Message != "acknowledged" {
		t.Errorf("message = %q, want acknowledged", ar.Message)
	}
}

func TestQueue_Non2xxIsAPIError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(&fakePartner{handler: func(w http.ResponseWriter, r *http.Request) bool {
		hits.Add(1)
		http.Error(w, "nope", http.StatusUnauthorized)
		return true
	}})
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	_, err := c.Queue(model.FamilyOrders).List(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Family != model.FamilyOrders {
		t.Errorf("APIError = %+v", apiErr)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hit %d times, want 1", n)
	}
}

func TestQueue_UnknownFamilyPanics(t *testing.T) {
	srv := httptest.NewServer(&fakePartner{})
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	defer func() {
		if recover() == nil {
			t.Error("expected panic for unknown family")
		}
	}()
	c.Queue(model.Family("invoices"))
}

func TestClient_Check(t *testing.T) {
	srv := httptest.NewServer(&fakePartner{handler: func(w http.ResponseWriter, r *http.Request) bool {
		if strings.HasPrefix(r.URL.Path, "/interface/results") {
			http.Error(w, "forbidden", http.StatusForbidden)
			return true
		}
		return false
	}})
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	err := c.Check(context.Background())
	if err == nil {
		t.Fatal("expected error from results family")
	}
	if !strings.Contains(err.Error(), "results") {
		t.Errorf("error = %v, want mention of results", err)
	}
}

// ---------------------------------------------------------------------------
// Circuit breaker
// ---------------------------------------------------------------------------

func TestQueue_BreakerOpensAfterTransportFailures(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	var delays []time.Duration
	c, err := NewClient(Options{
		BaseURL:          base,
		Credentials:      testCredentials(),
		Transport:        newTestTransport(&delays, WithMaxAttempts(1)),
		BreakerThreshold: 2,
		BreakerTimeout:   time.Minute,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	q := c.Queue(model.FamilyOrders)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := q.List(ctx)
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("call %d: want *TransportError, got %v", i, err)
		}
	}
	_, err = q.List(ctx)
	if err == nil || !strings.Contains(err.Error(), "circuit breaker is open") {
		t.Errorf("third call error = %v, want open breaker", err)
	}

	// Other families have their own breaker.
	_, err = c.Queue(model.FamilyResults).List(ctx)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Errorf("results family should still reach the transport, got %v", err)
	}
}

func TestQueue_BreakerIgnoresAPIErrors(t *testing.T) {
	srv := httptest.NewServer(&fakePartner{handler: func(w http.ResponseWriter, r *http.Request) bool {
		http.Error(w, "bad", http.StatusBadRequest)
		return true
	}})
	defer srv.Close()
	c := newTestClient(t, srv, func(o *Options) {
		o.BreakerThreshold = 1
		o.BreakerTimeout = time.Minute
	})
	q := c.Queue(model.FamilyOrders)

	for i := 0; i < 3; i++ {
		_, err := q.List(context.Background())
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("call %d: want *APIError, got %v", i, err)
		}
	}
}

func TestQueue_DetailOversizedBodyFails(t *testing.T) {
	srv := httptest.NewServer(&fakePartner{handler: func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method != http.MethodGet || !strings.HasSuffix(r.URL.Path, "/123-big") {
			return false
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"values":"`+strings.Repeat("9", 4096)+`"}`)
		return true
	}})
	defer srv.Close()

	var delays []time.Duration
	c := newTestClient(t, srv, func(o *Options) {
		o.Transport = newTestTransport(&delays, withMaxBodyBytes(1024))
		o.BreakerThreshold = 1
		o.BreakerTimeout = time.Minute
	})
	q := c.Queue(model.FamilyResults)

	for i := 0; i < 2; i++ {
		d, err := q.Detail(context.Background(), "123-big")
		if !errors.Is(err, ErrBodyTooLarge) {
			t.Fatalf("call %d: err = %v, want ErrBodyTooLarge", i, err)
		}
		if d != nil {
			t.Fatalf("call %d: detail = %+v, want nil", i, d)
		}
	}

	// The breaker stays closed, so the queue still answers.
	if _, err := q.List(context.Background()); err != nil {
		t.Errorf("List after oversized detail: %v", err)
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "abc", 5, "abc"},
		{"ascii", "abcdef", 3, "abc…"},
		{"mid rune backs off", "aé", 2, "a…"},
		{"rune boundary kept", "aé", 3, "aé"},
		{"multibyte run", "日本語", 4, "日…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) = %q is not valid UTF-8", tt.in, tt.n, got)
			}
		})
	}
}

func TestIsJSONContentType(t *testing.T) {
	tests := map[string]bool{
		"application/json":                true,
		"application/json; charset=utf-8": true,
		"application/problem+json":        true,
		"text/plain":                      false,
		"":                                false,
		"garbage;;":                       false,
	}
	for ct, want := range tests {
		if got := isJSONContentType(ct); got != want {
			t.Errorf("isJSONContentType(%q) = %v, want %v", ct, got, want)
		}
	}
}
