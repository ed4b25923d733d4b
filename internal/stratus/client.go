// Package stratus is the StratusDX partner API client. Each resource family
// (orders, order/received confirmations, results) is exposed as a [Queue]
// with list, detail, and acknowledge operations, authenticated with the
// family's own Basic credentials.
//
// Every call goes through a [Transport], which retries transport failures
// with linear backoff and a hard per-attempt timeout, and through a
// per-family circuit breaker. Non-2xx responses are returned as [*APIError]
// without retrying.
package stratus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/njoerd114/stratussync/internal/metrics"
	"github.com/njoerd114/stratussync/internal/model"
)

// Credentials is an HTTP Basic username/password pair.
type Credentials struct {
	Username string
	Password string
}

// Options configures a Client.
type Options struct {
	// BaseURL is the partner API root, e.g. "https://api.stratusdx.net/interface".
	BaseURL string

	// Credentials holds one pair per family. All three are required.
	Credentials map[model.Family]Credentials

	// Transport performs the HTTP exchanges. Defaults to NewTransport().
	Transport *Transport

	// BreakerThreshold is the number of consecutive transport failures that
	// opens a family's breaker. Zero or negative disables the breaker.
	BreakerThreshold int

	// BreakerTimeout is how long an open breaker stays open.
	BreakerTimeout time.Duration

	Logger *slog.Logger
}

// Client holds one Queue per resource family.
type Client struct {
	queues map[model.Family]*Queue
}

// NewClient validates opts and builds the per-family queues.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	u, err := url.ParseRequestURI(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("partner base URL %q must be a valid http or https URL", opts.BaseURL)
	}
	if opts.Transport == nil {
		opts.Transport = NewTransport()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{queues: make(map[model.Family]*Queue, len(model.Families))}
	for _, f := range model.Families {
		creds, ok := opts.Credentials[f]
		if !ok || creds.Username == "" {
			return nil, fmt.Errorf("missing partner credentials for %s", f)
		}
		q := &Queue{
			family:    f,
			baseURL:   base + "/" + f.PartnerPath(),
			creds:     creds,
			transport: opts.Transport,
			log:       opts.Logger.With("family", string(f)),
		}
		if opts.BreakerThreshold > 0 {
			q.breaker = newBreaker(f, opts.BreakerThreshold, opts.BreakerTimeout, q.log)
		}
		c.queues[f] = q
	}
	return c, nil
}

// Queue returns the queue for family f. It panics on an unknown family;
// callers obtain families from model.ParseFamily or model.Families.
func (c *Client) Queue(f model.Family) *Queue {
	q, ok := c.queues[f]
	if !ok {
		panic(fmt.Sprintf("stratus: no queue for family %q", f))
	}
	return q
}

// Check lists every family once to validate the base URL and credentials.
// Listing does not dequeue anything.
func (c *Client) Check(ctx context.Context) error {
	var errs []error
	for _, f := range model.Families {
		if _, err := c.queues[f].List(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// --- Queue -------------------------------------------------------------------

// ListResponse is the partner's queue listing. ResultCount is usually far
// smaller than TotalCount: the partner returns a small fixed page and ignores
// paging parameters, so the queue is drained by repeated list + ack cycles.
type ListResponse struct {
	Status      string   `json:"status"`
	TotalCount  int      `json:"total_count"`
	ResultCount int      `json:"result_count"`
	Results     []string `json:"results"`
}

// Detail is a fetched queue item. JSON reports whether Body is a JSON
// document (by content type and validity); otherwise Body is raw text.
type Detail struct {
	GUID        string
	ContentType string
	Body        []byte
	JSON        bool
}

// AckResponse is the partner's reply to an acknowledgement.
type AckResponse struct {
	Status  string     `json:"status"`
	ID      flexString `json:"id"`
	Message string     `json:"message"`
}

// APIError is a partner application error: a response was received but its
// status was not 2xx, or an ack body reported failure. It is never retried.
type APIError struct {
	Family     model.Family
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: partner returned status %d", e.Op, e.Family, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: partner returned status %d: %s", e.Op, e.Family, e.StatusCode, e.Body)
}

// Queue is the partner API surface of a single resource family.
type Queue struct {
	family    model.Family
	baseURL   string
	creds     Credentials
	transport *Transport
	breaker   *gobreaker.CircuitBreaker[*Response]
	log       *slog.Logger
}

// Family returns the queue's resource family.
func (q *Queue) Family() model.Family { return q.family }

// List returns the current head of the family's queue.
func (q *Queue) List(ctx context.Context) (*ListResponse, error) {
	resp, err := q.call(ctx, "list", http.MethodGet, q.baseURL)
	if err != nil {
		return nil, err
	}
	var lr ListResponse
	if err := json.Unmarshal(resp.Body, &lr); err != nil {
		return nil, fmt.Errorf("list %s: decoding response: %w", q.family, err)
	}
	if lr.Results == nil {
		lr.Results = []string{}
	}
	return &lr, nil
}

// Detail fetches a single item by GUID.
func (q *Queue) Detail(ctx context.Context, guid string) (*Detail, error) {
	resp, err := q.call(ctx, "detail", http.MethodGet, q.itemURL(guid))
	if err != nil {
		return nil, err
	}
	ct := resp.Header.Get("Content-Type")
	return &Detail{
		GUID:        guid,
		ContentType: ct,
		Body:        resp.Body,
		JSON:        isJSONContentType(ct) && json.Valid(resp.Body),
	}, nil
}

// Ack removes the item from the partner's queue.
func (q *Queue) Ack(ctx context.Context, guid string) (*AckResponse, error) {
	resp, err := q.call(ctx, "ack", http.MethodPost, q.itemURL(guid)+"/ack")
	if err != nil {
		return nil, err
	}

	var ar AckResponse
	if len(resp.Body) > 0 && json.Valid(resp.Body) {
		if err := json.Unmarshal(resp.Body, &ar); err != nil {
			return nil, fmt.Errorf("ack %s %s: decoding response: %w", q.family, guid, err)
		}
	} else {
		ar.Message = strings.TrimSpace(string(resp.Body))
	}

	switch strings.ToLower(ar.Status) {
	case "error", "failed", "failure":
		return nil, &APIError{Family: q.family, Op: "ack", StatusCode: resp.StatusCode, Body: ar.Message}
	}
	return &ar, nil
}

func (q *Queue) itemURL(guid string) string {
	return q.baseURL + "/" + url.PathEscape(guid)
}

// call runs one logical request through the breaker and transport and maps
// non-2xx statuses to *APIError.
func (q *Queue) call(ctx context.Context, op, method, rawURL string) (*Response, error) {
	start := time.Now()
	defer func() { metrics.RecordPartnerRequest(string(q.family), op, time.Since(start)) }()

	req := Request{
		Method:   method,
		URL:      rawURL,
		Username: q.creds.Username,
		Password: q.creds.Password,
		Header:   http.Header{"Accept": []string{"application/json, text/plain;q=0.9, */*;q=0.5"}},
		Family:   string(q.family),
	}
	do := func() (*Response, error) { return q.transport.Do(ctx, req) }

	var (
		resp *Response
		err  error
	)
	if q.breaker != nil {
		resp, err = q.breaker.Execute(do)
	} else {
		resp, err = do()
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, q.family, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			Family:     q.family,
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       truncate(strings.TrimSpace(string(resp.Body)), 512),
		}
	}
	return resp, nil
}

// --- circuit breaker ---------------------------------------------------------

func newBreaker(f model.Family, threshold int, timeout time.Duration, log *slog.Logger) *gobreaker.CircuitBreaker[*Response] {
	name := "stratus-" + string(f)
	metrics.CircuitBreakerState.WithLabelValues(string(f)).Set(0)

	return gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold) //nolint:gosec // threshold is validated positive
		},
		// Only transport failures count; a caller giving up or an
		// oversized body is not a partner outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrBodyTooLarge)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warn("partner circuit breaker state changed", "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(string(f)).Set(breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// --- helpers -----------------------------------------------------------------

func isJSONContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	raw := strings.TrimSpace(string(b))
	if raw == "" || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return fmt.Errorf("id must be a string or number, got %s", truncate(raw, 32))
	}
	*f = flexString(raw)
	return nil
}

func (f flexString) String() string { return string(f) }
