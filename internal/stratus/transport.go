package stratus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/njoerd114/stratussync/internal/metrics"
)

// maxBodyBytes caps how much of a partner response is read into memory.
const maxBodyBytes = 16 << 20

// ErrBodyTooLarge is returned when a partner response exceeds the body cap.
// The body is never truncated, so the item is not persisted or acknowledged.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// Doer is the subset of *http.Client used by Transport.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes one logical partner call. It is rebuilt into a fresh
// *http.Request for every attempt.
type Request struct {
	Method   string
	URL      string
	Username string
	Password string
	Header   http.Header

	// Family labels metrics and logs.
	Family string
}

// Response is a fully-read HTTP response. Any status code is a successful
// round trip as far as Transport is concerned.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport is the resilient HTTP layer: every attempt is bounded by a hard
// timeout, transport failures are retried with linear backoff, and received
// responses are never retried regardless of status.
type Transport struct {
	doer           Doer
	maxAttempts    int
	attemptTimeout time.Duration
	limiter        *rate.Limiter
	maxBody        int64
	sleep          sleepFunc
	log            *slog.Logger
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(d Doer) TransportOption {
	return func(t *Transport) { t.doer = d }
}

// WithMaxAttempts sets the retry ceiling. Values below 1 mean 1.
func WithMaxAttempts(n int) TransportOption {
	return func(t *Transport) { t.maxAttempts = n }
}

// WithAttemptTimeout sets the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) TransportOption {
	return func(t *Transport) { t.attemptTimeout = d }
}

// WithRateLimit paces attempts to rps requests per second across every
// family sharing the Transport. rps <= 0 disables pacing.
func WithRateLimit(rps float64) TransportOption {
	return func(t *Transport) {
		if rps <= 0 {
			t.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger used for per-attempt debug output.
func WithLogger(l *slog.Logger) TransportOption {
	return func(t *Transport) { t.log = l }
}

// withMaxBodyBytes lowers the body cap; tests use it to avoid huge bodies.
func withMaxBodyBytes(n int64) TransportOption {
	return func(t *Transport) { t.maxBody = n }
}

// withSleep replaces the backoff sleep; tests use it to avoid real waits.
func withSleep(s sleepFunc) TransportOption {
	return func(t *Transport) { t.sleep = s }
}

// NewTransport creates a Transport with 3 attempts and a 30s attempt timeout
// unless overridden.
func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{
		doer:           &http.Client{},
		maxAttempts:    DefaultMaxAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		maxBody:        maxBodyBytes,
		sleep:          sleepCtx,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do performs req, retrying transport failures. It returns the first
// received response, or a *TransportError wrapping the last failure once
// all attempts are exhausted.
func (t *Transport) Do(ctx context.Context, req Request) (*Response, error) {
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		return nil, fmt.Errorf("invalid request URL %q: %w", req.URL, err)
	}

	var resp *Response
	err := retry(ctx, t.maxAttempts, t.sleep, func(attempt int) error {
		r, err := t.attempt(ctx, req)
		metrics.RecordPartnerAttempt(req.Family, err != nil && !errors.Is(err, ErrBodyTooLarge))
		if err != nil {
			t.log.Debug("partner attempt failed",
				"family", req.Family,
				"method", req.Method,
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// attempt runs a single bounded HTTP exchange and reads the whole body
// before the attempt deadline is released.
func (t *Transport) attempt(ctx context.Context, req Request) (*Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	actx, cancel := context.WithTimeout(ctx, t.attemptTimeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(actx, req.Method, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if req.Header != nil {
		hreq.Header = req.Header.Clone()
	}
	if req.Username != "" {
		hreq.SetBasicAuth(req.Username, req.Password)
	}

	hresp, err := t.doer.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, redactURL(req.URL), err)
	}
	defer func() { _ = hresp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(hresp.Body, t.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s response body: %w", redactURL(req.URL), err)
	}
	if int64(len(body)) > t.maxBody {
		return nil, permanent(fmt.Errorf("%s %s: %w (limit %d bytes)",
			req.Method, redactURL(req.URL), ErrBodyTooLarge, t.maxBody))
	}

	return &Response{
		StatusCode: hresp.StatusCode,
		Header:     hresp.Header,
		Body:       body,
	}, nil
}

// redactURL drops any userinfo so credentials never reach logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
