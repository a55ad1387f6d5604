package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/totegamma/affiliate-ledger/internal/domain"
)

type fakeTimer struct {
	c      chan time.Time
	starts []time.Duration
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{c: make(chan time.Time, 1)}
}

func (f *fakeTimer) Start(d time.Duration) {
	f.starts = append(f.starts, d)
	f.c <- time.Now()
}

func (f *fakeTimer) Stop() {}

func (f *fakeTimer) C() <-chan time.Time {
	return f.c
}

type observed struct {
	mu      sync.Mutex
	results []string
}

func (o *observed) observe(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func newTestClient(baseURL string, attempts int, timer *fakeTimer, obs *observed) *Client {
	opts := Options{
		BaseURL:        baseURL,
		RequestTimeout: time.Second,
		Retry:          RetryPolicy{MaxAttempts: attempts, Delay: time.Second, Timer: timer},
	}
	if obs != nil {
		opts.Observer = obs.observe
	}
	return New(opts)
}

func TestRequestTransactionRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/buy_tokens_action" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad body: %v", err)
		}
		if body["amount"] != 1000.0 {
			t.Errorf("unexpected amount %v", body["amount"])
		}
		if _, ok := body["affiliate_id"]; ok {
			t.Errorf("affiliate id must not be forwarded")
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"transaction":"TXBLOB"}`))
	}))
	defer srv.Close()

	timer := newFakeTimer()
	obs := &observed{}
	c := newTestClient(srv.URL, 3, timer, obs)

	blob, err := c.RequestTransaction(context.Background(), 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blob != "TXBLOB" {
		t.Fatalf("expected TXBLOB got %s", blob)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls got %d", calls.Load())
	}
	if len(timer.starts) != 2 || timer.starts[0] != time.Second || timer.starts[1] != time.Second {
		t.Fatalf("expected two fixed 1s delays, got %v", timer.starts)
	}
	want := []string{ResultUnavailable, ResultUnavailable, ResultSuccess}
	if len(obs.results) != 3 {
		t.Fatalf("unexpected observed results %v", obs.results)
	}
	for i := range want {
		if obs.results[i] != want[i] {
			t.Fatalf("unexpected observed results %v", obs.results)
		}
	}
}

func TestRequestTransactionClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3, newFakeTimer(), nil)

	_, err := c.RequestTransaction(context.Background(), 10)
	if !errors.Is(err, domain.ErrUpstreamRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call got %d", calls.Load())
	}
}

func TestRequestTransactionMissingTransactionRejected(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"message":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3, newFakeTimer(), nil)

	_, err := c.RequestTransaction(context.Background(), 10)
	if !errors.Is(err, domain.ErrUpstreamRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call got %d", calls.Load())
	}
}

func TestRequestTransactionExhaustion(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3, newFakeTimer(), nil)

	_, err := c.RequestTransaction(context.Background(), 10)
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if domain.Message(err) != "upstream unavailable after 3 attempts" {
		t.Fatalf("unexpected message %q", domain.Message(err))
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls got %d", calls.Load())
	}
}

func TestRequestTransactionTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(Options{
		BaseURL:        srv.URL,
		RequestTimeout: 20 * time.Millisecond,
		Retry:          RetryPolicy{MaxAttempts: 2, Delay: time.Second, Timer: newFakeTimer()},
	})

	_, err := c.RequestTransaction(context.Background(), 10)
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected unavailable after retries, got %v", err)
	}
	if !errors.Is(err, domain.ErrUpstreamTimeout) {
		t.Fatalf("expected the timeout to be the cause, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls got %d", calls.Load())
	}
}

func TestRequestTransactionSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	timer := newFakeTimer()
	c := newTestClient(srv.URL, 0, timer, nil)

	_, err := c.RequestTransaction(context.Background(), 10)
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if calls.Load() != 1 || len(timer.starts) != 0 {
		t.Fatalf("expected a single attempt without delay, got %d calls %v", calls.Load(), timer.starts)
	}
}

func TestRequestTransactionNotConfigured(t *testing.T) {
	c := New(Options{})
	if c.Configured() {
		t.Fatalf("expected unconfigured client")
	}
	if _, err := c.RequestTransaction(context.Background(), 1); !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestRequestTransactionMalformedBaseURL(t *testing.T) {
	timer := newFakeTimer()
	obs := &observed{}
	c := newTestClient("http://[::1", 3, timer, obs)

	_, err := c.RequestTransaction(context.Background(), 10)
	if domain.KindOf(err) != domain.KindInternal {
		t.Fatalf("expected an internal error, got %v", err)
	}
	if errors.Is(err, domain.ErrUpstreamRejected) || errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("a malformed base url is not an upstream failure: %v", err)
	}
	if len(timer.starts) != 0 || len(obs.results) != 1 || obs.results[0] != ResultError {
		t.Fatalf("expected one attempt without retry, got %v %v", timer.starts, obs.results)
	}
}

func TestUserAgentIsSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "affiliate-test" {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		w.Write([]byte(`{"transaction":"x"}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL + "/", UserAgent: "affiliate-test"})
	if _, err := c.RequestTransaction(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPing(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))

	c := New(Options{BaseURL: srv.URL})
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("expected healthy ping, got %v", err)
	}

	healthy.Store(false)
	if err := c.Ping(context.Background()); !errors.Is(err, domain.ErrUpstreamRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}

	srv.Close()
	if err := c.Ping(context.Background()); !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
