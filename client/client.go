package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/totegamma/affiliate-ledger/internal/domain"
)

var tracer = otel.Tracer("client")

const (
	defaultTimeout      = 10 * time.Second
	defaultProbeTimeout = 5 * time.Second
	defaultUserAgent    = "affiliate-ledger/1.0"
	maxResponseBytes    = 1 << 20
)

// Attempt results reported to the observer.
const (
	ResultSuccess     = "success"
	ResultTimeout     = "timeout"
	ResultUnavailable = "unavailable"
	ResultRejected    = "rejected"
	ResultError       = "error"
)

type Options struct {
	BaseURL        string
	RequestTimeout time.Duration
	ProbeTimeout   time.Duration
	Retry          RetryPolicy
	UserAgent      string

	// Observer is called once per attempt with one of the Result constants.
	Observer func(result string)

	// Transport overrides http.DefaultTransport.
	Transport http.RoundTripper
}

// Client talks to the upstream transaction-construction service. It knows
// nothing about affiliates.
type Client struct {
	client         *http.Client
	transport      http.RoundTripper
	baseURL        string
	userAgent      string
	requestTimeout time.Duration
	probeTimeout   time.Duration
	retry          RetryPolicy
	observe        func(string)
}

func New(opts Options) *Client {
	c := &Client{
		transport:      opts.Transport,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		userAgent:      opts.UserAgent,
		requestTimeout: opts.RequestTimeout,
		probeTimeout:   opts.ProbeTimeout,
		retry:          opts.Retry,
		observe:        opts.Observer,
	}
	if c.transport == nil {
		c.transport = http.DefaultTransport
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultTimeout
	}
	if c.probeTimeout <= 0 {
		c.probeTimeout = defaultProbeTimeout
	}
	if c.observe == nil {
		c.observe = func(string) {}
	}

	c.client = &http.Client{Transport: c}
	return c
}

func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.userAgent)
	return c.transport.RoundTrip(req)
}

// Configured reports whether an upstream base URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

type transactionRequest struct {
	Amount float64 `json:"amount"`
}

type transactionResponse struct {
	Transaction string `json:"transaction"`
}

// RequestTransaction asks the upstream to build a purchase transaction for
// amount and returns the opaque transaction blob.
func (c *Client) RequestTransaction(ctx context.Context, amount float64) (string, error) {
	ctx, span := tracer.Start(ctx, "Upstream.Client.RequestTransaction")
	defer span.End()

	if !c.Configured() {
		err := domain.NewError(domain.KindUpstreamUnavailable, "upstream base url is not configured", nil)
		span.RecordError(err)
		return "", err
	}

	body, err := json.Marshal(transactionRequest{Amount: amount})
	if err != nil {
		return "", errors.Wrap(err, "Client.RequestTransaction: marshal failed")
	}

	var blob string
	attempts := 0
	err = c.retry.Do(ctx, func() error {
		attempts++
		tx, err := c.requestOnce(ctx, body)
		c.observe(resultOf(err))
		if err != nil {
			return err
		}
		blob = tx
		return nil
	})
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		slog.ErrorContext(
			ctx, "upstream transaction request failed",
			slog.String("module", "client"),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	return blob, nil
}

func (c *Client) requestOnce(ctx context.Context, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/buy_tokens_action", bytes.NewReader(body))
	if err != nil {
		return "", domain.NewError(domain.KindInternal, "failed to create upstream request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", classifyTransportError(ctx, err)
	}

	if resp.StatusCode >= 500 {
		return "", domain.NewError(domain.KindUpstreamUnavailable, fmt.Sprintf("upstream returned status %d", resp.StatusCode), nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", domain.NewError(domain.KindUpstreamRejected, fmt.Sprintf("upstream rejected the request with status %d", resp.StatusCode), nil)
	}

	var out transactionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", domain.NewError(domain.KindUpstreamRejected, "upstream response is not valid JSON", err)
	}
	if out.Transaction == "" {
		return "", domain.NewError(domain.KindUpstreamRejected, "upstream response has no transaction", nil)
	}
	return out.Transaction, nil
}

// Ping probes GET <baseURL>/health. Connection failures and timeouts are
// UpstreamUnavailable; any non-200 answer is UpstreamRejected.
func (c *Client) Ping(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Upstream.Client.Ping")
	defer span.End()

	if !c.Configured() {
		return domain.NewError(domain.KindUpstreamUnavailable, "upstream base url is not configured", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "Client.Ping: new request failed")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return domain.NewError(domain.KindUpstreamUnavailable, "upstream is unreachable", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode != http.StatusOK {
		return domain.NewError(domain.KindUpstreamRejected, fmt.Sprintf("upstream health returned status %d", resp.StatusCode), nil)
	}
	return nil
}

func classifyTransportError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.NewError(domain.KindUpstreamTimeout, "upstream request timed out", err)
	}
	return domain.NewError(domain.KindUpstreamUnavailable, "upstream connection failed", err)
}

func resultOf(err error) string {
	if err == nil {
		return ResultSuccess
	}
	switch domain.KindOf(err) {
	case domain.KindUpstreamTimeout:
		return ResultTimeout
	case domain.KindUpstreamUnavailable:
		return ResultUnavailable
	case domain.KindInternal:
		return ResultError
	default:
		return ResultRejected
	}
}
