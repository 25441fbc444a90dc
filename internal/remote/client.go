// Package remote is the HTTP client of the order service: pricing, asset
// registration, order submission and submission polling.
package remote

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/print-checkout/internal/domain/order"
	"github.com/xenking/print-checkout/internal/wire"
)

// Config configures the order service client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// CompressUploads gzips asset bodies.
	CompressUploads bool
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTelemetry instruments outgoing requests.
func WithTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) Option {
	return func(cl *Client) {
		cl.http.Transport = otelhttp.NewTransport(cl.http.Transport,
			otelhttp.WithTracerProvider(tp),
			otelhttp.WithMeterProvider(mp),
		)
	}
}

// Client talks to the order service.
type Client struct {
	base     string
	apiKey   string
	compress bool
	http     *http.Client
	lg       *zap.Logger
}

// New creates a Client.
func New(cfg Config, lg *zap.Logger, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		compress: cfg.CompressUploads,
		http:     &http.Client{Timeout: timeout, Transport: http.DefaultTransport},
		lg:       lg,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ComputeCost prices the order. The returned cost carries no fingerprint;
// the caller stamps it with the inputs it sent.
func (c *Client) ComputeCost(ctx context.Context, o *order.Order) (*order.Cost, error) {
	var e jx.Encoder
	encodeCostRequest(&e, o)

	resp, err := c.do(ctx, http.MethodPost, "/v1/cost", nil, bytes.NewReader(e.Bytes()), "application/json", nil)
	if err != nil {
		return nil, errors.Wrap(err, "compute cost")
	}
	defer func() { _ = resp.Body.Close() }()

	cost, err := decodeCost(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "compute cost")
	}
	return cost, nil
}

// RegisterAsset uploads asset bytes and returns the URL the service serves them from.
func (c *Client) RegisterAsset(ctx context.Context, assetID string, body io.Reader) (string, error) {
	header := http.Header{}
	if c.compress {
		body = gzipStream(body)
		header.Set("Content-Encoding", "gzip")
	}
	q := url.Values{"asset_id": {assetID}}

	resp, err := c.do(ctx, http.MethodPost, "/v1/assets", q, body, "application/octet-stream", header)
	if err != nil {
		return "", errors.Wrapf(err, "register asset %s", assetID)
	}
	defer func() { _ = resp.Body.Close() }()

	var assetURL string
	if err := wire.ReadObject(resp.Body, func(d *jx.Decoder, key string) error {
		if key == "url" {
			v, err := d.Str()
			assetURL = v
			return err
		}
		return d.Skip()
	}); err != nil {
		return "", errors.Wrapf(err, "register asset %s", assetID)
	}
	return assetURL, nil
}

// SubmitOrder sends the order with its registered asset URLs. 201 means the
// order was accepted; 202 means acceptance is confirmed by polling.
func (c *Client) SubmitOrder(ctx context.Context, req order.SubmitRequest) (*order.Submission, error) {
	var e jx.Encoder
	if err := encodeSubmitRequest(&e, req); err != nil {
		return nil, errors.Wrap(err, "submit order")
	}
	header := http.Header{}
	if req.IdempotencyKey != "" {
		header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/orders", nil, bytes.NewReader(e.Bytes()), "application/json", header)
	if err != nil {
		return nil, errors.Wrap(err, "submit order")
	}
	defer func() { _ = resp.Body.Close() }()

	sub, err := decodeSubmission(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "submit order")
	}
	if sub.Status == "" {
		switch resp.StatusCode {
		case http.StatusAccepted:
			sub.Status = order.SubmissionPending
		default:
			sub.Status = order.SubmissionAccepted
		}
	}
	c.lg.Debug("Order submitted",
		zap.String("order_id", req.Order.ID),
		zap.String("status", string(sub.Status)),
	)
	return sub, nil
}

// PollSubmission checks on a submission that was answered with a poll token.
func (c *Client) PollSubmission(ctx context.Context, pollToken string) (*order.Submission, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/submissions/"+url.PathEscape(pollToken), nil, nil, "", nil)
	if err != nil {
		return nil, errors.Wrap(err, "poll submission")
	}
	defer func() { _ = resp.Body.Close() }()

	sub, err := decodeSubmission(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "poll submission")
	}
	if sub.Status == "" {
		return nil, errors.New("poll submission: missing status")
	}
	return sub, nil
}

// do sends a request and returns the response for any 2xx status. Other
// statuses are turned into errors and the body is closed.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, header http.Header) (*http.Response, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	return nil, statusError(resp)
}

// statusError converts a non-2xx response. Client errors carrying a message
// become *order.APIError; everything else is a generic failure.
func statusError(resp *http.Response) error {
	var code, message string
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(data) > 0 {
		_ = jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "code":
				code, err = d.Str()
			case "message":
				message, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		})
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && message != "" {
		return &order.APIError{StatusCode: resp.StatusCode, Code: code, Message: message}
	}
	if message != "" {
		return errors.Errorf("order service: status %d: %s", resp.StatusCode, message)
	}
	return errors.Errorf("order service: status %d", resp.StatusCode)
}
