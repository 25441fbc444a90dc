// Package paymentgw adapts the payment gateway HTTP API to payment providers.
package paymentgw

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
	"github.com/xenking/print-checkout/internal/domain/payment"
	"github.com/xenking/print-checkout/internal/wire"
)

// Config configures the gateway client.
type Config struct {
	BaseURL string
	APIKey  string
	// PollInterval is the delay between status checks while the user
	// completes an authorization.
	PollInterval time.Duration
	Timeout      time.Duration
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

// Client is the payment gateway HTTP client shared by all providers.
type Client struct {
	base   string
	apiKey string
	poll   time.Duration
	http   *http.Client
	lg     *zap.Logger
}

// New creates a Client.
func New(cfg Config, lg *zap.Logger, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	c := &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey: cfg.APIKey,
		poll:   poll,
		http:   &http.Client{Timeout: timeout, Transport: http.DefaultTransport},
		lg:     lg,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Providers returns one provider per supported payment method.
func (c *Client) Providers() []payment.Provider {
	return []payment.Provider{
		c.Provider(order.PaymentCard),
		c.Provider(order.PaymentWallet),
		c.Provider(order.PaymentRedirect),
	}
}

// Provider returns the provider for method m.
func (c *Client) Provider(m order.PaymentMethod) *Provider {
	return &Provider{method: m, client: c}
}

type status string

const (
	statusAuthorized     status = "authorized"
	statusRequiresAction status = "requires_action"
	statusProcessing     status = "processing"
	statusDeclined       status = "declined"
	statusCancelled      status = "cancelled"
)

type authorization struct {
	ID            string
	Status        status
	Token         string
	ActionURL     string
	DeclineReason string
}

func (c *Client) create(ctx context.Context, m order.PaymentMethod, req payment.Request) (*authorization, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(req.OrderID)
	e.FieldStart("method")
	e.Str(string(m))
	wire.DecimalField(&e, "amount", req.Amount)
	e.FieldStart("currency")
	e.Str(req.Currency)
	wire.StrField(&e, "source", req.Source)
	e.ObjEnd()

	header := http.Header{}
	if req.Fingerprint != "" {
		header.Set("Idempotency-Key", req.OrderID+"-"+req.Fingerprint)
	}
	return c.call(ctx, http.MethodPost, "/v1/authorizations", e.Bytes(), header)
}

func (c *Client) get(ctx context.Context, id string) (*authorization, error) {
	return c.call(ctx, http.MethodGet, "/v1/authorizations/"+url.PathEscape(id), nil, nil)
}

func (c *Client) cancel(ctx context.Context, id string) error {
	_, err := c.call(ctx, http.MethodPost, "/v1/authorizations/"+url.PathEscape(id)+"/cancel", nil, nil)
	return err
}

func (c *Client) void(ctx context.Context, token string) error {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("token")
	e.Str(token)
	e.ObjEnd()
	_, err := c.call(ctx, http.MethodPost, "/v1/authorizations/void", e.Bytes(), nil)
	return err
}

func (c *Client) call(ctx context.Context, method, path string, body []byte, header http.Header) (*authorization, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decodeAuthorization(resp.Body)
	case resp.StatusCode == http.StatusPaymentRequired:
		a, err := decodeAuthorization(resp.Body)
		if err != nil {
			c.lg.Debug("Decode declined authorization", zap.String("path", path), zap.Error(err))
		}
		if a != nil && a.DeclineReason != "" {
			return nil, errors.Wrap(payment.ErrDeclined, a.DeclineReason)
		}
		return nil, payment.ErrDeclined
	default:
		return nil, errors.Errorf("payment gateway: status %d", resp.StatusCode)
	}
}

func decodeAuthorization(r io.Reader) (*authorization, error) {
	a := &authorization{}
	err := wire.ReadObject(r, func(d *jx.Decoder, key string) error {
		if d.Next() == jx.Null {
			return d.Null()
		}
		var (
			s   string
			err error
		)
		switch key {
		case "id", "status", "token", "action_url", "decline_reason":
			s, err = d.Str()
		default:
			return d.Skip()
		}
		switch key {
		case "id":
			a.ID = s
		case "status":
			a.Status = status(s)
		case "token":
			a.Token = s
		case "action_url":
			a.ActionURL = s
		case "decline_reason":
			a.DeclineReason = s
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode authorization")
	}
	return a, nil
}
