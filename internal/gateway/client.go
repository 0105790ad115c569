package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

var _ payment.Gateway = (*Client)(nil)

// Client calls the settlement provider over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL string
	APIKey  string
	// Timeout bounds a whole request. The settle stage applies its own
	// deadline on top.
	Timeout        time.Duration
	TracerProvider trace.TracerProvider
}

// NewClient creates a Client with an instrumented transport.
func NewClient(opts ClientOptions) *Client {
	transportOpts := []otelhttp.Option{}
	if opts.TracerProvider != nil {
		transportOpts = append(transportOpts, otelhttp.WithTracerProvider(opts.TracerProvider))
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, transportOpts...),
		},
	}
}

// Charge asks the provider to collect c.Amount.
func (c *Client) Charge(ctx context.Context, ch payment.Charge) (payment.GatewayResult, error) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encodeCharge(e, ch)
	return c.post(ctx, chargePath, e.Bytes())
}

// Refund asks the provider to return amount of an earlier charge.
func (c *Client) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (payment.GatewayResult, error) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encodeRefund(e, refundRequest{TransactionID: transactionID, Amount: amount})
	return c.post(ctx, refundPath, e.Bytes())
}

func (c *Client) post(ctx context.Context, path string, body []byte) (payment.GatewayResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return payment.GatewayResult{}, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return payment.GatewayResult{}, errors.Wrapf(err, "post %s", path)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return payment.GatewayResult{}, errors.Wrap(err, "read response")
	}
	if resp.StatusCode/100 != 2 {
		return payment.GatewayResult{}, errors.Errorf("post %s: provider returned %d", path, resp.StatusCode)
	}
	res, err := decodeResult(jx.DecodeBytes(data))
	if err != nil {
		return payment.GatewayResult{}, errors.Wrap(err, "decode response")
	}
	return res, nil
}
