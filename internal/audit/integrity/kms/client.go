package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	dErrors "github.com/smedrec/smart-logs-sub000/pkg/domain-errors"
	"github.com/smedrec/smart-logs-sub000/pkg/platform/sentinel"
)

var tracer = otel.Tracer("audit/kms")

// RetryPolicy governs retries of 5xx and network failures. 4xx responses are
// terminal and never retried.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

// DefaultRetryPolicy is used unless overridden.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    4,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Multiplier:     2,
	Jitter:         0.2,
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff)
	for range attempt - 1 {
		d *= p.Multiplier
	}
	if maxD := float64(p.MaxBackoff); p.MaxBackoff > 0 && d > maxD {
		d = maxD
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// Client is an HTTP client for the signing collaborator.
type Client struct {
	baseURL    *url.URL
	keyID      string
	token      string
	httpClient *http.Client
	retry      RetryPolicy
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(baseURL, keyID string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("kms base URL is required")
	}
	if keyID == "" {
		return nil, errors.New("kms key id is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse kms base URL: %w", err)
	}
	c := &Client{
		baseURL:    u,
		keyID:      keyID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      DefaultRetryPolicy,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts <= 0 {
		c.retry.MaxAttempts = 1
	}
	return c, nil
}

// KeyID returns the key this client signs with.
func (c *Client) KeyID() string { return c.keyID }

// Sign asks the KMS to sign data.
func (c *Client) Sign(ctx context.Context, data []byte, algorithm SigningAlgorithm) (SignResult, error) {
	req := signRequest{
		Data:             base64.StdEncoding.EncodeToString(data),
		SigningAlgorithm: algorithm,
	}
	var resp signResponse
	if err := c.call(ctx, c.keyID, "sign", req, &resp); err != nil {
		return SignResult{}, err
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		return SignResult{}, dErrors.Wrap(err, dErrors.CodePermanent, "decode kms signature")
	}
	keyID := resp.KeyID
	if keyID == "" {
		keyID = c.keyID
	}
	return SignResult{Signature: sig, KeyID: keyID, Algorithm: algorithm}, nil
}

// Verify asks the KMS whether signature matches data under keyID, so
// signatures made before a key rotation still verify. An empty keyID means the
// client's current key.
func (c *Client) Verify(ctx context.Context, keyID string, data, signature []byte, algorithm SigningAlgorithm) (bool, error) {
	if keyID == "" {
		keyID = c.keyID
	}
	req := verifyRequest{
		Data:             base64.StdEncoding.EncodeToString(data),
		Signature:        base64.StdEncoding.EncodeToString(signature),
		SigningAlgorithm: algorithm,
	}
	var resp verifyResponse
	if err := c.call(ctx, keyID, "verify", req, &resp); err != nil {
		return false, err
	}
	return resp.SignatureValid, nil
}

func (c *Client) call(ctx context.Context, keyID, op string, in, out any) error {
	ctx, span := tracer.Start(ctx, "kms."+op,
		trace.WithAttributes(attribute.String("kms.key_id", keyID)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode kms %s request: %w", op, err)
	}
	endpoint := c.baseURL.JoinPath("api", "v1", "kms", "keys", keyID, op).String()

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		retryable, err := c.do(ctx, endpoint, body, out)
		if err == nil {
			span.SetAttributes(attribute.Int("kms.attempts", attempt))
			return nil
		}
		lastErr = err
		if !retryable || attempt == c.retry.MaxAttempts {
			break
		}
		wait := c.retry.backoff(attempt)
		c.logger.WarnContext(ctx, "kms call failed, retrying",
			"op", op,
			"attempt", attempt,
			"backoff", wait,
			"error", err,
		)
		select {
		case <-ctx.Done():
			lastErr = dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "kms call cancelled during backoff")
			span.RecordError(lastErr)
			span.SetStatus(codes.Error, lastErr.Error())
			return lastErr
		case <-time.After(wait):
		}
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return lastErr
}

// do performs one request. retryable is true for network failures and 5xx.
func (c *Client) do(ctx context.Context, endpoint string, body []byte, out any) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build kms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "kms request cancelled")
		}
		return true, dErrors.Wrap(fmt.Errorf("%w: %v", sentinel.ErrUnavailable, err), dErrors.CodeTransient, "kms request failed")
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 500:
		return true, dErrors.Wrap(
			fmt.Errorf("%w: status %d: %s", sentinel.ErrUnavailable, resp.StatusCode, errorMessage(payload)),
			dErrors.CodeTransient, "kms server error")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, dErrors.Newf(dErrors.CodeUnauthorized, "kms rejected credentials: status %d: %s",
			resp.StatusCode, errorMessage(payload))
	case resp.StatusCode >= 400:
		return false, dErrors.Newf(dErrors.CodePermanent, "kms rejected request: status %d: %s",
			resp.StatusCode, errorMessage(payload))
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return false, dErrors.Wrap(err, dErrors.CodePermanent, "decode kms response")
	}
	return false, nil
}

func errorMessage(payload []byte) string {
	var e errorResponse
	if json.Unmarshal(payload, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(payload)
}
