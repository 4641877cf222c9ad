// Package transport issues the actual upstream API calls and translates
// raw HTTP outcomes into the broker's error taxonomy.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"modelbroker/internal/budget"
	"modelbroker/internal/core"
)

// Request is one upstream call.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
	Spec    core.ModelSpec
}

// Usage is the token accounting extracted from a response body.
type Usage struct {
	TotalTokens  int64
	OutputTokens int64
}

// Response is a completed upstream call. Headers are kept whole so the
// budget store can read the rate-limit family without transport knowing
// the header names.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
	Latency time.Duration
	Usage   Usage
}

// Transport sends requests upstream. The broker depends on this interface
// so tests can substitute a scripted fake.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// ClientConfig tunes the underlying HTTP client.
type ClientConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	Timeout               time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
}

// DefaultClientConfig matches the upstream SDKs' 10 minute ceiling while
// keeping connection setup on a short leash.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		Timeout:               10 * time.Minute,
		DialTimeout:           30 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Minute,
	}
}

// HTTPTransport is the production transport over a tuned http.Client.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTP builds an HTTP transport. A nil config uses the defaults.
func NewHTTP(cfg *ClientConfig) *HTTPTransport {
	if cfg == nil {
		def := DefaultClientConfig()
		cfg = &def
	}
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAlive,
	}
	return &HTTPTransport{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				MaxIdleConns:          cfg.MaxIdleConns,
				MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
				IdleConnTimeout:       cfg.IdleConnTimeout,
				TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
				ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
			},
		},
	}
}

// Send issues the request. Network failures and non-2xx statuses come back
// as classified broker errors; the caller never sees a raw HTTP status.
// On a classified status error the response is returned alongside the error
// so its headers still feed the budget store.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, core.NewUnknownError(fmt.Errorf("build request: %w", err))
	}
	for k, vals := range req.Headers {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Content-Type") == "" && len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	httpRes, err := t.client.Do(httpReq)
	if err != nil {
		return nil, core.Classify(err)
	}
	defer httpRes.Body.Close()

	payload, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return nil, core.Classify(err)
	}

	res := &Response{
		Status:  httpRes.StatusCode,
		Headers: httpRes.Header,
		Body:    payload,
		Latency: time.Since(start),
	}

	if httpRes.StatusCode < 200 || httpRes.StatusCode > 299 {
		retryAfter, _ := budget.RetryAfterHeader(httpRes.Header)
		return res, core.ClassifyStatus(httpRes.StatusCode, retryAfter, errorMessage(payload, httpRes.StatusCode))
	}

	res.Usage = ExtractUsage(payload)
	return res, nil
}

// ExtractUsage pulls token counts out of a response body. Both the chat
// completions shape (usage.completion_tokens) and the responses shape
// (usage.output_tokens) are understood; absent fields read as zero.
func ExtractUsage(body []byte) Usage {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return Usage{}
	}
	out := usage.Get("output_tokens")
	if !out.Exists() {
		out = usage.Get("completion_tokens")
	}
	return Usage{
		TotalTokens:  usage.Get("total_tokens").Int(),
		OutputTokens: out.Int(),
	}
}

// errorMessage extracts a human-readable error out of an upstream error
// body, falling back to the status text.
func errorMessage(body []byte, status int) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return msg.String()
	}
	return http.StatusText(status)
}
