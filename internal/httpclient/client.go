// Package httpclient wraps net/http with base-URL defaults, default
// headers, and JSON/streaming helpers shared by the upstream client and
// the local OpenAI-compatible gateway.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultHTTPClient is a shared HTTP client with sensible defaults
var DefaultHTTPClient = &http.Client{
	Timeout: 60 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  false,
	},
}

// Client wraps an HTTP client with additional utilities
type Client struct {
	client  *http.Client
	baseURL string
	headers map[string]string
}

// Config contains configuration for an HTTP client
type Config struct {
	// BaseURL is the base URL for all requests
	BaseURL string

	// Headers are default headers to send with all requests
	Headers map[string]string

	// Timeout for requests (default: 60 seconds)
	Timeout time.Duration

	// HTTPClient is the underlying HTTP client to use
	// If nil, DefaultHTTPClient will be used
	HTTPClient *http.Client
}

// NewClient creates a new HTTP client with the given config
func NewClient(cfg Config) *Client {
	client := cfg.HTTPClient
	if client == nil {
		// Create a new client with custom timeout if specified
		if cfg.Timeout > 0 {
			client = &http.Client{
				Timeout: cfg.Timeout,
				Transport: &http.Transport{
					MaxIdleConns:        100,
					MaxIdleConnsPerHost: 10,
					IdleConnTimeout:     90 * time.Second,
				},
			}
		} else {
			client = DefaultHTTPClient
		}
	}

	return &Client{
		client:  client,
		baseURL: cfg.BaseURL,
		headers: cfg.Headers,
	}
}

// Request represents an HTTP request
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    interface{}
	Query   map[string]string

	// BaseURLOverride, when set, replaces the client's configured base URL
	// for this request only. Used by callers that fail over across an
	// ordered list of endpoints without constructing a new Client per host.
	BaseURLOverride string
}

// buildURL joins a base URL and path and appends a query string, percent
// encoding query values along the way.
func buildURL(baseURL, path string, query map[string]string) string {
	full := baseURL + path
	if len(query) == 0 {
		return full
	}
	values := url.Values{}
	for k, v := range query {
		values.Set(k, v)
	}
	return full + "?" + values.Encode()
}

// Response represents an HTTP response
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Do performs an HTTP request
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	base := c.baseURL
	if req.BaseURLOverride != "" {
		base = req.BaseURLOverride
	}
	reqURL := buildURL(base, req.Path, req.Query)

	// Serialize body if present
	bodyReader, isJSONBody, err := bodyReaderFor(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	// Create HTTP request
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	// Add default headers
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	// Add request-specific headers
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	// Default to JSON content type only if the caller didn't set one
	// explicitly (e.g. a form-encoded io.Reader body).
	if isJSONBody && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	// Perform request
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer httpResp.Body.Close()

	// Read response body
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       respBody,
	}, nil
}

// DoStream performs an HTTP request and returns the raw response without
// buffering the body. Like Do, it does not treat 4xx/5xx as an error;
// callers that need to classify the outcome (auth, rate-limit, server
// error) need the status code and the body/headers intact.
func (c *Client) DoStream(ctx context.Context, req Request) (*http.Response, error) {
	base := c.baseURL
	if req.BaseURLOverride != "" {
		base = req.BaseURLOverride
	}
	reqURL := buildURL(base, req.Path, req.Query)

	// Serialize body if present
	bodyReader, isJSONBody, err := bodyReaderFor(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	// Create HTTP request
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	// Add default headers
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	// Add request-specific headers
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	// Default to JSON content type only if the caller didn't set one
	// explicitly (e.g. a form-encoded io.Reader body).
	if isJSONBody && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	// Perform request
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	// Caller owns httpResp.Body and must close it, regardless of status.
	return httpResp, nil
}

// bodyReaderFor builds the request body reader. An io.Reader is used
// verbatim (the caller has already encoded it, e.g. a pre-marshaled
// upstream payload); anything else is JSON-marshaled, matching the
// package's original all-bodies-are-JSON contract.
func bodyReaderFor(body interface{}) (io.Reader, bool, error) {
	if body == nil {
		return nil, false, nil
	}
	if r, ok := body.(io.Reader); ok {
		return r, true, nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, false, err
	}
	return bytes.NewReader(b), true, nil
}
