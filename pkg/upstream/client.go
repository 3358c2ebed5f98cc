// Package upstream implements the UpstreamClient: one attempt against
// one account's ordered endpoint-fallback list, with response
// classification, reset-time parsing, and empty-stream retry, per
// spec §4.5.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/skyforge-ai/antigravity-gateway/internal/backoff"
	"github.com/skyforge-ai/antigravity-gateway/internal/gatewayerrors"
	"github.com/skyforge-ai/antigravity-gateway/internal/httpclient"
	"github.com/skyforge-ai/antigravity-gateway/internal/sse"
	"github.com/skyforge-ai/antigravity-gateway/pkg/account"
	"github.com/skyforge-ai/antigravity-gateway/pkg/anthropic"
	"github.com/skyforge-ai/antigravity-gateway/pkg/telemetry"
	"github.com/skyforge-ai/antigravity-gateway/pkg/transcode"
)

const (
	streamPath          = "/v1internal:streamGenerateContent?alt=sse"
	nonStreamPath       = "/v1internal:generateContent"
	serverErrorPause    = 1 * time.Second
	maxEmptyStreamRetry = 3
)

// Config lists the ordered Cloud-Code endpoint fallback set: primary
// first, then geo/product alternates.
type Config struct {
	Endpoints []string
	// Tracer spans each Attempt's endpoint-fallback loop. Defaults to a
	// no-op tracer when nil.
	Tracer trace.Tracer
}

// Client drives one dispatcher attempt: build the vendor payload for
// one account, try each endpoint in order, classify the response.
type Client struct {
	http   *httpclient.Client
	cfg    Config
	tracer trace.Tracer
}

// New builds a Client around the given httpclient and endpoint list.
// The tracer defaults to a no-op tracer if cfg.Tracer is nil.
func New(h *httpclient.Client, cfg Config) *Client {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.GetTracer(telemetry.DefaultSettings())
	}
	return &Client{http: h, cfg: cfg, tracer: tracer}
}

// Result is the outcome of a successful Attempt.
type Result struct {
	// Message is set for a non-streaming 2xx response.
	Message *anthropic.ResponseMessage
	// Events is set for a streaming 2xx response; it is closed when the
	// stream (including any internal empty-response retries) completes.
	Events <-chan anthropic.Event
}

// Attempt tries every configured endpoint in order for one (account,
// token, request) triple. It returns a classified error the dispatcher
// can act on: *RateLimitedError / *AuthError / *ServerError signal
// "continue the retry loop" in different ways; a *gatewayerrors.GatewayError
// of kind permission_error or invalid_request_error is terminal.
func (c *Client) Attempt(ctx context.Context, acct *account.Account, token string, req *anthropic.Request, nowMs int64) (*Result, error) {
	return telemetry.RecordSpan(ctx, c.tracer, telemetry.SpanOptions{
		Name:        "upstream.attempt",
		Attributes:  telemetry.GetBaseAttributes("cloud-code", req.Model, nil, nil),
		EndWhenDone: true,
	}, func(ctx context.Context, span trace.Span) (*Result, error) {
		telemetry.AddSettingsAttributes(span, "upstream.request", map[string]interface{}{
			"account":        acct.DisplayName(),
			"stream":         req.Stream,
			"endpoint_count": len(c.cfg.Endpoints),
		})
		return c.attempt(ctx, acct, token, req, nowMs)
	})
}

// attempt is the endpoint-fallback loop Attempt spans.
func (c *Client) attempt(ctx context.Context, acct *account.Account, token string, req *anthropic.Request, nowMs int64) (*Result, error) {
	envelope := transcode.AnthropicRequestToCloudCode(req, acct.ProjectID)
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, gatewayerrors.Wrap(gatewayerrors.KindAPIError, "failed to encode upstream request", err)
	}

	var (
		sawAuthFailure bool
		sawRateLimit   bool
		sawServerError bool
		minResetMs     int64 = -1
		lastNetErr     error
	)

	for _, base := range c.cfg.Endpoints {
		path := nonStreamPath
		if req.Stream {
			path = streamPath
		}

		resp, err := c.post(ctx, base, path, token, payload)
		if err != nil {
			lastNetErr = err
			if sleepErr := backoff.Sleep(ctx, serverErrorPause); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return c.handleSuccess(ctx, resp, acct, token, payload, req, base, nowMs)

		case resp.StatusCode == http.StatusUnauthorized:
			drainAndClose(resp)
			sawAuthFailure = true
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			body := readAndClose(resp)
			reset := parseResetTime(resp.Header, body, nowMs)
			if minResetMs < 0 || reset < minResetMs {
				minResetMs = reset
			}
			sawRateLimit = true
			continue

		case resp.StatusCode == http.StatusForbidden:
			drainAndClose(resp)
			return nil, gatewayerrors.New(gatewayerrors.KindPermission, "upstream denied permission")

		case resp.StatusCode >= 500:
			drainAndClose(resp)
			sawServerError = true
			if sleepErr := backoff.Sleep(ctx, serverErrorPause); sleepErr != nil {
				return nil, sleepErr
			}
			continue

		default:
			body := readAndClose(resp)
			return nil, gatewayerrors.New(gatewayerrors.KindInvalidRequest, "upstream rejected request: "+string(body))
		}
	}

	switch {
	case sawAuthFailure:
		return nil, &AuthError{}
	case sawRateLimit:
		return nil, &RateLimitedError{ResetEpochMs: minResetMs}
	case sawServerError || lastNetErr != nil:
		return nil, &ServerError{Cause: lastNetErr}
	default:
		return nil, gatewayerrors.New(gatewayerrors.KindAPIError, "no endpoints configured")
	}
}

func (c *Client) post(ctx context.Context, base, path string, token string, payload []byte) (*http.Response, error) {
	r := httpclient.Request{
		Method:          http.MethodPost,
		Path:            path,
		BaseURLOverride: base,
		Body:            bytes.NewReader(payload),
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + token,
		},
	}
	return c.http.DoStream(ctx, r)
}

func (c *Client) handleSuccess(ctx context.Context, resp *http.Response, acct *account.Account, token string, payload []byte, req *anthropic.Request, base string, nowMs int64) (*Result, error) {
	if !req.Stream {
		body := readAndClose(resp)
		var decoded transcode.CloudCodeNonStreamResponse
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, gatewayerrors.Wrap(gatewayerrors.KindAPIError, "malformed upstream response", err)
		}
		return &Result{Message: transcode.CloudCodeNonStreamToAnthropic(decoded, req.Model)}, nil
	}

	events := c.streamWithEmptyRetry(ctx, resp, base, token, payload, req)
	return &Result{Events: events}, nil
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func readAndClose(resp *http.Response) []byte {
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return body
}

// streamWithEmptyRetry drains resp as a Cloud-Code SSE stream into
// Anthropic events. If the stream ends without any content part (so
// nothing, not even message_start, was forwarded), it retries the same endpoint with the same
// payload up to maxEmptyStreamRetry times (§4.5); after exhaustion it
// emits a synthetic assistant message instead of an empty one.
func (c *Client) streamWithEmptyRetry(ctx context.Context, resp *http.Response, base, token string, payload []byte, req *anthropic.Request) <-chan anthropic.Event {
	out := make(chan anthropic.Event, 16)

	go func() {
		defer close(out)

		current := resp
		for attempt := 0; ; attempt++ {
			state := transcode.NewCloudCodeStreamState(req.Model)
			finishReason, emptyErr := pumpCloudCodeStream(ctx, current, state, out)
			current.Body.Close()

			if emptyErr == nil {
				for _, ev := range state.Finish(finishReason) {
					if !sendEvent(ctx, out, ev) {
						return
					}
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			if attempt >= maxEmptyStreamRetry {
				emitEmptyResponseFallback(ctx, out)
				return
			}

			next, err := c.post(ctx, base, streamPath, token, payload)
			if err != nil || next.StatusCode < 200 || next.StatusCode >= 300 {
				if next != nil {
					drainAndClose(next)
				}
				emitEmptyResponseFallback(ctx, out)
				return
			}
			current = next
		}
	}()

	return out
}

// pumpCloudCodeStream reads SSE frames from resp, applies each to state,
// and forwards the resulting events to out. It returns the terminal
// finish reason and errEmptyStream if the stream produced no content.
func pumpCloudCodeStream(ctx context.Context, resp *http.Response, state *transcode.CloudCodeStreamState, out chan<- anthropic.Event) (string, error) {
	parser := sse.NewSSEParser(resp.Body)
	finishReason := ""

	for {
		frame, err := parser.Next()
		if err != nil {
			break
		}
		if frame.Data == "" || frame.Data == "[DONE]" {
			continue
		}
		var chunk transcode.CloudCodeChunk
		if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
			continue
		}
		if len(chunk.Candidates) > 0 && chunk.Candidates[0].FinishReason != "" {
			finishReason = chunk.Candidates[0].FinishReason
		}
		for _, ev := range state.Apply(chunk) {
			if !sendEvent(ctx, out, ev) {
				return finishReason, nil
			}
		}
	}

	if state.Empty() {
		return finishReason, errEmptyStream
	}
	return finishReason, nil
}

// emitEmptyResponseFallback sends the synthetic fallback message
// required once the empty-stream retry budget is exhausted (§4.5,
// scenario 6): a single text block reading the fixed notice, correctly
// framed start-to-stop.
func emitEmptyResponseFallback(ctx context.Context, out chan<- anthropic.Event) {
	msg := &anthropic.ResponseMessage{
		ID:      "msg_empty_fallback",
		Type:    "message",
		Role:    anthropic.RoleAssistant,
		Content: []anthropic.ContentBlock{},
	}
	events := []anthropic.Event{
		anthropic.MessageStart(msg),
		anthropic.ContentBlockStart(0, anthropic.TextBlock{Type: "text", Text: ""}),
		anthropic.ContentBlockTextDelta(0, emptyResponseNotice),
		anthropic.ContentBlockStop(0),
		anthropic.MessageDeltaEvent("end_turn", 0),
		anthropic.MessageStop(),
	}
	for _, ev := range events {
		if !sendEvent(ctx, out, ev) {
			return
		}
	}
}

func sendEvent(ctx context.Context, out chan<- anthropic.Event, ev anthropic.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

const emptyResponseNotice = "[No response after retries - please try again]"

var errEmptyStream = errors.New("upstream stream produced no content")
