// Package localgw implements the Local Gateway (C7): a direct proxy from
// an AnthropicRequest to a single OpenAI-compatible chat completions
// endpoint, for models matched by the "local-*"/"gemma-*" prefixes.
package localgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/skyforge-ai/antigravity-gateway/internal/gatewayerrors"
	"github.com/skyforge-ai/antigravity-gateway/internal/httpclient"
	"github.com/skyforge-ai/antigravity-gateway/internal/sse"
	"github.com/skyforge-ai/antigravity-gateway/pkg/anthropic"
	"github.com/skyforge-ai/antigravity-gateway/pkg/transcode"
)

// DefaultURL is used when LOCAL_LLM_URL is unset, per spec §6.
const DefaultURL = "http://localhost:1234/v1/chat/completions"

// Config points the gateway at one OpenAI-compatible endpoint.
type Config struct {
	// URL is the full chat-completions endpoint, e.g.
	// "http://localhost:1234/v1/chat/completions".
	URL string
	// APIKey, if set, is sent as a bearer token.
	APIKey string
}

// Gateway proxies Anthropic requests to one OpenAI-compatible endpoint.
type Gateway struct {
	cfg  Config
	http *httpclient.Client
}

// New builds a Gateway. An empty cfg.URL falls back to DefaultURL.
func New(cfg Config) *Gateway {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	return &Gateway{cfg: cfg, http: httpclient.NewClient(httpclient.Config{})}
}

func (g *Gateway) headers() map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	if g.cfg.APIKey != "" {
		h["Authorization"] = "Bearer " + g.cfg.APIKey
	}
	return h
}

// Handle performs a non-streaming proxy call.
func (g *Gateway) Handle(ctx context.Context, req *anthropic.Request) (*anthropic.ResponseMessage, error) {
	body := transcode.AnthropicRequestToOpenAI(req)
	body["stream"] = false
	delete(body, "stream_options")

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, gatewayerrors.Wrap(gatewayerrors.KindAPIError, "failed to encode local request", err)
	}

	resp, err := g.http.DoStream(ctx, httpclient.Request{
		Method:          http.MethodPost,
		BaseURLOverride: g.cfg.URL,
		Body:            bytes.NewReader(payload),
		Headers:         g.headers(),
	})
	if err != nil {
		return nil, localAgentError(err.Error())
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, localAgentError(string(respBody))
	}

	var decoded transcode.OpenAINonStreamResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, gatewayerrors.Wrap(gatewayerrors.KindAPIError, "malformed local agent response", err)
	}

	msg := transcode.OpenAINonStreamToAnthropic(decoded, req.Model)
	// §4.7: non-streaming replies always report end_turn and zeroed usage,
	// since local chat-completions endpoints vary widely in how faithfully
	// they report finish_reason/usage.
	msg.StopReason = "end_turn"
	msg.Usage = anthropic.Usage{}
	return msg, nil
}

// HandleStream performs a streaming proxy call, returning a channel of
// Anthropic events. The channel is closed when the upstream stream ends
// or the context is cancelled.
func (g *Gateway) HandleStream(ctx context.Context, req *anthropic.Request) (<-chan anthropic.Event, error) {
	body := transcode.AnthropicRequestToOpenAI(req)
	body["stream"] = true

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, gatewayerrors.Wrap(gatewayerrors.KindAPIError, "failed to encode local request", err)
	}

	resp, err := g.http.DoStream(ctx, httpclient.Request{
		Method:          http.MethodPost,
		BaseURLOverride: g.cfg.URL,
		Body:            bytes.NewReader(payload),
		Headers:         g.headers(),
	})
	if err != nil {
		return nil, localAgentError(err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, localAgentError(string(respBody))
	}

	out := make(chan anthropic.Event, 16)
	go g.pumpStream(ctx, resp, req.Model, out)
	return out, nil
}

func (g *Gateway) pumpStream(ctx context.Context, resp *http.Response, model string, out chan<- anthropic.Event) {
	defer close(out)
	defer resp.Body.Close()

	state := transcode.NewOpenAIStreamState(model)
	finishReason := ""
	parser := sse.NewSSEParser(resp.Body)

	for {
		frame, err := parser.Next()
		if err != nil {
			break
		}
		if sse.IsStreamDone(frame) || frame.Data == "" {
			continue
		}

		var chunk transcode.OpenAIStreamChunk
		if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].FinishReason != nil {
			finishReason = *chunk.Choices[0].FinishReason
		}
		for _, ev := range state.Apply(chunk) {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}

	for _, ev := range state.Finish(finishReason) {
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// localAgentError wraps an upstream failure as an HTTP 502 api_error,
// with the upstream body text included verbatim. Unlike the pooled
// dispatcher path, a local endpoint is operator-controlled and doesn't
// leak OAuth tokens back to the caller.
func localAgentError(detail string) *gatewayerrors.GatewayError {
	msg := fmt.Sprintf("Local Agent Error: %s", detail)
	return gatewayerrors.New(gatewayerrors.KindAPIError, msg).WithStatus(http.StatusBadGateway)
}
